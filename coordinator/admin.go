package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/vinayprograms/taskkit/errors"
	"github.com/vinayprograms/taskkit/logging"
)

const (
	adminShutdownTimeout   = 10 * time.Second
	adminReadHeaderTimeout = 10 * time.Second
	adminWriteTimeout      = 30 * time.Second
)

// Admin serves the coordinator's HTTP API: health, Prometheus metrics,
// execution listings and concurrency limits.
type Admin struct {
	router   *chi.Mux
	svc      *Service
	sections *CriticalSections
	logger   *logging.Logger
	addr     string
}

// NewAdmin creates the admin API for svc. sections may be nil.
func NewAdmin(addr string, svc *Service, sections *CriticalSections, logger *logging.Logger) *Admin {
	if logger == nil {
		logger = logging.New().WithComponent("admin")
	}
	a := &Admin{
		router:   chi.NewRouter(),
		svc:      svc,
		sections: sections,
		logger:   logger,
		addr:     addr,
	}

	a.router.Use(middleware.RequestID)
	a.router.Use(middleware.Recoverer)
	a.router.Use(a.loggingMiddleware)
	a.router.Use(metricsMiddleware)
	a.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	a.routes()
	return a
}

func (a *Admin) routes() {
	a.router.Get("/healthz", a.handleHealthz)
	a.router.Handle("/metrics", metricsHandler())

	a.router.Route("/v1/tasks/{application}/{task}", func(r chi.Router) {
		r.Get("/executions", a.handleListExecutions)
		r.Get("/limit", a.handleGetLimit)
		r.Put("/limit", a.handleSetLimit)
		r.Get("/critical", a.handleCritical)
	})
	a.router.Get("/v1/executions/{id}", a.handleGetExecution)
}

// Router returns the chi router.
func (a *Admin) Router() *chi.Mux {
	return a.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (a *Admin) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              a.addr,
		Handler:           a.router,
		ReadHeaderTimeout: adminReadHeaderTimeout,
		WriteTimeout:      adminWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("admin_listening", map[string]interface{}{"addr": a.addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin shutdown: %w", err)
	}
	a.logger.Info("admin_stopped")
	return nil
}

func (a *Admin) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		a.logger.Debug("request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}

type healthResponse struct {
	Status string `json:"status"`
}

type limitBody struct {
	ConcurrencyLimit int `json:"concurrency_limit"`
}

type criticalBody struct {
	Held bool `json:"held"`
}

type errorBody struct {
	Error *errors.Error `json:"error"`
}

func (a *Admin) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if a.svc.closed.Load() {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "closed"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (a *Admin) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	recs, err := a.svc.Executions(chi.URLParam(r, "application"), chi.URLParam(r, "task"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *Admin) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	rec, err := a.svc.Execution(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *Admin) handleGetLimit(w http.ResponseWriter, r *http.Request) {
	limit, err := a.svc.Limit(chi.URLParam(r, "application"), chi.URLParam(r, "task"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, limitBody{ConcurrencyLimit: limit})
}

func (a *Admin) handleSetLimit(w http.ResponseWriter, r *http.Request) {
	var body limitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errors.InvalidInput("malformed limit body: "+err.Error()))
		return
	}
	if body.ConcurrencyLimit < 0 {
		writeError(w, errors.InvalidInput("concurrency limit must not be negative"))
		return
	}
	app, taskName := chi.URLParam(r, "application"), chi.URLParam(r, "task")
	if err := a.svc.SetLimit(app, taskName, body.ConcurrencyLimit); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *Admin) handleCritical(w http.ResponseWriter, r *http.Request) {
	if a.sections == nil {
		writeError(w, errors.NotFound("critical sections are not served here"))
		return
	}
	writeJSON(w, http.StatusOK, criticalBody{
		Held: a.sections.Held(chi.URLParam(r, "application"), chi.URLParam(r, "task")),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	coded := asCoded(err)
	writeJSON(w, httpStatus(coded.Code()), errorBody{Error: coded})
}

func httpStatus(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeInvalidInput, errors.ErrCodeInvalidConfiguration:
		return http.StatusBadRequest
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeResourceBusy:
		return http.StatusConflict
	case errors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case errors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
