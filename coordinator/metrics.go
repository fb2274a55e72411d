package coordinator

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

var (
	executionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskkit_executions_started_total",
			Help: "Start requests by admission decision.",
		},
		[]string{"grant"},
	)

	executionsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskkit_executions_completed_total",
			Help: "Executions reported complete.",
		},
	)

	keepAlivesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskkit_keepalives_total",
			Help: "Keep-alive signals recorded for running executions.",
		},
	)

	tokensReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskkit_tokens_reclaimed_total",
			Help: "Execution tokens taken over from dead holders.",
		},
	)

	criticalSections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskkit_critical_sections_total",
			Help: "Critical section requests by result.",
		},
		[]string{"result"},
	)

	adminRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskkit_admin_requests_total",
			Help: "Admin API requests.",
		},
		[]string{"method", "path", "status"},
	)

	adminRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskkit_admin_request_duration_seconds",
			Help:    "Admin API request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(executionsStarted)
	prometheus.MustRegister(executionsCompleted)
	prometheus.MustRegister(keepAlivesReceived)
	prometheus.MustRegister(tokensReclaimed)
	prometheus.MustRegister(criticalSections)
	prometheus.MustRegister(adminRequestsTotal)
	prometheus.MustRegister(adminRequestDuration)
}

// metricsMiddleware counts admin requests by chi route pattern so path
// parameters do not explode label cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		adminRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		adminRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
