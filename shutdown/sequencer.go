package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/taskkit/logging"
)

// Sequencer runs registered handlers phase by phase. Handlers sharing a
// phase run concurrently.
type Sequencer struct {
	config Config
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration
	once     sync.Once
	done     chan struct{}
	result   *Result
	signals  chan os.Signal
}

// New creates a Sequencer. A nil logger logs under component "shutdown".
func New(config Config, logger *logging.Logger) *Sequencer {
	defaults := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = defaults.DefaultPhase
	}
	if logger == nil {
		logger = logging.New().WithComponent("shutdown")
	}
	return &Sequencer{
		config:  config,
		logger:  logger,
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds a handler in the default phase.
func (s *Sequencer) Register(name string, h Handler) {
	s.RegisterPhase(name, h, s.config.DefaultPhase)
}

// RegisterPhase adds a handler in phase.
func (s *Sequencer) RegisterPhase(name string, h Handler, phase int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, registration{name: name, handler: h, phase: phase})
}

// Shutdown runs every handler once. Later calls wait for the first one and
// return its error.
func (s *Sequencer) Shutdown(ctx context.Context) error {
	s.once.Do(func() {
		s.result = s.run(ctx)
		close(s.done)
	})
	select {
	case <-s.done:
		return s.result.Err
	case <-ctx.Done():
		return ErrTimeout
	}
}

// HandleSignals shuts down with the configured timeout on SIGTERM or SIGINT.
func (s *Sequencer) HandleSignals() {
	signal.Notify(s.signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case sig := <-s.signals:
			s.logger.Info("signal_received", map[string]interface{}{"signal": sig.String()})
		case <-s.done:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
		defer cancel()
		s.Shutdown(ctx)
	}()
}

// Trigger acts as if SIGTERM arrived.
func (s *Sequencer) Trigger() {
	select {
	case s.signals <- syscall.SIGTERM:
	default:
	}
}

// Done is closed once shutdown has finished.
func (s *Sequencer) Done() <-chan struct{} {
	return s.done
}

// Result returns the shutdown outcome, or nil before Done is closed.
func (s *Sequencer) Result() *Result {
	select {
	case <-s.done:
		return s.result
	default:
		return nil
	}
}

func (s *Sequencer) run(ctx context.Context) *Result {
	start := time.Now()

	s.mu.Lock()
	handlers := make([]registration, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{}
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			result.Err = ErrTimeout
			break
		}
		failed := false
		for _, hr := range s.runPhase(ctx, group) {
			result.Handlers = append(result.Handlers, hr)
			if hr.Err != nil {
				failed = true
				result.Err = ErrHandlerFailed
			}
		}
		if failed && s.config.StopOnError {
			break
		}
	}
	result.Duration = time.Since(start)

	s.logger.Info("shutdown_complete", map[string]interface{}{
		"handlers":    len(result.Handlers),
		"failed":      len(result.FailedHandlers()),
		"duration_ms": result.Duration.Milliseconds(),
	})
	return result
}

func (s *Sequencer) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, reg := range group {
		wg.Add(1)
		go func(i int, reg registration) {
			defer wg.Done()
			start := time.Now()
			err := reg.handler.OnShutdown(ctx)
			results[i] = HandlerResult{
				Name:     reg.name,
				Phase:    reg.phase,
				Duration: time.Since(start),
				Err:      err,
			}
			if err != nil {
				s.logger.Warn("shutdown_handler_failed", map[string]interface{}{
					"handler": reg.name,
					"phase":   reg.phase,
					"error":   err.Error(),
				})
			}
		}(i, reg)
	}
	wg.Wait()
	return results
}

// groupByPhase splits phase-sorted handlers into runs of equal phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i := 0; i < len(handlers); {
		j := i
		for j < len(handlers) && handlers[j].phase == handlers[i].phase {
			j++
		}
		groups = append(groups, handlers[i:j])
		i = j
	}
	return groups
}
