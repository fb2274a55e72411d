package shutdown

import (
	"context"
	"errors"
	"io"
	"time"
)

// Phases used by taskkit processes. Lower phases run first.
const (
	// PhaseExecutions completes running execution contexts so their
	// tokens return to the pool before anything else goes away.
	PhaseExecutions = 10

	// PhaseServers stops the bus server and the admin API.
	PhaseServers = 20

	// PhaseConnections closes buses and state stores.
	PhaseConnections = 30
)

var (
	// ErrTimeout indicates shutdown did not finish before its deadline.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers returned an error.
	ErrHandlerFailed = errors.New("one or more shutdown handlers failed")
)

// Handler is a component that must be released on shutdown.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Closer adapts an io.Closer, such as an execution context, a bus or a
// state store, to Handler. ctx is ignored.
func Closer(c io.Closer) Handler {
	return Func(func(context.Context) error {
		return c.Close()
	})
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a whole shutdown.
type Result struct {
	Duration time.Duration
	Handlers []HandlerResult
	Err      error
}

// FailedHandlers returns the names of handlers that returned an error.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Handlers {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Sequencer.
type Config struct {
	// Timeout bounds a signal-triggered shutdown.
	// Default: 30 seconds
	Timeout time.Duration

	// DefaultPhase is used by Register.
	// Default: PhaseServers
	DefaultPhase int

	// StopOnError aborts later phases after a failing phase.
	StopOnError bool
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		DefaultPhase: PhaseServers,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
