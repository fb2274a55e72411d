package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/taskkit/logging"
)

func newTestSequencer(cfg Config) *Sequencer {
	return New(cfg, logging.Discard())
}

type closeRecorder struct {
	closed bool
	err    error
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return c.err
}

func TestShutdown_PhaseOrder(t *testing.T) {
	seq := newTestSequencer(DefaultConfig())

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) Handler {
		return Func(func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	seq.RegisterPhase("store", record("store"), PhaseConnections)
	seq.RegisterPhase("execution", record("execution"), PhaseExecutions)
	seq.Register("server", record("server"))

	if err := seq.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	want := []string{"execution", "server", "store"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	select {
	case <-seq.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestShutdown_SamePhaseRunsConcurrently(t *testing.T) {
	seq := newTestSequencer(DefaultConfig())

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	for _, name := range []string{"a", "b"} {
		seq.RegisterPhase(name, Func(func(context.Context) error {
			started.Done()
			<-release
			return nil
		}), PhaseServers)
	}

	go func() {
		started.Wait()
		close(release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := seq.Shutdown(ctx); err != nil {
		t.Fatalf("handlers in one phase did not overlap: %v", err)
	}
}

func TestShutdown_HandlerFailure(t *testing.T) {
	seq := newTestSequencer(DefaultConfig())
	failing := &closeRecorder{err: errors.New("flush failed")}
	later := &closeRecorder{}

	seq.RegisterPhase("execution", Closer(failing), PhaseExecutions)
	seq.RegisterPhase("store", Closer(later), PhaseConnections)

	err := seq.Shutdown(context.Background())
	if !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("expected ErrHandlerFailed, got %v", err)
	}
	if !failing.closed || !later.closed {
		t.Errorf("closed = %v, %v", failing.closed, later.closed)
	}
	failed := seq.Result().FailedHandlers()
	if len(failed) != 1 || failed[0] != "execution" {
		t.Errorf("FailedHandlers = %v", failed)
	}
}

func TestShutdown_StopOnError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StopOnError = true
	seq := newTestSequencer(cfg)
	later := &closeRecorder{}

	seq.RegisterPhase("execution", Func(func(context.Context) error { return errors.New("boom") }), PhaseExecutions)
	seq.RegisterPhase("store", Closer(later), PhaseConnections)

	seq.Shutdown(context.Background())
	if later.closed {
		t.Error("later phase ran after a failure")
	}
}

func TestShutdown_Timeout(t *testing.T) {
	seq := newTestSequencer(DefaultConfig())
	later := &closeRecorder{}

	seq.RegisterPhase("slow", Func(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), PhaseExecutions)
	seq.RegisterPhase("store", Closer(later), PhaseConnections)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := seq.Shutdown(ctx)
	if !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("unexpected error %v", err)
	}
	<-seq.Done()
	if later.closed {
		t.Error("phase ran after the deadline")
	}
}

func TestShutdown_Once(t *testing.T) {
	seq := newTestSequencer(DefaultConfig())
	calls := 0
	seq.Register("server", Func(func(context.Context) error {
		calls++
		return nil
	}))

	seq.Shutdown(context.Background())
	if err := seq.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times", calls)
	}
}

func TestShutdown_Trigger(t *testing.T) {
	seq := newTestSequencer(Config{Timeout: time.Second})
	called := make(chan struct{})
	seq.Register("server", Func(func(context.Context) error {
		close(called)
		return nil
	}))

	seq.HandleSignals()
	seq.Trigger()

	select {
	case <-seq.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not run after Trigger")
	}
	select {
	case <-called:
	default:
		t.Error("handler not called")
	}
}

func TestResult_BeforeDone(t *testing.T) {
	seq := newTestSequencer(DefaultConfig())
	if seq.Result() != nil {
		t.Error("Result before shutdown should be nil")
	}
}

func TestNew_Defaults(t *testing.T) {
	seq := New(Config{}, nil)
	if seq.config.Timeout != 30*time.Second || seq.config.DefaultPhase != PhaseServers {
		t.Errorf("config = %+v", seq.config)
	}
}

func TestGroupByPhase(t *testing.T) {
	regs := []registration{{name: "a", phase: 1}, {name: "b", phase: 1}, {name: "c", phase: 2}}
	groups := groupByPhase(regs)
	if len(groups) != 2 || len(groups[0]) != 2 || len(groups[1]) != 1 {
		t.Errorf("groups = %v", groups)
	}
	if groupByPhase(nil) != nil {
		t.Error("empty input should give no groups")
	}
}
