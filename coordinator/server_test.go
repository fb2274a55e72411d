package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/vinayprograms/taskkit/blocks"
	"github.com/vinayprograms/taskkit/bus"
	"github.com/vinayprograms/taskkit/errors"
	"github.com/vinayprograms/taskkit/execution"
	"github.com/vinayprograms/taskkit/logging"
	"github.com/vinayprograms/taskkit/state"
	"github.com/vinayprograms/taskkit/task"
)

type testCluster struct {
	bus      *bus.MemoryBus
	svc      *Service
	sections *CriticalSections
	server   *Server
	client   *Client
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()
	store := state.NewMemoryStore()
	mb := bus.NewMemoryBus(bus.DefaultConfig())

	sections := NewCriticalSections(store, logging.Discard())
	svc := NewService(store, WithServiceLogger(logging.Discard()), WithCriticalSections(sections))
	server := NewServer(mb, svc, sections, WithServerLogger(logging.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	if err := server.Start(ctx); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	t.Cleanup(func() {
		server.Stop()
		cancel()
		mb.Close()
		store.Close()
	})

	return &testCluster{
		bus:      mb,
		svc:      svc,
		sections: sections,
		server:   server,
		client:   NewClient(mb, WithRequestTimeout(2*time.Second)),
	}
}

// noBlocks is a factory that yields nothing.
type noBlocks struct{}

func (noBlocks) GenerateDateRangeBlocks(ctx context.Context, req blocks.DateRangeRequest) ([]blocks.RangeBlockContext, error) {
	return nil, nil
}

func (noBlocks) GenerateNumericRangeBlocks(ctx context.Context, req blocks.NumericRangeRequest) ([]blocks.RangeBlockContext, error) {
	return nil, nil
}

func TestClient_StartComplete(t *testing.T) {
	c := newTestCluster(t)
	ctx := context.Background()

	resp, err := c.client.Start(ctx, overrideStart("billing", "invoices"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if resp.GrantStatus != execution.GrantStatusGrantedWithoutLimit || resp.TaskExecutionID == "" {
		t.Fatalf("Start = %+v", resp)
	}

	done, err := c.client.Complete(ctx, execution.CompleteRequest{
		ApplicationName: "billing",
		TaskName:        "invoices",
		TaskExecutionID: resp.TaskExecutionID,
		UnlimitedMode:   true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}

	rec, err := c.svc.Execution(resp.TaskExecutionID)
	if err != nil {
		t.Fatalf("Execution: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Errorf("status = %s", rec.Status)
	}
}

func TestClient_ErrorsCrossTheWire(t *testing.T) {
	c := newTestCluster(t)

	_, err := c.client.Complete(context.Background(), execution.CompleteRequest{
		ApplicationName: "billing",
		TaskName:        "invoices",
		TaskExecutionID: "missing",
	})
	if !errors.Is(err, errors.ErrCodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if te, ok := err.(*errors.Error); !ok || te.TaskExecutionID() != "missing" {
		t.Errorf("decoded error lost the execution id: %#v", err)
	}

	_, err = c.client.Start(context.Background(), overrideStart("", "invoices"))
	if !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
}

func TestClient_NoCoordinator(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()
	client := NewClient(mb, WithRequestTimeout(100*time.Millisecond))

	_, err := client.Start(context.Background(), overrideStart("billing", "invoices"))
	if !errors.Is(err, errors.ErrCodeBackend) {
		t.Errorf("expected BACKEND, got %v", err)
	}

	mb.Close()
	_, err = client.Start(context.Background(), overrideStart("billing", "invoices"))
	if !errors.Is(err, errors.ErrCodeUnavailable) {
		t.Errorf("closed bus: expected UNAVAILABLE, got %v", err)
	}
	if errors.IsRetryable(err) {
		t.Error("a closed bus will not recover, so the error should not be retryable")
	}
}

func TestClient_KeepAlive(t *testing.T) {
	c := newTestCluster(t)
	ctx := context.Background()

	resp, err := c.client.Start(ctx, keepAliveStart("billing", "invoices"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec, _ := c.svc.Execution(resp.TaskExecutionID)
	before := rec.LastKeepAlive

	time.Sleep(5 * time.Millisecond)
	if err := c.client.SendKeepAlive(ctx, execution.SendKeepAliveRequest{TaskExecutionID: resp.TaskExecutionID}); err != nil {
		t.Fatalf("SendKeepAlive: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, _ = c.svc.Execution(resp.TaskExecutionID)
		if rec.LastKeepAlive.After(before) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("keep-alive never reached the coordinator")
}

func TestSectionClient(t *testing.T) {
	c := newTestCluster(t)
	ctx := context.Background()
	sc := c.client.CriticalSections()

	resp, err := sc.Start(ctx, sectionRequest("exec-a"))
	if err != nil || resp.GrantStatus != execution.GrantStatusGranted {
		t.Fatalf("first Start: %v, %v", resp.GrantStatus, err)
	}
	resp, err = sc.Start(ctx, sectionRequest("exec-b"))
	if err != nil || resp.GrantStatus != execution.GrantStatusDenied {
		t.Fatalf("second Start: %v, %v", resp.GrantStatus, err)
	}

	err = sc.Complete(ctx, execution.CriticalSectionCompleteRequest{
		ApplicationName: "billing", TaskName: "invoices", TaskExecutionID: "exec-a",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if c.sections.Held("billing", "invoices") {
		t.Error("section still held")
	}
}

func TestServer_StartTwice(t *testing.T) {
	c := newTestCluster(t)
	if err := c.server.Start(context.Background()); !errors.Is(err, errors.ErrCodeInvalidLifecycleState) {
		t.Errorf("expected INVALID_LIFECYCLE_STATE, got %v", err)
	}
}

func TestServer_MalformedRequest(t *testing.T) {
	c := newTestCluster(t)

	msg, err := c.bus.Request(context.Background(), SubjectExecutionStart, []byte("{not json"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		t.Fatalf("reply is not an envelope: %v", err)
	}
	if env.Error == nil || env.Error.Code() != errors.ErrCodeInvalidInput {
		t.Errorf("reply error = %v", env.Error)
	}
}

func TestServer_Stop(t *testing.T) {
	c := newTestCluster(t)
	if err := c.server.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	client := NewClient(c.bus, WithRequestTimeout(100*time.Millisecond))
	if _, err := client.Start(context.Background(), overrideStart("billing", "invoices")); err == nil {
		t.Error("stopped server still answered")
	}
}

// TestExecutionContext_OverBus drives the client library against a live
// coordinator: a limited task admits one context and denies the next.
func TestExecutionContext_OverBus(t *testing.T) {
	c := newTestCluster(t)
	if err := c.svc.SetLimit("billing", "invoices", 1); err != nil {
		t.Fatalf("SetLimit: %v", err)
	}
	ctx := context.Background()

	opts := task.Options{
		DeathMode:         task.DeathModeKeepAlive,
		OverrideThreshold: time.Hour,
		KeepAliveElapsed:  30 * time.Second,
		KeepAliveInterval: 10 * time.Second,
	}
	newContext := func() *execution.Context {
		return execution.New(c.client, c.client.CriticalSections(), noBlocks{},
			"billing", "invoices", opts, execution.WithLogger(logging.Discard()))
	}

	first := newContext()
	ok, err := first.TryStart(ctx)
	if err != nil || !ok {
		t.Fatalf("first TryStart: %v, %v", ok, err)
	}
	if first.Instance().ExecutionTokenID == "" {
		t.Error("granted context has no token")
	}

	cs, err := first.CreateCriticalSection()
	if err != nil {
		t.Fatalf("CreateCriticalSection: %v", err)
	}
	if ok, err := cs.TryStart(ctx); err != nil || !ok {
		t.Fatalf("critical section: %v, %v", ok, err)
	}

	second := newContext()
	ok, err = second.TryStart(ctx)
	if err != nil {
		t.Fatalf("second TryStart: %v", err)
	}
	if ok {
		t.Fatal("second context admitted past the limit")
	}
	if second.State() != execution.StateCompleted {
		t.Errorf("denied context state = %s", second.State())
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.sections.Held("billing", "invoices") {
		t.Error("critical section outlived its execution")
	}

	third := newContext()
	defer third.Close()
	if ok, err := third.TryStart(ctx); err != nil || !ok {
		t.Fatalf("after release: %v, %v", ok, err)
	}
}
