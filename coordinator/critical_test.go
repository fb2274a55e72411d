package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/vinayprograms/taskkit/errors"
	"github.com/vinayprograms/taskkit/execution"
	"github.com/vinayprograms/taskkit/logging"
	"github.com/vinayprograms/taskkit/state"
	"github.com/vinayprograms/taskkit/task"
)

func newTestSections(t *testing.T) (*CriticalSections, *Service) {
	t.Helper()
	store := state.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	sections := NewCriticalSections(store, logging.Discard())
	svc := NewService(store, WithServiceLogger(logging.Discard()), WithCriticalSections(sections))
	return sections, svc
}

func sectionRequest(executionID string) execution.CriticalSectionRequest {
	return execution.CriticalSectionRequest{
		ApplicationName:          "billing",
		TaskName:                 "invoices",
		TaskExecutionID:          executionID,
		TaskDeathMode:            task.DeathModeKeepAlive,
		OverrideThresholdSeconds: 3600,
		KeepAliveElapsedSeconds:  intPtr(30),
	}
}

func startSection(t *testing.T, cs *CriticalSections, executionID string) execution.GrantStatus {
	t.Helper()
	resp, err := cs.Start(context.Background(), sectionRequest(executionID))
	if err != nil {
		t.Fatalf("Start(%s): %v", executionID, err)
	}
	return resp.GrantStatus
}

func TestCriticalSections_Exclusive(t *testing.T) {
	cs, _ := newTestSections(t)

	if got := startSection(t, cs, "exec-a"); got != execution.GrantStatusGranted {
		t.Fatalf("first holder: %s", got)
	}
	if got := startSection(t, cs, "exec-b"); got != execution.GrantStatusDenied {
		t.Fatalf("second holder: %s", got)
	}
	if got := startSection(t, cs, "exec-a"); got != execution.GrantStatusGranted {
		t.Errorf("holder asking again: %s", got)
	}
	if !cs.Held("billing", "invoices") {
		t.Error("Held = false while granted")
	}

	// Sections are per task.
	req := sectionRequest("exec-b")
	req.TaskName = "refunds"
	if resp, err := cs.Start(context.Background(), req); err != nil || resp.GrantStatus != execution.GrantStatusGranted {
		t.Errorf("other task: %v, %v", resp.GrantStatus, err)
	}
}

func TestCriticalSections_Complete(t *testing.T) {
	cs, _ := newTestSections(t)
	startSection(t, cs, "exec-a")

	// Only the holder releases.
	err := cs.Complete(context.Background(), execution.CriticalSectionCompleteRequest{
		ApplicationName: "billing", TaskName: "invoices", TaskExecutionID: "exec-b",
	})
	if err != nil {
		t.Fatalf("Complete by non-holder: %v", err)
	}
	if !cs.Held("billing", "invoices") {
		t.Fatal("non-holder released the section")
	}

	err = cs.Complete(context.Background(), execution.CriticalSectionCompleteRequest{
		ApplicationName: "billing", TaskName: "invoices", TaskExecutionID: "exec-a",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if cs.Held("billing", "invoices") {
		t.Fatal("section still held after completion")
	}
	if got := startSection(t, cs, "exec-b"); got != execution.GrantStatusGranted {
		t.Errorf("after release: %s", got)
	}
}

func TestCriticalSections_ReleasedWithExecution(t *testing.T) {
	cs, svc := newTestSections(t)

	resp := mustStart(t, svc, keepAliveStart("billing", "invoices"))
	startSection(t, cs, resp.TaskExecutionID)

	if err := svc.SendKeepAlive(context.Background(), execution.SendKeepAliveRequest{TaskExecutionID: resp.TaskExecutionID}); err != nil {
		t.Fatalf("SendKeepAlive: %v", err)
	}
	if !cs.Held("billing", "invoices") {
		t.Fatal("keep-alive dropped the section")
	}

	mustComplete(t, svc, "billing", "invoices", resp.TaskExecutionID)
	if cs.Held("billing", "invoices") {
		t.Error("section outlived its execution")
	}
}

func TestCriticalSections_Validation(t *testing.T) {
	cs, _ := newTestSections(t)

	req := sectionRequest("")
	if _, err := cs.Start(context.Background(), req); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("missing execution id: %v", err)
	}
	req = sectionRequest("exec-a")
	req.ApplicationName = ""
	if _, err := cs.Start(context.Background(), req); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("missing application: %v", err)
	}
	err := cs.Complete(context.Background(), execution.CriticalSectionCompleteRequest{TaskName: "invoices"})
	if !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("Complete without application: %v", err)
	}
}

func TestSectionTTL(t *testing.T) {
	tests := []struct {
		name string
		req  execution.CriticalSectionRequest
		want time.Duration
	}{
		{"keep-alive", execution.CriticalSectionRequest{TaskDeathMode: task.DeathModeKeepAlive, OverrideThresholdSeconds: 3600, KeepAliveElapsedSeconds: intPtr(30)}, 30 * time.Second},
		{"override", execution.CriticalSectionRequest{TaskDeathMode: task.DeathModeOverride, OverrideThresholdSeconds: 90}, 90 * time.Second},
		{"keep-alive without elapsed", execution.CriticalSectionRequest{TaskDeathMode: task.DeathModeKeepAlive, OverrideThresholdSeconds: 120}, 2 * time.Minute},
		{"no threshold", execution.CriticalSectionRequest{TaskDeathMode: task.DeathModeOverride}, defaultSectionTTL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sectionTTL(tt.req); got != tt.want {
				t.Errorf("sectionTTL = %v, want %v", got, tt.want)
			}
		})
	}
}
