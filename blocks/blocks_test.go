package blocks

import (
	"testing"
	"time"

	"github.com/vinayprograms/taskkit/task"
)

var (
	d1 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d2 = time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
)

func testInstance() task.Instance {
	return task.Instance{
		ApplicationName: "billing",
		TaskName:        "rollup",
		TaskExecutionID: "exec-42",
	}
}

func intValue(t *testing.T, name string, p *int) int {
	t.Helper()
	if p == nil {
		t.Fatalf("%s is unset", name)
	}
	return *p
}

func TestDescriptorAccumulates(t *testing.T) {
	s := NewDescriptor().
		WithNumericRange(100, 900, 50).
		ReprocessFailedTasks(time.Hour).
		ReprocessDeadTasks(2*time.Hour, 30*time.Minute).
		MaximumBlocksToGenerate(7).
		Settings()

	if s.RangeKind != RangeKindNumeric {
		t.Errorf("RangeKind = %v, want numeric", s.RangeKind)
	}
	if s.FromNumber != 100 || s.ToNumber != 900 || s.MaxBlockNumberRange != 50 {
		t.Errorf("bounds = %d..%d/%d", s.FromNumber, s.ToNumber, s.MaxBlockNumberRange)
	}
	if !s.MustReprocessFailedTasks || s.FailedTaskDetectionRange != time.Hour {
		t.Errorf("failed = %v %v", s.MustReprocessFailedTasks, s.FailedTaskDetectionRange)
	}
	if !s.MustReprocessDeadTasks || s.DeadTaskDetectionRange != 2*time.Hour || s.TreatAsDeadAfter != 30*time.Minute {
		t.Errorf("dead = %v %v %v", s.MustReprocessDeadTasks, s.DeadTaskDetectionRange, s.TreatAsDeadAfter)
	}
	if s.MaximumNumberOfBlocks != 7 {
		t.Errorf("MaximumNumberOfBlocks = %d", s.MaximumNumberOfBlocks)
	}
}

func TestDescriptorSettingsIsSnapshot(t *testing.T) {
	d := NewDescriptor()
	frozen := d.WithDateRange(d1, d2, 24*time.Hour).Settings()
	d.MaximumBlocksToGenerate(3)
	if frozen.MaximumNumberOfBlocks != 0 {
		t.Error("settings taken earlier should not change")
	}
	if NewDescriptor().Settings().RangeKind != RangeKindUnknown {
		t.Error("an empty descriptor has no range kind")
	}
}

func TestDateRangeRequestOverrideMode(t *testing.T) {
	s := NewDescriptor().
		WithDateRange(d1, d2, 24*time.Hour).
		ReprocessDeadTasks(2*time.Hour, 45*time.Minute).
		MaximumBlocksToGenerate(10).
		Settings()
	opts := task.Options{DeathMode: task.DeathModeOverride, OverrideThreshold: time.Minute}

	req := NewDateRangeRequest(testInstance(), opts, s)

	if req.ApplicationName != "billing" || req.TaskName != "rollup" || req.TaskExecutionID != "exec-42" {
		t.Errorf("identity = %+v", req.BlockRequest)
	}
	if !req.CheckForDeadExecutions {
		t.Error("CheckForDeadExecutions should be true")
	}
	if req.CheckForFailedExecutions {
		t.Error("CheckForFailedExecutions should be false")
	}
	if got := intValue(t, "GoBackElapsedSecondsForDeadTasks", req.GoBackElapsedSecondsForDeadTasks); got != 7200 {
		t.Errorf("GoBackElapsedSecondsForDeadTasks = %d, want 7200", got)
	}
	if req.GoBackElapsedSecondsForFailedTasks != nil {
		t.Error("failed lookback should be unset")
	}
	if req.TaskDeathMode != task.DeathModeOverride {
		t.Errorf("TaskDeathMode = %v", req.TaskDeathMode)
	}
	if got := intValue(t, "OverrideElapsedSecondsToBeDead", req.OverrideElapsedSecondsToBeDead); got != 2700 {
		t.Errorf("OverrideElapsedSecondsToBeDead = %d, want 2700", got)
	}
	if req.KeepAliveElapsedSecondsToBeDead != nil {
		t.Error("KeepAliveElapsedSecondsToBeDead should be unset in override mode")
	}
	if !req.RangeBegin.Equal(d1) || !req.RangeEnd.Equal(d2) {
		t.Errorf("range = %v..%v", req.RangeBegin, req.RangeEnd)
	}
	if req.MaxBlockRange != 24*time.Hour {
		t.Errorf("MaxBlockRange = %v", req.MaxBlockRange)
	}
	if req.MaxBlocks != 10 {
		t.Errorf("MaxBlocks = %d", req.MaxBlocks)
	}
}

func TestNumericRangeRequestKeepAliveMode(t *testing.T) {
	s := NewDescriptor().
		WithNumericRange(1, 1000, 100).
		ReprocessDeadTasks(3*time.Hour, 10*time.Minute).
		Settings()
	opts := task.Options{DeathMode: task.DeathModeKeepAlive, KeepAliveElapsed: time.Minute}

	req := NewNumericRangeRequest(testInstance(), opts, s)

	if got := intValue(t, "KeepAliveElapsedSecondsToBeDead", req.KeepAliveElapsedSecondsToBeDead); got != 600 {
		t.Errorf("KeepAliveElapsedSecondsToBeDead = %d, want 600", got)
	}
	if req.OverrideElapsedSecondsToBeDead != nil {
		t.Error("OverrideElapsedSecondsToBeDead should be unset in keep-alive mode")
	}
	if req.RangeBegin != 1 || req.RangeEnd != 1000 || req.BlockSize != 100 {
		t.Errorf("range = %d..%d/%d", req.RangeBegin, req.RangeEnd, req.BlockSize)
	}
	if req.TaskDeathMode != task.DeathModeKeepAlive {
		t.Errorf("TaskDeathMode = %v", req.TaskDeathMode)
	}
}

func TestFailedLookbackUsesDeadDetectionRange(t *testing.T) {
	s := NewDescriptor().
		WithNumericRange(0, 10, 1).
		ReprocessFailedTasks(5*time.Hour).
		ReprocessDeadTasks(2*time.Hour, time.Minute).
		Settings()

	req := NewNumericRangeRequest(testInstance(), task.Options{}, s)

	if !req.CheckForFailedExecutions {
		t.Fatal("CheckForFailedExecutions should be true")
	}
	if got := intValue(t, "GoBackElapsedSecondsForFailedTasks", req.GoBackElapsedSecondsForFailedTasks); got != 7200 {
		t.Errorf("GoBackElapsedSecondsForFailedTasks = %d, want 7200 (dead detection range)", got)
	}
}

func TestFailedOnlyLookbackIsZero(t *testing.T) {
	s := NewDescriptor().
		WithDateRange(d1, d2, time.Hour).
		ReprocessFailedTasks(5 * time.Hour).
		Settings()

	req := NewDateRangeRequest(testInstance(), task.Options{}, s)

	if got := intValue(t, "GoBackElapsedSecondsForFailedTasks", req.GoBackElapsedSecondsForFailedTasks); got != 0 {
		t.Errorf("GoBackElapsedSecondsForFailedTasks = %d, want 0", got)
	}
	if req.GoBackElapsedSecondsForDeadTasks != nil {
		t.Error("dead lookback should be unset")
	}
}

func TestSharedHeaderMatches(t *testing.T) {
	s := NewDescriptor().
		WithDateRange(d1, d2, time.Hour).
		ReprocessDeadTasks(time.Hour, time.Minute).
		MaximumBlocksToGenerate(4).
		Settings()
	opts := task.Options{DeathMode: task.DeathModeKeepAlive, KeepAliveElapsed: time.Minute}

	date := NewDateRangeRequest(testInstance(), opts, s)
	num := NewNumericRangeRequest(testInstance(), opts, s)

	if date.MaxBlocks != num.MaxBlocks || date.TaskExecutionID != num.TaskExecutionID {
		t.Error("both shapes should share the same header")
	}
	if *date.KeepAliveElapsedSecondsToBeDead != *num.KeepAliveElapsedSecondsToBeDead {
		t.Error("dead-after threshold should match")
	}
}

func TestRangeKindString(t *testing.T) {
	if RangeKindDate.String() != "date" || RangeKindNumeric.String() != "numeric" || RangeKind(9).String() != "unknown" {
		t.Error("unexpected range kind names")
	}
}
