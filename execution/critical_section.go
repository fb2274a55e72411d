package execution

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskkit/errors"
	"github.com/vinayprograms/taskkit/logging"
	"github.com/vinayprograms/taskkit/task"
)

// CriticalSection is a task-wide mutual exclusion handle scoped to one
// execution. Exclusion itself is enforced by the CriticalSectionService.
type CriticalSection struct {
	svc          CriticalSectionService
	inst         task.Instance
	opts         task.Options
	closeTimeout time.Duration
	logger       *logging.Logger

	started   atomic.Bool
	granted   atomic.Bool
	completed atomic.Bool
}

func newCriticalSection(svc CriticalSectionService, inst task.Instance, opts task.Options,
	closeTimeout time.Duration, logger *logging.Logger) *CriticalSection {
	return &CriticalSection{
		svc:          svc,
		inst:         inst,
		opts:         opts,
		closeTimeout: closeTimeout,
		logger:       logger,
	}
}

// TryStart asks for the critical section once and reports whether it was
// granted.
func (s *CriticalSection) TryStart(ctx context.Context) (bool, error) {
	if s.started.Swap(true) {
		return false, errors.InvalidLifecycleState("critical section has already been started",
			errors.WithTaskExecutionID(s.inst.TaskExecutionID))
	}

	resp, err := s.svc.Start(ctx, CriticalSectionRequest{
		ApplicationName:          s.inst.ApplicationName,
		TaskName:                 s.inst.TaskName,
		TaskExecutionID:          s.inst.TaskExecutionID,
		TaskDeathMode:            s.opts.DeathMode,
		OverrideThresholdSeconds: task.Seconds(s.opts.OverrideThreshold),
		KeepAliveElapsedSeconds:  keepAliveSeconds(s.opts),
	})
	if err != nil {
		return false, err
	}

	var granted bool
	switch resp.GrantStatus {
	case GrantStatusGranted, GrantStatusGrantedWithoutLimit:
		granted = true
	case GrantStatusDenied:
	default:
		return false, errors.Internal(fmt.Sprintf("backend returned unknown grant status %d", int(resp.GrantStatus)),
			errors.WithTask(s.inst.ApplicationName, s.inst.TaskName),
			errors.WithTaskExecutionID(s.inst.TaskExecutionID))
	}
	s.granted.Store(granted)
	s.logger.Debug("critical_section_start", map[string]interface{}{
		"execution_id": s.inst.TaskExecutionID,
		"granted":      granted,
	})
	return granted, nil
}

// TryStartWithRetry calls the service up to attempts times, waiting interval
// between denials. It returns false when every attempt was denied.
func (s *CriticalSection) TryStartWithRetry(ctx context.Context, interval time.Duration, attempts int) (bool, error) {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			s.started.Store(false)
			select {
			case <-ctx.Done():
				return false, errors.Wrap(ctx.Err(), "waiting for critical section")
			case <-time.After(interval):
			}
		}
		ok, err := s.TryStart(ctx)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// Complete releases a granted critical section. It is a no-op after a
// denial or a previous Complete.
func (s *CriticalSection) Complete(ctx context.Context) error {
	if !s.started.Load() {
		return errors.InvalidLifecycleState("critical section has not been started",
			errors.WithTaskExecutionID(s.inst.TaskExecutionID))
	}
	if !s.granted.Load() || s.completed.Swap(true) {
		return nil
	}
	return s.svc.Complete(ctx, CriticalSectionCompleteRequest{
		ApplicationName: s.inst.ApplicationName,
		TaskName:        s.inst.TaskName,
		TaskExecutionID: s.inst.TaskExecutionID,
	})
}

// Close releases a granted section that was not completed yet.
func (s *CriticalSection) Close() error {
	if !s.granted.Load() || s.completed.Load() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.closeTimeout)
	defer cancel()
	return s.Complete(ctx)
}
