package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/vinayprograms/taskkit/errors"
	"github.com/vinayprograms/taskkit/execution"
	"github.com/vinayprograms/taskkit/logging"
	"github.com/vinayprograms/taskkit/state"
	"github.com/vinayprograms/taskkit/task"
)

// defaultSectionTTL applies when the request carries no death threshold.
const defaultSectionTTL = 5 * time.Minute

var _ execution.CriticalSectionService = (*CriticalSections)(nil)

// CriticalSections grants one execution at a time per task using store
// locks. Lock handles live in this process: a section must be completed on
// the coordinator that granted it, otherwise it lapses when its TTL expires.
type CriticalSections struct {
	store  state.StateStore
	logger *logging.Logger

	mu   sync.Mutex
	held map[string]*heldSection
}

type heldSection struct {
	lock        state.Lock
	executionID string
}

// NewCriticalSections creates a critical section service over store.
func NewCriticalSections(store state.StateStore, logger *logging.Logger) *CriticalSections {
	if logger == nil {
		logger = logging.New().WithComponent("critical")
	}
	return &CriticalSections{
		store:  store,
		logger: logger,
		held:   make(map[string]*heldSection),
	}
}

// Start grants the section of the task if nobody holds it. A holder asking
// again is granted again.
func (c *CriticalSections) Start(ctx context.Context, req execution.CriticalSectionRequest) (execution.CriticalSectionResponse, error) {
	if err := ctx.Err(); err != nil {
		return execution.CriticalSectionResponse{}, errors.Wrap(err, "request abandoned")
	}
	if err := validateNames(req.ApplicationName, req.TaskName); err != nil {
		return execution.CriticalSectionResponse{}, err
	}
	if req.TaskExecutionID == "" {
		return execution.CriticalSectionResponse{}, errors.InvalidInput("task execution id is required")
	}

	key := taskKey(criticalPrefix, req.ApplicationName, req.TaskName)

	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.held[key]; ok {
		if err := h.lock.Refresh(); err != nil {
			delete(c.held, key)
		} else if h.executionID == req.TaskExecutionID {
			criticalSections.WithLabelValues("granted").Inc()
			return execution.CriticalSectionResponse{GrantStatus: execution.GrantStatusGranted}, nil
		}
	}

	lock, err := c.store.Lock(key, sectionTTL(req))
	if err == state.ErrLockHeld {
		criticalSections.WithLabelValues("denied").Inc()
		return execution.CriticalSectionResponse{GrantStatus: execution.GrantStatusDenied}, nil
	}
	if err != nil {
		return execution.CriticalSectionResponse{}, storeError(err, "acquire critical section")
	}

	c.held[key] = &heldSection{lock: lock, executionID: req.TaskExecutionID}
	criticalSections.WithLabelValues("granted").Inc()
	c.logger.Debug("critical_section_granted", map[string]interface{}{
		"app":          req.ApplicationName,
		"task":         req.TaskName,
		"execution_id": req.TaskExecutionID,
	})
	return execution.CriticalSectionResponse{GrantStatus: execution.GrantStatusGranted}, nil
}

// Complete releases the section if req's execution holds it here.
func (c *CriticalSections) Complete(ctx context.Context, req execution.CriticalSectionCompleteRequest) error {
	if err := validateNames(req.ApplicationName, req.TaskName); err != nil {
		return err
	}
	key := taskKey(criticalPrefix, req.ApplicationName, req.TaskName)

	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.held[key]
	if !ok || h.executionID != req.TaskExecutionID {
		return nil
	}
	c.unlock(key, h)
	return nil
}

// refresh extends every section held by executionID.
func (c *CriticalSections) refresh(executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, h := range c.held {
		if h.executionID != executionID {
			continue
		}
		if err := h.lock.Refresh(); err != nil {
			delete(c.held, key)
			c.logger.Warn("critical_section_lost", map[string]interface{}{
				"key":          key,
				"execution_id": executionID,
				"error":        err.Error(),
			})
		}
	}
}

// releaseExecution releases every section held by executionID.
func (c *CriticalSections) releaseExecution(executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, h := range c.held {
		if h.executionID == executionID {
			c.unlock(key, h)
		}
	}
}

// Held reports whether any execution holds the section of a task here.
func (c *CriticalSections) Held(app, taskName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.held[taskKey(criticalPrefix, app, taskName)]
	return ok
}

// unlock must be called with c.mu held.
func (c *CriticalSections) unlock(key string, h *heldSection) {
	delete(c.held, key)
	if err := h.lock.Unlock(); err != nil && err != state.ErrLockNotHeld && err != state.ErrLockExpired {
		c.logger.Warn("critical_section_unlock", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
	criticalSections.WithLabelValues("released").Inc()
}

// sectionTTL follows the death threshold of the requesting execution.
func sectionTTL(req execution.CriticalSectionRequest) time.Duration {
	if req.TaskDeathMode == task.DeathModeKeepAlive && req.KeepAliveElapsedSeconds != nil && *req.KeepAliveElapsedSeconds > 0 {
		return time.Duration(*req.KeepAliveElapsedSeconds) * time.Second
	}
	if req.OverrideThresholdSeconds > 0 {
		return time.Duration(req.OverrideThresholdSeconds) * time.Second
	}
	return defaultSectionTTL
}
