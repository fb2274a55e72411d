package execution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskkit/blocks"
	"github.com/vinayprograms/taskkit/errors"
	"github.com/vinayprograms/taskkit/heartbeat"
	"github.com/vinayprograms/taskkit/logging"
	"github.com/vinayprograms/taskkit/task"
)

// State is the lifecycle position of a Context.
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateDenied
	StateCompleted
	// StateFailedStart is terminal: the start request never produced a
	// decision, so nothing is completed on the backend.
	StateFailedStart
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateDenied:
		return "denied"
	case StateCompleted:
		return "completed"
	case StateFailedStart:
		return "failed_start"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	defaultKeepAlivePoll = time.Second
	defaultCloseTimeout  = 30 * time.Second
)

// Context drives one execution attempt of a task.
//
// The caller's goroutine owns TryStart, GetRangeBlocks, CreateCriticalSection
// and Complete. The keep-alive loop runs on its own goroutine and shares only
// the completed flag and the execution id captured at start.
type Context struct {
	svc     TaskExecutionService
	cs      CriticalSectionService
	factory blocks.Factory
	opts    task.Options

	logger       *logging.Logger
	clock        heartbeat.Clock
	poll         time.Duration
	closeTimeout time.Duration

	started   atomic.Bool
	completed atomic.Bool

	mu        sync.Mutex
	inst      task.Instance
	state     State
	startedAt time.Time
	keepAlive *heartbeat.KeepAlive
}

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the logger. Default: logging.New() with component "execution".
func WithLogger(l *logging.Logger) Option {
	return func(c *Context) {
		c.logger = l
	}
}

// WithClock replaces the wall clock used by the keep-alive loop.
func WithClock(clock heartbeat.Clock) Option {
	return func(c *Context) {
		c.clock = clock
	}
}

// WithKeepAlivePoll sets how often the keep-alive loop wakes. Default: 1s.
func WithKeepAlivePoll(d time.Duration) Option {
	return func(c *Context) {
		c.poll = d
	}
}

// WithCloseTimeout bounds the completion Close sends. Default: 30s.
func WithCloseTimeout(d time.Duration) Option {
	return func(c *Context) {
		c.closeTimeout = d
	}
}

// New creates a Context for applicationName/taskName. Nothing is sent until
// TryStart.
func New(svc TaskExecutionService, cs CriticalSectionService, factory blocks.Factory,
	applicationName, taskName string, opts task.Options, options ...Option) *Context {
	c := &Context{
		svc:          svc,
		cs:           cs,
		factory:      factory,
		opts:         opts,
		clock:        heartbeat.WallClock(),
		poll:         defaultKeepAlivePoll,
		closeTimeout: defaultCloseTimeout,
		inst: task.Instance{
			ApplicationName: applicationName,
			TaskName:        taskName,
		},
	}
	for _, opt := range options {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.New().WithComponent("execution")
	}
	return c
}

// TryStart asks the backend for admission. It returns true only when the
// start was granted. A denied start is completed before TryStart returns.
// TryStart may be called once.
func (c *Context) TryStart(ctx context.Context) (bool, error) {
	if c.started.Swap(true) {
		return false, errors.InvalidLifecycleState("execution context has already been started",
			errors.WithTask(c.inst.ApplicationName, c.inst.TaskName))
	}

	if err := c.opts.Validate(); err != nil {
		c.failStart()
		return false, err
	}

	resp, err := c.svc.Start(ctx, StartRequest{
		ApplicationName:          c.inst.ApplicationName,
		TaskName:                 c.inst.TaskName,
		TaskDeathMode:            c.opts.DeathMode,
		OverrideThresholdSeconds: task.Seconds(c.opts.OverrideThreshold),
		KeepAliveElapsedSeconds:  keepAliveSeconds(c.opts),
	})
	if err != nil {
		c.failStart()
		return false, err
	}

	c.mu.Lock()
	c.inst.TaskExecutionID = resp.TaskExecutionID
	c.inst.ExecutionTokenID = resp.ExecutionTokenID
	c.inst.UnlimitedMode = resp.GrantStatus == GrantStatusGrantedWithoutLimit
	c.startedAt = c.clock.Now()
	inst := c.inst

	switch resp.GrantStatus {
	case GrantStatusDenied:
		c.state = StateDenied
		c.mu.Unlock()
		c.logger.ExecutionDenied(inst.ApplicationName, inst.TaskName, inst.TaskExecutionID)
		return false, c.complete(ctx)
	case GrantStatusGranted, GrantStatusGrantedWithoutLimit:
		c.state = StateStarted
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.failStart()
		return false, errors.Internal(fmt.Sprintf("backend returned unknown grant status %d", int(resp.GrantStatus)),
			errors.WithTask(inst.ApplicationName, inst.TaskName),
			errors.WithTaskExecutionID(inst.TaskExecutionID))
	}

	c.logger.ExecutionStart(inst.ApplicationName, inst.TaskName, inst.TaskExecutionID, inst.UnlimitedMode)

	if c.opts.DeathMode == task.DeathModeKeepAlive {
		c.startKeepAlive(ctx, inst.TaskExecutionID)
	}
	return true, nil
}

// failStart marks the attempt terminal without a completion request.
func (c *Context) failStart() {
	c.completed.Store(true)
	c.mu.Lock()
	c.state = StateFailedStart
	c.mu.Unlock()
}

// Complete reports the end of the execution. Only the first call after a
// start reaches the backend; later calls return nil.
func (c *Context) Complete(ctx context.Context) error {
	if !c.started.Load() {
		return errors.InvalidLifecycleState("execution context has not been started",
			errors.WithTask(c.inst.ApplicationName, c.inst.TaskName))
	}
	return c.complete(ctx)
}

func (c *Context) complete(ctx context.Context) error {
	if c.completed.Swap(true) {
		return nil
	}

	c.stopKeepAlive()

	c.mu.Lock()
	inst := c.inst
	startedAt := c.startedAt
	c.mu.Unlock()

	resp, err := c.svc.Complete(ctx, CompleteRequest{
		ApplicationName:  inst.ApplicationName,
		TaskName:         inst.TaskName,
		TaskExecutionID:  inst.TaskExecutionID,
		ExecutionTokenID: inst.ExecutionTokenID,
		UnlimitedMode:    inst.UnlimitedMode,
	})

	c.mu.Lock()
	c.state = StateCompleted
	if err == nil {
		c.inst.CompletedAt = resp.CompletedAt
	}
	c.mu.Unlock()

	if err != nil {
		return err
	}
	c.logger.ExecutionComplete(inst.ApplicationName, inst.TaskName, inst.TaskExecutionID, c.clock.Now().Sub(startedAt))
	return nil
}

// Close completes a started execution that was not completed yet, using a
// fresh context bounded by the close timeout. Use it with defer.
func (c *Context) Close() error {
	if !c.started.Load() || c.completed.Load() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.closeTimeout)
	defer cancel()
	return c.complete(ctx)
}

func (c *Context) startKeepAlive(ctx context.Context, executionID string) {
	ka, err := heartbeat.NewKeepAlive(heartbeat.KeepAliveConfig{
		Send: func(ctx context.Context) error {
			return c.svc.SendKeepAlive(ctx, SendKeepAliveRequest{TaskExecutionID: executionID})
		},
		Done: c.completed.Load,
		OnError: func(err error) {
			c.logger.KeepAliveFailed(executionID, err, errors.IsRetryable(err))
		},
		Interval: c.opts.Interval(),
		Poll:     c.poll,
		Clock:    c.clock,
	})
	if err != nil {
		c.logger.Error("keepalive_config", map[string]interface{}{
			"execution_id": executionID,
			"error":        err.Error(),
		})
		return
	}

	// The loop outlives the TryStart call; only Complete stops it.
	c.mu.Lock()
	c.keepAlive = ka
	ka.Start(context.WithoutCancel(ctx))
	c.mu.Unlock()
}

func (c *Context) stopKeepAlive() {
	c.mu.Lock()
	ka := c.keepAlive
	c.mu.Unlock()
	if ka != nil {
		ka.Stop()
	}
}

// requireStarted fails unless the execution holds a granted, uncompleted start.
func (c *Context) requireStarted(operation string) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateStarted || c.completed.Load() {
		return errors.InvalidLifecycleState(
			fmt.Sprintf("%s requires a started execution, state is %s", operation, state),
			errors.WithTask(c.inst.ApplicationName, c.inst.TaskName))
	}
	return nil
}

// CreateCriticalSection returns a handle for the task-wide critical section
// bound to this execution.
func (c *Context) CreateCriticalSection() (*CriticalSection, error) {
	if err := c.requireStarted("CreateCriticalSection"); err != nil {
		return nil, err
	}
	return newCriticalSection(c.cs, c.Instance(), c.opts, c.closeTimeout, c.logger), nil
}

// GetRangeBlocks builds partition settings with configure and asks the
// block factory for the blocks of this execution.
func (c *Context) GetRangeBlocks(ctx context.Context,
	configure func(*blocks.Descriptor) blocks.SettingsDescriptor) ([]blocks.RangeBlockContext, error) {
	if err := c.requireStarted("GetRangeBlocks"); err != nil {
		return nil, err
	}
	if configure == nil {
		return nil, errors.InvalidConfiguration("block settings function is nil")
	}
	desc := configure(blocks.NewDescriptor())
	if desc == nil {
		return nil, errors.InvalidConfiguration("block settings function returned nil")
	}
	settings := desc.Settings()
	inst := c.Instance()

	var (
		result []blocks.RangeBlockContext
		err    error
	)
	switch settings.RangeKind {
	case blocks.RangeKindDate:
		result, err = c.factory.GenerateDateRangeBlocks(ctx, blocks.NewDateRangeRequest(inst, c.opts, settings))
	case blocks.RangeKindNumeric:
		result, err = c.factory.GenerateNumericRangeBlocks(ctx, blocks.NewNumericRangeRequest(inst, c.opts, settings))
	default:
		return nil, errors.UnsupportedRangeKind(settings.RangeKind.String(),
			errors.WithTask(inst.ApplicationName, inst.TaskName),
			errors.WithTaskExecutionID(inst.TaskExecutionID))
	}
	if err != nil {
		return nil, err
	}

	c.logger.BlocksGenerated(inst.TaskExecutionID, settings.RangeKind.String(), len(result))
	return result, nil
}

// Checkpoint records progress. Not implemented yet.
func (c *Context) Checkpoint(ctx context.Context, message string) error {
	return errors.NotImplemented("Checkpoint", errors.WithTaskExecutionID(c.Instance().TaskExecutionID))
}

// Error records a failure of the execution. Not implemented yet.
func (c *Context) Error(ctx context.Context, message string) error {
	return errors.NotImplemented("Error", errors.WithTaskExecutionID(c.Instance().TaskExecutionID))
}

// Instance returns a copy of the execution identity.
func (c *Context) Instance() task.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inst
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Options returns the options the Context was built with.
func (c *Context) Options() task.Options {
	return c.opts
}
