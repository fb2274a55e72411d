package blocks

import (
	"time"

	"github.com/vinayprograms/taskkit/task"
)

// BlockRequest carries the fields shared by both partition request shapes.
// Nil pointers mean the field was not set.
type BlockRequest struct {
	ApplicationName string `json:"application_name"`
	TaskName        string `json:"task_name"`
	TaskExecutionID string `json:"task_execution_id"`

	CheckForDeadExecutions             bool `json:"check_for_dead_executions"`
	CheckForFailedExecutions           bool `json:"check_for_failed_executions"`
	GoBackElapsedSecondsForDeadTasks   *int `json:"go_back_elapsed_seconds_for_dead_tasks,omitempty"`
	GoBackElapsedSecondsForFailedTasks *int `json:"go_back_elapsed_seconds_for_failed_tasks,omitempty"`

	TaskDeathMode                   task.DeathMode `json:"task_death_mode"`
	OverrideElapsedSecondsToBeDead  *int           `json:"override_elapsed_seconds_to_be_dead,omitempty"`
	KeepAliveElapsedSecondsToBeDead *int           `json:"keep_alive_elapsed_seconds_to_be_dead,omitempty"`

	MaxBlocks int `json:"max_blocks"`
}

// DateRangeRequest asks a Factory for date-range blocks.
type DateRangeRequest struct {
	BlockRequest
	RangeBegin    time.Time     `json:"range_begin"`
	RangeEnd      time.Time     `json:"range_end"`
	MaxBlockRange time.Duration `json:"max_block_range"`
}

// NumericRangeRequest asks a Factory for numeric-range blocks.
type NumericRangeRequest struct {
	BlockRequest
	RangeBegin int64 `json:"range_begin"`
	RangeEnd   int64 `json:"range_end"`
	BlockSize  int64 `json:"block_size"`
}

// NewDateRangeRequest builds the date-range request for an execution.
func NewDateRangeRequest(inst task.Instance, opts task.Options, s Settings) DateRangeRequest {
	return DateRangeRequest{
		BlockRequest:  newBlockRequest(inst, opts, s),
		RangeBegin:    s.FromDate,
		RangeEnd:      s.ToDate,
		MaxBlockRange: s.MaxBlockTimespan,
	}
}

// NewNumericRangeRequest builds the numeric-range request for an execution.
func NewNumericRangeRequest(inst task.Instance, opts task.Options, s Settings) NumericRangeRequest {
	return NumericRangeRequest{
		BlockRequest: newBlockRequest(inst, opts, s),
		RangeBegin:   s.FromNumber,
		RangeEnd:     s.ToNumber,
		BlockSize:    s.MaxBlockNumberRange,
	}
}

func newBlockRequest(inst task.Instance, opts task.Options, s Settings) BlockRequest {
	req := BlockRequest{
		ApplicationName:          inst.ApplicationName,
		TaskName:                 inst.TaskName,
		TaskExecutionID:          inst.TaskExecutionID,
		CheckForDeadExecutions:   s.MustReprocessDeadTasks,
		CheckForFailedExecutions: s.MustReprocessFailedTasks,
		TaskDeathMode:            opts.DeathMode,
		MaxBlocks:                s.MaximumNumberOfBlocks,
	}

	if s.MustReprocessDeadTasks {
		req.GoBackElapsedSecondsForDeadTasks = seconds(s.DeadTaskDetectionRange)
	}
	// The failed-task lookback shares the dead-task detection range;
	// FailedTaskDetectionRange is recorded on Settings but not sent.
	if s.MustReprocessFailedTasks {
		req.GoBackElapsedSecondsForFailedTasks = seconds(s.DeadTaskDetectionRange)
	}

	if opts.DeathMode == task.DeathModeKeepAlive {
		req.KeepAliveElapsedSecondsToBeDead = seconds(s.TreatAsDeadAfter)
	} else {
		req.OverrideElapsedSecondsToBeDead = seconds(s.TreatAsDeadAfter)
	}
	return req
}

func seconds(d time.Duration) *int {
	n := task.Seconds(d)
	return &n
}
