package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/vinayprograms/taskkit/task"
)

// GrantStatus is the backend's admission decision for a start request.
// The zero value is GrantStatusUnknown, so a reply without a decision is
// never read as a denial.
type GrantStatus int

const (
	GrantStatusUnknown GrantStatus = iota
	GrantStatusDenied
	GrantStatusGranted
	GrantStatusGrantedWithoutLimit
)

// String returns the status name.
func (g GrantStatus) String() string {
	switch g {
	case GrantStatusUnknown:
		return "unknown"
	case GrantStatusDenied:
		return "denied"
	case GrantStatusGranted:
		return "granted"
	case GrantStatusGrantedWithoutLimit:
		return "granted_without_limit"
	default:
		return fmt.Sprintf("grant_status(%d)", int(g))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (g GrantStatus) MarshalText() ([]byte, error) {
	switch g {
	case GrantStatusDenied, GrantStatusGranted, GrantStatusGrantedWithoutLimit:
		return []byte(g.String()), nil
	}
	return nil, fmt.Errorf("unknown grant status %d", int(g))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *GrantStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "denied":
		*g = GrantStatusDenied
	case "granted":
		*g = GrantStatusGranted
	case "granted_without_limit":
		*g = GrantStatusGrantedWithoutLimit
	default:
		return fmt.Errorf("unknown grant status %q", text)
	}
	return nil
}

// StartRequest asks the backend to admit a new execution.
type StartRequest struct {
	ApplicationName          string         `json:"application_name"`
	TaskName                 string         `json:"task_name"`
	TaskDeathMode            task.DeathMode `json:"task_death_mode"`
	OverrideThresholdSeconds int            `json:"override_threshold_seconds"`
	// KeepAliveElapsedSeconds is set only in keep-alive death mode.
	KeepAliveElapsedSeconds *int `json:"keep_alive_elapsed_seconds,omitempty"`
}

// StartResponse carries the admission decision and the identifiers the
// backend assigned to the attempt.
type StartResponse struct {
	TaskExecutionID  string      `json:"task_execution_id"`
	ExecutionTokenID string      `json:"execution_token_id,omitempty"`
	GrantStatus      GrantStatus `json:"grant_status"`
}

// CompleteRequest reports the end of an execution.
type CompleteRequest struct {
	ApplicationName  string `json:"application_name"`
	TaskName         string `json:"task_name"`
	TaskExecutionID  string `json:"task_execution_id"`
	ExecutionTokenID string `json:"execution_token_id,omitempty"`
	UnlimitedMode    bool   `json:"unlimited_mode"`
}

// CompleteResponse carries the time the backend recorded the completion.
type CompleteResponse struct {
	CompletedAt time.Time `json:"completed_at"`
}

// SendKeepAliveRequest is one liveness signal.
type SendKeepAliveRequest struct {
	TaskExecutionID string `json:"task_execution_id"`
}

// CriticalSectionRequest asks for the task-wide critical section.
type CriticalSectionRequest struct {
	ApplicationName          string         `json:"application_name"`
	TaskName                 string         `json:"task_name"`
	TaskExecutionID          string         `json:"task_execution_id"`
	TaskDeathMode            task.DeathMode `json:"task_death_mode"`
	OverrideThresholdSeconds int            `json:"override_threshold_seconds"`
	KeepAliveElapsedSeconds  *int           `json:"keep_alive_elapsed_seconds,omitempty"`
}

// CriticalSectionResponse is Granted or Denied.
type CriticalSectionResponse struct {
	GrantStatus GrantStatus `json:"grant_status"`
}

// CriticalSectionCompleteRequest releases a held critical section.
type CriticalSectionCompleteRequest struct {
	ApplicationName string `json:"application_name"`
	TaskName        string `json:"task_name"`
	TaskExecutionID string `json:"task_execution_id"`
}

// TaskExecutionService is the coordination backend for executions.
type TaskExecutionService interface {
	Start(ctx context.Context, req StartRequest) (StartResponse, error)
	Complete(ctx context.Context, req CompleteRequest) (CompleteResponse, error)
	SendKeepAlive(ctx context.Context, req SendKeepAliveRequest) error
}

// CriticalSectionService provides fleet-wide mutual exclusion per task.
type CriticalSectionService interface {
	Start(ctx context.Context, req CriticalSectionRequest) (CriticalSectionResponse, error)
	Complete(ctx context.Context, req CriticalSectionCompleteRequest) error
}

// keepAliveSeconds returns the keep-alive threshold for requests, or nil
// outside keep-alive mode.
func keepAliveSeconds(opts task.Options) *int {
	if opts.DeathMode != task.DeathModeKeepAlive {
		return nil
	}
	n := task.Seconds(opts.KeepAliveElapsed)
	return &n
}
