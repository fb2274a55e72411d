package coordinator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vinayprograms/taskkit/execution"
	"github.com/vinayprograms/taskkit/task"
)

// Key prefixes for the state store.
const (
	executionPrefix = "executions."
	tokenPrefix     = "tokens."
	limitPrefix     = "limits."
	criticalPrefix  = "critical."
)

// Status is the backend's view of an execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusDenied    Status = "denied"
	StatusCompleted Status = "completed"
)

// ExecutionRecord is the stored state of one execution attempt.
type ExecutionRecord struct {
	ID               string                `json:"id"`
	ApplicationName  string                `json:"application_name"`
	TaskName         string                `json:"task_name"`
	Status           Status                `json:"status"`
	GrantStatus      execution.GrantStatus `json:"grant_status"`
	ExecutionTokenID string                `json:"execution_token_id,omitempty"`
	TokenKey         string                `json:"token_key,omitempty"`

	DeathMode                task.DeathMode `json:"death_mode"`
	OverrideThresholdSeconds int            `json:"override_threshold_seconds"`
	KeepAliveElapsedSeconds  int            `json:"keep_alive_elapsed_seconds,omitempty"`

	StartedAt     time.Time  `json:"started_at"`
	LastKeepAlive time.Time  `json:"last_keep_alive"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Dead reports whether a running execution has outlived its death threshold
// at now. Finished executions are always dead. A zero threshold never expires.
func (r *ExecutionRecord) Dead(now time.Time) bool {
	if r.Status != StatusRunning {
		return true
	}
	switch r.DeathMode {
	case task.DeathModeKeepAlive:
		if r.KeepAliveElapsedSeconds <= 0 {
			return false
		}
		return now.Sub(r.LastKeepAlive) > time.Duration(r.KeepAliveElapsedSeconds)*time.Second
	default:
		if r.OverrideThresholdSeconds <= 0 {
			return false
		}
		return now.Sub(r.StartedAt) > time.Duration(r.OverrideThresholdSeconds)*time.Second
	}
}

// tokenRecord is the value stored under a token slot key. An empty
// ExecutionID marks a released slot.
type tokenRecord struct {
	TokenID     string `json:"token_id"`
	ExecutionID string `json:"execution_id,omitempty"`
}

type limitRecord struct {
	ConcurrencyLimit int `json:"concurrency_limit"`
}

// newExecutionID returns a time-sortable attempt id.
func newExecutionID() string {
	return ulid.Make().String()
}

func executionKey(id string) string {
	return executionPrefix + id
}

func taskKey(prefix, app, taskName string) string {
	return prefix + keySegment(app) + "." + keySegment(taskName)
}

func tokenKey(app, taskName string, slot int) string {
	return taskKey(tokenPrefix, app, taskName) + "." + strconv.Itoa(slot)
}

// keySegment escapes a name into a single store key token. Letters, digits,
// '-' and '_' pass through; every other byte becomes "=XX".
func keySegment(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "=%02X", c)
		}
	}
	return b.String()
}

func decodeRecord(data []byte) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode execution record: %w", err)
	}
	return &rec, nil
}
