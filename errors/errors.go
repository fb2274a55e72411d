package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskError is implemented by every structured error in taskkit.
type TaskError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of TaskError.
type Error struct {
	code            ErrorCode
	category        ErrorCategory
	message         string
	cause           error
	metadata        map[string]string
	retryable       *bool // nil means use default based on category
	timestamp       time.Time
	applicationName string
	taskName        string
	executionID     string
}

var (
	_ TaskError        = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// ApplicationName returns the application the error relates to, if set.
func (e *Error) ApplicationName() string {
	return e.applicationName
}

// TaskName returns the task the error relates to, if set.
func (e *Error) TaskName() string {
	return e.taskName
}

// TaskExecutionID returns the execution attempt the error relates to, if set.
func (e *Error) TaskExecutionID() string {
	return e.executionID
}

type errorJSON struct {
	Code            ErrorCode         `json:"code"`
	Category        ErrorCategory     `json:"category"`
	Message         string            `json:"message"`
	Cause           string            `json:"cause,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Retryable       bool              `json:"retryable"`
	Timestamp       string            `json:"timestamp,omitempty"`
	ApplicationName string            `json:"application_name,omitempty"`
	TaskName        string            `json:"task_name,omitempty"`
	TaskExecutionID string            `json:"task_execution_id,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:            e.code,
		Category:        e.category,
		Message:         e.message,
		Metadata:        e.metadata,
		Retryable:       e.Retryable(),
		ApplicationName: e.applicationName,
		TaskName:        e.taskName,
		TaskExecutionID: e.executionID,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	e.applicationName = j.ApplicationName
	e.taskName = j.TaskName
	e.executionID = j.TaskExecutionID
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option configures an Error.
type Option func(*Error)

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithTask sets the application and task the error relates to.
func WithTask(applicationName, taskName string) Option {
	return func(e *Error) {
		e.applicationName = applicationName
		e.taskName = taskName
	}
}

// WithTaskExecutionID sets the execution attempt the error relates to.
func WithTaskExecutionID(id string) Option {
	return func(e *Error) {
		e.executionID = id
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// InvalidLifecycleState creates an error for an operation attempted in the wrong state.
func InvalidLifecycleState(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidLifecycleState, message, opts...)
}

// InvalidConfiguration creates an error for inconsistent options or settings.
func InvalidConfiguration(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidConfiguration, message, opts...)
}

// UnsupportedRangeKind creates an error for an unknown block range kind.
func UnsupportedRangeKind(kind string, opts ...Option) *Error {
	opts = append([]Option{WithMetadata("range_kind", kind)}, opts...)
	return New(ErrCodeUnsupportedRangeKind, fmt.Sprintf("range kind %q is not supported", kind), opts...)
}

// NotImplemented creates an error for an operation that is declared but unavailable.
func NotImplemented(operation string, opts ...Option) *Error {
	opts = append([]Option{WithMetadata("operation", operation)}, opts...)
	return New(ErrCodeNotImplemented, operation+" is not implemented", opts...)
}

// Backend creates an error for a failed exchange with the coordination backend.
func Backend(message string, opts ...Option) *Error {
	return New(ErrCodeBackend, message, opts...)
}

// NotFound creates a not found error.
func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
