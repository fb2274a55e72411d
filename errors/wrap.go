package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// A wrapped *Error keeps its code, category and task identity; context errors
// map to TIMEOUT and CANCELED; anything else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var taskErr *Error
	if errors.As(err, &taskErr) {
		wrapped := &Error{
			code:            taskErr.code,
			category:        taskErr.category,
			message:         message,
			cause:           err,
			metadata:        taskErr.Metadata(),
			retryable:       taskErr.retryable,
			timestamp:       taskErr.timestamp,
			applicationName: taskErr.applicationName,
			taskName:        taskErr.taskName,
			executionID:     taskErr.executionID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// Is checks if the outermost *Error in the chain has the given code.
func Is(err error, code ErrorCode) bool {
	var taskErr *Error
	if errors.As(err, &taskErr) {
		return taskErr.code == code
	}
	return false
}

// IsRetryable checks if the error is retryable.
// Errors outside the taxonomy are not.
func IsRetryable(err error) bool {
	var taskErr *Error
	if errors.As(err, &taskErr) {
		return taskErr.Retryable()
	}
	return false
}

// Code extracts the error code from an error, if available.
func Code(err error) ErrorCode {
	var taskErr *Error
	if errors.As(err, &taskErr) {
		return taskErr.code
	}
	return ""
}

// Cause returns the root cause of the error chain.
func Cause(err error) error {
	for {
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		inner := unwrapper.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
