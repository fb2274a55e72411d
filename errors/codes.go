package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: backend unreachable, request timeouts.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: lifecycle misuse, invalid options, unsupported range kinds.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion or contention.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors or corrupted state.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Service temporarily unavailable
	ErrCodeBackend     ErrorCode = "BACKEND"     // Coordination backend could not be reached

	// Permanent errors
	ErrCodeInvalidLifecycleState ErrorCode = "INVALID_LIFECYCLE_STATE" // Operation not allowed in the current state
	ErrCodeInvalidConfiguration  ErrorCode = "INVALID_CONFIGURATION"   // Options or settings are inconsistent
	ErrCodeUnsupportedRangeKind  ErrorCode = "UNSUPPORTED_RANGE_KIND"  // Block settings name an unknown range kind
	ErrCodeNotImplemented        ErrorCode = "NOT_IMPLEMENTED"         // Operation is declared but not available
	ErrCodeNotFound              ErrorCode = "NOT_FOUND"               // Resource does not exist
	ErrCodeInvalidInput          ErrorCode = "INVALID_INPUT"           // Malformed request
	ErrCodeCanceled              ErrorCode = "CANCELED"                // Operation was canceled

	// Resource errors
	ErrCodeResourceBusy ErrorCode = "RESOURCE_BUSY" // Lock or token held by someone else

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeBackend:
		return CategoryTransient
	case ErrCodeInvalidLifecycleState, ErrCodeInvalidConfiguration, ErrCodeUnsupportedRangeKind,
		ErrCodeNotImplemented, ErrCodeNotFound, ErrCodeInvalidInput, ErrCodeCanceled:
		return CategoryPermanent
	case ErrCodeResourceBusy:
		return CategoryResource
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:               "operation timed out",
	ErrCodeUnavailable:           "service temporarily unavailable",
	ErrCodeBackend:               "coordination backend error",
	ErrCodeInvalidLifecycleState: "operation not allowed in current lifecycle state",
	ErrCodeInvalidConfiguration:  "invalid configuration",
	ErrCodeUnsupportedRangeKind:  "unsupported range kind",
	ErrCodeNotImplemented:        "not implemented",
	ErrCodeNotFound:              "resource not found",
	ErrCodeInvalidInput:          "invalid input provided",
	ErrCodeCanceled:              "operation canceled",
	ErrCodeResourceBusy:          "resource is busy",
	ErrCodeInternal:              "internal error",
	ErrCodePanic:                 "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
