package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates that a bound on work or capacity was hit.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors or invariant violations.
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
	ErrCodeTimeout   ErrorCode = "TIMEOUT"    // Deadline passed while waiting for broker events
	ErrCodeWaitEmpty ErrorCode = "WAIT_EMPTY" // A single-result wait drained nothing
	ErrCodeTransport ErrorCode = "TRANSPORT"  // Broker operation failed

	// Permanent errors
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // Malformed task id, status or option
	ErrCodePrecondition ErrorCode = "PRECONDITION"  // Programming error, e.g. missing channel
	ErrCodeUnsupported  ErrorCode = "UNSUPPORTED"   // Operation not implemented by this backend
	ErrCodeDecode       ErrorCode = "DECODE"        // Message body could not be decoded
	ErrCodeCanceled     ErrorCode = "CANCELED"      // Operation was canceled

	// Resource errors
	ErrCodeBacklogLimit ErrorCode = "BACKLOG_LIMIT" // Too much state history to compact

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeWaitEmpty, ErrCodeTransport:
		return CategoryTransient
	case ErrCodeInvalidInput, ErrCodePrecondition, ErrCodeUnsupported, ErrCodeDecode,
		ErrCodeCanceled:
		return CategoryPermanent
	case ErrCodeBacklogLimit:
		return CategoryResource
	default:
		return CategoryInternal
	}
}
