package errors

import (
	"context"
	"errors"
	"maps"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already a ResultError, the wrapper keeps its code and task.
// Context errors become CANCELED or TIMEOUT, anything else INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var resErr *Error
	if errors.As(err, &resErr) {
		wrapped := &Error{
			code:      resErr.code,
			category:  resErr.category,
			message:   message,
			cause:     err,
			metadata:  maps.Clone(resErr.metadata),
			retryable: resErr.retryable,
			taskID:    resErr.taskID,
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

// AsResultError extracts a ResultError from an error chain.
// Returns nil if none is found.
func AsResultError(err error) ResultError {
	var resErr *Error
	if errors.As(err, &resErr) {
		return resErr
	}
	return nil
}

// Is checks if the first ResultError in the chain has the given code.
func Is(err error, code ErrorCode) bool {
	var resErr *Error
	if errors.As(err, &resErr) {
		return resErr.code == code
	}
	return false
}

// IsRetryable checks if the error is retryable.
// Errors outside the taxonomy are not.
func IsRetryable(err error) bool {
	var resErr *Error
	if errors.As(err, &resErr) {
		return resErr.Retryable()
	}
	return false
}

// TaskID extracts the task ID from an error, if available.
func TaskID(err error) string {
	var resErr *Error
	if errors.As(err, &resErr) {
		return resErr.taskID
	}
	return ""
}

// Join combines multiple errors into a single error.
// If all errors are nil, returns nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
