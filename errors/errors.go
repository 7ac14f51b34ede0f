package errors

import (
	"fmt"
	"maps"
	"strings"
)

// ResultError is the interface for all structured errors in resultkit.
type ResultError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// TaskID returns the task the failure concerns, if any.
	TaskID() string

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of ResultError.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil falls back to the category
	taskID    string
}

var _ ResultError = (*Error)(nil)

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

// Metadata returns a copy of the error metadata. It is never nil.
func (e *Error) Metadata() map[string]string {
	if e.metadata == nil {
		return map[string]string{}
	}
	return maps.Clone(e.metadata)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// TaskID returns the related task ID, if set.
func (e *Error) TaskID() string {
	return e.taskID
}

// TaskIDs returns every task the failure concerns. Waits over several
// tasks record the outstanding set in the "task_ids" metadata key.
func (e *Error) TaskIDs() []string {
	if ids := e.metadata["task_ids"]; ids != "" {
		return strings.Split(ids, ",")
	}
	if e.taskID != "" {
		return []string{e.taskID}
	}
	return nil
}

// Option is a functional option for configuring an Error.
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

// WithTaskID sets the related task ID.
func WithTaskID(id string) Option {
	return func(e *Error) {
		e.taskID = id
	}
}

// WithTaskIDs records a set of task IDs. The first one also becomes the
// error's TaskID.
func WithTaskIDs(ids []string) Option {
	return func(e *Error) {
		if len(ids) == 0 {
			return
		}
		if e.taskID == "" {
			e.taskID = ids[0]
		}
		if len(ids) > 1 {
			WithMetadata("task_ids", strings.Join(ids, ","))(e)
		}
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
		code:     code,
		category: code.DefaultCategory(),
		message:  message,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WaitEmpty reports that a single-result wait drained zero results.
func WaitEmpty(taskID string, opts ...Option) *Error {
	opts = append([]Option{WithTaskID(taskID)}, opts...)
	return New(ErrCodeWaitEmpty, fmt.Sprintf("no result drained while waiting for task %q", taskID), opts...)
}

// WaitTimeout reports that a broker read passed its deadline while the
// given tasks were still outstanding.
func WaitTimeout(taskIDs []string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithTaskIDs(taskIDs), WithCause(cause)}, opts...)
	return New(ErrCodeTimeout, "timed out waiting for results", opts...)
}

// BacklogLimitExceeded reports that compaction could not reach the end of a
// task's backlog within limit reads. It is not retryable: the backlog needs
// operator attention.
func BacklogLimitExceeded(taskID string, limit int, opts ...Option) *Error {
	opts = append([]Option{
		WithTaskID(taskID),
		WithRetryable(false),
		WithMetadata("backlog_limit", fmt.Sprintf("%d", limit)),
	}, opts...)
	return New(ErrCodeBacklogLimit, fmt.Sprintf("too much state history to fast-forward task %q", taskID), opts...)
}

// Transport reports a broker failure. When it comes out of a retry loop the
// retry budget is spent, so it is marked non-retryable.
func Transport(taskID string, attempts int, cause error, opts ...Option) *Error {
	opts = append([]Option{
		WithTaskID(taskID),
		WithCause(cause),
		WithRetryable(false),
		WithMetadata("attempts", fmt.Sprintf("%d", attempts)),
	}, opts...)
	return New(ErrCodeTransport, fmt.Sprintf("publishing result for task %q failed after %d attempts", taskID, attempts), opts...)
}

// NotSupported reports an operation this backend does not implement.
func NotSupported(operation string, opts ...Option) *Error {
	opts = append([]Option{WithMetadata("operation", operation)}, opts...)
	return New(ErrCodeUnsupported, fmt.Sprintf("%s is not supported by this backend", operation), opts...)
}

// Precondition reports a programming error. These are never retried.
func Precondition(message string, opts ...Option) *Error {
	return New(ErrCodePrecondition, message, opts...)
}

// Decode reports a message body that could not be turned into a record.
func Decode(cause error, opts ...Option) *Error {
	opts = append([]Option{WithCause(cause)}, opts...)
	return New(ErrCodeDecode, "decode result message", opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}
