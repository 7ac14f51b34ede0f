// Package errors provides the failure taxonomy of the result backend.
//
// Every failure surfaced by resultkit is an *Error carrying a code, a
// category and the task identifiers it concerns. Callers branch on codes
// rather than on message text:
//
//	rec, err := be.WaitFor(ctx, taskID, backend.WaitOptions{Timeout: time.Second})
//	switch {
//	case errors.Is(err, errors.ErrCodeTimeout):
//	    // nothing arrived before the deadline, retry with a new one
//	case errors.Is(err, errors.ErrCodeWaitEmpty):
//	    // the drain produced nothing, treat as not ready
//	}
//
// # Categories
//
//   - Transient: the operation may succeed later (timeouts, empty waits)
//   - Permanent: retrying will not help (unsupported operations, bad input)
//   - Resource: an abnormal amount of work was refused (backlog limit)
//   - Internal: bugs and invariant violations
package errors
