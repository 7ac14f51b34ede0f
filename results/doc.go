// Package results defines the result record that flows between the task
// that produced an outcome and the callers waiting for it.
//
// A Record carries the task identifier, its state, an encoded payload, an
// optional traceback and the identifiers of any child tasks. Records for the
// same task are ordered only by arrival: the backend keeps the most recent one
// and never reconstructs a history.
//
// # States
//
// States follow the usual task lifecycle:
//
//	PENDING -> RECEIVED -> STARTED -> (RETRY ->)* SUCCESS | FAILURE | REVOKED
//
// The ready states (SUCCESS, FAILURE, REVOKED) are terminal. Only records in a
// ready state satisfy a wait or are cached by the poller.
//
// # Failures
//
// When a task fails, its error is stored as an exception payload:
//
//	rec := results.NewRecord("task-1", results.StatusFailure, err)
//	// rec.Result == map[string]interface{}{"exc_type": "...", "exc_message": "..."}
//
//	if exc := rec.Exception(); exc != nil {
//	    log.Printf("task failed: %v", exc)
//	}
package results
