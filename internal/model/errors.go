package model

import "errors"

var (
	ErrNotFound        = errors.New("resource not found")
	ErrAccessDenied    = errors.New("access denied")
	ErrWrongExternalID = errors.New("external id does not match")
	// ErrConflict marks an update whose precondition no longer holds.
	ErrConflict = errors.New("stale account state")
	// ErrInvalidState is returned when an operation is not legal in the current state.
	ErrInvalidState = errors.New("operation not allowed in current account state")
	// ErrAccountNotReady is a retryable configure failure.
	ErrAccountNotReady = errors.New("account not ready yet")
	// ErrJobAlreadyEnqueued is returned for a job id that is queued or running.
	ErrJobAlreadyEnqueued = errors.New("job already enqueued")
)
