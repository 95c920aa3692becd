package schemas

import "errors"

// Errors shared by the in-process store and the HTTP client, so callers can
// match either with errors.Is.
var (
	// ErrInvalidStatus is a status value the state machine does not accept.
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrRolloutNotFound   = errors.New("rollout not found")
	ErrAttemptNotFound   = errors.New("attempt not found")
	ErrResourcesNotFound = errors.New("resources not found")
	ErrWorkerNotFound    = errors.New("worker not found")
	// ErrQueueFull is returned by EnqueueRollout when the queue already holds
	// the configured maximum. Callers retry the same rollout later.
	ErrQueueFull       = errors.New("rollout queue is full")
	ErrArchiveDisabled = errors.New("span archive is not configured")
)
