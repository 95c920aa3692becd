package store

import "lightning-store/pkg/schemas"

var (
	ErrInvalidStatus     = schemas.ErrInvalidStatus
	ErrInvalidRequest    = schemas.ErrInvalidRequest
	ErrRolloutNotFound   = schemas.ErrRolloutNotFound
	ErrAttemptNotFound   = schemas.ErrAttemptNotFound
	ErrResourcesNotFound = schemas.ErrResourcesNotFound
	ErrWorkerNotFound    = schemas.ErrWorkerNotFound
	ErrQueueFull         = schemas.ErrQueueFull
	ErrArchiveDisabled   = schemas.ErrArchiveDisabled
)
