package store

import (
	"context"
	"time"

	"lightning-store/pkg/schemas"
)

// LatestAttempt may be passed wherever an attempt id is expected to address
// the rollout's current attempt.
const LatestAttempt = "latest"

// API is the set of operations shared by the in-process Store and the HTTP
// client, so algorithm and runner code does not care where the store lives.
type API interface {
	EnqueueRollout(ctx context.Context, req schemas.EnqueueRolloutRequest) (*schemas.Rollout, error)
	StartRollout(ctx context.Context, req schemas.StartRolloutRequest) (*schemas.AttemptedRollout, error)
	// DequeueRollout returns nil when the queue is empty.
	DequeueRollout(ctx context.Context, workerID *string) (*schemas.AttemptedRollout, error)
	UpdateRollout(ctx context.Context, rolloutID string, req schemas.UpdateRolloutRequest) (*schemas.Rollout, error)
	GetRolloutByID(ctx context.Context, rolloutID string) (*schemas.Rollout, error)
	QueryRollouts(ctx context.Context, req schemas.QueryRolloutsRequest) ([]schemas.Rollout, error)
	// WaitForRollouts returns the subset of rolloutIDs that reached a terminal
	// status before timeout. A zero timeout checks once.
	WaitForRollouts(ctx context.Context, rolloutIDs []string, timeout time.Duration) ([]schemas.Rollout, error)
	QueueLength(ctx context.Context) (int64, error)

	UpdateAttempt(ctx context.Context, rolloutID, attemptID string, req schemas.UpdateAttemptRequest) (*schemas.Attempt, error)
	QueryAttempts(ctx context.Context, rolloutID string) ([]schemas.Attempt, error)
	GetLatestAttempt(ctx context.Context, rolloutID string) (*schemas.Attempt, error)

	AddSpan(ctx context.Context, span schemas.Span) (*schemas.Span, error)
	GetNextSpanSequenceID(ctx context.Context, rolloutID, attemptID string) (int64, error)
	QuerySpans(ctx context.Context, rolloutID, attemptID string) ([]schemas.Span, error)
	ArchiveSpans(ctx context.Context, rolloutID string) (string, error)

	UpdateResources(ctx context.Context, bucket string, resources schemas.NamedResources) (*schemas.ResourcesUpdate, error)
	AddResources(ctx context.Context, bucket string, resources schemas.NamedResources) (*schemas.ResourcesUpdate, error)
	GetResourcesByID(ctx context.Context, resourcesID string) (*schemas.ResourcesUpdate, error)
	GetLatestResources(ctx context.Context, bucket string) (*schemas.ResourcesUpdate, error)
	QueryResources(ctx context.Context, bucket string) ([]schemas.ResourcesUpdate, error)

	UpdateWorker(ctx context.Context, workerID string, req schemas.UpdateWorkerRequest) (*schemas.Worker, error)
	GetWorkerByID(ctx context.Context, workerID string) (*schemas.Worker, error)
	QueryWorkers(ctx context.Context, status []schemas.WorkerStatus) ([]schemas.Worker, error)
}

var _ API = (*Store)(nil)
