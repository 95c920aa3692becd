package collection

import (
	"context"

	"lightning-store/pkg/schemas"
)

// Backend bundles the primitives the store needs. Shared reports whether the
// primitives stay atomic across OS processes; only shared backends may be
// used by more than one server process.
type Backend struct {
	Name   string
	Shared bool

	Rollouts  Collection[schemas.Rollout]
	Attempts  Collection[schemas.Attempt]
	Spans     Collection[schemas.Span]
	Workers   Collection[schemas.Worker]
	Resources Collection[schemas.ResourcesUpdate]

	// RolloutQueue holds rollout ids waiting for a runner.
	RolloutQueue Queue[string]
	Counters     Counter
	Values       KeyValue[string]

	Ping  func(ctx context.Context) error
	Close func(ctx context.Context) error
}

// Collection names shared by the database backends.
const (
	RolloutsName  = "rollouts"
	AttemptsName  = "attempts"
	SpansName     = "spans"
	WorkersName   = "workers"
	ResourcesName = "resources"
	QueueName     = "rollout_queue"
)
