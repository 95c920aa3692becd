// Package store composes the collection primitives into the rollout,
// attempt, span, resource and worker operations of the Lightning Store. It
// owns the rollout state machine and the retry policy.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lightning-store/internal/collection"
	"lightning-store/pkg/schemas"
)

const (
	DefaultPollInterval = 100 * time.Millisecond

	lastSweepKey = "healthcheck:last_sweep"
)

// Archiver persists a rollout's spans somewhere durable and returns a
// reference to the written object.
type Archiver interface {
	ArchiveSpans(ctx context.Context, rolloutID string, spans []schemas.Span) (string, error)
}

type Options struct {
	Logger *zap.Logger
	// Now is the clock used for every timestamp the store writes.
	Now func() time.Time
	// PollInterval paces WaitForRollouts.
	PollInterval time.Duration
	// MaxQueueLength bounds the rollout queue; zero means unbounded. The
	// bound is exact among callers of one Store. Processes sharing a backend
	// check it independently, so together they may overshoot it by up to one
	// rollout per process.
	MaxQueueLength int64
	Archiver       Archiver
}

type Store struct {
	// enqueueMu pairs the queue length check with the push.
	enqueueMu sync.Mutex

	b        *collection.Backend
	log      *zap.Logger
	now      func() time.Time
	poll     time.Duration
	maxQueue int64
	archiver Archiver
}

func New(b *collection.Backend, opts Options) *Store {
	s := &Store{
		b:        b,
		log:      opts.Logger,
		now:      opts.Now,
		poll:     opts.PollInterval,
		maxQueue: opts.MaxQueueLength,
		archiver: opts.Archiver,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.poll <= 0 {
		s.poll = DefaultPollInterval
	}
	return s
}

// Backend exposes the primitives the store runs on.
func (s *Store) Backend() *collection.Backend { return s.b }

// Ping checks that the backend is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.b.Ping(ctx) }

func (s *Store) timestamp() float64 { return schemas.Timestamp(s.now()) }

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// notFound rewrites collection.ErrNotFound into the store error for the
// record kind, keeping other errors intact.
func notFound(err, kind error, id string) error {
	if errors.Is(err, collection.ErrNotFound) {
		return fmt.Errorf("%w: %s", kind, id)
	}
	return err
}

func mergeMetadata(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Stats is a point-in-time summary used for metrics and health output.
type Stats struct {
	QueueLength      int64
	RolloutsByStatus map[schemas.RolloutStatus]int64
	WorkersByStatus  map[schemas.WorkerStatus]int64
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		RolloutsByStatus: make(map[schemas.RolloutStatus]int64),
		WorkersByStatus:  make(map[schemas.WorkerStatus]int64),
	}
	var err error
	if st.QueueLength, err = s.b.RolloutQueue.Len(ctx); err != nil {
		return st, err
	}
	for _, status := range []schemas.RolloutStatus{
		schemas.RolloutQueuing, schemas.RolloutPreparing, schemas.RolloutRunning,
		schemas.RolloutSucceeded, schemas.RolloutFailed, schemas.RolloutRequeuing, schemas.RolloutCancelled,
	} {
		n, err := s.b.Rollouts.Count(ctx, collection.Where(collection.Eq("status", status)))
		if err != nil {
			return st, err
		}
		st.RolloutsByStatus[status] = n
	}
	for _, status := range []schemas.WorkerStatus{schemas.WorkerIdle, schemas.WorkerBusy, schemas.WorkerUnknown} {
		n, err := s.b.Workers.Count(ctx, collection.Where(collection.Eq("status", status)))
		if err != nil {
			return st, err
		}
		st.WorkersByStatus[status] = n
	}
	return st, nil
}
