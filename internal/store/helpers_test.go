package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"lightning-store/internal/collection"
	"lightning-store/internal/collection/memory"
	"lightning-store/pkg/schemas"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	return New(memory.NewBackend(), opts)
}

func enqueue(t *testing.T, s *Store, input string, cfg *schemas.RolloutConfig) *schemas.Rollout {
	t.Helper()
	r, err := s.EnqueueRollout(context.Background(), schemas.EnqueueRolloutRequest{
		Input:  []byte(input),
		Config: cfg,
	})
	require.NoError(t, err)
	return r
}

func dequeue(t *testing.T, s *Store, worker string) *schemas.AttemptedRollout {
	t.Helper()
	var w *string
	if worker != "" {
		w = &worker
	}
	ar, err := s.DequeueRollout(context.Background(), w)
	require.NoError(t, err)
	require.NotNil(t, ar, "queue unexpectedly empty")
	return ar
}

func setAttempt(t *testing.T, s *Store, ar *schemas.AttemptedRollout, status schemas.AttemptStatus) *schemas.Attempt {
	t.Helper()
	a, err := s.UpdateAttempt(context.Background(), ar.RolloutID, ar.Attempt.AttemptID, schemas.UpdateAttemptRequest{Status: &status})
	require.NoError(t, err)
	return a
}

func rolloutStatus(t *testing.T, s *Store, id string) schemas.RolloutStatus {
	t.Helper()
	r, err := s.GetRolloutByID(context.Background(), id)
	require.NoError(t, err)
	return r.Status
}

var errDiskFull = errors.New("disk full")

type failingInsert[T collection.Document] struct {
	collection.Collection[T]
}

func (failingInsert[T]) Insert(context.Context, ...T) error { return errDiskFull }

type failingEnqueue struct {
	collection.Queue[string]
}

func (failingEnqueue) Enqueue(context.Context, ...string) error { return errDiskFull }
