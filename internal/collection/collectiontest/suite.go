// Package collectiontest holds the conformance tests every collection
// backend must pass.
package collectiontest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lightning-store/internal/collection"
	"lightning-store/pkg/schemas"
)

// Run exercises a backend produced by newBackend. Each subtest gets a fresh
// backend.
func Run(t *testing.T, newBackend func(t *testing.T) *collection.Backend) {
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, newBackend(t)) })
	t.Run("InsertDuplicate", func(t *testing.T) { testInsertDuplicate(t, newBackend(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newBackend(t)) })
	t.Run("ConcurrentUpdate", func(t *testing.T) { testConcurrentUpdate(t, newBackend(t)) })
	t.Run("Query", func(t *testing.T) { testQuery(t, newBackend(t)) })
	t.Run("QueueFIFO", func(t *testing.T) { testQueueFIFO(t, newBackend(t)) })
	t.Run("QueueConcurrentDequeue", func(t *testing.T) { testQueueConcurrentDequeue(t, newBackend(t)) })
	t.Run("Counter", func(t *testing.T) { testCounter(t, newBackend(t)) })
	t.Run("ConcurrentCounter", func(t *testing.T) { testConcurrentCounter(t, newBackend(t)) })
	t.Run("KeyValue", func(t *testing.T) { testKeyValue(t, newBackend(t)) })
}

func attempt(rollout string, seq int64, status schemas.AttemptStatus) schemas.Attempt {
	return schemas.Attempt{
		RolloutID:  rollout,
		AttemptID:  fmt.Sprintf("%s-at-%d", rollout, seq),
		SequenceID: seq,
		Status:     status,
		StartTime:  float64(seq),
		Metadata:   map[string]any{},
	}
}

func testInsertAndGet(t *testing.T, b *collection.Backend) {
	ctx := context.Background()
	r := schemas.Rollout{
		RolloutID: "ro-1",
		Input:     []byte(`{"q":"2+2"}`),
		Status:    schemas.RolloutQueuing,
		StartTime: 10.5,
		Config:    schemas.DefaultRolloutConfig(),
		Metadata:  map[string]any{"k": "v"},
	}
	require.NoError(t, b.Rollouts.Insert(ctx, r))

	got, err := b.Rollouts.Get(ctx, "ro-1")
	require.NoError(t, err)
	assert.Equal(t, "ro-1", got.RolloutID)
	assert.Equal(t, schemas.RolloutQueuing, got.Status)
	assert.JSONEq(t, `{"q":"2+2"}`, string(got.Input))
	assert.Equal(t, 10.5, got.StartTime)
	assert.Equal(t, "v", got.Metadata["k"])

	_, err = b.Rollouts.Get(ctx, "missing")
	assert.ErrorIs(t, err, collection.ErrNotFound)
}

func testInsertDuplicate(t *testing.T, b *collection.Backend) {
	ctx := context.Background()
	require.NoError(t, b.Attempts.Insert(ctx, attempt("ro-1", 1, schemas.AttemptPreparing)))
	err := b.Attempts.Insert(ctx, attempt("ro-1", 2, schemas.AttemptPreparing), attempt("ro-1", 1, schemas.AttemptRunning))
	assert.ErrorIs(t, err, collection.ErrAlreadyExists)

	n, err := b.Attempts.Count(ctx, collection.Where(collection.Eq("rollout_id", "ro-1")))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "a failed batch insert must not write any item")
}

func testUpdate(t *testing.T, b *collection.Backend) {
	ctx := context.Background()
	a := attempt("ro-1", 1, schemas.AttemptPreparing)
	require.NoError(t, b.Attempts.Insert(ctx, a))

	updated, err := b.Attempts.Update(ctx, a.AttemptID, func(cur schemas.Attempt) (schemas.Attempt, error) {
		cur.Status = schemas.AttemptRunning
		return cur, nil
	})
	require.NoError(t, err)
	assert.Equal(t, schemas.AttemptRunning, updated.Status)

	got, err := b.Attempts.Get(ctx, a.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, schemas.AttemptRunning, got.Status)

	boom := fmt.Errorf("boom")
	_, err = b.Attempts.Update(ctx, a.AttemptID, func(cur schemas.Attempt) (schemas.Attempt, error) {
		return cur, boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = b.Attempts.Update(ctx, "missing", func(cur schemas.Attempt) (schemas.Attempt, error) {
		return cur, nil
	})
	assert.ErrorIs(t, err, collection.ErrNotFound)
}

func testConcurrentUpdate(t *testing.T, b *collection.Backend) {
	ctx := context.Background()
	w := schemas.Worker{WorkerID: "w-1", Status: schemas.WorkerIdle, HeartbeatStats: map[string]any{"n": 0}}
	require.NoError(t, b.Workers.Insert(ctx, w))

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Workers.Update(ctx, "w-1", func(cur schemas.Worker) (schemas.Worker, error) {
				n := int(collection.Number(cur.HeartbeatStats["n"]))
				cur.HeartbeatStats = map[string]any{"n": n + 1}
				return cur, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := b.Workers.Get(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, float64(writers), collection.Number(got.HeartbeatStats["n"]), "no update may be lost")
}

func testQuery(t *testing.T, b *collection.Backend) {
	ctx := context.Background()
	require.NoError(t, b.Attempts.Insert(ctx,
		attempt("ro-1", 2, schemas.AttemptFailed),
		attempt("ro-1", 1, schemas.AttemptFailed),
		attempt("ro-1", 3, schemas.AttemptRunning),
		attempt("ro-2", 1, schemas.AttemptSucceeded),
	))

	got, err := b.Attempts.Query(ctx, collection.Where(collection.Eq("rollout_id", "ro-1")).OrderBy("sequence_id", false))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{got[0].SequenceID, got[1].SequenceID, got[2].SequenceID})

	latest, err := b.Attempts.Query(ctx, collection.Where(collection.Eq("rollout_id", "ro-1")).OrderBy("sequence_id", true).First(1))
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, int64(3), latest[0].SequenceID)

	failed, err := b.Attempts.Query(ctx, collection.Where(collection.In("status", schemas.AttemptFailed, schemas.AttemptSucceeded)))
	require.NoError(t, err)
	assert.Len(t, failed, 3)

	none, err := b.Attempts.Query(ctx, collection.Where(collection.Eq("rollout_id", "ro-9")))
	require.NoError(t, err)
	assert.Empty(t, none)

	n, err := b.Attempts.Count(ctx, collection.Query{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func testQueueFIFO(t *testing.T, b *collection.Backend) {
	ctx := context.Background()
	_, ok, err := b.RolloutQueue.Dequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.RolloutQueue.Enqueue(ctx, "a", "b"))
	require.NoError(t, b.RolloutQueue.Enqueue(ctx, "c"))
	n, err := b.RolloutQueue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, want := range []string{"a", "b", "c"} {
		got, ok, err := b.RolloutQueue.Dequeue(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok, err = b.RolloutQueue.Dequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testQueueConcurrentDequeue(t *testing.T, b *collection.Backend) {
	ctx := context.Background()
	const items, consumers = 40, 60
	for i := 0; i < items; i++ {
		require.NoError(t, b.RolloutQueue.Enqueue(ctx, fmt.Sprintf("item-%02d", i)))
	}

	var (
		mu  sync.Mutex
		got []string
		wg  sync.WaitGroup
	)
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, ok, err := b.RolloutQueue.Dequeue(ctx)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				got = append(got, v)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, got, items)
	seen := make(map[string]bool, len(got))
	for _, v := range got {
		assert.False(t, seen[v], "item %s dequeued twice", v)
		seen[v] = true
	}
}

func testCounter(t *testing.T, b *collection.Backend) {
	ctx := context.Background()
	v, err := b.Counters.Value(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	v, err = b.Counters.Increment(ctx, "c", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = b.Counters.Raise(ctx, "c", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), v)

	v, err = b.Counters.Raise(ctx, "c", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(10), v, "raise never lowers a counter")

	v, err = b.Counters.Increment(ctx, "c", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(11), v)
}

func testConcurrentCounter(t *testing.T, b *collection.Backend) {
	ctx := context.Background()
	const n = 50
	results := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := b.Counters.Increment(ctx, "seq", 1)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, v := range results {
		assert.Equal(t, int64(i+1), v)
	}
}

func testKeyValue(t *testing.T, b *collection.Backend) {
	ctx := context.Background()
	_, ok, err := b.Values.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Values.Set(ctx, "k", "v1"))
	require.NoError(t, b.Values.Set(ctx, "k", "v2"))
	v, ok, err := b.Values.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)
}
