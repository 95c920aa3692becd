package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lightning-store/internal/collection"
	"lightning-store/internal/collection/collectiontest"
	"lightning-store/pkg/schemas"
)

var _ collection.Collection[schemas.Rollout] = (*Collection[schemas.Rollout])(nil)

func TestBackendConformance(t *testing.T) {
	collectiontest.Run(t, func(*testing.T) *collection.Backend { return NewBackend() })
}

func TestBackendIsNotShared(t *testing.T) {
	assert.False(t, NewBackend().Shared)
}

func TestUpdateCannotChangeKey(t *testing.T) {
	ctx := context.Background()
	c := NewCollection[schemas.Worker]("worker_id")
	require.NoError(t, c.Insert(ctx, schemas.Worker{WorkerID: "w-1"}))

	_, err := c.Update(ctx, "w-1", func(cur schemas.Worker) (schemas.Worker, error) {
		cur.WorkerID = "w-2"
		return cur, nil
	})
	assert.Error(t, err)

	got, err := c.Get(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, "w-1", got.WorkerID)
}

func TestQueueCompactsHead(t *testing.T) {
	ctx := context.Background()
	q := NewQueue[int]()
	for i := 0; i < 3000; i++ {
		require.NoError(t, q.Enqueue(ctx, i))
	}
	for i := 0; i < 2500; i++ {
		v, ok, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), n)
	v, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2500, v)
}

func TestQueryPinnedPartitionWithoutDocuments(t *testing.T) {
	ctx := context.Background()
	c := NewCollection[schemas.Span]("rollout_id")
	require.NoError(t, c.Insert(ctx, schemas.Span{RolloutID: "ro-1", AttemptID: "at-1", SequenceID: 1}))

	got, err := c.Query(ctx, collection.Where(collection.Eq("rollout_id", "ro-2")))
	require.NoError(t, err)
	assert.Empty(t, got)
}
