// Package memory implements the collection primitives inside one process.
// Each primitive is guarded by a single mutex, so atomicity holds only
// between goroutines of the same OS process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"lightning-store/internal/collection"
	"lightning-store/pkg/schemas"
)

// Collection stores documents in an append-only arena indexed by key and by
// partition. Returned documents share nested maps with the stored copy and
// must be treated as read-only.
type Collection[T collection.Document] struct {
	mu             sync.Mutex
	partitionField string
	items          []T
	byKey          map[string]int
	byPartition    map[string][]int
}

// NewCollection returns an empty collection whose documents are partitioned
// by partitionField.
func NewCollection[T collection.Document](partitionField string) *Collection[T] {
	return &Collection[T]{
		partitionField: partitionField,
		items:          make([]T, 0, 64),
		byKey:          make(map[string]int),
		byPartition:    make(map[string][]int),
	}
}

func (c *Collection[T]) Insert(_ context.Context, items ...T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		key := item.DocumentKey()
		if _, ok := c.byKey[key]; ok {
			return fmt.Errorf("%w: %s", collection.ErrAlreadyExists, key)
		}
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: %s", collection.ErrAlreadyExists, key)
		}
		seen[key] = struct{}{}
	}
	for _, item := range items {
		c.appendLocked(item)
	}
	return nil
}

func (c *Collection[T]) appendLocked(item T) {
	slot := len(c.items)
	c.items = append(c.items, item)
	c.byKey[item.DocumentKey()] = slot
	p := item.PartitionKey()
	c.byPartition[p] = append(c.byPartition[p], slot)
}

func (c *Collection[T]) Update(_ context.Context, key string, fn collection.UpdateFunc[T]) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	slot, ok := c.byKey[key]
	if !ok {
		return zero, fmt.Errorf("%w: %s", collection.ErrNotFound, key)
	}
	next, err := fn(c.items[slot])
	if err != nil {
		return zero, err
	}
	if next.DocumentKey() != key {
		return zero, fmt.Errorf("update of %s changed the document key to %s", key, next.DocumentKey())
	}
	c.items[slot] = next
	return next, nil
}

func (c *Collection[T]) Get(_ context.Context, key string) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.byKey[key]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s", collection.ErrNotFound, key)
	}
	return c.items[slot], nil
}

func (c *Collection[T]) Query(_ context.Context, q collection.Query) ([]T, error) {
	c.mu.Lock()
	out := c.matchLocked(q)
	c.mu.Unlock()

	if q.SortBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			a := collection.Number(out[i].Field(q.SortBy))
			b := collection.Number(out[j].Field(q.SortBy))
			if q.Desc {
				return a > b
			}
			return a < b
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (c *Collection[T]) Count(_ context.Context, q collection.Query) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.matchLocked(q))), nil
}

func (c *Collection[T]) matchLocked(q collection.Query) []T {
	out := make([]T, 0)
	if p, ok := q.Partition(c.partitionField); ok {
		for _, slot := range c.byPartition[p] {
			if collection.Matches(q, c.items[slot]) {
				out = append(out, c.items[slot])
			}
		}
		return out
	}
	for _, item := range c.items {
		if collection.Matches(q, item) {
			out = append(out, item)
		}
	}
	return out
}

// NewBackend wires fresh in-process primitives for every store collection.
func NewBackend() *collection.Backend {
	return &collection.Backend{
		Name:         "memory",
		Shared:       false,
		Rollouts:     NewCollection[schemas.Rollout]("rollout_id"),
		Attempts:     NewCollection[schemas.Attempt]("rollout_id"),
		Spans:        NewCollection[schemas.Span]("rollout_id"),
		Workers:      NewCollection[schemas.Worker]("worker_id"),
		Resources:    NewCollection[schemas.ResourcesUpdate]("bucket"),
		RolloutQueue: NewQueue[string](),
		Counters:     NewCounter(),
		Values:       NewKeyValue[string](),
		Ping:         func(context.Context) error { return nil },
		Close:        func(context.Context) error { return nil },
	}
}
