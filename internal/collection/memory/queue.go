package memory

import (
	"context"
	"sync"
)

// Queue is a FIFO backed by a slice with a moving head.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{items: make([]T, 0, 128)}
}

func (q *Queue[T]) Enqueue(_ context.Context, items ...T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
	return nil
}

func (q *Queue[T]) Dequeue(_ context.Context) (T, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.head >= len(q.items) {
		return zero, false, nil
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head > 1024 && q.head*2 > len(q.items) {
		q.items = append(make([]T, 0, len(q.items)-q.head+128), q.items[q.head:]...)
		q.head = 0
	}
	return item, true, nil
}

func (q *Queue[T]) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items) - q.head), nil
}
