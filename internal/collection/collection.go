// Package collection defines the storage primitives the store is built on:
// partitioned document collections, FIFO queues with atomic dequeue, and
// key-value counters. Backends implement them in-process or on a shared
// database; the store only sees these interfaces.
package collection

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("collection: not found")
	ErrAlreadyExists = errors.New("collection: already exists")
	// ErrConflict is returned when a concurrent writer won a compare-and-swap
	// more times than the backend is willing to re-read.
	ErrConflict = errors.New("collection: concurrent update conflict")
)

// Document is a record that can live in a Collection. Field names match the
// record's JSON field names so that every backend filters on the same
// vocabulary.
type Document interface {
	// DocumentKey is unique within the collection.
	DocumentKey() string
	// PartitionKey groups documents for locking and sharding.
	PartitionKey() string
	// Field returns the value of an indexed field, or nil.
	Field(name string) any
}

// UpdateFunc receives the current document and returns its replacement.
// Returning an error aborts the update without writing.
type UpdateFunc[T any] func(current T) (T, error)

type Collection[T Document] interface {
	// Insert fails with ErrAlreadyExists if any key is taken; no item is
	// written in that case.
	Insert(ctx context.Context, items ...T) error
	// Update atomically replaces the document stored under key with the
	// result of fn. It returns ErrNotFound when the key is absent.
	Update(ctx context.Context, key string, fn UpdateFunc[T]) (T, error)
	Get(ctx context.Context, key string) (T, error)
	Query(ctx context.Context, q Query) ([]T, error)
	Count(ctx context.Context, q Query) (int64, error)
}

// Queue is a FIFO whose Dequeue removes and returns the head atomically: two
// concurrent callers never receive the same item.
type Queue[T any] interface {
	Enqueue(ctx context.Context, items ...T) error
	Dequeue(ctx context.Context) (T, bool, error)
	Len(ctx context.Context) (int64, error)
}

type KeyValue[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Set(ctx context.Context, key string, value V) error
}

// Counter holds monotonic int64 counters. Missing keys start at zero.
type Counter interface {
	// Increment adds delta and returns the new value.
	Increment(ctx context.Context, key string, delta int64) (int64, error)
	// Raise sets the counter to max(current, atLeast) and returns the result.
	Raise(ctx context.Context, key string, atLeast int64) (int64, error)
	Value(ctx context.Context, key string) (int64, error)
}
