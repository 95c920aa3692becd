package memory

import (
	"context"
	"sync"
)

type KeyValue[V any] struct {
	mu     sync.Mutex
	values map[string]V
}

func NewKeyValue[V any]() *KeyValue[V] {
	return &KeyValue[V]{values: make(map[string]V)}
}

func (kv *KeyValue[V]) Get(_ context.Context, key string) (V, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.values[key]
	return v, ok, nil
}

func (kv *KeyValue[V]) Set(_ context.Context, key string, value V) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.values[key] = value
	return nil
}

type Counter struct {
	mu     sync.Mutex
	values map[string]int64
}

func NewCounter() *Counter {
	return &Counter{values: make(map[string]int64)}
}

func (c *Counter) Increment(_ context.Context, key string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] += delta
	return c.values[key], nil
}

func (c *Counter) Raise(_ context.Context, key string, atLeast int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values[key] < atLeast {
		c.values[key] = atLeast
	}
	return c.values[key], nil
}

func (c *Counter) Value(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key], nil
}
