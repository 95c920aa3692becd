package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type KeyValue[V any] struct {
	db *sqlx.DB
}

func NewKeyValue[V any](db *sqlx.DB) *KeyValue[V] {
	return &KeyValue[V]{db: db}
}

func (kv *KeyValue[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	var value string
	err := kv.db.GetContext(ctx, &value, `SELECT value FROM kv_values WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("kv get %s: %w", key, err)
	}
	var out V
	if err := json.Unmarshal([]byte(value), &out); err != nil {
		return zero, false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return out, true, nil
}

func (kv *KeyValue[V]) Set(ctx context.Context, key string, value V) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	_, err = kv.db.ExecContext(ctx, `
		INSERT INTO kv_values (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, string(data))
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

type Counter struct {
	db *sqlx.DB
}

func NewCounter(db *sqlx.DB) *Counter {
	return &Counter{db: db}
}

func (c *Counter) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return c.upsert(ctx, key, delta, `counters.value + EXCLUDED.value`)
}

func (c *Counter) Raise(ctx context.Context, key string, atLeast int64) (int64, error) {
	return c.upsert(ctx, key, atLeast, `GREATEST(counters.value, EXCLUDED.value)`)
}

func (c *Counter) upsert(ctx context.Context, key string, v int64, merge string) (int64, error) {
	var out int64
	err := c.db.GetContext(ctx, &out, `
		INSERT INTO counters (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = `+merge+`
		RETURNING value`, key, v)
	if err != nil {
		return 0, fmt.Errorf("counter %s: %w", key, err)
	}
	return out, nil
}

func (c *Counter) Value(ctx context.Context, key string) (int64, error) {
	var out int64
	err := c.db.GetContext(ctx, &out, `SELECT value FROM counters WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counter %s: %w", key, err)
	}
	return out, nil
}
