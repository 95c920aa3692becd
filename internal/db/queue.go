package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Queue is a FIFO table keyed by a BIGSERIAL id. Dequeue deletes the lowest
// unlocked row, so concurrent consumers never share an item.
type Queue[T any] struct {
	db    *sqlx.DB
	table string
}

func NewQueue[T any](db *sqlx.DB, table string) *Queue[T] {
	return &Queue[T]{db: db, table: table}
}

func (q *Queue[T]) Enqueue(ctx context.Context, items ...T) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (value) VALUES ($1)`, q.table)
	return WithTx(ctx, q.db, func(tx *sqlx.Tx) error {
		for _, item := range items {
			data, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			if _, err := tx.ExecContext(ctx, stmt, string(data)); err != nil {
				return fmt.Errorf("enqueue %s: %w", q.table, err)
			}
		}
		return nil
	})
}

func (q *Queue[T]) Dequeue(ctx context.Context) (T, bool, error) {
	var zero T
	var value string
	err := q.db.GetContext(ctx, &value, fmt.Sprintf(`
		DELETE FROM %[1]s
		WHERE id = (
			SELECT id FROM %[1]s
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING value`, q.table))
	if errors.Is(err, sql.ErrNoRows) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("dequeue %s: %w", q.table, err)
	}
	var out T
	if err := json.Unmarshal([]byte(value), &out); err != nil {
		return zero, false, fmt.Errorf("dequeue %s: %w", q.table, err)
	}
	return out, true, nil
}

func (q *Queue[T]) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := q.db.GetContext(ctx, &n, fmt.Sprintf(`SELECT count(*) FROM %s`, q.table)); err != nil {
		return 0, fmt.Errorf("len %s: %w", q.table, err)
	}
	return n, nil
}
