package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"lightning-store/internal/collection"
)

// Collection maps a document type onto a (key, partition, ord, doc) table.
type Collection[T collection.Document] struct {
	db    *sqlx.DB
	table string
}

func NewCollection[T collection.Document](db *sqlx.DB, table string) *Collection[T] {
	return &Collection[T]{db: db, table: table}
}

type docRow struct {
	Key       string `db:"key"`
	Partition string `db:"partition"`
	Doc       []byte `db:"doc"`
}

func (c *Collection[T]) Insert(ctx context.Context, items ...T) error {
	if len(items) == 0 {
		return nil
	}
	q := fmt.Sprintf(`INSERT INTO %s (key, partition, doc) VALUES ($1, $2, $3)`, c.table)
	return WithTx(ctx, c.db, func(tx *sqlx.Tx) error {
		for _, item := range items {
			doc, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("encode: %w", err)
			}
			if _, err := tx.ExecContext(ctx, q, item.DocumentKey(), item.PartitionKey(), doc); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: %s", collection.ErrAlreadyExists, item.DocumentKey())
				}
				return fmt.Errorf("insert %s: %w", c.table, err)
			}
		}
		return nil
	})
}

func (c *Collection[T]) Update(ctx context.Context, key string, fn collection.UpdateFunc[T]) (T, error) {
	var out T
	err := WithTx(ctx, c.db, func(tx *sqlx.Tx) error {
		var row docRow
		err := tx.GetContext(ctx, &row,
			fmt.Sprintf(`SELECT key, partition, doc FROM %s WHERE key = $1 FOR UPDATE`, c.table), key)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", collection.ErrNotFound, key)
		}
		if err != nil {
			return fmt.Errorf("update %s: %w", c.table, err)
		}
		var current T
		if err := json.Unmarshal(row.Doc, &current); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		if next.DocumentKey() != key {
			return fmt.Errorf("update of %s changed the document key to %s", key, next.DocumentKey())
		}
		doc, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET partition = $2, doc = $3 WHERE key = $1`, c.table),
			key, next.PartitionKey(), doc)
		if err != nil {
			return fmt.Errorf("update %s: %w", c.table, err)
		}
		out = next
		return nil
	})
	return out, err
}

func (c *Collection[T]) Get(ctx context.Context, key string) (T, error) {
	var out T
	var row docRow
	err := c.db.GetContext(ctx, &row,
		fmt.Sprintf(`SELECT key, partition, doc FROM %s WHERE key = $1`, c.table), key)
	if errors.Is(err, sql.ErrNoRows) {
		return out, fmt.Errorf("%w: %s", collection.ErrNotFound, key)
	}
	if err != nil {
		return out, fmt.Errorf("get %s: %w", c.table, err)
	}
	if err := json.Unmarshal(row.Doc, &out); err != nil {
		return out, fmt.Errorf("decode: %w", err)
	}
	return out, nil
}

func (c *Collection[T]) Query(ctx context.Context, q collection.Query) ([]T, error) {
	where, args := whereClause(q)
	stmt := fmt.Sprintf(`SELECT key, partition, doc FROM %s%s ORDER BY `, c.table, where)
	if q.SortBy != "" {
		args = append(args, q.SortBy)
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		stmt += fmt.Sprintf("doc->($%d::text) %s, ", len(args), dir)
	}
	stmt += "ord ASC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		stmt += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []docRow
	if err := c.db.SelectContext(ctx, &rows, stmt, args...); err != nil {
		return nil, fmt.Errorf("query %s: %w", c.table, err)
	}
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		var item T
		if err := json.Unmarshal(row.Doc, &item); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		out = append(out, item)
	}
	return out, nil
}

func (c *Collection[T]) Count(ctx context.Context, q collection.Query) (int64, error) {
	where, args := whereClause(q)
	var n int64
	if err := c.db.GetContext(ctx, &n, fmt.Sprintf(`SELECT count(*) FROM %s%s`, c.table, where), args...); err != nil {
		return 0, fmt.Errorf("count %s: %w", c.table, err)
	}
	return n, nil
}

// whereClause renders filters as doc->>field = ANY(values). Field names are
// bound as parameters too.
func whereClause(q collection.Query) (string, []any) {
	if len(q.Filters) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(q.Filters))
	args := make([]any, 0, 2*len(q.Filters))
	for _, f := range q.Filters {
		values := make([]string, len(f.In))
		for i, v := range f.In {
			values[i] = collection.Key(v)
		}
		args = append(args, f.Field, values)
		parts = append(parts, fmt.Sprintf("doc->>($%d::text) = ANY($%d::text[])", len(args)-1, len(args)))
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}
