// Package db implements the collection primitives on PostgreSQL. Documents
// are stored as JSONB next to their key and partition; row locks and
// FOR UPDATE SKIP LOCKED make every primitive safe across processes.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"lightning-store/internal/collection"
	"lightning-store/internal/migrations"
	"lightning-store/pkg/schemas"
)

const uniqueViolation = "23505"

// Open migrates the database at dsn and returns a shared backend on it.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*collection.Backend, error) {
	if err := migrations.Up(dsn); err != nil {
		return nil, err
	}
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	log.Info("postgres backend ready")

	return &collection.Backend{
		Name:         "postgres",
		Shared:       true,
		Rollouts:     NewCollection[schemas.Rollout](db, collection.RolloutsName),
		Attempts:     NewCollection[schemas.Attempt](db, collection.AttemptsName),
		Spans:        NewCollection[schemas.Span](db, collection.SpansName),
		Workers:      NewCollection[schemas.Worker](db, collection.WorkersName),
		Resources:    NewCollection[schemas.ResourcesUpdate](db, collection.ResourcesName),
		RolloutQueue: NewQueue[string](db, collection.QueueName),
		Counters:     NewCounter(db),
		Values:       NewKeyValue[string](db),
		Ping:         db.PingContext,
		Close: func(context.Context) error {
			return db.Close()
		},
	}, nil
}

func WithTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
