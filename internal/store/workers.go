package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"lightning-store/internal/collection"
	"lightning-store/pkg/schemas"
)

// upsertWorker applies fn to the stored worker, creating an idle worker
// first if none exists.
func (s *Store) upsertWorker(ctx context.Context, workerID string, fn func(*schemas.Worker)) (schemas.Worker, error) {
	update := func(cur schemas.Worker) (schemas.Worker, error) {
		fn(&cur)
		return cur, nil
	}
	w, err := s.b.Workers.Update(ctx, workerID, update)
	if !errors.Is(err, collection.ErrNotFound) {
		return w, err
	}
	fresh := schemas.Worker{WorkerID: workerID, Status: schemas.WorkerIdle, HeartbeatStats: map[string]any{}}
	fn(&fresh)
	err = s.b.Workers.Insert(ctx, fresh)
	if errors.Is(err, collection.ErrAlreadyExists) {
		// A concurrent heartbeat created it first.
		return s.b.Workers.Update(ctx, workerID, update)
	}
	return fresh, err
}

// UpdateWorker records a heartbeat.
func (s *Store) UpdateWorker(ctx context.Context, workerID string, req schemas.UpdateWorkerRequest) (*schemas.Worker, error) {
	now := s.timestamp()
	w, err := s.upsertWorker(ctx, workerID, func(w *schemas.Worker) {
		w.LastHeartbeatTime = &now
		if req.HeartbeatStats != nil {
			w.HeartbeatStats = req.HeartbeatStats
		}
		if w.Status == schemas.WorkerUnknown {
			w.Status = schemas.WorkerIdle
			if w.CurrentAttemptID != nil {
				w.Status = schemas.WorkerBusy
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) GetWorkerByID(ctx context.Context, workerID string) (*schemas.Worker, error) {
	w, err := s.b.Workers.Get(ctx, workerID)
	if err != nil {
		return nil, notFound(err, ErrWorkerNotFound, workerID)
	}
	return &w, nil
}

func (s *Store) QueryWorkers(ctx context.Context, status []schemas.WorkerStatus) ([]schemas.Worker, error) {
	q := collection.Query{}
	if status != nil {
		q.Filters = append(q.Filters, collection.In("status", status...))
	}
	return s.b.Workers.Query(ctx, q)
}

func (s *Store) touchWorkerDequeue(ctx context.Context, workerID string) {
	now := s.timestamp()
	_, err := s.upsertWorker(ctx, workerID, func(w *schemas.Worker) {
		w.LastDequeueTime = &now
	})
	if err != nil {
		s.log.Warn("record worker dequeue", zap.String("worker_id", workerID), zap.Error(err))
	}
}

func (s *Store) markWorkerBusy(ctx context.Context, workerID string, a schemas.Attempt, dequeued bool) {
	now := s.timestamp()
	_, err := s.upsertWorker(ctx, workerID, func(w *schemas.Worker) {
		w.Status = schemas.WorkerBusy
		w.LastBusyTime = &now
		if dequeued {
			w.LastDequeueTime = &now
		}
		w.CurrentRolloutID = &a.RolloutID
		w.CurrentAttemptID = &a.AttemptID
	})
	if err != nil {
		s.log.Warn("mark worker busy", zap.String("worker_id", workerID), zap.Error(err))
	}
}

// syncWorker frees the attempt's worker once the attempt is finished.
func (s *Store) syncWorker(ctx context.Context, a schemas.Attempt) {
	if a.WorkerID == nil || !a.Status.Terminal() {
		return
	}
	now := s.timestamp()
	_, err := s.b.Workers.Update(ctx, *a.WorkerID, func(w schemas.Worker) (schemas.Worker, error) {
		if w.CurrentAttemptID == nil || *w.CurrentAttemptID != a.AttemptID {
			return w, nil
		}
		if w.Status != schemas.WorkerUnknown {
			w.Status = schemas.WorkerIdle
		}
		w.LastIdleTime = &now
		w.CurrentRolloutID = nil
		w.CurrentAttemptID = nil
		return w, nil
	})
	if err != nil && !errors.Is(err, collection.ErrNotFound) {
		s.log.Warn("free worker", zap.String("worker_id", *a.WorkerID), zap.Error(err))
	}
}

// PruneWorkers marks workers whose last heartbeat is older than timeout as
// unknown. Workers are never deleted. It returns the number of workers
// marked.
func (s *Store) PruneWorkers(ctx context.Context, timeout time.Duration) (int, error) {
	workers, err := s.QueryWorkers(ctx, []schemas.WorkerStatus{schemas.WorkerIdle, schemas.WorkerBusy})
	if err != nil {
		return 0, err
	}
	cutoff := schemas.Timestamp(s.now().Add(-timeout))
	pruned := 0
	for _, w := range workers {
		if err := ctx.Err(); err != nil {
			return pruned, err
		}
		if !stale(w, cutoff) {
			continue
		}
		_, err := s.b.Workers.Update(ctx, w.WorkerID, func(cur schemas.Worker) (schemas.Worker, error) {
			if stale(cur, cutoff) {
				cur.Status = schemas.WorkerUnknown
			}
			return cur, nil
		})
		if err != nil {
			return pruned, err
		}
		pruned++
		s.log.Info("worker marked unknown", zap.String("worker_id", w.WorkerID))
	}
	return pruned, nil
}

func stale(w schemas.Worker, cutoff float64) bool {
	if w.Status == schemas.WorkerUnknown {
		return false
	}
	last := w.LastHeartbeatTime
	if last == nil {
		last = w.LastDequeueTime
	}
	return last == nil || *last < cutoff
}
