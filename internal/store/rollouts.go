package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lightning-store/internal/collection"
	"lightning-store/pkg/schemas"
)

var errNotDequeueable = errors.New("rollout is not waiting in the queue")

func (s *Store) newRollout(ctx context.Context, req schemas.EnqueueRolloutRequest) (schemas.Rollout, error) {
	if req.Mode != nil && !req.Mode.Valid() {
		return schemas.Rollout{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, *req.Mode)
	}
	cfg := schemas.DefaultRolloutConfig()
	if req.Config != nil {
		cfg = *req.Config
	}
	if err := validateConfig(&cfg); err != nil {
		return schemas.Rollout{}, err
	}
	input := req.Input
	if len(input) == 0 {
		input = []byte("null")
	}

	resourcesID := req.ResourcesID
	if resourcesID == nil {
		latest, err := s.GetLatestResources(ctx, schemas.DefaultBucket)
		switch {
		case err == nil:
			resourcesID = &latest.ResourcesID
		case !errors.Is(err, ErrResourcesNotFound):
			return schemas.Rollout{}, err
		}
	}

	return schemas.Rollout{
		RolloutID:   newID("ro"),
		Input:       input,
		Mode:        req.Mode,
		Status:      schemas.RolloutQueuing,
		StartTime:   s.timestamp(),
		ResourcesID: resourcesID,
		Config:      cfg,
		Metadata:    mergeMetadata(nil, req.Metadata),
	}, nil
}

func validateConfig(cfg *schemas.RolloutConfig) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryCondition == nil {
		cfg.RetryCondition = []schemas.AttemptStatus{}
	}
	for _, st := range cfg.RetryCondition {
		if !st.Valid() {
			return fmt.Errorf("%w: retry condition %q", ErrInvalidStatus, st)
		}
	}
	if cfg.TimeoutSeconds != nil && *cfg.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: timeout_seconds must be positive", ErrInvalidRequest)
	}
	if cfg.UnresponsiveSeconds != nil && *cfg.UnresponsiveSeconds <= 0 {
		return fmt.Errorf("%w: unresponsive_seconds must be positive", ErrInvalidRequest)
	}
	return nil
}

// EnqueueRollout records a queuing rollout and pushes it onto the queue. It
// fails with ErrQueueFull once MaxQueueLength rollouts are waiting.
func (s *Store) EnqueueRollout(ctx context.Context, req schemas.EnqueueRolloutRequest) (*schemas.Rollout, error) {
	if s.maxQueue > 0 {
		s.enqueueMu.Lock()
		defer s.enqueueMu.Unlock()
		n, err := s.b.RolloutQueue.Len(ctx)
		if err != nil {
			return nil, err
		}
		if n >= s.maxQueue {
			return nil, fmt.Errorf("%w (%d queued)", ErrQueueFull, n)
		}
	}
	r, err := s.newRollout(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.b.Rollouts.Insert(ctx, r); err != nil {
		return nil, err
	}
	if err := s.b.RolloutQueue.Enqueue(ctx, r.RolloutID); err != nil {
		s.abandonRollout(ctx, r.RolloutID, err)
		return nil, err
	}
	s.log.Debug("rollout enqueued", zap.String("rollout_id", r.RolloutID))
	return &r, nil
}

// StartRollout creates a rollout together with its first attempt, skipping
// the queue.
func (s *Store) StartRollout(ctx context.Context, req schemas.StartRolloutRequest) (*schemas.AttemptedRollout, error) {
	r, err := s.newRollout(ctx, req.EnqueueRolloutRequest)
	if err != nil {
		return nil, err
	}
	r.Status = schemas.RolloutPreparing
	if err := s.b.Rollouts.Insert(ctx, r); err != nil {
		return nil, err
	}
	a, err := s.createAttempt(ctx, r.RolloutID, 1, req.WorkerID)
	if err != nil {
		s.abandonRollout(ctx, r.RolloutID, err)
		return nil, err
	}
	if req.WorkerID != nil {
		s.markWorkerBusy(ctx, *req.WorkerID, a, false)
	}
	return &schemas.AttemptedRollout{Rollout: r, Attempt: a}, nil
}

// DequeueRollout pops the next waiting rollout and starts a new attempt for
// it. Queue entries whose rollout is no longer waiting (for example because
// it was cancelled) are discarded. It returns nil when nothing is waiting.
func (s *Store) DequeueRollout(ctx context.Context, workerID *string) (*schemas.AttemptedRollout, error) {
	for {
		id, ok, err := s.b.RolloutQueue.Dequeue(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			if workerID != nil {
				s.touchWorkerDequeue(ctx, *workerID)
			}
			return nil, nil
		}

		var previous schemas.RolloutStatus
		r, err := s.b.Rollouts.Update(ctx, id, func(cur schemas.Rollout) (schemas.Rollout, error) {
			if !cur.Status.Dequeueable() {
				return cur, errNotDequeueable
			}
			previous = cur.Status
			cur.Status = schemas.RolloutPreparing
			return cur, nil
		})
		if errors.Is(err, errNotDequeueable) || errors.Is(err, collection.ErrNotFound) {
			s.log.Debug("skipping stale queue entry", zap.String("rollout_id", id))
			continue
		}
		if err != nil {
			return nil, err
		}

		seq := int64(1)
		if latest, err := s.GetLatestAttempt(ctx, id); err == nil {
			seq = latest.SequenceID + 1
		} else if !errors.Is(err, ErrAttemptNotFound) {
			s.restoreQueued(ctx, id, previous)
			return nil, err
		}
		a, err := s.createAttempt(ctx, id, seq, workerID)
		if err != nil {
			s.restoreQueued(ctx, id, previous)
			return nil, err
		}
		if workerID != nil {
			s.markWorkerBusy(ctx, *workerID, a, true)
		}
		s.log.Debug("rollout dequeued",
			zap.String("rollout_id", id),
			zap.String("attempt_id", a.AttemptID),
			zap.Int64("sequence_id", a.SequenceID))
		return &schemas.AttemptedRollout{Rollout: r, Attempt: a}, nil
	}
}

// restoreQueued undoes a claim whose attempt could not be created.
func (s *Store) restoreQueued(ctx context.Context, rolloutID string, previous schemas.RolloutStatus) {
	_, err := s.b.Rollouts.Update(ctx, rolloutID, func(cur schemas.Rollout) (schemas.Rollout, error) {
		cur.Status = previous
		return cur, nil
	})
	if err == nil {
		err = s.b.RolloutQueue.Enqueue(ctx, rolloutID)
	}
	if err != nil {
		s.log.Error("restore claimed rollout", zap.String("rollout_id", rolloutID), zap.Error(err))
	}
}

// abandonRollout fails a rollout that was stored but could not be queued or
// given its first attempt.
func (s *Store) abandonRollout(ctx context.Context, rolloutID string, cause error) {
	_, err := s.b.Rollouts.Update(ctx, rolloutID, func(cur schemas.Rollout) (schemas.Rollout, error) {
		cur.Status = schemas.RolloutFailed
		cur.EndTime = schemas.Ptr(s.timestamp())
		return cur, nil
	})
	if err != nil {
		s.log.Error("fail abandoned rollout", zap.String("rollout_id", rolloutID), zap.Error(err))
		return
	}
	s.log.Warn("rollout abandoned", zap.String("rollout_id", rolloutID), zap.Error(cause))
}

func (s *Store) createAttempt(ctx context.Context, rolloutID string, seq int64, workerID *string) (schemas.Attempt, error) {
	a := schemas.Attempt{
		RolloutID:  rolloutID,
		AttemptID:  newID("at"),
		SequenceID: seq,
		Status:     schemas.AttemptPreparing,
		WorkerID:   workerID,
		StartTime:  s.timestamp(),
		Metadata:   map[string]any{},
	}
	if err := s.b.Attempts.Insert(ctx, a); err != nil {
		return schemas.Attempt{}, err
	}
	return a, nil
}

// UpdateRollout patches a rollout. Cancelling also cancels its unfinished
// current attempt; moving a rollout back to queuing or requeuing pushes it
// onto the queue again.
func (s *Store) UpdateRollout(ctx context.Context, rolloutID string, req schemas.UpdateRolloutRequest) (*schemas.Rollout, error) {
	if req.Status != nil && !req.Status.Valid() {
		return nil, fmt.Errorf("%w: rollout status %q", ErrInvalidStatus, *req.Status)
	}
	if req.Mode != nil && !req.Mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, *req.Mode)
	}
	if req.Config != nil {
		if err := validateConfig(req.Config); err != nil {
			return nil, err
		}
	}

	var requeue bool
	r, err := s.b.Rollouts.Update(ctx, rolloutID, func(cur schemas.Rollout) (schemas.Rollout, error) {
		if req.Status != nil && *req.Status != cur.Status {
			if cur.Status == schemas.RolloutCancelled {
				return cur, fmt.Errorf("%w: rollout %s is cancelled", ErrInvalidStatus, rolloutID)
			}
			requeue = req.Status.Dequeueable() && !cur.Status.Dequeueable()
			cur.Status = *req.Status
			if cur.Status.Terminal() {
				cur.EndTime = schemas.Ptr(s.timestamp())
			} else {
				cur.EndTime = nil
			}
		}
		if len(req.Input) > 0 {
			cur.Input = req.Input
		}
		if req.Mode != nil {
			cur.Mode = req.Mode
		}
		if req.ResourcesID != nil {
			cur.ResourcesID = req.ResourcesID
		}
		if req.Config != nil {
			cur.Config = *req.Config
		}
		if req.Metadata != nil {
			cur.Metadata = mergeMetadata(cur.Metadata, req.Metadata)
		}
		return cur, nil
	})
	if err != nil {
		return nil, notFound(err, ErrRolloutNotFound, rolloutID)
	}

	if req.Status != nil && *req.Status == schemas.RolloutCancelled {
		if err := s.cancelCurrentAttempt(ctx, rolloutID); err != nil {
			return nil, err
		}
	}
	if requeue {
		if err := s.b.RolloutQueue.Enqueue(ctx, rolloutID); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func (s *Store) cancelCurrentAttempt(ctx context.Context, rolloutID string) error {
	latest, err := s.GetLatestAttempt(ctx, rolloutID)
	if errors.Is(err, ErrAttemptNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if latest.Status.Terminal() {
		return nil
	}
	a, err := s.b.Attempts.Update(ctx, latest.AttemptID, func(cur schemas.Attempt) (schemas.Attempt, error) {
		if cur.Status.Terminal() {
			return cur, nil
		}
		cur.Status = schemas.AttemptCancelled
		cur.EndTime = schemas.Ptr(s.timestamp())
		return cur, nil
	})
	if err != nil {
		return err
	}
	s.syncWorker(ctx, a)
	s.log.Info("attempt cancelled", zap.String("rollout_id", rolloutID), zap.String("attempt_id", a.AttemptID))
	return nil
}

func (s *Store) GetRolloutByID(ctx context.Context, rolloutID string) (*schemas.Rollout, error) {
	r, err := s.b.Rollouts.Get(ctx, rolloutID)
	if err != nil {
		return nil, notFound(err, ErrRolloutNotFound, rolloutID)
	}
	return &r, nil
}

// QueryRollouts lists rollouts matching every given filter, oldest first.
func (s *Store) QueryRollouts(ctx context.Context, req schemas.QueryRolloutsRequest) ([]schemas.Rollout, error) {
	q := collection.Query{}.OrderBy("start_time", false)
	if req.StatusIn != nil {
		q.Filters = append(q.Filters, collection.In("status", req.StatusIn...))
	}
	if req.RolloutIDIn != nil {
		q.Filters = append(q.Filters, collection.In("rollout_id", req.RolloutIDIn...))
	}
	return s.b.Rollouts.Query(ctx, q)
}

func (s *Store) QueueLength(ctx context.Context) (int64, error) {
	return s.b.RolloutQueue.Len(ctx)
}

// WaitForRollouts polls until every rollout in rolloutIDs is terminal, the
// timeout elapses or ctx is done, and returns the finished ones in request
// order. No backend lock is held between polls.
func (s *Store) WaitForRollouts(ctx context.Context, rolloutIDs []string, timeout time.Duration) ([]schemas.Rollout, error) {
	want := make(map[string]struct{}, len(rolloutIDs))
	for _, id := range rolloutIDs {
		want[id] = struct{}{}
	}
	deadline := time.Now().Add(timeout)
	for {
		finished, err := s.b.Rollouts.Query(ctx, collection.Where(
			collection.In("rollout_id", rolloutIDs...),
			collection.In("status", schemas.TerminalRolloutStatuses()...),
		))
		if err != nil {
			return nil, err
		}
		if len(finished) >= len(want) || timeout <= 0 || !time.Now().Before(deadline) {
			return inRequestOrder(rolloutIDs, finished), nil
		}

		wait := s.poll
		if left := time.Until(deadline); left < wait {
			wait = left
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return inRequestOrder(rolloutIDs, finished), ctx.Err()
		case <-t.C:
		}
	}
}

func inRequestOrder(ids []string, rollouts []schemas.Rollout) []schemas.Rollout {
	byID := make(map[string]schemas.Rollout, len(rollouts))
	for _, r := range rollouts {
		byID[r.RolloutID] = r
	}
	out := make([]schemas.Rollout, 0, len(rollouts))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
			delete(byID, id)
		}
	}
	return out
}
