package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"lightning-store/internal/collection"
	"lightning-store/pkg/schemas"
)

func (s *Store) resolveAttemptID(ctx context.Context, rolloutID, attemptID string) (string, error) {
	if attemptID != LatestAttempt {
		return attemptID, nil
	}
	latest, err := s.GetLatestAttempt(ctx, rolloutID)
	if err != nil {
		return "", err
	}
	return latest.AttemptID, nil
}

var errStaleAttempt = errors.New("attempt status changed since it was read")

// UpdateAttempt patches an attempt and, when its status changed and it is
// the rollout's current attempt, re-derives the rollout status. Statuses the
// state machine cannot propagate are rejected before anything is written,
// and a finished attempt keeps its status.
func (s *Store) UpdateAttempt(ctx context.Context, rolloutID, attemptID string, req schemas.UpdateAttemptRequest) (*schemas.Attempt, error) {
	return s.updateAttempt(ctx, rolloutID, attemptID, req, "")
}

// updateAttempt is UpdateAttempt with an optional expected status: when
// expect is set, the status is only changed while the stored attempt still
// has it, and errStaleAttempt is returned otherwise.
func (s *Store) updateAttempt(ctx context.Context, rolloutID, attemptID string, req schemas.UpdateAttemptRequest, expect schemas.AttemptStatus) (*schemas.Attempt, error) {
	if req.Status != nil {
		if _, err := PropagateStatus(schemas.Attempt{Status: *req.Status}, schemas.RolloutConfig{}); err != nil {
			return nil, err
		}
	}
	attemptID, err := s.resolveAttemptID(ctx, rolloutID, attemptID)
	if err != nil {
		return nil, err
	}

	var changed bool
	a, err := s.b.Attempts.Update(ctx, attemptID, func(cur schemas.Attempt) (schemas.Attempt, error) {
		changed = false
		if cur.RolloutID != rolloutID {
			return cur, collection.ErrNotFound
		}
		if req.Status != nil && *req.Status != cur.Status {
			if expect != "" && cur.Status != expect {
				return cur, errStaleAttempt
			}
			if cur.Status.Terminal() {
				return cur, fmt.Errorf("%w: attempt %s is already %s", ErrInvalidStatus, cur.AttemptID, cur.Status)
			}
			changed = true
			cur.Status = *req.Status
			if cur.Status.Terminal() {
				cur.EndTime = schemas.Ptr(s.timestamp())
			}
		}
		if req.WorkerID != nil {
			cur.WorkerID = req.WorkerID
		}
		if req.LastHeartbeatTime != nil {
			cur.LastHeartbeatTime = req.LastHeartbeatTime
		}
		if req.Metadata != nil {
			cur.Metadata = mergeMetadata(cur.Metadata, req.Metadata)
		}
		return cur, nil
	})
	if err != nil {
		return nil, notFound(err, ErrAttemptNotFound, attemptID)
	}

	if changed {
		s.log.Debug("attempt status changed",
			zap.String("rollout_id", rolloutID),
			zap.String("attempt_id", a.AttemptID),
			zap.String("status", string(a.Status)))
		if err := s.propagate(ctx, a); err != nil {
			return nil, err
		}
		s.syncWorker(ctx, a)
	}
	return &a, nil
}

// propagate applies PropagateStatus to the attempt's rollout if the attempt
// is still the rollout's latest. Finished rollouts never change.
func (s *Store) propagate(ctx context.Context, a schemas.Attempt) error {
	latest, err := s.GetLatestAttempt(ctx, a.RolloutID)
	if err != nil {
		return err
	}
	if latest.AttemptID != a.AttemptID {
		s.log.Debug("not propagating status of superseded attempt",
			zap.String("rollout_id", a.RolloutID), zap.String("attempt_id", a.AttemptID))
		return nil
	}

	var requeue, finished bool
	r, err := s.b.Rollouts.Update(ctx, a.RolloutID, func(cur schemas.Rollout) (schemas.Rollout, error) {
		requeue, finished = false, false
		if cur.Status.Terminal() {
			s.log.Debug("rollout already finished",
				zap.String("rollout_id", cur.RolloutID), zap.String("status", string(cur.Status)))
			return cur, nil
		}
		next, err := PropagateStatus(a, cur.Config)
		if err != nil {
			return cur, err
		}
		requeue = next == schemas.RolloutRequeuing && cur.Status != schemas.RolloutRequeuing
		finished = next.Terminal()
		cur.Status = next
		if finished {
			cur.EndTime = schemas.Ptr(s.timestamp())
		}
		return cur, nil
	})
	if err != nil {
		return notFound(err, ErrRolloutNotFound, a.RolloutID)
	}
	if requeue {
		if err := s.b.RolloutQueue.Enqueue(ctx, a.RolloutID); err != nil {
			return fmt.Errorf("requeue %s: %w", a.RolloutID, err)
		}
		s.log.Info("rollout requeued",
			zap.String("rollout_id", a.RolloutID),
			zap.String("attempt_status", string(a.Status)),
			zap.Int64("sequence_id", a.SequenceID))
	}
	if finished {
		s.log.Info("rollout finished", zap.String("rollout_id", r.RolloutID), zap.String("status", string(r.Status)))
	}
	return nil
}

// QueryAttempts lists a rollout's attempts by sequence id.
func (s *Store) QueryAttempts(ctx context.Context, rolloutID string) ([]schemas.Attempt, error) {
	return s.b.Attempts.Query(ctx, collection.Where(collection.Eq("rollout_id", rolloutID)).OrderBy("sequence_id", false))
}

func (s *Store) GetLatestAttempt(ctx context.Context, rolloutID string) (*schemas.Attempt, error) {
	got, err := s.b.Attempts.Query(ctx, collection.Where(collection.Eq("rollout_id", rolloutID)).OrderBy("sequence_id", true).First(1))
	if err != nil {
		return nil, err
	}
	if len(got) == 0 {
		return nil, fmt.Errorf("%w: rollout %s has no attempts", ErrAttemptNotFound, rolloutID)
	}
	return &got[0], nil
}
