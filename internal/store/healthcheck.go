package store

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"lightning-store/pkg/schemas"
)

// checkAttempt decides the status an attempt should have at time now.
// Preparing attempts with a heartbeat are promoted to running; then the
// attempt timeout is checked before the unresponsive window, and the first
// condition that holds wins.
func checkAttempt(now float64, a schemas.Attempt, cfg schemas.RolloutConfig) (schemas.AttemptStatus, bool) {
	if a.Status != schemas.AttemptPreparing && a.Status != schemas.AttemptRunning {
		return a.Status, false
	}
	status, changed := a.Status, false
	if status == schemas.AttemptPreparing && a.LastHeartbeatTime != nil {
		status, changed = schemas.AttemptRunning, true
	}
	if cfg.TimeoutSeconds != nil && now-a.StartTime > *cfg.TimeoutSeconds {
		return schemas.AttemptTimeout, true
	}
	if cfg.UnresponsiveSeconds != nil && a.LastHeartbeatTime != nil && now-*a.LastHeartbeatTime > *cfg.UnresponsiveSeconds {
		return schemas.AttemptUnresponsive, true
	}
	return status, changed
}

type ReconcileResult struct {
	Checked      int
	Promoted     int
	TimedOut     int
	Unresponsive int
}

// Reconcile sweeps every preparing or running rollout once. Transitions go
// through the attempt update path so the rollout status and retry policy
// follow; each one only applies if the attempt still has the status the
// sweep read. A failure on one rollout is logged and the sweep moves on.
func (s *Store) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	rollouts, err := s.QueryRollouts(ctx, schemas.QueryRolloutsRequest{
		StatusIn: []schemas.RolloutStatus{schemas.RolloutPreparing, schemas.RolloutRunning},
	})
	if err != nil {
		return res, err
	}

	now := s.timestamp()
	for _, r := range rollouts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		a, err := s.GetLatestAttempt(ctx, r.RolloutID)
		if errors.Is(err, ErrAttemptNotFound) {
			s.log.Debug("healthcheck: rollout has no attempt", zap.String("rollout_id", r.RolloutID))
			continue
		}
		if err != nil {
			s.log.Warn("healthcheck: load attempt", zap.String("rollout_id", r.RolloutID), zap.Error(err))
			continue
		}
		res.Checked++

		next, changed := checkAttempt(now, *a, r.Config)
		if !changed {
			continue
		}
		_, err = s.updateAttempt(ctx, r.RolloutID, a.AttemptID, schemas.UpdateAttemptRequest{Status: &next}, a.Status)
		if errors.Is(err, errStaleAttempt) {
			s.log.Debug("healthcheck: attempt changed during sweep",
				zap.String("rollout_id", r.RolloutID), zap.String("attempt_id", a.AttemptID))
			continue
		}
		if err != nil {
			s.log.Warn("healthcheck: update attempt",
				zap.String("rollout_id", r.RolloutID), zap.String("attempt_id", a.AttemptID), zap.Error(err))
			continue
		}
		switch next {
		case schemas.AttemptRunning:
			res.Promoted++
		case schemas.AttemptTimeout:
			res.TimedOut++
		case schemas.AttemptUnresponsive:
			res.Unresponsive++
		}
		s.log.Info("healthcheck transition",
			zap.String("rollout_id", r.RolloutID),
			zap.String("attempt_id", a.AttemptID),
			zap.String("from", string(a.Status)),
			zap.String("to", string(next)))
	}

	if err := s.b.Values.Set(ctx, lastSweepKey, strconv.FormatFloat(now, 'f', -1, 64)); err != nil {
		s.log.Warn("healthcheck: record sweep time", zap.Error(err))
	}
	return res, nil
}

// LastSweep returns when Reconcile last completed in any process sharing the
// backend.
func (s *Store) LastSweep(ctx context.Context) (float64, bool, error) {
	v, ok, err := s.b.Values.Get(ctx, lastSweepKey)
	if err != nil || !ok {
		return 0, false, err
	}
	ts, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, err
	}
	return ts, true, nil
}
