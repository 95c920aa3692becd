package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"lightning-store/internal/collection"
	"lightning-store/pkg/schemas"
)

func spanSeqKey(rolloutID, attemptID string) string {
	return "span_seq:" + rolloutID + ":" + attemptID
}

// GetNextSpanSequenceID hands out the next span sequence id of an attempt.
// Concurrent callers always receive distinct, increasing values.
func (s *Store) GetNextSpanSequenceID(ctx context.Context, rolloutID, attemptID string) (int64, error) {
	if rolloutID == "" || attemptID == "" {
		return 0, fmt.Errorf("%w: rollout_id and attempt_id are required", ErrInvalidRequest)
	}
	return s.b.Counters.Increment(ctx, spanSeqKey(rolloutID, attemptID), 1)
}

// AddSpan stores one span. A zero sequence id is assigned by the store; an
// explicit one advances the attempt's counter so later assigned ids stay
// above it. A sequence id the attempt already used is refused.
func (s *Store) AddSpan(ctx context.Context, span schemas.Span) (*schemas.Span, error) {
	stored, err := s.AddOTelSpans(ctx, []schemas.Span{span})
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, fmt.Errorf("%w: span %s", collection.ErrAlreadyExists, span.DocumentKey())
	}
	return &stored[0], nil
}

type attemptKey struct{ rollout, attempt string }

// AddOTelSpans stores a batch of spans, assigning missing sequence ids, and
// refreshes the heartbeat of every attempt the batch touched. Spans whose
// sequence id is already taken, in the store or earlier in the batch, are
// skipped. The rest are written with a single insert, so either all of them
// are stored and returned or none is.
func (s *Store) AddOTelSpans(ctx context.Context, spans []schemas.Span) ([]schemas.Span, error) {
	for _, span := range spans {
		if span.RolloutID == "" || span.AttemptID == "" {
			return nil, fmt.Errorf("%w: span %q has no rollout_id or attempt_id", ErrInvalidRequest, span.SpanID)
		}
	}

	batch := make([]schemas.Span, 0, len(spans))
	seen := make(map[string]struct{}, len(spans))
	explicit := make(map[attemptKey][]int64)
	for _, span := range spans {
		k := attemptKey{span.RolloutID, span.AttemptID}
		var err error
		if span.SequenceID <= 0 {
			span.SequenceID, err = s.GetNextSpanSequenceID(ctx, span.RolloutID, span.AttemptID)
		} else {
			_, err = s.b.Counters.Raise(ctx, spanSeqKey(span.RolloutID, span.AttemptID), span.SequenceID)
			explicit[k] = append(explicit[k], span.SequenceID)
		}
		if err != nil {
			return nil, err
		}
		if _, dup := seen[span.DocumentKey()]; dup {
			s.log.Debug("skipping repeated span sequence id", zap.String("span", span.DocumentKey()))
			continue
		}
		seen[span.DocumentKey()] = struct{}{}

		if span.Attributes == nil {
			span.Attributes = map[string]any{}
		}
		if span.Events == nil {
			span.Events = []schemas.SpanEvent{}
		}
		if span.Links == nil {
			span.Links = []schemas.SpanLink{}
		}
		if span.Resource.Attributes == nil {
			span.Resource.Attributes = map[string]any{}
		}
		batch = append(batch, span)
	}

	taken, err := s.storedSpanKeys(ctx, explicit)
	if err != nil {
		return nil, err
	}
	out := make([]schemas.Span, 0, len(batch))
	var order []attemptKey
	touched := make(map[attemptKey]struct{})
	for _, span := range batch {
		if _, ok := taken[span.DocumentKey()]; ok {
			s.log.Debug("skipping stored span sequence id", zap.String("span", span.DocumentKey()))
			continue
		}
		out = append(out, span)
		k := attemptKey{span.RolloutID, span.AttemptID}
		if _, ok := touched[k]; !ok {
			touched[k] = struct{}{}
			order = append(order, k)
		}
	}
	if len(out) == 0 {
		return out, nil
	}
	if err := s.b.Spans.Insert(ctx, out...); err != nil {
		return nil, err
	}

	for _, k := range order {
		if err := s.heartbeatFromSpan(ctx, k.rollout, k.attempt); err != nil {
			return out, err
		}
	}
	return out, nil
}

// storedSpanKeys returns the document keys of already stored spans among
// the given explicit sequence ids.
func (s *Store) storedSpanKeys(ctx context.Context, explicit map[attemptKey][]int64) (map[string]struct{}, error) {
	taken := make(map[string]struct{})
	for k, seqs := range explicit {
		got, err := s.b.Spans.Query(ctx, collection.Where(
			collection.Eq("rollout_id", k.rollout),
			collection.Eq("attempt_id", k.attempt),
			collection.In("sequence_id", seqs...),
		))
		if err != nil {
			return nil, err
		}
		for _, span := range got {
			taken[span.DocumentKey()] = struct{}{}
		}
	}
	return taken, nil
}

// heartbeatFromSpan records a span arrival as an attempt heartbeat and
// promotes a preparing attempt to running. Spans for unknown attempts are
// kept but change nothing else.
func (s *Store) heartbeatFromSpan(ctx context.Context, rolloutID, attemptID string) error {
	var promoted bool
	a, err := s.b.Attempts.Update(ctx, attemptID, func(cur schemas.Attempt) (schemas.Attempt, error) {
		promoted = false
		if cur.RolloutID != rolloutID {
			return cur, collection.ErrNotFound
		}
		cur.LastHeartbeatTime = schemas.Ptr(s.timestamp())
		if cur.Status == schemas.AttemptPreparing {
			cur.Status = schemas.AttemptRunning
			promoted = true
		}
		return cur, nil
	})
	if errors.Is(err, collection.ErrNotFound) {
		s.log.Debug("span for unknown attempt", zap.String("rollout_id", rolloutID), zap.String("attempt_id", attemptID))
		return nil
	}
	if err != nil {
		return err
	}
	if promoted {
		return s.propagate(ctx, a)
	}
	return nil
}

// QuerySpans lists a rollout's spans by sequence id, optionally restricted
// to one attempt ("latest" selects the current attempt).
func (s *Store) QuerySpans(ctx context.Context, rolloutID, attemptID string) ([]schemas.Span, error) {
	q := collection.Where(collection.Eq("rollout_id", rolloutID)).OrderBy("sequence_id", false)
	if attemptID != "" {
		id, err := s.resolveAttemptID(ctx, rolloutID, attemptID)
		if errors.Is(err, ErrAttemptNotFound) {
			return []schemas.Span{}, nil
		}
		if err != nil {
			return nil, err
		}
		q.Filters = append(q.Filters, collection.Eq("attempt_id", id))
	}
	return s.b.Spans.Query(ctx, q)
}

// ArchiveSpans writes every span of a rollout to the configured archive.
func (s *Store) ArchiveSpans(ctx context.Context, rolloutID string) (string, error) {
	if s.archiver == nil {
		return "", ErrArchiveDisabled
	}
	if _, err := s.GetRolloutByID(ctx, rolloutID); err != nil {
		return "", err
	}
	spans, err := s.QuerySpans(ctx, rolloutID, "")
	if err != nil {
		return "", err
	}
	ref, err := s.archiver.ArchiveSpans(ctx, rolloutID, spans)
	if err != nil {
		return "", fmt.Errorf("archive spans of %s: %w", rolloutID, err)
	}
	s.log.Info("spans archived", zap.String("rollout_id", rolloutID), zap.Int("spans", len(spans)), zap.String("ref", ref))
	return ref, nil
}
