package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"lightning-store/internal/collection"
	"lightning-store/internal/collection/memory"
	"lightning-store/pkg/schemas"
)

func TestRoundTripEnqueueDequeueSucceed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	r := enqueue(t, s, `{"task":"add","a":1,"b":2}`, nil)
	assert.Equal(t, schemas.RolloutQueuing, r.Status)
	assert.Nil(t, r.ResourcesID)

	ar := dequeue(t, s, "runner-1")
	assert.Equal(t, r.RolloutID, ar.RolloutID)
	assert.Equal(t, schemas.RolloutPreparing, ar.Status)
	assert.Equal(t, int64(1), ar.Attempt.SequenceID)
	assert.Equal(t, schemas.AttemptPreparing, ar.Attempt.Status)
	require.NotNil(t, ar.Attempt.WorkerID)
	assert.Equal(t, "runner-1", *ar.Attempt.WorkerID)

	a := setAttempt(t, s, ar, schemas.AttemptSucceeded)
	assert.NotNil(t, a.EndTime)

	done, err := s.WaitForRollouts(ctx, []string{r.RolloutID}, time.Second)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, schemas.RolloutSucceeded, done[0].Status)
	assert.NotNil(t, done[0].EndTime)

	w, err := s.GetWorkerByID(ctx, "runner-1")
	require.NoError(t, err)
	assert.Equal(t, schemas.WorkerIdle, w.Status)
	assert.Nil(t, w.CurrentAttemptID)
	assert.NotNil(t, w.LastIdleTime)
}

func TestDequeueEmptyQueue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	worker := "runner-1"

	ar, err := s.DequeueRollout(ctx, &worker)
	require.NoError(t, err)
	assert.Nil(t, ar)

	w, err := s.GetWorkerByID(ctx, worker)
	require.NoError(t, err)
	assert.NotNil(t, w.LastDequeueTime)
	assert.Equal(t, schemas.WorkerIdle, w.Status)
}

func TestConcurrentDequeueNeverDuplicates(t *testing.T) {
	for _, tc := range []struct{ consumers, items int }{{10, 25}, {30, 12}, {16, 16}} {
		t.Run(fmt.Sprintf("n=%d/m=%d", tc.consumers, tc.items), func(t *testing.T) {
			ctx := context.Background()
			s := newTestStore(t, Options{})
			for i := 0; i < tc.items; i++ {
				enqueue(t, s, fmt.Sprintf(`%d`, i), nil)
			}

			var (
				mu  sync.Mutex
				got []string
				wg  sync.WaitGroup
			)
			for i := 0; i < tc.consumers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					worker := fmt.Sprintf("w-%d", i)
					ar, err := s.DequeueRollout(ctx, &worker)
					assert.NoError(t, err)
					if ar != nil {
						mu.Lock()
						got = append(got, ar.RolloutID)
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()

			assert.Len(t, got, min(tc.consumers, tc.items))
			seen := map[string]bool{}
			for _, id := range got {
				assert.False(t, seen[id], "rollout %s handed out twice", id)
				seen[id] = true
			}
		})
	}
}

func TestSpanSequenceIDsUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	const n = 100

	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.GetNextSpanSequenceID(ctx, "ro-1", "at-1")
			assert.NoError(t, err)
			ids[i] = v
		}(i)
	}
	wg.Wait()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i := 1; i < n; i++ {
		assert.Less(t, ids[i-1], ids[i])
	}

	other, err := s.GetNextSpanSequenceID(ctx, "ro-1", "at-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other, "counters are per attempt")
}

func TestRetryCreatesNextAttempt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	cfg := &schemas.RolloutConfig{MaxAttempts: 2, RetryCondition: []schemas.AttemptStatus{schemas.AttemptFailed}}
	r := enqueue(t, s, `"q"`, cfg)

	first := dequeue(t, s, "")
	setAttempt(t, s, first, schemas.AttemptFailed)
	assert.Equal(t, schemas.RolloutRequeuing, rolloutStatus(t, s, r.RolloutID))
	n, err := s.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	second := dequeue(t, s, "")
	assert.Equal(t, int64(2), second.Attempt.SequenceID)
	setAttempt(t, s, second, schemas.AttemptFailed)
	assert.Equal(t, schemas.RolloutFailed, rolloutStatus(t, s, r.RolloutID))

	attempts, err := s.QueryAttempts(ctx, r.RolloutID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, []int64{1, 2}, []int64{attempts[0].SequenceID, attempts[1].SequenceID})

	// A late report for the superseded attempt is refused and moves nothing.
	succeeded := schemas.AttemptSucceeded
	_, err = s.UpdateAttempt(ctx, r.RolloutID, first.Attempt.AttemptID, schemas.UpdateAttemptRequest{Status: &succeeded})
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.Equal(t, schemas.RolloutFailed, rolloutStatus(t, s, r.RolloutID))
}

func TestFinishedAttemptKeepsItsStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	cfg := &schemas.RolloutConfig{MaxAttempts: 3, RetryCondition: []schemas.AttemptStatus{schemas.AttemptTimeout}}
	r := enqueue(t, s, `1`, cfg)
	ar := dequeue(t, s, "runner")
	setAttempt(t, s, ar, schemas.AttemptSucceeded)
	require.Equal(t, schemas.RolloutSucceeded, rolloutStatus(t, s, r.RolloutID))

	for _, st := range []schemas.AttemptStatus{schemas.AttemptTimeout, schemas.AttemptRunning, schemas.AttemptFailed} {
		_, err := s.UpdateAttempt(ctx, r.RolloutID, ar.Attempt.AttemptID, schemas.UpdateAttemptRequest{Status: &st})
		assert.ErrorIs(t, err, ErrInvalidStatus, "succeeded -> %s", st)
	}

	a, err := s.GetLatestAttempt(ctx, r.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, schemas.AttemptSucceeded, a.Status)
	assert.Equal(t, schemas.RolloutSucceeded, rolloutStatus(t, s, r.RolloutID))
	n, err := s.QueueLength(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a finished rollout is never requeued")

	done, err := s.WaitForRollouts(ctx, []string{r.RolloutID}, 0)
	require.NoError(t, err)
	assert.Len(t, done, 1)

	// Re-reporting the same status and patching metadata stay allowed.
	same := schemas.AttemptSucceeded
	a, err = s.UpdateAttempt(ctx, r.RolloutID, LatestAttempt, schemas.UpdateAttemptRequest{
		Status:   &same,
		Metadata: map[string]any{"reward": 1.0},
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, a.Metadata["reward"])
}

func TestFinishedRolloutIgnoresAttemptUpdates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	r := enqueue(t, s, `1`, nil)
	ar := dequeue(t, s, "")

	succeeded := schemas.RolloutSucceeded
	_, err := s.UpdateRollout(ctx, r.RolloutID, schemas.UpdateRolloutRequest{Status: &succeeded})
	require.NoError(t, err)

	setAttempt(t, s, ar, schemas.AttemptRunning)
	assert.Equal(t, schemas.RolloutSucceeded, rolloutStatus(t, s, r.RolloutID))
	setAttempt(t, s, ar, schemas.AttemptFailed)
	assert.Equal(t, schemas.RolloutSucceeded, rolloutStatus(t, s, r.RolloutID))
}

func TestUpdateAttemptRejectsInvalidStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	enqueue(t, s, `1`, nil)
	ar := dequeue(t, s, "")

	for _, st := range []schemas.AttemptStatus{"exploded", schemas.AttemptCancelled} {
		_, err := s.UpdateAttempt(ctx, ar.RolloutID, ar.Attempt.AttemptID, schemas.UpdateAttemptRequest{Status: &st})
		assert.ErrorIs(t, err, ErrInvalidStatus)
	}
	a, err := s.GetLatestAttempt(ctx, ar.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, schemas.AttemptPreparing, a.Status, "rejected update must not be written")
}

func TestUpdateAttemptLatestAlias(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	enqueue(t, s, `1`, nil)
	ar := dequeue(t, s, "")

	running := schemas.AttemptRunning
	a, err := s.UpdateAttempt(ctx, ar.RolloutID, LatestAttempt, schemas.UpdateAttemptRequest{
		Status:   &running,
		Metadata: map[string]any{"host": "gpu-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, ar.Attempt.AttemptID, a.AttemptID)
	assert.Equal(t, "gpu-1", a.Metadata["host"])
	assert.Equal(t, schemas.RolloutRunning, rolloutStatus(t, s, ar.RolloutID))

	_, err = s.UpdateAttempt(ctx, "other-rollout", ar.Attempt.AttemptID, schemas.UpdateAttemptRequest{Status: &running})
	assert.True(t, errors.Is(err, ErrAttemptNotFound))
}

func TestCancelRollout(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	cfg := &schemas.RolloutConfig{MaxAttempts: 3, RetryCondition: []schemas.AttemptStatus{schemas.AttemptFailed}}
	r := enqueue(t, s, `1`, cfg)
	ar := dequeue(t, s, "runner")

	cancelled := schemas.RolloutCancelled
	got, err := s.UpdateRollout(ctx, r.RolloutID, schemas.UpdateRolloutRequest{Status: &cancelled})
	require.NoError(t, err)
	assert.Equal(t, schemas.RolloutCancelled, got.Status)
	assert.NotNil(t, got.EndTime)

	a, err := s.GetLatestAttempt(ctx, r.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, schemas.AttemptCancelled, a.Status)

	// The runner reporting afterwards cannot revive the rollout.
	failed := schemas.AttemptFailed
	_, err = s.UpdateAttempt(ctx, r.RolloutID, ar.Attempt.AttemptID, schemas.UpdateAttemptRequest{Status: &failed})
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.Equal(t, schemas.RolloutCancelled, rolloutStatus(t, s, r.RolloutID))

	done, err := s.WaitForRollouts(ctx, []string{r.RolloutID}, 0)
	require.NoError(t, err)
	assert.Len(t, done, 1)
}

func TestCancelledQueueEntryIsSkipped(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	first := enqueue(t, s, `1`, nil)
	second := enqueue(t, s, `2`, nil)

	cancelled := schemas.RolloutCancelled
	_, err := s.UpdateRollout(ctx, first.RolloutID, schemas.UpdateRolloutRequest{Status: &cancelled})
	require.NoError(t, err)

	ar := dequeue(t, s, "")
	assert.Equal(t, second.RolloutID, ar.RolloutID)

	empty, err := s.DequeueRollout(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestManualRequeue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	r := enqueue(t, s, `1`, nil)
	ar := dequeue(t, s, "")
	setAttempt(t, s, ar, schemas.AttemptFailed)
	assert.Equal(t, schemas.RolloutFailed, rolloutStatus(t, s, r.RolloutID))

	requeuing := schemas.RolloutRequeuing
	_, err := s.UpdateRollout(ctx, r.RolloutID, schemas.UpdateRolloutRequest{Status: &requeuing})
	require.NoError(t, err)

	again := dequeue(t, s, "")
	assert.Equal(t, r.RolloutID, again.RolloutID)
	assert.Equal(t, int64(2), again.Attempt.SequenceID)
}

func TestStartRolloutSkipsQueue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	worker := "self-driver"
	ar, err := s.StartRollout(ctx, schemas.StartRolloutRequest{
		EnqueueRolloutRequest: schemas.EnqueueRolloutRequest{Input: []byte(`{"x":1}`)},
		WorkerID:              &worker,
	})
	require.NoError(t, err)
	assert.Equal(t, schemas.RolloutPreparing, ar.Status)
	assert.Equal(t, int64(1), ar.Attempt.SequenceID)

	n, err := s.QueueLength(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	w, err := s.GetWorkerByID(ctx, worker)
	require.NoError(t, err)
	assert.Equal(t, schemas.WorkerBusy, w.Status)
	require.NotNil(t, w.CurrentAttemptID)
	assert.Equal(t, ar.Attempt.AttemptID, *w.CurrentAttemptID)
}

func TestFailedCreationLeavesNoLiveRollout(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name         string
		breakBackend func(b *collection.Backend)
		create       func(s *Store) error
	}{
		{
			name:         "start without attempt",
			breakBackend: func(b *collection.Backend) { b.Attempts = failingInsert[schemas.Attempt]{b.Attempts} },
			create: func(s *Store) error {
				_, err := s.StartRollout(ctx, schemas.StartRolloutRequest{})
				return err
			},
		},
		{
			name:         "enqueue without queue entry",
			breakBackend: func(b *collection.Backend) { b.RolloutQueue = failingEnqueue{b.RolloutQueue} },
			create: func(s *Store) error {
				_, err := s.EnqueueRollout(ctx, schemas.EnqueueRolloutRequest{})
				return err
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := memory.NewBackend()
			tt.breakBackend(b)
			s := New(b, Options{Logger: zaptest.NewLogger(t)})

			assert.ErrorIs(t, tt.create(s), errDiskFull)

			rollouts, err := s.QueryRollouts(ctx, schemas.QueryRolloutsRequest{})
			require.NoError(t, err)
			require.Len(t, rollouts, 1)
			assert.Equal(t, schemas.RolloutFailed, rollouts[0].Status)
			assert.NotNil(t, rollouts[0].EndTime)

			done, err := s.WaitForRollouts(ctx, []string{rollouts[0].RolloutID}, 0)
			require.NoError(t, err)
			assert.Len(t, done, 1)
		})
	}
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	bad := schemas.RolloutMode("eval")
	_, err := s.EnqueueRollout(ctx, schemas.EnqueueRolloutRequest{Mode: &bad})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = s.EnqueueRollout(ctx, schemas.EnqueueRolloutRequest{
		Config: &schemas.RolloutConfig{RetryCondition: []schemas.AttemptStatus{"nope"}},
	})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	r, err := s.EnqueueRollout(ctx, schemas.EnqueueRolloutRequest{Config: &schemas.RolloutConfig{}})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Config.MaxAttempts)
	assert.JSONEq(t, `null`, string(r.Input))
}

func TestBackpressureEnqueuesEverySampleInOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{MaxQueueLength: 1})
	samples := []string{`"s0"`, `"s1"`, `"s2"`, `"s3"`, `"s4"`}

	var processed []string
	runOne := func() {
		ar := dequeue(t, s, "runner")
		processed = append(processed, string(ar.Input))
		setAttempt(t, s, ar, schemas.AttemptSucceeded)
	}

	fullHits := 0
	for i := 0; i < len(samples); {
		_, err := s.EnqueueRollout(ctx, schemas.EnqueueRolloutRequest{Input: []byte(samples[i])})
		if errors.Is(err, ErrQueueFull) {
			fullHits++
			runOne()
			continue
		}
		require.NoError(t, err)
		i++
	}
	for {
		n, err := s.QueueLength(ctx)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		runOne()
	}

	assert.Equal(t, samples, processed)
	assert.Equal(t, len(samples)-1, fullHits)
}

func TestQueueBoundHoldsUnderConcurrentEnqueue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{MaxQueueLength: 5})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		full int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.EnqueueRollout(ctx, schemas.EnqueueRolloutRequest{Input: []byte(fmt.Sprint(i))})
			if errors.Is(err, ErrQueueFull) {
				mu.Lock()
				full++
				mu.Unlock()
				return
			}
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	n, err := s.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, 35, full)
}

func TestResourcesVersioning(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	r1, err := s.UpdateResources(ctx, "", schemas.NamedResources{
		"llm": {ResourceType: "llm", Endpoint: "http://a", Model: "m1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), r1.Version)
	assert.Equal(t, schemas.DefaultBucket, r1.Bucket)

	ro := enqueue(t, s, `1`, nil)
	require.NotNil(t, ro.ResourcesID)
	assert.Equal(t, r1.ResourcesID, *ro.ResourcesID)

	r2, err := s.UpdateResources(ctx, schemas.DefaultBucket, schemas.NamedResources{
		"llm": {ResourceType: "llm", Endpoint: "http://b", Model: "m2"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), r2.Version)
	assert.NotEqual(t, r1.ResourcesID, r2.ResourcesID)

	got, err := s.GetRolloutByID(ctx, ro.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, r1.ResourcesID, *got.ResourcesID)

	old, err := s.GetResourcesByID(ctx, r1.ResourcesID)
	require.NoError(t, err)
	assert.Equal(t, "http://a", old.Resources["llm"].Endpoint)

	latest, err := s.GetLatestResources(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, r2.ResourcesID, latest.ResourcesID)

	_, err = s.GetResourcesByID(ctx, "default-v9")
	assert.ErrorIs(t, err, ErrResourcesNotFound)
}

func TestAddResourcesMergesLatest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	_, err := s.AddResources(ctx, "prompts", schemas.NamedResources{"a": {ResourceType: "prompt_template", Template: "A"}})
	require.NoError(t, err)
	merged, err := s.AddResources(ctx, "prompts", schemas.NamedResources{"b": {ResourceType: "prompt_template", Template: "B"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), merged.Version)
	assert.Len(t, merged.Resources, 2)

	all, err := s.QueryResources(ctx, "prompts")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Len(t, all[0].Resources, 1, "earlier versions are never edited")

	_, err = s.GetLatestResources(ctx, schemas.DefaultBucket)
	assert.ErrorIs(t, err, ErrResourcesNotFound)
}

func TestSpansAssignSequenceAndPromoteAttempt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	enqueue(t, s, `1`, nil)
	ar := dequeue(t, s, "")

	first, err := s.AddSpan(ctx, schemas.Span{RolloutID: ar.RolloutID, AttemptID: ar.Attempt.AttemptID, Name: "llm"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.SequenceID)

	explicit, err := s.AddSpan(ctx, schemas.Span{RolloutID: ar.RolloutID, AttemptID: ar.Attempt.AttemptID, SequenceID: 10, Name: "tool"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), explicit.SequenceID)

	next, err := s.GetNextSpanSequenceID(ctx, ar.RolloutID, ar.Attempt.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, int64(11), next)

	a, err := s.GetLatestAttempt(ctx, ar.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, schemas.AttemptRunning, a.Status)
	assert.NotNil(t, a.LastHeartbeatTime)
	assert.Equal(t, schemas.RolloutRunning, rolloutStatus(t, s, ar.RolloutID))

	spans, err := s.QuerySpans(ctx, ar.RolloutID, LatestAttempt)
	require.NoError(t, err)
	require.Len(t, spans, 2)
	assert.Equal(t, "llm", spans[0].Name)
	assert.Equal(t, "tool", spans[1].Name)

	_, err = s.AddSpan(ctx, schemas.Span{RolloutID: ar.RolloutID, AttemptID: ar.Attempt.AttemptID, SequenceID: 10})
	assert.Error(t, err, "duplicate sequence ids are rejected")

	_, err = s.AddSpan(ctx, schemas.Span{Name: "orphan"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAddOTelSpansSkipsTakenSequenceIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	enqueue(t, s, `1`, nil)
	ar := dequeue(t, s, "")
	span := func(seq int64) schemas.Span {
		return schemas.Span{RolloutID: ar.RolloutID, AttemptID: ar.Attempt.AttemptID, SequenceID: seq}
	}

	_, err := s.AddSpan(ctx, span(3))
	require.NoError(t, err)

	stored, err := s.AddOTelSpans(ctx, []schemas.Span{span(3), span(0), span(9), span(9)})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, int64(4), stored[0].SequenceID)
	assert.Equal(t, int64(9), stored[1].SequenceID)

	all, err := s.QuerySpans(ctx, ar.RolloutID, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = s.AddOTelSpans(ctx, []schemas.Span{span(0), {Name: "orphan"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	all, err = s.QuerySpans(ctx, ar.RolloutID, "")
	require.NoError(t, err)
	assert.Len(t, all, 3, "an invalid batch writes nothing")
}

func TestWaitForRolloutsTimesOut(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	done := enqueue(t, s, `1`, nil)
	pending := enqueue(t, s, `2`, nil)
	ar := dequeue(t, s, "")
	require.Equal(t, done.RolloutID, ar.RolloutID)
	setAttempt(t, s, ar, schemas.AttemptSucceeded)

	start := time.Now()
	got, err := s.WaitForRollouts(ctx, []string{pending.RolloutID, done.RolloutID}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.Len(t, got, 1)
	assert.Equal(t, done.RolloutID, got[0].RolloutID)
}

func TestWaitForRolloutsObservesCancellation(t *testing.T) {
	s := newTestStore(t, Options{})
	r := enqueue(t, s, `1`, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	got, err := s.WaitForRollouts(ctx, []string{r.RolloutID}, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, got)
}

func TestWaitForRolloutsWakesOnCompletion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	r := enqueue(t, s, `1`, nil)
	ar := dequeue(t, s, "")

	go func() {
		time.Sleep(20 * time.Millisecond)
		status := schemas.AttemptSucceeded
		_, _ = s.UpdateAttempt(ctx, ar.RolloutID, ar.Attempt.AttemptID, schemas.UpdateAttemptRequest{Status: &status})
	}()
	got, err := s.WaitForRollouts(ctx, []string{r.RolloutID}, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, schemas.RolloutSucceeded, got[0].Status)
}

type recordingArchiver struct {
	rolloutID string
	spans     []schemas.Span
}

func (a *recordingArchiver) ArchiveSpans(_ context.Context, rolloutID string, spans []schemas.Span) (string, error) {
	a.rolloutID, a.spans = rolloutID, spans
	return "s3://traces/" + rolloutID + ".json", nil
}

func TestArchiveSpans(t *testing.T) {
	ctx := context.Background()
	_, err := newTestStore(t, Options{}).ArchiveSpans(ctx, "ro-x")
	assert.ErrorIs(t, err, ErrArchiveDisabled)

	arch := &recordingArchiver{}
	s := newTestStore(t, Options{Archiver: arch})
	enqueue(t, s, `1`, nil)
	ar := dequeue(t, s, "")
	_, err = s.AddSpan(ctx, schemas.Span{RolloutID: ar.RolloutID, AttemptID: ar.Attempt.AttemptID, Name: "a"})
	require.NoError(t, err)

	ref, err := s.ArchiveSpans(ctx, ar.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, "s3://traces/"+ar.RolloutID+".json", ref)
	assert.Len(t, arch.spans, 1)

	_, err = s.ArchiveSpans(ctx, "missing")
	assert.ErrorIs(t, err, ErrRolloutNotFound)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	enqueue(t, s, `1`, nil)
	enqueue(t, s, `2`, nil)
	dequeue(t, s, "w")

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.QueueLength)
	assert.Equal(t, int64(1), st.RolloutsByStatus[schemas.RolloutQueuing])
	assert.Equal(t, int64(1), st.RolloutsByStatus[schemas.RolloutPreparing])
	assert.Equal(t, int64(1), st.WorkersByStatus[schemas.WorkerBusy])
}
