package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"lightning-store/internal/collection/memory"
	"lightning-store/internal/store"
	"lightning-store/internal/testenv"
	"lightning-store/pkg/schemas"
)

type fakeSweeper struct {
	reconciles atomic.Int64
	prunes     atomic.Int64

	mu       sync.Mutex
	timeouts []time.Duration
	err      error
}

func (f *fakeSweeper) Reconcile(context.Context) (store.ReconcileResult, error) {
	f.reconciles.Add(1)
	return store.ReconcileResult{Checked: 1}, f.err
}

func (f *fakeSweeper) PruneWorkers(_ context.Context, timeout time.Duration) (int, error) {
	f.prunes.Add(1)
	f.mu.Lock()
	f.timeouts = append(f.timeouts, timeout)
	f.mu.Unlock()
	return 0, f.err
}

func TestLocalLoopSweepsUntilCancelled(t *testing.T) {
	sw := &fakeSweeper{}
	m := New(sw, Config{Interval: 5 * time.Millisecond, WorkerTimeout: time.Minute}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return sw.reconciles.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("maintainer did not stop")
	}
	assert.GreaterOrEqual(t, sw.prunes.Load(), int64(2))
	sw.mu.Lock()
	assert.Equal(t, time.Minute, sw.timeouts[0])
	sw.mu.Unlock()
}

func TestSweepErrorsDoNotStopTheLoop(t *testing.T) {
	sw := &fakeSweeper{err: errors.New("backend down")}
	m := New(sw, Config{Interval: 5 * time.Millisecond}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()
	require.Eventually(t, func() bool { return sw.reconciles.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestDefaults(t *testing.T) {
	m := New(&fakeSweeper{}, Config{}, nil)
	assert.Equal(t, DefaultInterval, m.cfg.Interval)
	assert.Equal(t, DefaultWorkerTimeout, m.cfg.WorkerTimeout)
}

func TestSlotTaskID(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	a := slotTaskID(TypeHealthcheck, base, 10*time.Second)
	assert.Equal(t, a, slotTaskID(TypeHealthcheck, base.Add(9*time.Second), 10*time.Second))
	assert.NotEqual(t, a, slotTaskID(TypeHealthcheck, base.Add(10*time.Second), 10*time.Second))
	assert.NotEqual(t, a, slotTaskID(TypePruneWorkers, base, 10*time.Second))
}

func TestTasks(t *testing.T) {
	m := New(&fakeSweeper{}, Config{Interval: time.Second, WorkerTimeout: 30 * time.Second}, nil)
	tasks, err := m.tasks(time.Unix(100, 0))
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, TypeHealthcheck, tasks[0].Type())
	assert.Equal(t, TypePruneWorkers, tasks[1].Type())

	var p prunePayload
	require.NoError(t, json.Unmarshal(tasks[1].Payload(), &p))
	assert.Equal(t, 30.0, p.TimeoutSeconds)
}

func TestHandlers(t *testing.T) {
	sw := &fakeSweeper{}
	m := New(sw, Config{WorkerTimeout: time.Minute}, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, m.handleHealthcheck(ctx, asynq.NewTask(TypeHealthcheck, nil)))
	assert.Equal(t, int64(1), sw.reconciles.Load())

	require.NoError(t, m.handlePrune(ctx, asynq.NewTask(TypePruneWorkers, []byte(`{"timeout_seconds": 5}`))))
	require.NoError(t, m.handlePrune(ctx, asynq.NewTask(TypePruneWorkers, []byte(`{}`))))
	sw.mu.Lock()
	assert.Equal(t, []time.Duration{5 * time.Second, time.Minute}, sw.timeouts)
	sw.mu.Unlock()

	err := m.handlePrune(ctx, asynq.NewTask(TypePruneWorkers, []byte(`nope`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHealthcheckAgainstStore(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	st := store.New(memory.NewBackend(), store.Options{Logger: zaptest.NewLogger(t), Now: clock})
	ctx := context.Background()

	ar, err := st.StartRollout(ctx, schemas.StartRolloutRequest{
		EnqueueRolloutRequest: schemas.EnqueueRolloutRequest{
			Config: &schemas.RolloutConfig{TimeoutSeconds: schemas.Ptr(1.0), MaxAttempts: 1},
		},
	})
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	m := New(st, Config{}, zaptest.NewLogger(t))
	m.sweep(ctx)

	a, err := st.GetLatestAttempt(ctx, ar.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, schemas.AttemptTimeout, a.Status)
	r, err := st.GetRolloutByID(ctx, ar.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, schemas.RolloutFailed, r.Status)
}

func TestClusterModeRunsEachSlotOnce(t *testing.T) {
	addr := testenv.Redis(t)
	sw := &fakeSweeper{}
	cfg := Config{Interval: 200 * time.Millisecond, RedisAddr: addr}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for range 3 {
		m := New(sw, cfg, zaptest.NewLogger(t))
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Run(ctx))
		}()
	}
	time.Sleep(time.Second)
	cancel()
	wg.Wait()

	// three processes over roughly five slots still run about one sweep per slot
	n := sw.reconciles.Load()
	assert.Greater(t, n, int64(0))
	assert.LessOrEqual(t, n, int64(7))
}
