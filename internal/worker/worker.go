// Package worker runs the store's periodic maintenance: the attempt
// healthcheck and stale worker pruning. With a Redis address the sweeps are
// coordinated through asynq so a fleet of server processes runs each sweep
// once per interval instead of once per process.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"lightning-store/internal/store"
)

const (
	TypeHealthcheck  = "store:healthcheck"
	TypePruneWorkers = "store:prune_workers"

	DefaultInterval      = 10 * time.Second
	DefaultWorkerTimeout = 60 * time.Second
)

// Sweeper is the part of the store the maintainer drives.
type Sweeper interface {
	Reconcile(ctx context.Context) (store.ReconcileResult, error)
	PruneWorkers(ctx context.Context, timeout time.Duration) (int, error)
}

type Config struct {
	Interval      time.Duration
	WorkerTimeout time.Duration
	// RedisAddr switches to cluster mode when set.
	RedisAddr string
}

type Maintainer struct {
	sw  Sweeper
	cfg Config
	log *zap.Logger
	now func() time.Time
}

func New(sw Sweeper, cfg Config, log *zap.Logger) *Maintainer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = DefaultWorkerTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Maintainer{sw: sw, cfg: cfg, log: log, now: time.Now}
}

// Run blocks until ctx is done.
func (m *Maintainer) Run(ctx context.Context) error {
	if m.cfg.RedisAddr != "" {
		return m.runCluster(ctx)
	}
	return m.runLocal(ctx)
}

func (m *Maintainer) runLocal(ctx context.Context) error {
	m.log.Info("maintenance loop started", zap.Duration("interval", m.cfg.Interval), zap.String("mode", "local"))
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.sweep(ctx)
		}
	}
}

// sweep runs one healthcheck and one prune pass, logging failures.
func (m *Maintainer) sweep(ctx context.Context) {
	if err := m.healthcheck(ctx); err != nil && ctx.Err() == nil {
		m.log.Error("healthcheck failed", zap.Error(err))
	}
	if err := m.prune(ctx, m.cfg.WorkerTimeout); err != nil && ctx.Err() == nil {
		m.log.Error("worker pruning failed", zap.Error(err))
	}
}

func (m *Maintainer) healthcheck(ctx context.Context) error {
	res, err := m.sw.Reconcile(ctx)
	if err != nil {
		return err
	}
	if res.Promoted+res.TimedOut+res.Unresponsive > 0 {
		m.log.Info("healthcheck",
			zap.Int("checked", res.Checked),
			zap.Int("promoted", res.Promoted),
			zap.Int("timed_out", res.TimedOut),
			zap.Int("unresponsive", res.Unresponsive))
	}
	return nil
}

func (m *Maintainer) prune(ctx context.Context, timeout time.Duration) error {
	n, err := m.sw.PruneWorkers(ctx, timeout)
	if err != nil {
		return err
	}
	if n > 0 {
		m.log.Info("workers marked unknown", zap.Int("count", n))
	}
	return nil
}

type prunePayload struct {
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

func (m *Maintainer) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeHealthcheck, m.handleHealthcheck)
	mux.HandleFunc(TypePruneWorkers, m.handlePrune)
	return mux
}

func (m *Maintainer) handleHealthcheck(ctx context.Context, _ *asynq.Task) error {
	return m.healthcheck(ctx)
}

func (m *Maintainer) handlePrune(ctx context.Context, t *asynq.Task) error {
	var p prunePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	timeout := time.Duration(p.TimeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = m.cfg.WorkerTimeout
	}
	return m.prune(ctx, timeout)
}

// slotTaskID names the task of one interval slot. Every process computes the
// same id for the same slot, so asynq accepts only the first enqueue.
func slotTaskID(taskType string, now time.Time, interval time.Duration) string {
	return fmt.Sprintf("%s:%d", taskType, now.UnixNano()/int64(interval))
}

func (m *Maintainer) tasks(now time.Time) ([]*asynq.Task, error) {
	payload, err := json.Marshal(prunePayload{TimeoutSeconds: m.cfg.WorkerTimeout.Seconds()})
	if err != nil {
		return nil, err
	}
	opts := func(taskType string) []asynq.Option {
		return []asynq.Option{
			asynq.TaskID(slotTaskID(taskType, now, m.cfg.Interval)),
			asynq.MaxRetry(0),
			asynq.Timeout(m.cfg.Interval),
			asynq.Retention(2 * m.cfg.Interval),
		}
	}
	return []*asynq.Task{
		asynq.NewTask(TypeHealthcheck, nil, opts(TypeHealthcheck)...),
		asynq.NewTask(TypePruneWorkers, payload, opts(TypePruneWorkers)...),
	}, nil
}

func (m *Maintainer) runCluster(ctx context.Context) error {
	opt := asynq.RedisClientOpt{Addr: m.cfg.RedisAddr}
	client := asynq.NewClient(opt)
	defer client.Close()

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency:     1,
		Logger:          m.log.Named("asynq").Sugar(),
		LogLevel:        asynq.WarnLevel,
		ShutdownTimeout: m.cfg.Interval,
	})
	if err := srv.Start(m.mux()); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	defer srv.Shutdown()

	m.log.Info("maintenance loop started", zap.Duration("interval", m.cfg.Interval),
		zap.String("mode", "cluster"), zap.String("redis", m.cfg.RedisAddr))
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.enqueue(ctx, client)
		}
	}
}

func (m *Maintainer) enqueue(ctx context.Context, client *asynq.Client) {
	tasks, err := m.tasks(m.now())
	if err != nil {
		m.log.Error("build maintenance tasks", zap.Error(err))
		return
	}
	for _, task := range tasks {
		_, err := client.EnqueueContext(ctx, task)
		switch {
		case err == nil:
		case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
			m.log.Debug("sweep already scheduled by another process", zap.String("type", task.Type()))
		default:
			m.log.Warn("enqueue maintenance task", zap.String("type", task.Type()), zap.Error(err))
		}
	}
}
