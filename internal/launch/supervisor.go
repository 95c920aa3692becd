package launch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Supervisor re-executes the current binary N times. Each child sees
// WorkerIndexEnv and serves the same port with SO_REUSEPORT.
type Supervisor struct {
	N    int
	Path string
	Args []string
	Env  []string
	Log  *zap.Logger
	// Grace is how long children get after SIGTERM before being killed.
	Grace time.Duration
}

// NewSupervisor supervises copies of the running executable with its
// arguments and environment.
func NewSupervisor(n int, log *zap.Logger) (*Supervisor, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &Supervisor{N: n, Path: path, Args: os.Args[1:], Env: os.Environ(), Log: log, Grace: shutdownTimeout}, nil
}

func (s *Supervisor) command(i int) *exec.Cmd {
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(append([]string{}, s.Env...), fmt.Sprintf("%s=%d", WorkerIndexEnv, i))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

// Run starts every child and waits. Cancelling ctx forwards SIGTERM to the
// children; a child that exits early stops the others and its error is
// returned.
func (s *Supervisor) Run(ctx context.Context) error {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	g, gctx := errgroup.WithContext(ctx)
	gctx, stop := context.WithCancel(gctx)
	defer stop()
	for i := range s.N {
		cmd := s.command(i)
		if err := cmd.Start(); err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("start worker %d: %w", i, err)
		}
		log.Info("store worker started", zap.Int("index", i), zap.Int("pid", cmd.Process.Pid))

		exited := make(chan struct{})
		g.Go(func() error {
			defer close(exited)
			err := cmd.Wait()
			if ctx.Err() == nil {
				// exits are only expected after a shutdown request
				if err == nil {
					err = fmt.Errorf("worker %d exited", i)
				}
				return fmt.Errorf("worker %d: %w", i, err)
			}
			log.Info("store worker stopped", zap.Int("index", i), zap.Error(err))
			return nil
		})
		g.Go(func() error {
			select {
			case <-exited:
				return nil
			case <-gctx.Done():
			}
			_ = cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-exited:
			case <-time.After(s.Grace):
				log.Warn("store worker did not stop, killing", zap.Int("index", i))
				_ = cmd.Process.Kill()
			}
			return nil
		})
	}
	return g.Wait()
}
