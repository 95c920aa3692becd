// Package launch starts the store server in one of two modes: a single
// process, or a supervisor that runs N copies of itself behind one port.
package launch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// WorkerIndexEnv is set on the children of a multi-worker supervisor.
const WorkerIndexEnv = "AGL_STORE_WORKER_INDEX"

const shutdownTimeout = 10 * time.Second

// ErrNonSharedBackend is returned when several server processes would each
// get their own private copy of an in-process backend.
var ErrNonSharedBackend = errors.New("multiple workers require a shared backend (mongo or postgres)")

// CheckWorkers validates a worker count against the backend kind.
func CheckWorkers(n int, shared bool) error {
	if n < 1 {
		return fmt.Errorf("n-workers must be at least 1, got %d", n)
	}
	if n > 1 && !shared {
		return ErrNonSharedBackend
	}
	return nil
}

// WorkerIndex reports this process's index when it was started by a
// supervisor.
func WorkerIndex() (int, bool) {
	v, ok := os.LookupEnv(WorkerIndexEnv)
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

// Listen opens the server socket. With reusePort several processes may bind
// the same address and the kernel spreads connections across them.
func Listen(ctx context.Context, addr string, reusePort bool) (net.Listener, error) {
	var lc net.ListenConfig
	if reusePort {
		lc.Control = reusePortControl
	}
	return lc.Listen(ctx, "tcp", addr)
}

// Serve runs srv on ln together with background tasks until ctx is done or
// any of them fails, then shuts the server down gracefully.
func Serve(ctx context.Context, log *zap.Logger, srv *http.Server, ln net.Listener, tasks ...func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("store listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		return nil
	})
	for _, task := range tasks {
		g.Go(func() error { return task(ctx) })
	}
	return g.Wait()
}
