package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"lightning-store/internal/collection"
	"lightning-store/internal/collection/memory"
	"lightning-store/internal/collection/mongodb"
	"lightning-store/internal/db"
	aglhttp "lightning-store/internal/http"
	"lightning-store/internal/launch"
	"lightning-store/internal/logging"
	"lightning-store/internal/metrics"
	"lightning-store/internal/storage"
	"lightning-store/internal/store"
	"lightning-store/internal/worker"
)

func newStoreCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "store",
		Short: "Run the Lightning Store server",
		Long: `Run the Lightning Store: the shared rollout queue, span sink and resource
registry that runners and algorithms talk to over HTTP.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(v, cfgFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runStore(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "config file (default: ./agl.yaml or $HOME/.agl/agl.yaml)")
	f.String("host", "0.0.0.0", "address to bind")
	f.Int("port", DefaultPort, "port to bind")
	f.String("backend", BackendMemory, "storage backend (memory, mongo, postgres)")
	f.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
	f.String("mongo-database", "agentlightning", "MongoDB database name")
	f.String("postgres-dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN (default $DATABASE_URL)")
	f.Int("n-workers", 1, "server processes sharing the port (requires mongo or postgres)")
	f.StringArray("cors-origin", nil, "allowed CORS origin (repeatable, * for any)")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.Bool("prometheus", false, "expose Prometheus metrics on /metrics")
	f.String("api-token", "", "require this bearer token on API requests")
	f.Int64("max-queue-length", 0, "reject enqueues beyond this many queued rollouts (0 = unbounded)")
	f.String("redis-addr", "", "Redis address coordinating maintenance sweeps across processes")
	f.Duration("healthcheck-interval", worker.DefaultInterval, "interval between healthcheck sweeps")
	f.Duration("worker-timeout", worker.DefaultWorkerTimeout, "heartbeat age after which a worker is marked unknown")
	f.String("archive-bucket", "", "S3 bucket for span archives")
	f.String("archive-endpoint", "", "S3 compatible endpoint, e.g. http://localhost:9000 for MinIO")
	f.String("archive-region", "", "S3 region")

	for key, flag := range map[string]string{
		"server.host":                "host",
		"server.port":                "port",
		"server.n_workers":           "n-workers",
		"server.cors_origins":        "cors-origin",
		"server.api_token":           "api-token",
		"server.prometheus":          "prometheus",
		"store.backend":              "backend",
		"store.max_queue_length":     "max-queue-length",
		"mongo.uri":                  "mongo-uri",
		"mongo.database":             "mongo-database",
		"postgres.dsn":               "postgres-dsn",
		"logging.level":              "log-level",
		"maintenance.interval":       "healthcheck-interval",
		"maintenance.worker_timeout": "worker-timeout",
		"maintenance.redis_addr":     "redis-addr",
		"archive.bucket":             "archive-bucket",
		"archive.endpoint":           "archive-endpoint",
		"archive.region":             "archive-region",
	} {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}
	return cmd
}

func openBackend(ctx context.Context, cfg *Config, log *zap.Logger) (*collection.Backend, error) {
	switch cfg.Store.Backend {
	case BackendMongo:
		return mongodb.Open(ctx, cfg.Mongo.URI, cfg.Mongo.Database, log)
	case BackendPostgres:
		return db.Open(ctx, cfg.Postgres.DSN, log)
	case BackendMemory:
		return memory.NewBackend(), nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Store.Backend)
}

func runStore(ctx context.Context, cfg *Config) error {
	log, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	index, child := launch.WorkerIndex()
	if !child && cfg.Server.NWorkers > 1 {
		sup, err := launch.NewSupervisor(cfg.Server.NWorkers, log)
		if err != nil {
			return err
		}
		log.Info("starting store workers", zap.Int("n_workers", cfg.Server.NWorkers), zap.String("addr", cfg.Addr()))
		return sup.Run(ctx)
	}
	if child {
		log = log.With(zap.Int("worker_index", index))
	}

	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Store.Backend, err)
	}
	defer func() {
		if err := b.Close(context.Background()); err != nil {
			log.Warn("close backend", zap.Error(err))
		}
	}()
	log.Info("backend ready", zap.String("backend", b.Name), zap.Bool("shared", b.Shared))

	opts := store.Options{
		Logger:         log,
		PollInterval:   cfg.Store.PollInterval,
		MaxQueueLength: cfg.Store.MaxQueueLength,
	}
	if cfg.Archive.Bucket != "" {
		archive, err := storage.New(ctx, storage.Config{
			Bucket:    cfg.Archive.Bucket,
			Endpoint:  cfg.Archive.Endpoint,
			Region:    cfg.Archive.Region,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Prefix:    cfg.Archive.Prefix,
		}, log)
		if err != nil {
			return fmt.Errorf("open span archive: %w", err)
		}
		opts.Archiver = archive
	}
	st := store.New(b, opts)

	httpOpts := aglhttp.Options{
		Logger:   log,
		APIToken: cfg.Server.APIToken,
		CORS:     aglhttp.CORSOptions(cfg.Server.CORSOrigins...),
	}
	if cfg.Server.Prometheus {
		httpOpts.Metrics = metrics.New(st.Stats, log)
	}
	srv := aglhttp.NewServer(cfg.Addr(), st, httpOpts)

	ln, err := launch.Listen(ctx, cfg.Addr(), child)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}

	var tasks []func(context.Context) error
	// without Redis only the first worker sweeps
	if cfg.Maintenance.RedisAddr != "" || index == 0 {
		m := worker.New(st, worker.Config{
			Interval:      cfg.Maintenance.Interval,
			WorkerTimeout: cfg.Maintenance.WorkerTimeout,
			RedisAddr:     cfg.Maintenance.RedisAddr,
		}, log)
		tasks = append(tasks, m.Run)
	}
	return launch.Serve(ctx, log, srv, ln, tasks...)
}
