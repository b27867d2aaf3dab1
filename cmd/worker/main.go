// Command worker runs the job queue processes.
//
// Subcommands:
//
//	rpc-worker    consume one kind from the remote RPC queue
//	table-worker  poll the jobs table for every configured kind
//	serve         producer/admin HTTP API
//	migrate       apply pending database migrations and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"

	"github.com/go-chi/chi/v5"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"enforcement-queue/internal/config"
	"enforcement-queue/internal/handler"
	"enforcement-queue/internal/logging"
	"enforcement-queue/internal/repository/postgresql"
	"enforcement-queue/internal/service"
	"enforcement-queue/internal/telemetry"
	httptransport "enforcement-queue/internal/transport/http"
	"enforcement-queue/internal/transport/rpc"
	"enforcement-queue/internal/worker"
	"enforcement-queue/migrations"
)

func main() {
	root := &cobra.Command{
		Use:           "worker",
		Short:         "Async job queue workers and admin API",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		rpcWorkerCmd(),
		tableWorkerCmd(),
		serveCmd(),
		migrateCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

type workerFlags struct {
	kind         string
	pollInterval time.Duration
}

func (f *workerFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.kind, "kind", "", "job kind to consume (overrides WORKER_KIND)")
	cmd.Flags().DurationVar(&f.pollInterval, "poll-interval", 0, "idle poll interval (overrides POLL_INTERVAL)")
}

func (f *workerFlags) apply(cfg *config.Config) {
	if f.kind != "" {
		cfg.WorkerKind = f.kind
	}
	if f.pollInterval > 0 {
		cfg.PollInterval = f.pollInterval
	}
}

// ── rpc-worker ───────────────────────────────────────────────────────────────

func rpcWorkerCmd() *cobra.Command {
	var flags workerFlags
	cmd := &cobra.Command{
		Use:   "rpc-worker",
		Short: "Consume one job kind from the remote RPC queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRPCWorker(cmd, &flags)
		},
	}
	flags.bind(cmd)
	return cmd
}

func runRPCWorker(cmd *cobra.Command, flags *workerFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if err := cfg.RequireRPC(); err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	h, ok := handler.NewForwarder(cfg.HandlerEndpoints, &http.Client{Timeout: cfg.HandlerTimeout}).Handler(cfg.WorkerKind)
	if !ok {
		return fmt.Errorf("no handler endpoint configured for kind %q (HANDLER_ENDPOINTS)", cfg.WorkerKind)
	}

	client := rpc.New(cfg.QueueRPCURL,
		rpc.WithAPIKey(cfg.QueueRPCKey),
		rpc.WithHTTPClient(&http.Client{Timeout: cfg.QueueRPCTimeout}),
		rpc.WithMissingBackoff(cfg.MissingRPCBackoff),
		rpc.WithLogger(logger),
	)
	defer client.Close() //nolint:errcheck

	reg := newRegistry()
	workerID := newWorkerID()
	opts := []worker.LoopOption{
		worker.WithLogger(logger),
		worker.WithMetrics(worker.NewMetrics(reg)),
	}

	// Case status updates need Postgres; without it poisoned enrich jobs are only logged.
	if cfg.PostgresDSN != "" {
		pool, err := newPool(ctx, cfg)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer pool.Close()
		opts = append(opts, worker.WithCaseStatus(postgresql.NewCaseRepository(pool)))
	}

	rdb, err := newRedis(ctx, cfg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if rdb != nil {
		defer rdb.Close() //nolint:errcheck
		opts = append(opts, worker.WithStatusSink(telemetry.NewRedisSink(rdb, cfg.RedisKeyPrefix)))
	}

	go serveMetrics(ctx, cfg.MetricsAddr, reg, logger)

	loop := worker.NewLoop(client, h, worker.LoopConfig{
		Kind:             cfg.WorkerKind,
		PollInterval:     cfg.PollInterval,
		TransientBackoff: cfg.TransientBackoff,
		MaxFailures:      cfg.WorkerMaxFailures,
		WorkerID:         workerID,
	}, opts...)

	logger.Info("rpc worker started",
		"kind", cfg.WorkerKind,
		"worker_id", workerID,
		"queue_url", cfg.QueueRPCURL,
		"poll_interval", cfg.PollInterval,
		"max_failures", cfg.WorkerMaxFailures,
	)
	if err := loop.Run(ctx); err != nil {
		return err
	}
	logger.Info("rpc worker stopped", "kind", cfg.WorkerKind)
	return nil
}

// ── table-worker ─────────────────────────────────────────────────────────────

func tableWorkerCmd() *cobra.Command {
	var flags workerFlags
	cmd := &cobra.Command{
		Use:   "table-worker",
		Short: "Poll the jobs table for every kind with a configured handler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTableWorker(cmd, &flags)
		},
	}
	flags.bind(cmd)
	return cmd
}

func runTableWorker(cmd *cobra.Command, flags *workerFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if err := cfg.RequireDB(); err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := newPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer pool.Close()

	workerID := newWorkerID()
	jobs := postgresql.NewJobRepository(pool, postgresql.Options{
		MaxAttempts:  cfg.TableMaxAttempts,
		ReclaimAfter: cfg.ReclaimAfter,
		WorkerID:     workerID,
	})

	registry := worker.NewRegistry()
	fwd := handler.NewForwarder(cfg.HandlerEndpoints, &http.Client{Timeout: cfg.HandlerTimeout})
	if cfg.WorkerKind != "" {
		h, ok := fwd.Handler(cfg.WorkerKind)
		if !ok {
			return fmt.Errorf("no handler endpoint configured for kind %q (HANDLER_ENDPOINTS)", cfg.WorkerKind)
		}
		registry.Register(cfg.WorkerKind, h)
	} else {
		fwd.Register(registry)
	}
	if len(registry.Kinds()) == 0 {
		return errors.New("no handler endpoints configured (HANDLER_ENDPOINTS)")
	}

	reg := newRegistry()
	opts := []worker.TableOption{
		worker.WithTableLogger(logger),
		worker.WithTableMetrics(worker.NewMetrics(reg)),
	}
	rdb, err := newRedis(ctx, cfg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if rdb != nil {
		defer rdb.Close() //nolint:errcheck
		opts = append(opts, worker.WithTableSink(telemetry.NewRedisSink(rdb, cfg.RedisKeyPrefix)))
	}

	go serveMetrics(ctx, cfg.MetricsAddr, reg, logger)

	runner := worker.NewTableRunner(jobs, registry, worker.TableConfig{
		PollInterval: cfg.PollInterval,
		ReapInterval: cfg.ReapInterval,
		WorkerID:     workerID,
	}, opts...)

	logger.Info("table worker started",
		"kinds", registry.Kinds(),
		"worker_id", workerID,
		"max_attempts", jobs.MaxAttempts(),
		"reclaim_after", cfg.ReclaimAfter,
		"postgres_dsn", config.RedactDSN(cfg.PostgresDSN),
	)
	runner.Run(ctx)
	return nil
}

// ── serve ────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	var enqueueTo string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the producer/admin HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, enqueueTo)
		},
	}
	cmd.Flags().StringVar(&enqueueTo, "enqueue-to", "table", "queue that POST /jobs writes to: table or rpc")
	return cmd
}

func runServe(cmd *cobra.Command, enqueueTo string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.RequireDB(); err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := newPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer pool.Close()

	jobs := postgresql.NewJobRepository(pool, postgresql.Options{
		MaxAttempts:  cfg.TableMaxAttempts,
		ReclaimAfter: cfg.ReclaimAfter,
	})

	var producer service.JobQueue = jobs
	switch enqueueTo {
	case "table":
	case "rpc":
		if cfg.QueueRPCURL == "" {
			return config.ErrMissingRPCURL
		}
		client := rpc.New(cfg.QueueRPCURL,
			rpc.WithAPIKey(cfg.QueueRPCKey),
			rpc.WithHTTPClient(&http.Client{Timeout: cfg.QueueRPCTimeout}),
			rpc.WithLogger(logger),
		)
		defer client.Close() //nolint:errcheck
		producer = client
	default:
		return fmt.Errorf("unknown --enqueue-to %q", enqueueTo)
	}

	var runs httptransport.RunStatusReader
	rdb, err := newRedis(ctx, cfg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if rdb != nil {
		defer rdb.Close() //nolint:errcheck
		runs = telemetry.NewRedisSink(rdb, cfg.RedisKeyPrefix)
	}

	svc := service.NewJobService(jobs, producer)
	router := httptransport.Routes(httptransport.NewHandler(svc, runs), newRegistry(), logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server started", "addr", cfg.ListenAddr, "enqueue_to", enqueueTo)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop()
	}

	logger.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// ── migrate ──────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.RequireDB(); err != nil {
		return err
	}
	logger := newLogger(cfg)
	logger.Info("running migrations", "postgres_dsn", config.RedactDSN(cfg.PostgresDSN))

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	connCfg, err := pgx.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	logger.Info("migrations complete", "version", version)
	return nil
}

// ── shared ───────────────────────────────────────────────────────────────────

func loadConfig(flags *workerFlags) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	flags.apply(cfg)
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return logger
}

func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return postgresql.NewPool(ctx, cfg.PostgresDSN, postgresql.PoolConfig{
		MaxConns:        cfg.DBMaxConns,
		MaxConnIdleTime: cfg.DBMaxConnIdleTime,
	})
}

// newRedis returns nil when REDIS_ADDR is unset.
func newRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// serveMetrics exposes /health and /metrics for worker commands until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) {
	if addr == "" {
		return
	}
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server", "error", err)
	}
}
