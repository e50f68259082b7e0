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

	"golang.org/x/sync/errgroup"

	"submission-dispatcher/internal/artifacts"
	"submission-dispatcher/internal/audit"
	"submission-dispatcher/internal/catalog"
	"submission-dispatcher/internal/config"
	"submission-dispatcher/internal/executor"
	"submission-dispatcher/internal/health"
	"submission-dispatcher/internal/orchestrator"
	"submission-dispatcher/internal/queue"
	"submission-dispatcher/internal/ratelimit"
	"submission-dispatcher/internal/store"
	"submission-dispatcher/internal/store/sqlitestore"
	"submission-dispatcher/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(logger); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	q := queue.NewRedisQueue(cfg)
	defer q.Close()

	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	logger = logger.With("worker_id", workerID)

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	shots, err := artifacts.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init artifacts: %w", err)
	}

	// a single executor call may legitimately block the scheduler for SubmitTimeout
	heartbeat := health.NewHeartbeater(st, workerID, cfg.QueueName, cfg.HeartbeatInterval, logger).
		WithStallAfter(max(3*cfg.HeartbeatInterval, cfg.SubmitTimeout+2*cfg.HeartbeatInterval))
	orch := orchestrator.New(cfg, workerID, orchestrator.Deps{
		Store:            st,
		Queue:            q,
		Catalog:          cat,
		Prioritizer:      catalog.BySuccessRate,
		Executor:         executor.NewHTTPExecutor(cfg.ExecutorURL, cfg.ExecutorTimeout, shots, logger),
		DirectoryLimiter: ratelimit.NewTokenBucket(q.Client(), "rl:directory:", cfg.DirectoryRateCapacity, cfg.DirectoryRateRefill, time.Hour),
		Reporter:         heartbeat,
		Logger:           logger,
	})

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return heartbeat.Run(gCtx)
	})
	g.Go(func() error {
		err := orch.Run(gCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if cfg.MonitorEnabled {
		monitor := health.NewMonitor(cfg, st, q, audit.NewRecorder(st, workerID, logger), nil, logger)
		g.Go(func() error {
			return monitor.Run(gCtx)
		})
	}
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	logger.Info("worker started",
		"store", cfg.StoreDriver,
		"directories", len(cat.Active()),
		"task_concurrency", cfg.TaskConcurrency,
		"max_attempts", cfg.MaxAttempts,
		"monitor", cfg.MonitorEnabled,
	)
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config) (store.Repository, error) {
	var (
		st  store.Repository
		err error
	)
	switch cfg.StoreDriver {
	case "sqlite":
		st, err = sqlitestore.Open(cfg.SQLitePath)
	case "postgres", "":
		st, err = store.New(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return st, nil
}
