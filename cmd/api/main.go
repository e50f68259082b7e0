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

	api "submission-dispatcher/internal/api"
	"submission-dispatcher/internal/audit"
	"submission-dispatcher/internal/config"
	"submission-dispatcher/internal/health"
	"submission-dispatcher/internal/queue"
	"submission-dispatcher/internal/ratelimit"
	"submission-dispatcher/internal/store"
	"submission-dispatcher/internal/store/sqlitestore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(logger); err != nil {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		st  store.Repository
		err error
	)
	switch cfg.StoreDriver {
	case "sqlite":
		st, err = sqlitestore.Open(cfg.SQLitePath)
	default:
		st, err = store.New(ctx, cfg.PostgresDSN)
	}
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Close()
	limiter := ratelimit.NewTokenBucket(q.Client(), "rl:customer:", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	monitor := health.NewMonitor(cfg, st, q, audit.NewRecorder(st, "", logger), nil, logger)

	server := api.New(cfg, st, q, limiter, monitor, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "port", cfg.HTTPPort, "store", cfg.StoreDriver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
