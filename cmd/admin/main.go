// Package main is the entrypoint for the admin HTTP server.
//
// The admin server exposes the operator surface: job inspection, pause,
// resume, run-now, adaptive reschedule, trigger listing, and paginated ticket
// browsing. It shares the job registrations and storage backends with the
// dispatcher so both see the same jobs and state.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
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

	"mailroom/internal/api"
	"mailroom/internal/config"
	"mailroom/internal/coord"
	"mailroom/internal/db"
	"mailroom/internal/external"
	"mailroom/internal/jobs"
	"mailroom/internal/scheduler"
	"mailroom/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("admin server starting",
		"environment", cfg.Environment,
		"port", cfg.Admin.Port,
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}
	defer pool.Close()

	props := db.NewPropertyRepository(pool, cfg.Store.MaxValueBytes)
	cache := db.NewCacheRepository(pool)
	lockSvc := db.NewLockRepository(pool)
	triggers := db.NewTriggerRepository(pool)
	history := db.NewRunHistoryRepository(pool)

	locks := coord.NewDistributedLock(lockSvc, logger)
	limiter := coord.NewRateLimiter(coord.RateLimiterConfig{
		Cache:  cache,
		Locks:  locks,
		Logger: logger,
	})
	idgen := coord.NewShardedIDGenerator(coord.IDGeneratorConfig{
		Props:  props,
		Locks:  locks,
		Shards: cfg.Scheduler.IDShards,
		Logger: logger,
	})
	tickets := store.NewShardedStore(store.ShardedStoreConfig{
		Props:         props,
		Locks:         locks,
		MaxValueBytes: cfg.Store.MaxValueBytes,
		Compress:      cfg.Store.Compress,
		MaxPageSize:   cfg.Store.MaxPageSize,
		Logger:        logger,
	})

	policy := scheduler.NewAdaptiveIntervalPolicy(scheduler.AdaptivePolicyConfig{
		Enabled:       cfg.Scheduler.AdaptiveEnabled,
		PeakStartHour: cfg.Scheduler.PeakStartHour,
		PeakEndHour:   cfg.Scheduler.PeakEndHour,
		OffStartHour:  cfg.Scheduler.OffStartHour,
		OffEndHour:    cfg.Scheduler.OffEndHour,
		ExecTimeRef:   cfg.Scheduler.HardLimit,
		Logger:        logger,
	})
	registry := scheduler.NewJobRegistry(props, cfg.Scheduler.MaxRetries, logger)
	gate := scheduler.NewBusinessHoursGate(cfg.BusinessHours, logger)
	continuations := scheduler.NewContinuationStore(props, locks, logger)
	notifier := external.NewWebhookNotifier(cfg.Webhook, logger)

	// No execution guard: the admin server is a long-lived process, not a
	// budgeted invocation. Run-now requests still take the per-job lock.
	executor := scheduler.NewJobExecutor(scheduler.ExecutorConfig{
		Registry:      registry,
		Gate:          gate,
		Locks:         locks,
		Continuations: continuations,
		History:       history,
		Notifier:      notifier,
		LockTimeout:   cfg.Scheduler.LockTimeout,
		Logger:        logger,
	})
	trigScheduler := scheduler.NewTriggerScheduler(registry, triggers, policy, logger)

	if err := jobs.Register(ctx, trigScheduler, jobs.Deps{
		Config:        cfg,
		Props:         props,
		CacheSweeper:  cache,
		HistoryPruner: history,
		Limiter:       limiter,
		IDGen:         idgen,
		Tickets:       tickets,
		Notifier:      notifier,
		Registry:      registry,
		Logger:        logger,
	}); err != nil {
		return fmt.Errorf("registering jobs: %w", err)
	}

	handler := api.NewJobsHandler(registry, trigScheduler, executor, triggers, tickets)
	srv := api.NewServer(cfg.Admin, logger, handler)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Admin.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
