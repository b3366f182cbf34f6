// Package main is the entrypoint for the dispatcher Lambda function.
//
// The dispatcher is the platform trigger surface. EventBridge fires it once a
// minute with a sweep payload; it finds due trigger rows and due continuation
// records and executes the bound jobs through the JobExecutor under the
// execution-time guard. A payload naming one job executes just that job,
// which is how manual runs and backfills work.
//
// Handler flow:
//  1. Parse DispatchPayload and determine the reference time.
//  2. For sweeps, acquire the minute-truncated dispatch lock so overlapping
//     fires of the same minute collapse into one run.
//  3. Advance each due trigger's next-fire time, then execute its job with
//     bounded fan-out.
//  4. Consume and execute due continuation records.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mailroom/internal/config"
	"mailroom/internal/coord"
	"mailroom/internal/db"
	"mailroom/internal/external"
	"mailroom/internal/jobs"
	"mailroom/internal/metrics"
	"mailroom/internal/queue"
	"mailroom/internal/scheduler"
	"mailroom/internal/store"
	"mailroom/internal/types"
)

const (
	// dispatchLockTTL covers one invocation's worst case with margin.
	dispatchLockTTL = 6 * time.Minute

	// maxConcurrentDispatch bounds the due-trigger fan-out. Each job still
	// takes its own distributed lock; this only caps in-process parallelism.
	maxConcurrentDispatch = 4
)

// JobExecutor is the subset of the executor the handler calls.
type JobExecutor interface {
	Execute(ctx context.Context, jobName string) error
	ExecuteContinuation(ctx context.Context, c types.Continuation) error
}

// ContinuationLister lists due continuation records.
type ContinuationLister interface {
	ListDue(ctx context.Context, now time.Time) ([]types.Continuation, error)
}

// Handler holds the dependencies for the dispatcher Lambda handler function.
type Handler struct {
	Executor      JobExecutor
	Triggers      scheduler.TriggerStore
	Continuations ContinuationLister
	DispatchLock  store.LockService
	Guard         *coord.ExecutionTimeGuard
	WorkerID      string
	Logger        *slog.Logger
}

// Handle processes one dispatch payload.
func (h *Handler) Handle(ctx context.Context, payload scheduler.DispatchPayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	invocationID := uuid.New().String()
	logger = logger.With("invocation_id", invocationID)
	ctx = types.WithInvocationID(ctx, invocationID)
	ctx = types.WithLogger(ctx, logger)
	h.Guard.Start()

	logger.InfoContext(ctx, "dispatcher invoked",
		"job", payload.Job,
		"sweep", payload.Sweep,
		"reference_time", now.Format(time.RFC3339),
		"worker_id", h.WorkerID,
	)

	if payload.Job != "" {
		if err := h.Executor.Execute(ctx, payload.Job); err != nil {
			return "", err
		}
		return fmt.Sprintf("job %s complete", payload.Job), nil
	}
	if !payload.Sweep {
		return "", fmt.Errorf("dispatch payload names no job and requests no sweep")
	}

	// Overlapping sweep fires for the same minute collapse into one run.
	lockID := fmt.Sprintf("dispatch:%s", now.Truncate(time.Minute).Format("2006-01-02T15:04"))
	acquired, err := h.DispatchLock.Acquire(ctx, lockID, h.WorkerID, dispatchLockTTL)
	if err != nil {
		return "", fmt.Errorf("acquiring dispatch lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "dispatch lock held by another worker, skipping sweep", "lock_id", lockID)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}

	dispatched, failed, err := h.sweep(ctx, now, logger)
	if err != nil {
		return "", err
	}

	result := fmt.Sprintf("sweep complete: %d dispatched, %d failed", dispatched, failed)
	logger.InfoContext(ctx, result, "dispatched", dispatched, "failed", failed)
	return result, nil
}

// sweep executes all due triggers and continuations. Individual job failures
// are recorded by the executor and counted here, not propagated; only
// infrastructure failures surface as errors.
func (h *Handler) sweep(ctx context.Context, now time.Time, logger *slog.Logger) (int, int, error) {
	due, err := h.Triggers.ListDue(ctx, now)
	if err != nil {
		return 0, 0, fmt.Errorf("listing due triggers: %w", err)
	}

	var (
		mu         sync.Mutex
		dispatched int
		failed     int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDispatch)

	for _, trigger := range due {
		if err := h.Guard.CheckOrAbort(ctx); err != nil {
			// Triggers not advanced stay due; the next sweep picks them up.
			logger.WarnContext(ctx, "sweep stopping early, execution budget exceeded",
				"pending", len(due)-dispatched-failed,
			)
			break
		}

		// Advance next-fire before executing so a crash mid-run cannot make
		// the trigger fire twice; the per-job lock covers true concurrency.
		next := scheduler.NextFireAfter(trigger, now)
		if err := h.Triggers.UpdateNextFire(ctx, trigger.Handle, next); err != nil {
			return dispatched, failed, fmt.Errorf("advancing trigger for job %s: %w", trigger.JobName, err)
		}

		jobName := trigger.JobName
		g.Go(func() error {
			err := h.Executor.Execute(gctx, jobName)
			mu.Lock()
			if err != nil {
				failed++
				logger.ErrorContext(gctx, "dispatched job failed", "job", jobName, "error", err)
			} else {
				dispatched++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return dispatched, failed, err
	}

	// Continuations run after the scheduled triggers; they are retries and
	// resumes, strictly lower priority than fresh work.
	continuations, err := h.Continuations.ListDue(ctx, now)
	if err != nil {
		return dispatched, failed, fmt.Errorf("listing due continuations: %w", err)
	}
	for _, c := range continuations {
		if err := h.Guard.CheckOrAbort(ctx); err != nil {
			logger.WarnContext(ctx, "continuation processing deferred, execution budget exceeded")
			break
		}
		if err := h.Executor.ExecuteContinuation(ctx, c); err != nil {
			failed++
			logger.ErrorContext(ctx, "continuation failed", "operation", c.Operation, "error", err)
			continue
		}
		dispatched++
	}

	return dispatched, failed, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("dispatcher initializing (cold start)")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error("failed to load AWS configuration", "error", err)
		os.Exit(1)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	// Shared-state collaborators.
	props := db.NewPropertyRepository(pool, cfg.Store.MaxValueBytes)
	cache := db.NewCacheRepository(pool)
	lockSvc := db.NewLockRepository(pool)
	triggers := db.NewTriggerRepository(pool)
	history := db.NewRunHistoryRepository(pool)

	// Coordination primitives.
	guard := coord.NewExecutionTimeGuard(coord.GuardConfig{
		HardLimit:        cfg.Scheduler.HardLimit,
		WarnFraction:     cfg.Scheduler.WarnFraction,
		CriticalFraction: cfg.Scheduler.CriticalFraction,
		Logger:           logger,
	})
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

	// Scheduling core.
	emitter := metrics.NewCloudWatchEmitter(cwClient, cfg.AWS.MetricsNamespace, logger)
	policy := scheduler.NewAdaptiveIntervalPolicy(scheduler.AdaptivePolicyConfig{
		Enabled:       cfg.Scheduler.AdaptiveEnabled,
		PeakStartHour: cfg.Scheduler.PeakStartHour,
		PeakEndHour:   cfg.Scheduler.PeakEndHour,
		OffStartHour:  cfg.Scheduler.OffStartHour,
		OffEndHour:    cfg.Scheduler.OffEndHour,
		ExecTimeRef:   cfg.Scheduler.HardLimit,
		Metrics:       emitter,
		Logger:        logger,
	})
	registry := scheduler.NewJobRegistry(props, cfg.Scheduler.MaxRetries, logger)
	gate := scheduler.NewBusinessHoursGate(cfg.BusinessHours, logger)
	continuations := scheduler.NewContinuationStore(props, locks, logger)

	var notifier scheduler.FailureNotifier
	if cfg.AWS.NotificationQueue != "" {
		notifier = queue.NewSQSNotifier(sqsClient, cfg.AWS, logger)
	} else {
		notifier = external.NewWebhookNotifier(cfg.Webhook, logger)
	}

	executor := scheduler.NewJobExecutor(scheduler.ExecutorConfig{
		Registry:      registry,
		Gate:          gate,
		Guard:         guard,
		Locks:         locks,
		Continuations: continuations,
		History:       history,
		Notifier:      notifier,
		Metrics:       emitter,
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
		Guard:         guard,
		Notifier:      notifier,
		Registry:      registry,
		Logger:        logger,
	}); err != nil {
		logger.Error("failed to register jobs", "error", err)
		os.Exit(1)
	}

	workerID := uuid.New().String()
	handler := &Handler{
		Executor:      executor,
		Triggers:      triggers,
		Continuations: continuations,
		DispatchLock:  lockSvc,
		Guard:         guard,
		WorkerID:      workerID,
		Logger:        logger,
	}

	logger.Info("dispatcher initialized", "worker_id", workerID)
	lambda.Start(handler.Handle)
}
