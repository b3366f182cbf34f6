package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mailroom/internal/coord"
	"mailroom/internal/types"
)

// retryOpPrefix namespaces retry continuations in the continuation store.
const retryOpPrefix = "retry:"

// maxRetryBackoff caps the delay before a retry continuation fires.
const maxRetryBackoff = 60 * time.Minute

// escalationErrorThreshold is the accumulated error count past which failing
// high-priority jobs are escalated to the notification sink.
const escalationErrorThreshold = 5

// runLockName returns the distributed lock protecting one job's execution.
func runLockName(jobName string) string { return "jobrun:" + jobName }

// RetryOperation returns the continuation operation name for a job retry.
func RetryOperation(jobName string) string { return retryOpPrefix + jobName }

// JobExecutor runs registered jobs with the full coordination discipline:
// per-job distributed locking so two invocations never run the same job
// concurrently, the business hours gate, execution-time budget checks, run
// statistics, retry continuations with bounded backoff, and escalation of
// persistently failing high-priority jobs.
type JobExecutor struct {
	registry      *JobRegistry
	gate          *BusinessHoursGate
	guard         *coord.ExecutionTimeGuard
	locks         *coord.DistributedLock
	continuations *ContinuationStore
	history       RunHistorian    // optional
	notifier      FailureNotifier // optional
	metrics       MetricsEmitter  // optional
	lockTimeout   time.Duration
	logger        *slog.Logger
	nowFn         func() time.Time
}

// ExecutorConfig holds the dependencies for creating a JobExecutor. History,
// Notifier and Metrics are optional; nil disables the concern.
type ExecutorConfig struct {
	Registry      *JobRegistry
	Gate          *BusinessHoursGate
	Guard         *coord.ExecutionTimeGuard
	Locks         *coord.DistributedLock
	Continuations *ContinuationStore
	History       RunHistorian
	Notifier      FailureNotifier
	Metrics       MetricsEmitter
	LockTimeout   time.Duration
	Logger        *slog.Logger
	NowFn         func() time.Time
}

// NewJobExecutor creates an executor.
func NewJobExecutor(cfg ExecutorConfig) *JobExecutor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.NowFn
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	return &JobExecutor{
		registry:      cfg.Registry,
		gate:          cfg.Gate,
		guard:         cfg.Guard,
		locks:         cfg.Locks,
		continuations: cfg.Continuations,
		history:       cfg.History,
		notifier:      cfg.Notifier,
		metrics:       cfg.Metrics,
		lockTimeout:   lockTimeout,
		logger:        logger,
		nowFn:         nowFn,
	}
}

// Execute runs the named job once. Paused jobs and jobs outside their
// business-hours window are skipped without error. A job already running in
// another invocation fails with a conflict instead of running twice. The
// job's own failure is returned after statistics, retry scheduling, and
// escalation have been applied.
func (e *JobExecutor) Execute(ctx context.Context, jobName string) error {
	job, ok := e.registry.Get(jobName)
	if !ok {
		return jobNotFound(jobName)
	}
	fn, ok := e.registry.Func(jobName)
	if !ok {
		return jobNotFound(jobName)
	}

	now := e.nowFn()
	if job.Status == types.JobStatusPaused {
		e.logger.DebugContext(ctx, "skipping paused job", "job", jobName)
		return nil
	}
	if e.gate != nil && !e.gate.Permits(job, now) {
		e.logger.DebugContext(ctx, "skipping job outside business hours", "job", jobName)
		return nil
	}
	if e.guard != nil {
		if err := e.guard.CheckOrAbort(ctx); err != nil {
			return err
		}
	}

	handle, err := e.locks.Acquire(ctx, runLockName(jobName), e.lockTimeout)
	if err != nil {
		if types.HasCode(err, types.ErrCodeLockTimeout) {
			return types.NewAppErrorWithDetails(
				types.ErrCodeConflictJobRunning,
				"job is already running in another invocation",
				err,
				map[string]any{"job": jobName},
			)
		}
		return err
	}
	defer e.locks.Release(ctx, handle)

	return e.runLocked(ctx, jobName, fn)
}

// ExecuteContinuation consumes a due continuation and re-executes the job it
// belongs to. Unknown operation shapes are consumed and logged rather than
// retried forever.
func (e *JobExecutor) ExecuteContinuation(ctx context.Context, c types.Continuation) error {
	if e.continuations != nil {
		if err := e.continuations.Consume(ctx, c.Operation); err != nil {
			return err
		}
	}

	jobName, ok := strings.CutPrefix(c.Operation, retryOpPrefix)
	if !ok {
		e.logger.WarnContext(ctx, "dropping continuation with unknown operation", "operation", c.Operation)
		return nil
	}

	e.logger.InfoContext(ctx, "resuming job from retry continuation", "job", jobName)
	return e.Execute(ctx, jobName)
}

// runLocked performs the run itself while the per-job lock is held.
func (e *JobExecutor) runLocked(ctx context.Context, jobName string, fn JobFunc) error {
	if err := e.registry.Update(ctx, jobName, func(j *types.Job) {
		j.Status = types.JobStatusRunning
	}); err != nil {
		return err
	}

	var historyID int64
	if e.history != nil {
		id, err := e.history.Start(ctx, jobName)
		if err != nil {
			// History is observability, never a reason to skip the run.
			e.logger.WarnContext(ctx, "failed to record run start", "job", jobName, "error", err)
		} else {
			historyID = id
		}
	}

	started := e.nowFn()
	runErr := fn(ctx)
	duration := e.nowFn().Sub(started)

	if e.metrics != nil {
		e.metrics.EmitJobDuration(ctx, jobName, duration, runErr == nil)
	}
	if e.history != nil && historyID != 0 {
		status := "completed"
		if runErr != nil {
			status = "failed"
		}
		if err := e.history.Finish(ctx, historyID, status, runErr); err != nil {
			e.logger.WarnContext(ctx, "failed to record run finish", "job", jobName, "error", err)
		}
	}

	if runErr == nil {
		return e.recordSuccess(ctx, jobName, duration)
	}
	return e.recordFailure(ctx, jobName, duration, runErr)
}

func (e *JobExecutor) recordSuccess(ctx context.Context, jobName string, duration time.Duration) error {
	now := e.nowFn()
	if err := e.registry.Update(ctx, jobName, func(j *types.Job) {
		j.Status = types.JobStatusCompleted
		j.Stats.RunCount++
		j.Stats.LastRun = now
		j.Stats.LastError = ""
		if j.Stats.AvgExecutionTime == 0 {
			j.Stats.AvgExecutionTime = duration
		} else {
			j.Stats.AvgExecutionTime = (j.Stats.AvgExecutionTime + duration) / 2
		}
	}); err != nil {
		return err
	}

	// A successful run cancels any pending retry.
	if e.continuations != nil {
		if err := e.continuations.Consume(ctx, RetryOperation(jobName)); err != nil {
			e.logger.WarnContext(ctx, "failed to consume retry continuation", "job", jobName, "error", err)
		}
	}

	e.logger.InfoContext(ctx, "job completed",
		"job", jobName,
		"duration", duration.String(),
	)
	return nil
}

func (e *JobExecutor) recordFailure(ctx context.Context, jobName string, duration time.Duration, runErr error) error {
	now := e.nowFn()

	var job types.Job
	if err := e.registry.Update(ctx, jobName, func(j *types.Job) {
		j.Status = types.JobStatusFailed
		j.Stats.ErrorCount++
		j.Stats.LastRun = now
		j.Stats.LastError = runErr.Error()
		job = *j
	}); err != nil {
		return err
	}

	e.logger.ErrorContext(ctx, "job failed",
		"job", jobName,
		"duration", duration.String(),
		"error", runErr,
		"error_count", job.Stats.ErrorCount,
	)

	if job.Stats.RetryCount < job.Definition.MaxRetries {
		if err := e.scheduleRetry(ctx, jobName, job.Stats.RetryCount, now); err != nil {
			e.logger.WarnContext(ctx, "failed to schedule retry", "job", jobName, "error", err)
		}
	} else if job.Definition.Priority == types.PriorityHigh && job.Stats.ErrorCount > escalationErrorThreshold {
		e.escalate(ctx, job, runErr)
	}

	return fmt.Errorf("job %s failed: %w", jobName, runErr)
}

// scheduleRetry records a retry continuation with bounded linear backoff and
// increments the job's retry count. At most one retry continuation exists per
// job; a newer failure replaces the older record.
func (e *JobExecutor) scheduleRetry(ctx context.Context, jobName string, retryCount int, now time.Time) error {
	if e.continuations == nil {
		return nil
	}

	backoff := time.Duration(2*(retryCount+1)) * time.Minute
	if backoff > maxRetryBackoff {
		backoff = maxRetryBackoff
	}

	if err := e.continuations.Schedule(ctx, types.Continuation{
		Operation:   RetryOperation(jobName),
		Context:     map[string]any{"attempt": retryCount + 1},
		ScheduledAt: now.Add(backoff),
	}); err != nil {
		return err
	}

	if err := e.registry.Update(ctx, jobName, func(j *types.Job) {
		j.Stats.RetryCount++
	}); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "retry scheduled",
		"job", jobName,
		"attempt", retryCount+1,
		"backoff", backoff.String(),
	)
	return nil
}

// escalate notifies the failure sink about a persistently failing
// high-priority job. Notification failures are logged, never propagated.
func (e *JobExecutor) escalate(ctx context.Context, job types.Job, runErr error) {
	if e.notifier == nil {
		return
	}
	payload := map[string]any{
		"job":         job.Definition.Name,
		"priority":    string(job.Definition.Priority),
		"error_count": job.Stats.ErrorCount,
		"last_error":  runErr.Error(),
	}
	if err := e.notifier.Notify(ctx, "job_failure_escalation", payload); err != nil {
		e.logger.ErrorContext(ctx, "failure escalation could not be delivered",
			"job", job.Definition.Name,
			"error", err,
		)
	}
}
