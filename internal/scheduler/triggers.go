package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mailroom/internal/types"
)

// TriggerScheduler binds registered jobs to platform trigger rows, holding
// the invariant that at most one live trigger exists per job name. All
// trigger mutation is delete-before-create: re-registering a job first
// deletes the prior handle, so a crash between the two steps leaves a missing
// trigger (recoverable by re-registration) rather than a duplicate.
type TriggerScheduler struct {
	registry *JobRegistry
	triggers TriggerStore
	policy   *AdaptiveIntervalPolicy
	logger   *slog.Logger
	nowFn    func() time.Time
}

// NewTriggerScheduler creates a trigger scheduler.
func NewTriggerScheduler(registry *JobRegistry, triggers TriggerStore, policy *AdaptiveIntervalPolicy, logger *slog.Logger) *TriggerScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerScheduler{
		registry: registry,
		triggers: triggers,
		policy:   policy,
		logger:   logger,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// WithNowFunc overrides the clock, for tests.
func (s *TriggerScheduler) WithNowFunc(fn func() time.Time) *TriggerScheduler {
	s.nowFn = fn
	return s
}

// RegisterJob registers the job definition with its target function and
// ensures its platform trigger exists. Registration runs on every cold start,
// so an existing live trigger is kept rather than recreated; recreating would
// reset the next-fire time on every start. A job persisted as paused is
// registered but left untriggered until an explicit resume.
func (s *TriggerScheduler) RegisterJob(ctx context.Context, def types.JobDefinition, fn JobFunc) error {
	if err := s.registry.Register(ctx, def, fn); err != nil {
		return err
	}

	job, _ := s.registry.Get(def.Name)
	if job.Status == types.JobStatusPaused {
		s.logger.InfoContext(ctx, "job registered paused; trigger not created", "job", def.Name)
		return nil
	}

	if existing, exists, err := s.triggers.GetByJob(ctx, def.Name); err != nil {
		return fmt.Errorf("reading trigger for job %s: %w", def.Name, err)
	} else if exists {
		if err := s.registry.Update(ctx, def.Name, func(j *types.Job) {
			j.Status = types.JobStatusScheduled
			j.Stats.NextRun = existing.NextFire
		}); err != nil {
			return err
		}
		return nil
	}
	return s.CreateTrigger(ctx, def.Name)
}

// CreateTrigger creates the platform trigger for a registered job, deleting
// any prior trigger for the same job first. The job transitions to scheduled
// and its next-run time is recorded.
func (s *TriggerScheduler) CreateTrigger(ctx context.Context, jobName string) error {
	job, ok := s.registry.Get(jobName)
	if !ok {
		return jobNotFound(jobName)
	}

	now := s.nowFn()
	trigger, err := s.buildTrigger(ctx, job, now)
	if err != nil {
		return err
	}

	// Delete-before-create keeps the one-live-trigger invariant.
	if err := s.triggers.DeleteByJob(ctx, jobName); err != nil {
		return fmt.Errorf("deleting prior trigger for job %s: %w", jobName, err)
	}
	if err := s.triggers.Create(ctx, trigger); err != nil {
		return fmt.Errorf("creating trigger for job %s: %w", jobName, err)
	}

	if err := s.registry.Update(ctx, jobName, func(j *types.Job) {
		j.Status = types.JobStatusScheduled
		j.Stats.NextRun = trigger.NextFire
	}); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "trigger created",
		"job", jobName,
		"kind", string(trigger.Kind),
		"next_fire", trigger.NextFire,
	)
	return nil
}

// PauseJob deletes the job's trigger and marks it paused. Pausing an already
// paused job is not an error; the delete is a no-op.
func (s *TriggerScheduler) PauseJob(ctx context.Context, jobName string) error {
	if _, ok := s.registry.Get(jobName); !ok {
		return jobNotFound(jobName)
	}
	if err := s.triggers.DeleteByJob(ctx, jobName); err != nil {
		return fmt.Errorf("deleting trigger for job %s: %w", jobName, err)
	}
	if err := s.registry.Update(ctx, jobName, func(j *types.Job) {
		j.Status = types.JobStatusPaused
		j.Stats.NextRun = time.Time{}
	}); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "job paused", "job", jobName)
	return nil
}

// ResumeJob recreates the trigger for a paused job and returns it to the
// scheduled state. Resuming a job that is not paused fails with a conflict.
func (s *TriggerScheduler) ResumeJob(ctx context.Context, jobName string) error {
	job, ok := s.registry.Get(jobName)
	if !ok {
		return jobNotFound(jobName)
	}
	if job.Status != types.JobStatusPaused {
		return types.NewAppErrorWithDetails(
			types.ErrCodeConflictNotPaused,
			"job is not paused",
			nil,
			map[string]any{"job": jobName, "status": string(job.Status)},
		)
	}

	// Clear paused state before trigger creation so CreateTrigger's scheduled
	// transition is not skipped.
	if err := s.registry.Update(ctx, jobName, func(j *types.Job) {
		j.Status = types.JobStatusRegistered
	}); err != nil {
		return err
	}
	if err := s.CreateTrigger(ctx, jobName); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "job resumed", "job", jobName)
	return nil
}

// RemoveJob deletes the job's trigger, then its registry entry and persisted
// run-state.
func (s *TriggerScheduler) RemoveJob(ctx context.Context, jobName string) error {
	if _, ok := s.registry.Get(jobName); !ok {
		return jobNotFound(jobName)
	}
	if err := s.triggers.DeleteByJob(ctx, jobName); err != nil {
		return fmt.Errorf("deleting trigger for job %s: %w", jobName, err)
	}
	if err := s.registry.Remove(ctx, jobName); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "job removed", "job", jobName)
	return nil
}

// RescheduleInterval re-evaluates the effective interval of an interval job
// against the adaptive policy and recreates the trigger when it changed.
// Returns the effective interval in minutes.
func (s *TriggerScheduler) RescheduleInterval(ctx context.Context, jobName string) (int, error) {
	job, ok := s.registry.Get(jobName)
	if !ok {
		return 0, jobNotFound(jobName)
	}
	if job.Definition.Type != types.JobTypeInterval {
		return 0, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidSchedule,
			"only interval jobs can be rescheduled adaptively",
			nil,
			map[string]any{"job": jobName, "type": string(job.Definition.Type)},
		)
	}
	if job.Status == types.JobStatusPaused {
		return 0, types.NewAppErrorWithDetails(
			types.ErrCodeConflictNotPaused,
			"paused jobs are not rescheduled",
			nil,
			map[string]any{"job": jobName},
		)
	}

	now := s.nowFn()
	minutes := s.effectiveInterval(ctx, job, now)

	current, exists, err := s.triggers.GetByJob(ctx, jobName)
	if err != nil {
		return 0, fmt.Errorf("reading trigger for job %s: %w", jobName, err)
	}
	if exists && current.Kind == types.TriggerKindInterval && current.EveryMinutes == minutes {
		return minutes, nil
	}

	if err := s.CreateTrigger(ctx, jobName); err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "interval job rescheduled",
		"job", jobName,
		"interval_minutes", minutes,
	)
	return minutes, nil
}

// buildTrigger maps a job definition onto the platform's trigger primitives.
// Cron jobs collapse to daily or weekly triggers via the restricted subset.
func (s *TriggerScheduler) buildTrigger(ctx context.Context, job types.Job, now time.Time) (*types.Trigger, error) {
	def := job.Definition
	t := &types.Trigger{
		Handle:    uuid.NewString(),
		JobName:   def.Name,
		CreatedAt: now,
	}

	switch def.Type {
	case types.JobTypeInterval:
		minutes := s.effectiveInterval(ctx, job, now)
		t.Kind = types.TriggerKindInterval
		t.EveryMinutes = minutes
		t.NextFire = now.Add(time.Duration(minutes) * time.Minute)

	case types.JobTypeDaily:
		t.Kind = types.TriggerKindDaily
		t.Hour = def.Hour
		t.Minute = def.Minute
		t.NextFire = nextDaily(now, def.Hour, def.Minute)

	case types.JobTypeWeekly:
		t.Kind = types.TriggerKindWeekly
		t.Hour = def.Hour
		t.Minute = def.Minute
		t.Weekday = def.Weekday
		t.NextFire = nextWeekly(now, def.Weekday, def.Hour, def.Minute)

	case types.JobTypeCron:
		schedule, err := ParseRestrictedCron(def.CronExpr)
		if err != nil {
			return nil, err
		}
		t.Hour = schedule.Hour
		t.Minute = schedule.Minute
		if schedule.Weekday != nil {
			t.Kind = types.TriggerKindWeekly
			t.Weekday = *schedule.Weekday
			t.NextFire = nextWeekly(now, *schedule.Weekday, schedule.Hour, schedule.Minute)
		} else {
			t.Kind = types.TriggerKindDaily
			t.NextFire = nextDaily(now, schedule.Hour, schedule.Minute)
		}

	default:
		return nil, types.NewAppError(types.ErrCodeValidationInvalidSchedule, "unknown job type", nil)
	}

	return t, nil
}

// NextFireAfter computes the fire time following a trigger that just fired at
// now. Used by the sweep to advance trigger rows.
func NextFireAfter(t types.Trigger, now time.Time) time.Time {
	switch t.Kind {
	case types.TriggerKindInterval:
		minutes := t.EveryMinutes
		if minutes < 1 {
			minutes = 1
		}
		return now.Add(time.Duration(minutes) * time.Minute)
	case types.TriggerKindWeekly:
		return nextWeekly(now, t.Weekday, t.Hour, t.Minute)
	default:
		return nextDaily(now, t.Hour, t.Minute)
	}
}

func (s *TriggerScheduler) effectiveInterval(ctx context.Context, job types.Job, now time.Time) int {
	if s.policy != nil {
		return s.policy.EffectiveInterval(ctx, job, now)
	}
	if job.Definition.BaseInterval < 1 {
		return 1
	}
	return job.Definition.BaseInterval
}

// nextDaily returns the next instant at hour:minute strictly after now.
func nextDaily(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// nextWeekly returns the next instant on weekday at hour:minute strictly
// after now.
func nextWeekly(now time.Time, weekday time.Weekday, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	days := (int(weekday) - int(now.Weekday()) + 7) % 7
	next = next.AddDate(0, 0, days)
	if !next.After(now) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}
