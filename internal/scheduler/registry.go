package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"mailroom/internal/store"
	"mailroom/internal/types"
)

// jobStateKeyPrefix is the property store key prefix for persisted job
// run-state. One value per job name.
const jobStateKeyPrefix = "jobstate:"

// persistedJobState is the subset of a Job that survives across invocations.
// The definition and target function are static code and are re-registered
// every invocation; only lifecycle state and statistics are persisted.
type persistedJobState struct {
	Status types.JobStatus `json:"status"`
	Stats  types.JobStats  `json:"stats"`
}

// JobRegistry is the per-invocation catalog of named jobs. It exclusively
// owns Job values; callers receive copies, and all mutation flows through
// Update so run-state is persisted back to the property store.
type JobRegistry struct {
	props             store.PropertyStore
	defaultMaxRetries int
	logger            *slog.Logger
	validate          *validator.Validate

	mu    sync.Mutex
	jobs  map[string]*types.Job
	funcs map[string]JobFunc
}

// NewJobRegistry creates an empty registry. Jobs are registered at
// initialization from static configuration; persisted run-state is merged in
// during Register.
func NewJobRegistry(props store.PropertyStore, defaultMaxRetries int, logger *slog.Logger) *JobRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = 3
	}
	return &JobRegistry{
		props:             props,
		defaultMaxRetries: defaultMaxRetries,
		logger:            logger,
		validate:          validator.New(),
		jobs:              make(map[string]*types.Job),
		funcs:             make(map[string]JobFunc),
	}
}

// Register adds a job with its typed target function. The definition is
// validated eagerly — including the restricted cron subset — so malformed
// registrations fail at startup, not at run time. Persisted run-state from
// prior invocations is merged into the fresh entry; a job persisted as paused
// stays paused.
func (r *JobRegistry) Register(ctx context.Context, def types.JobDefinition, fn JobFunc) error {
	if fn == nil {
		return types.NewAppError(types.ErrCodeValidationMissingField, "job target function is required", nil)
	}
	if err := r.validateDefinition(def); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.jobs[def.Name]; exists {
		r.mu.Unlock()
		return types.NewAppErrorWithDetails(
			types.ErrCodeConflictJobExists,
			"job is already registered",
			nil,
			map[string]any{"job": def.Name},
		)
	}
	r.mu.Unlock()

	if def.Priority == "" {
		def.Priority = types.PriorityMedium
	}
	if def.MaxRetries == 0 {
		def.MaxRetries = r.defaultMaxRetries
	}

	job := &types.Job{
		Definition: def,
		Status:     types.JobStatusRegistered,
	}

	// Merge run-state from prior invocations.
	state, ok, err := r.loadState(ctx, def.Name)
	if err != nil {
		return err
	}
	if ok {
		job.Stats = state.Stats
		if state.Status == types.JobStatusPaused {
			job.Status = types.JobStatusPaused
		}
	}

	r.mu.Lock()
	r.jobs[def.Name] = job
	r.funcs[def.Name] = fn
	r.mu.Unlock()

	r.logger.DebugContext(ctx, "job registered",
		"job", def.Name,
		"type", string(def.Type),
		"status", string(job.Status),
	)

	return nil
}

// Remove deletes the job entry and its persisted run-state. The caller is
// responsible for deleting the platform trigger first.
func (r *JobRegistry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	_, exists := r.jobs[name]
	delete(r.jobs, name)
	delete(r.funcs, name)
	r.mu.Unlock()

	if !exists {
		return jobNotFound(name)
	}
	if err := r.props.Delete(ctx, jobStateKeyPrefix+name); err != nil {
		return fmt.Errorf("deleting persisted state for job %s: %w", name, err)
	}
	return nil
}

// Get returns a copy of the named job.
func (r *JobRegistry) Get(name string) (types.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[name]
	if !ok {
		return types.Job{}, false
	}
	return *job, true
}

// Func returns the target function registered for the named job.
func (r *JobRegistry) Func(name string) (JobFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// All returns copies of every registered job, ordered by name.
func (r *JobRegistry) All() []types.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs := make([]types.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].Definition.Name < jobs[j].Definition.Name
	})
	return jobs
}

// Update applies mutate to the named job under the registry lock and persists
// the resulting run-state. This is the only mutation path; the executor uses
// it after every run.
func (r *JobRegistry) Update(ctx context.Context, name string, mutate func(*types.Job)) error {
	r.mu.Lock()
	job, ok := r.jobs[name]
	if !ok {
		r.mu.Unlock()
		return jobNotFound(name)
	}
	mutate(job)
	state := persistedJobState{Status: job.Status, Stats: job.Stats}
	r.mu.Unlock()

	return r.persistState(ctx, name, state)
}

// validateDefinition applies struct tags plus the type-specific rules the
// tags cannot express.
func (r *JobRegistry) validateDefinition(def types.JobDefinition) error {
	if err := r.validate.Struct(def); err != nil {
		return types.NewAppError(types.ErrCodeValidationMissingField, "invalid job definition", err)
	}

	switch def.Type {
	case types.JobTypeInterval:
		if def.BaseInterval < 1 {
			return types.NewAppErrorWithDetails(
				types.ErrCodeValidationInvalidInterval,
				"interval jobs require a base interval of at least 1 minute",
				nil,
				map[string]any{"job": def.Name, "base_interval": def.BaseInterval},
			)
		}
	case types.JobTypeWeekly:
		if def.Weekday < time.Sunday || def.Weekday > time.Saturday {
			return types.NewAppError(types.ErrCodeValidationInvalidSchedule, "weekly jobs require a valid weekday", nil)
		}
	case types.JobTypeCron:
		// Fail fast at registration time.
		if _, err := ParseRestrictedCron(def.CronExpr); err != nil {
			return err
		}
	}

	return nil
}

func (r *JobRegistry) loadState(ctx context.Context, name string) (*persistedJobState, bool, error) {
	raw, ok, err := r.props.Get(ctx, jobStateKeyPrefix+name)
	if err != nil {
		return nil, false, fmt.Errorf("loading persisted state for job %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	var state persistedJobState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		// Corrupt state is discarded rather than wedging registration; the
		// job restarts with fresh statistics.
		r.logger.WarnContext(ctx, "discarding corrupt persisted job state",
			"job", name,
			"error", err,
		)
		return nil, false, nil
	}
	return &state, true, nil
}

func (r *JobRegistry) persistState(ctx context.Context, name string, state persistedJobState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to marshal job state", err)
	}
	if err := r.props.Set(ctx, jobStateKeyPrefix+name, string(raw)); err != nil {
		return fmt.Errorf("persisting state for job %s: %w", name, err)
	}
	return nil
}

func jobNotFound(name string) *types.AppError {
	return types.NewAppErrorWithDetails(
		types.ErrCodeNotFoundJob,
		"job is not registered",
		nil,
		map[string]any{"job": name},
	)
}
