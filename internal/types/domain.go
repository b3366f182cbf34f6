// Package types defines the shared domain model for the mailroom scheduling
// core: job definitions and run-state, trigger records, load samples, sharded
// ticket records, and the application error taxonomy.
//
// The platform runs as short-lived worker invocations with a hard wall-clock
// budget. There is no long-lived process: every type here is either rebuilt
// from static configuration at invocation start or persisted through the
// shared property store between invocations.
package types

import (
	"encoding/json"
	"time"
)

// JobType identifies the scheduling shape of a job.
type JobType string

const (
	JobTypeInterval JobType = "interval"
	JobTypeDaily    JobType = "daily"
	JobTypeWeekly   JobType = "weekly"
	JobTypeCron     JobType = "cron"
)

// JobStatus is the lifecycle state of a registered job.
//
// Transitions: registered -> scheduled -> running -> {completed|failed} ->
// scheduled (next cycle). paused is reachable only via an explicit pause and
// returns to scheduled only via an explicit resume.
type JobStatus string

const (
	JobStatusRegistered JobStatus = "registered"
	JobStatusScheduled  JobStatus = "scheduled"
	JobStatusRunning    JobStatus = "running"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusPaused     JobStatus = "paused"
)

// Priority orders jobs for failure escalation. High-priority jobs that keep
// failing are escalated to the notification sink instead of retried forever.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// AdaptiveIntervals holds per-bucket interval overrides (in minutes) used by
// the adaptive interval policy. A zero value for a bucket means "no override;
// use the base interval".
type AdaptiveIntervals struct {
	Peak   int `json:"peak"`
	Normal int `json:"normal"`
	Off    int `json:"off"`
}

// JobDefinition is the static description of a recurring job, supplied at
// registration time. The target function is registered separately as a typed
// JobFunc in the registry; definitions never carry function names as strings.
type JobDefinition struct {
	Name string  `json:"name" validate:"required"`
	Type JobType `json:"type" validate:"required,oneof=interval daily weekly cron"`

	// BaseInterval is the interval in minutes for interval jobs. Minimum 1.
	BaseInterval int `json:"base_interval,omitempty"`

	// Adaptive holds optional per-bucket overrides for interval jobs.
	Adaptive *AdaptiveIntervals `json:"adaptive,omitempty"`

	// Hour and Minute pin the fire time for daily and weekly jobs.
	Hour   int `json:"hour,omitempty" validate:"min=0,max=23"`
	Minute int `json:"minute,omitempty" validate:"min=0,max=59"`

	// Weekday pins the day for weekly jobs.
	Weekday time.Weekday `json:"weekday,omitempty"`

	// CronExpr is a five-field cron expression for cron jobs. Only the
	// restricted subset with concrete hour and minute fields is supported.
	CronExpr string `json:"cron_expr,omitempty"`

	BusinessHoursOnly bool     `json:"business_hours_only"`
	Priority          Priority `json:"priority" validate:"omitempty,oneof=low medium high"`

	// MaxRetries bounds delayed re-executions after a failed run. Zero means
	// the executor default (3).
	MaxRetries int `json:"max_retries,omitempty" validate:"min=0"`
}

// JobStats accumulates run statistics across invocations. It is persisted to
// the property store by the executor after every run so the next invocation
// can rebuild it.
type JobStats struct {
	RunCount   int `json:"run_count"`
	ErrorCount int `json:"error_count"`
	RetryCount int `json:"retry_count"`

	// AvgExecutionTime is an exponential moving average of run duration,
	// updated as (old+new)/2 after each successful run.
	AvgExecutionTime time.Duration `json:"avg_execution_time"`

	LastRun   time.Time `json:"last_run,omitzero"`
	NextRun   time.Time `json:"next_run,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Job is the registry's view of one registered job: its static definition plus
// mutable lifecycle state. The registry exclusively owns Job values; the
// trigger scheduler holds only the trigger handle keyed by job name.
type Job struct {
	Definition JobDefinition `json:"definition"`
	Status     JobStatus     `json:"status"`
	Stats      JobStats      `json:"stats"`
}

// TriggerKind is the shape of a platform trigger row.
type TriggerKind string

const (
	TriggerKindInterval TriggerKind = "interval"
	TriggerKindDaily    TriggerKind = "daily"
	TriggerKindWeekly   TriggerKind = "weekly"
)

// Trigger is a platform trigger registration bound 1:1 to a job name.
// At most one live trigger exists per job name at any time; re-registration
// must delete the prior handle first.
type Trigger struct {
	Handle       string       `json:"handle"`
	JobName      string       `json:"job_name"`
	Kind         TriggerKind  `json:"kind"`
	EveryMinutes int          `json:"every_minutes,omitempty"`
	Hour         int          `json:"hour,omitempty"`
	Minute       int          `json:"minute,omitempty"`
	Weekday      time.Weekday `json:"weekday,omitempty"`
	NextFire     time.Time    `json:"next_fire"`
	CreatedAt    time.Time    `json:"created_at"`
}

// LoadFactors are the normalized [0,1] inputs blended into a load estimate.
type LoadFactors struct {
	ExecutionTime float64 `json:"execution_time"`
	ErrorRate     float64 `json:"error_rate"`
	QueueSize     float64 `json:"queue_size"`
	MemoryUsage   float64 `json:"memory_usage"`
}

// LoadSample is one observation of estimated system load, recorded by the
// adaptive interval policy on every evaluation. Samples live in a bounded
// in-memory ring buffer and are never persisted indefinitely.
type LoadSample struct {
	Timestamp time.Time   `json:"timestamp"`
	Load      float64     `json:"load"`
	Factors   LoadFactors `json:"factors"`
}

// Ticket is a date-sharded support-ticket record persisted through the
// sharded store. The shard ID is derived from the creation date so pagination
// can walk shards newest-first without scanning the full key space.
type Ticket struct {
	ID        string          `json:"id"`
	ShardID   string          `json:"shard_id"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// ShardIndexEntry is one entry of the shard index: the only structure scanned
// to discover shards. One entry per calendar day, not per record, so the index
// stays small by construction.
type ShardIndexEntry struct {
	Count     int       `json:"count"`
	CreatedAt time.Time `json:"created_at"`
}

// Continuation is a durable resume record for work that ran out of execution
// budget. At most one continuation exists per operation; the resume entry
// point consumes it on the next scheduled invocation.
type Continuation struct {
	Operation   string         `json:"operation"`
	Context     map[string]any `json:"context,omitempty"`
	ScheduledAt time.Time      `json:"scheduled_at"`
}
