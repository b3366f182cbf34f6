// Package scheduler implements the adaptive job scheduling core: the job
// registry, trigger scheduling, the adaptive interval policy, the business
// hours gate, the job executor, and durable continuations.
//
// The platform has no long-lived process. Each invocation is a short-lived,
// effectively single-threaded execution fired by a platform trigger; the
// registry is rebuilt per invocation from static registrations plus run-state
// persisted in the property store.
package scheduler

import (
	"context"
	"time"

	"mailroom/internal/types"
)

// JobFunc is a job's target function. Jobs are registered as typed function
// values, never dispatched by string name from configuration.
type JobFunc func(ctx context.Context) error

// DispatchPayload is the JSON payload the platform trigger sends to the
// dispatcher. It either names one job to execute, or requests a sweep of all
// due triggers and continuations.
//
// ReferenceTime allows manual invocation to specify a different "now" for
// deterministic execution and backfilling. If nil, time.Now().UTC() is used.
type DispatchPayload struct {
	Job           string     `json:"job,omitempty"`
	Sweep         bool       `json:"sweep,omitempty"`
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// TriggerStore persists platform trigger registrations. The production
// implementation is db.TriggerRepository; tests use MemoryTriggerStore.
type TriggerStore interface {
	// Create inserts a trigger row. The handle must be unused.
	Create(ctx context.Context, t *types.Trigger) error

	// DeleteByJob removes any trigger bound to the job name. Deleting when
	// none exists is not an error.
	DeleteByJob(ctx context.Context, jobName string) error

	// GetByJob returns the live trigger for a job name, if any.
	GetByJob(ctx context.Context, jobName string) (*types.Trigger, bool, error)

	// List returns all live triggers.
	List(ctx context.Context) ([]types.Trigger, error)

	// ListDue returns triggers whose next fire time is at or before now.
	ListDue(ctx context.Context, now time.Time) ([]types.Trigger, error)

	// UpdateNextFire advances a trigger's next fire time after it fires.
	UpdateNextFire(ctx context.Context, handle string, next time.Time) error
}

// RunHistorian records job executions for operational visibility. A nil
// historian disables history tracking.
type RunHistorian interface {
	Start(ctx context.Context, jobName string) (int64, error)
	Finish(ctx context.Context, id int64, status string, err error) error
}

// FailureNotifier is the fire-and-forget notification sink used to escalate
// persistent high-priority job failures.
type FailureNotifier interface {
	Notify(ctx context.Context, kind string, payload map[string]any) error
}

// MetricsEmitter publishes scheduling telemetry. A nil emitter disables
// metrics.
type MetricsEmitter interface {
	EmitJobDuration(ctx context.Context, jobName string, d time.Duration, success bool)
	EmitLoadSample(ctx context.Context, sample types.LoadSample)
}
