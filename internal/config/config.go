// Package config defines the global configuration structure for the mailroom
// platform. Configuration is loaded once at process initialization (worker
// cold start) and is immutable thereafter. It follows 12-Factor App principles
// by strictly separating code from configuration.
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup (fail fast).
package config

import (
	"time"

	"mailroom/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the mailroom platform.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"mailroom-scheduler"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Scheduler     SchedulerConfig
	BusinessHours BusinessHoursConfig
	RateLimit     RateLimitConfig
	Store         StoreConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Admin         AdminConfig
	Webhook       WebhookConfig
}

// SchedulerConfig holds execution-budget and adaptive-scheduling parameters.
type SchedulerConfig struct {
	// HardLimit is the wall-clock budget the host enforces on one invocation.
	// The guard's thresholds are fractions of this value.
	HardLimit        time.Duration `envconfig:"EXECUTION_HARD_LIMIT" default:"5m"`
	WarnFraction     float64       `envconfig:"EXECUTION_WARN_FRACTION" default:"0.75" validate:"gt=0,lt=1"`
	CriticalFraction float64       `envconfig:"EXECUTION_CRITICAL_FRACTION" default:"0.9" validate:"gt=0,lte=1"`

	// AdaptiveEnabled toggles per-bucket interval overrides and load scaling.
	AdaptiveEnabled bool `envconfig:"ADAPTIVE_SCHEDULING" default:"true"`

	// Peak and off-hours bounds for the time-of-day bucket, in local hours.
	// Hours in [PeakStartHour, PeakEndHour) are peak; hours in
	// [OffStartHour, 24) and [0, OffEndHour) are off; everything else normal.
	PeakStartHour int `envconfig:"PEAK_START_HOUR" default:"9" validate:"min=0,max=23"`
	PeakEndHour   int `envconfig:"PEAK_END_HOUR" default:"17" validate:"min=0,max=24"`
	OffStartHour  int `envconfig:"OFF_START_HOUR" default:"22" validate:"min=0,max=23"`
	OffEndHour    int `envconfig:"OFF_END_HOUR" default:"6" validate:"min=0,max=23"`

	// IDShards is the number of independent counters the sharded ID generator
	// spreads increments across.
	IDShards int `envconfig:"ID_SHARDS" default:"8" validate:"min=1,max=64"`

	// LockTimeout is the default wait bound for distributed lock acquisition.
	LockTimeout time.Duration `envconfig:"LOCK_TIMEOUT" default:"10s"`

	// MaxRetries is the default retry bound applied to job definitions that
	// do not set their own.
	MaxRetries int `envconfig:"JOB_MAX_RETRIES" default:"3" validate:"min=0"`
}

// BusinessHoursConfig holds the business-hours gate parameters.
// MaintenanceWindowsJSON is a JSON array of maintenance window objects, e.g.
//
//	[{"weekday":0,"start_hour":2,"start_minute":0,"duration_minutes":120}]
//
// An absent weekday means the window recurs daily.
type BusinessHoursConfig struct {
	StartHour int   `envconfig:"BUSINESS_HOURS_START" default:"9" validate:"min=0,max=23"`
	EndHour   int   `envconfig:"BUSINESS_HOURS_END" default:"17" validate:"min=0,max=24"`
	Days      []int `envconfig:"BUSINESS_DAYS" default:"1,2,3,4,5"`

	MaintenanceWindowsJSON string `envconfig:"MAINTENANCE_WINDOWS_JSON" validate:"omitempty,json"`
}

// MaintenanceWindow is one recurring maintenance window during which
// business-hours-only jobs must not run, regardless of priority.
type MaintenanceWindow struct {
	// Weekday restricts the window to one day of the week. Nil means daily.
	Weekday         *time.Weekday `json:"weekday,omitempty"`
	StartHour       int           `json:"start_hour"`
	StartMinute     int           `json:"start_minute"`
	DurationMinutes int           `json:"duration_minutes"`
}

// RateLimitConfig holds default ceilings for the sliding-window rate limiter.
type RateLimitConfig struct {
	DefaultPerMinute int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"30" validate:"min=1"`
	DefaultPerHour   int `envconfig:"RATE_LIMIT_PER_HOUR" default:"500" validate:"min=1"`
}

// StoreConfig holds limits for the shared property store and sharded storage.
type StoreConfig struct {
	// MaxValueBytes is the per-value size ceiling of the backing store.
	MaxValueBytes int `envconfig:"STORE_MAX_VALUE_BYTES" default:"9216" validate:"min=512"`

	// Compress enables gzip compression of ticket payloads before the size
	// check.
	Compress bool `envconfig:"STORE_COMPRESS" default:"true"`

	// MaxPageSize bounds listPaginated requests.
	MaxPageSize int `envconfig:"STORE_MAX_PAGE_SIZE" default:"100" validate:"min=1"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// NotificationQueue is the SQS queue URL for the fire-and-forget
	// notification sink.
	NotificationQueue string `envconfig:"SQS_NOTIFICATIONS" validate:"omitempty,url"`

	// MetricsNamespace is the CloudWatch namespace for load samples and job
	// duration metrics.
	MetricsNamespace string `envconfig:"METRICS_NAMESPACE" default:"Mailroom/Scheduler"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// AdminConfig holds the admin HTTP surface configuration.
type AdminConfig struct {
	Port string `envconfig:"ADMIN_PORT" default:"8080"`

	// APIKeyHash is the bcrypt hash the admin API key is verified against.
	// Empty disables key auth (local development only).
	APIKeyHash SecretString `envconfig:"ADMIN_API_KEY_HASH"`
}

// WebhookConfig holds settings for the escalation webhook notifier.
type WebhookConfig struct {
	EscalationURL  string        `envconfig:"ESCALATION_WEBHOOK_URL" validate:"omitempty,url"`
	UserAgent      string        `envconfig:"WEBHOOK_USER_AGENT" default:"Mailroom-Webhook/1.0"`
	DefaultTimeout time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s"`
}
