// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Validate the struct using go-playground/validator.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrParsing    ConfigErrorType = "parsing"
	ErrValidation ConfigErrorType = "validation"
)

// ConfigError is a diagnostic error type returned by LoadConfig to aid
// debugging. It wraps a ConfigErrorType and an underlying error message.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LoadConfig loads and validates the mailroom configuration.
//
// It enforces UTC, loads a .env file if present (without overriding existing
// environment variables), processes envconfig tags, and validates the result.
func LoadConfig() (*Config, error) {
	// Enforce UTC to prevent drift bugs. Every schedule computation in the
	// platform is UTC-based.
	time.Local = time.UTC

	// Load .env file (non-fatal if absent). godotenv does NOT override
	// existing environment variables.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	// Cross-field checks the tag validators cannot express.
	if cfg.Scheduler.WarnFraction >= cfg.Scheduler.CriticalFraction {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "EXECUTION_WARN_FRACTION must be below EXECUTION_CRITICAL_FRACTION",
		}
	}
	if cfg.BusinessHours.StartHour >= cfg.BusinessHours.EndHour {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "BUSINESS_HOURS_START must be before BUSINESS_HOURS_END",
		}
	}

	// Parse maintenance windows eagerly so malformed JSON fails at startup,
	// not inside the business-hours gate at run time.
	if _, err := cfg.BusinessHours.MaintenanceWindows(); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "invalid MAINTENANCE_WINDOWS_JSON",
			Err:     err,
		}
	}

	return &cfg, nil
}

// MaintenanceWindows parses the configured maintenance window JSON.
// Returns an empty slice when none are configured.
func (b BusinessHoursConfig) MaintenanceWindows() ([]MaintenanceWindow, error) {
	if b.MaintenanceWindowsJSON == "" {
		return nil, nil
	}
	var windows []MaintenanceWindow
	if err := json.Unmarshal([]byte(b.MaintenanceWindowsJSON), &windows); err != nil {
		return nil, fmt.Errorf("parsing maintenance windows: %w", err)
	}
	for i, w := range windows {
		if w.StartHour < 0 || w.StartHour > 23 || w.StartMinute < 0 || w.StartMinute > 59 || w.DurationMinutes <= 0 {
			return nil, fmt.Errorf("maintenance window %d out of range", i)
		}
	}
	return windows, nil
}

// BusinessDays returns the configured weekday set as time.Weekday values.
func (b BusinessHoursConfig) BusinessDays() map[time.Weekday]bool {
	days := make(map[time.Weekday]bool, len(b.Days))
	for _, d := range b.Days {
		if d >= 0 && d <= 6 {
			days[time.Weekday(d)] = true
		}
	}
	return days
}
