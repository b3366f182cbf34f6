package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All components MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidInterval ErrorCode = "validation_invalid_interval"
	ErrCodeValidationInvalidSchedule ErrorCode = "validation_invalid_schedule"
	ErrCodeUnsupportedCron           ErrorCode = "validation_unsupported_cron_expression"

	// Not Found (404)
	ErrCodeNotFoundJob     ErrorCode = "not_found_job"
	ErrCodeNotFoundTrigger ErrorCode = "not_found_trigger"

	// Conflict (409)
	ErrCodeConflictJobExists  ErrorCode = "conflict_job_exists"
	ErrCodeConflictNotPaused  ErrorCode = "conflict_job_not_paused"
	ErrCodeConflictJobRunning ErrorCode = "conflict_job_running"

	// Coordination (423/429/507)
	ErrCodeLockTimeout       ErrorCode = "coordination_lock_timeout"
	ErrCodeRateLimitExceeded ErrorCode = "coordination_rate_limit_exceeded"
	ErrCodeCounterCorruption ErrorCode = "coordination_counter_corruption"
	ErrCodeRecordTooLarge    ErrorCode = "coordination_record_too_large"
	ErrCodeTimeBudget        ErrorCode = "coordination_time_budget_exceeded"

	// Auth (401)
	ErrCodeAuthKeyMissing ErrorCode = "auth_api_key_missing"
	ErrCodeAuthKeyInvalid ErrorCode = "auth_api_key_invalid"

	// Internal/Upstream (500/502)
	ErrCodeInternalStore       ErrorCode = "internal_store_error"
	ErrCodeInternalCache       ErrorCode = "internal_cache_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamNotify      ErrorCode = "upstream_notification_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the admin API to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case c == ErrCodeLockTimeout:
		return http.StatusLocked // 423
	case c == ErrCodeRateLimitExceeded, c == ErrCodeUpstreamRateLimited:
		return http.StatusTooManyRequests // 429
	case c == ErrCodeRecordTooLarge:
		return http.StatusRequestEntityTooLarge // 413
	case c == ErrCodeTimeBudget:
		return http.StatusServiceUnavailable // 503
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout the platform.
// All domain errors should be expressed as AppError to enable consistent error
// formatting, code-based branching, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
// This is useful for adding context without mutating the original error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// HasCode reports whether err (or any error in its chain) is an AppError
// carrying the given code. Callers branch on coordination failures with this
// rather than string matching.
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
