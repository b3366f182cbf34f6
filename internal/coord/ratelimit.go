package coord

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"mailroom/internal/store"
	"mailroom/internal/types"
)

// Sliding-window sizes for the two rate-limit scopes.
const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// lockRetryDelay is the brief pause before the single bounded retry after a
// lock timeout on a rate-limit check.
const lockRetryDelay = 200 * time.Millisecond

// rateLimitLockTimeout bounds the wait for an operation's rate-limit lock.
// Rate-limit checks are short critical sections; waiting longer than this
// means something is wrong.
const rateLimitLockTimeout = 2 * time.Second

// RateLimiter enforces per-minute and per-hour ceilings on named operations
// using window-bucketed counters in the shared cache. Counter reads and
// increments happen under the operation's distributed lock, which is the
// whole point: without it, two overlapping invocations both read N and both
// write N+1, silently exceeding the ceiling.
type RateLimiter struct {
	cache   store.Cache
	locks   *DistributedLock
	logger  *slog.Logger
	nowFn   func() time.Time
	sleepFn func(time.Duration)
}

// RateLimiterConfig holds the configuration for creating a RateLimiter.
type RateLimiterConfig struct {
	Cache   store.Cache
	Locks   *DistributedLock
	Logger  *slog.Logger
	NowFn   func() time.Time    // nil uses time.Now
	SleepFn func(time.Duration) // nil uses time.Sleep
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	sleepFn := cfg.SleepFn
	if sleepFn == nil {
		sleepFn = time.Sleep
	}
	return &RateLimiter{
		cache:   cfg.Cache,
		locks:   cfg.Locks,
		logger:  logger,
		nowFn:   nowFn,
		sleepFn: sleepFn,
	}
}

// CheckAndIncrement atomically checks the operation's minute and hour
// counters against their ceilings and increments both, all under the
// operation's lock. If either counter has reached its ceiling it returns a
// rate_limit_exceeded error carrying the violated scope and ceiling, and
// increments nothing.
//
// On lock timeout the check is retried once after a brief sleep; a second
// timeout propagates.
func (r *RateLimiter) CheckAndIncrement(ctx context.Context, operation string, maxPerMinute, maxPerHour int) error {
	err := r.checkAndIncrementLocked(ctx, operation, maxPerMinute, maxPerHour)
	if types.HasCode(err, types.ErrCodeLockTimeout) {
		r.logger.DebugContext(ctx, "rate limit lock contended, retrying once",
			"operation", operation,
		)
		r.sleepFn(lockRetryDelay)
		err = r.checkAndIncrementLocked(ctx, operation, maxPerMinute, maxPerHour)
	}
	return err
}

func (r *RateLimiter) checkAndIncrementLocked(ctx context.Context, operation string, maxPerMinute, maxPerHour int) error {
	return r.locks.WithLock(ctx, "ratelimit:"+operation, rateLimitLockTimeout, func(ctx context.Context) error {
		now := r.nowFn()

		minuteKey := bucketKey(operation, "m", now, minuteWindow)
		hourKey := bucketKey(operation, "h", now, hourWindow)

		minuteCount, err := r.readCounter(ctx, minuteKey)
		if err != nil {
			return err
		}
		hourCount, err := r.readCounter(ctx, hourKey)
		if err != nil {
			return err
		}

		if minuteCount >= maxPerMinute {
			return rateLimitError(operation, "minute", maxPerMinute)
		}
		if hourCount >= maxPerHour {
			return rateLimitError(operation, "hour", maxPerHour)
		}

		if err := r.cache.Put(ctx, minuteKey, strconv.Itoa(minuteCount+1), minuteWindow); err != nil {
			return types.NewAppError(types.ErrCodeInternalCache, "failed to increment minute counter", err)
		}
		if err := r.cache.Put(ctx, hourKey, strconv.Itoa(hourCount+1), hourWindow); err != nil {
			return types.NewAppError(types.ErrCodeInternalCache, "failed to increment hour counter", err)
		}
		return nil
	})
}

// readCounter returns the current bucket count, treating absent or garbled
// values as zero. A lost counter only under-counts for one window, which is
// acceptable for cache-backed limits.
func (r *RateLimiter) readCounter(ctx context.Context, key string) (int, error) {
	raw, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalCache, "failed to read rate counter", err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, nil
	}
	return n, nil
}

// bucketKey builds the cache key for one (operation, window kind, bucket)
// counter. The bucket is floor(now / windowSize), so all holders of the same
// operation's lock within a window agree on the key.
func bucketKey(operation, kind string, now time.Time, window time.Duration) string {
	bucket := now.Unix() / int64(window.Seconds())
	return fmt.Sprintf("rl:%s:%s:%d", operation, kind, bucket)
}

func rateLimitError(operation, scope string, ceiling int) *types.AppError {
	return types.NewAppErrorWithDetails(
		types.ErrCodeRateLimitExceeded,
		fmt.Sprintf("rate limit exceeded for %s (%s)", operation, scope),
		nil,
		map[string]any{
			"operation": operation,
			"scope":     scope,
			"ceiling":   ceiling,
		},
	)
}
