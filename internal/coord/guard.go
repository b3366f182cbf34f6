// Package coord provides the concurrency-safe coordination primitives the
// scheduling core is built on: the execution-time guard, the distributed lock,
// the sliding-window rate limiter, and the sharded ID generator.
//
// True concurrency in this system arises across invocations, not within one:
// the host may start a new invocation while a previous one is still finishing.
// Every primitive here assumes another invocation could be mutating the same
// keys concurrently.
package coord

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mailroom/internal/types"
)

// ExecutionTimeGuard tracks elapsed wall-clock time since the current
// invocation started. The host terminates the process unconditionally at its
// hard limit; long-running loops must check the guard between units of work
// and exit cleanly rather than be killed mid-write.
//
// The guard is the sole cancellation mechanism: there is no external cancel
// signal within an invocation.
type ExecutionTimeGuard struct {
	hardLimit        time.Duration
	warnFraction     float64
	criticalFraction float64
	logger           *slog.Logger
	nowFn            func() time.Time

	mu        sync.Mutex
	startedAt time.Time
	warned    bool
}

// GuardConfig holds the configuration for creating an ExecutionTimeGuard.
type GuardConfig struct {
	// HardLimit is the host's wall-clock budget for one invocation.
	HardLimit time.Duration

	// WarnFraction of HardLimit triggers a one-time soft warning (default 0.75).
	WarnFraction float64

	// CriticalFraction of HardLimit makes CheckOrAbort fail (default 0.90).
	CriticalFraction float64

	Logger *slog.Logger
	NowFn  func() time.Time // nil uses time.Now
}

// NewExecutionTimeGuard creates a guard and starts its reference clock.
func NewExecutionTimeGuard(cfg GuardConfig) *ExecutionTimeGuard {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	warn := cfg.WarnFraction
	if warn <= 0 || warn >= 1 {
		warn = 0.75
	}
	critical := cfg.CriticalFraction
	if critical <= 0 || critical > 1 {
		critical = 0.90
	}
	g := &ExecutionTimeGuard{
		hardLimit:        cfg.HardLimit,
		warnFraction:     warn,
		criticalFraction: critical,
		logger:           logger,
		nowFn:            nowFn,
	}
	g.Start()
	return g
}

// Start resets the reference clock. The dispatcher calls this once at the top
// of every invocation.
func (g *ExecutionTimeGuard) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.startedAt = g.nowFn()
	g.warned = false
}

// Elapsed returns the wall-clock time consumed since Start.
func (g *ExecutionTimeGuard) Elapsed() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nowFn().Sub(g.startedAt)
}

// Remaining returns the budget left before the host's hard limit.
func (g *ExecutionTimeGuard) Remaining() time.Duration {
	return g.hardLimit - g.Elapsed()
}

// CanContinue reports whether a unit of work with the given estimated cost
// still fits in the remaining budget.
func (g *ExecutionTimeGuard) CanContinue(estimatedCost time.Duration) bool {
	return g.Remaining() > estimatedCost
}

// CheckOrAbort returns a time_budget_exceeded error once elapsed time passes
// the critical threshold, and logs a one-time warning past the soft threshold.
// Callers that receive the error must stop starting new work, persist enough
// state to resume on the next invocation, and return cleanly.
func (g *ExecutionTimeGuard) CheckOrAbort(ctx context.Context) error {
	elapsed := g.Elapsed()

	if elapsed >= time.Duration(g.criticalFraction*float64(g.hardLimit)) {
		return types.NewAppErrorWithDetails(
			types.ErrCodeTimeBudget,
			"execution time budget exceeded",
			nil,
			map[string]any{
				"elapsed":    elapsed.String(),
				"hard_limit": g.hardLimit.String(),
			},
		)
	}

	if elapsed >= time.Duration(g.warnFraction*float64(g.hardLimit)) {
		g.mu.Lock()
		alreadyWarned := g.warned
		g.warned = true
		g.mu.Unlock()
		if !alreadyWarned {
			g.logger.WarnContext(ctx, "execution time budget running low",
				"elapsed", elapsed.String(),
				"remaining", (g.hardLimit - elapsed).String(),
				"hard_limit", g.hardLimit.String(),
			)
		}
	}

	return nil
}
