package coord

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailroom/internal/store"
	"mailroom/internal/types"
)

// defaultLeaseTTL bounds how long a crashed holder can wedge a lock.
const defaultLeaseTTL = 30 * time.Second

// acquirePollInterval is the sleep between acquisition attempts while waiting
// for a contended lock. Waiting consumes execution-time budget; callers must
// account for the timeout against their ExecutionTimeGuard.
const acquirePollInterval = 100 * time.Millisecond

// LockHandle represents one acquired lock. Release is idempotent: releasing
// an already-released handle is a no-op, and the owner token ensures a stale
// handle can never release a lock someone else has since acquired.
type LockHandle struct {
	name  string
	owner string

	mu       sync.Mutex
	released bool
}

// Name returns the lock name this handle was issued for.
func (h *LockHandle) Name() string { return h.name }

// DistributedLock is the coarse-grained mutual-exclusion primitive protecting
// short critical sections across concurrent invocations. It wraps the lease-
// based LockService with bounded waiting and guaranteed-release helpers.
type DistributedLock struct {
	svc      store.LockService
	leaseTTL time.Duration
	logger   *slog.Logger
	sleepFn  func(time.Duration)
	nowFn    func() time.Time
}

// LockOption is a functional option for configuring a DistributedLock.
type LockOption func(*DistributedLock)

// WithLeaseTTL overrides the lease duration granted per acquisition.
func WithLeaseTTL(ttl time.Duration) LockOption {
	return func(l *DistributedLock) {
		l.leaseTTL = ttl
	}
}

// WithSleepFunc overrides the sleep used between acquisition attempts.
// Intended for testing to avoid real delays.
func WithSleepFunc(fn func(time.Duration)) LockOption {
	return func(l *DistributedLock) {
		l.sleepFn = fn
	}
}

// WithNowFunc overrides the clock. Intended for testing.
func WithNowFunc(fn func() time.Time) LockOption {
	return func(l *DistributedLock) {
		l.nowFn = fn
	}
}

// NewDistributedLock creates a DistributedLock over the given lock service.
func NewDistributedLock(svc store.LockService, logger *slog.Logger, opts ...LockOption) *DistributedLock {
	if logger == nil {
		logger = slog.Default()
	}
	l := &DistributedLock{
		svc:      svc,
		leaseTTL: defaultLeaseTTL,
		logger:   logger,
		sleepFn:  time.Sleep,
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire blocks up to timeout waiting for exclusive ownership of the named
// lock. On success it returns a handle the caller must release on every exit
// path; prefer WithLock unless the critical section spans functions.
// Failure is a lock_timeout error, never a silent no-op.
func (l *DistributedLock) Acquire(ctx context.Context, name string, timeout time.Duration) (*LockHandle, error) {
	owner := uuid.New().String()
	deadline := l.nowFn().Add(timeout)

	for {
		acquired, err := l.svc.Acquire(ctx, name, owner, l.leaseTTL)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalStore, "lock service acquire failed", err)
		}
		if acquired {
			return &LockHandle{name: name, owner: owner}, nil
		}

		if ctx.Err() != nil {
			return nil, types.NewAppError(types.ErrCodeLockTimeout, "context canceled while waiting for lock "+name, ctx.Err())
		}
		if !l.nowFn().Add(acquirePollInterval).Before(deadline) {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeLockTimeout,
				"timed out waiting for lock",
				nil,
				map[string]any{"lock": name, "timeout": timeout.String()},
			)
		}
		l.sleepFn(acquirePollInterval)
	}
}

// Release drops the lock held by handle. Releasing an already-released or
// foreign handle does not raise.
func (l *DistributedLock) Release(ctx context.Context, handle *LockHandle) error {
	if handle == nil {
		return nil
	}
	handle.mu.Lock()
	if handle.released {
		handle.mu.Unlock()
		return nil
	}
	handle.released = true
	handle.mu.Unlock()

	if err := l.svc.Release(ctx, handle.name, handle.owner); err != nil {
		// The lease expires on its own; log rather than surface a failure the
		// caller cannot act on.
		l.logger.WarnContext(ctx, "lock release failed, lease will expire",
			"lock", handle.name,
			"error", err,
		)
	}
	return nil
}

// WithLock runs fn while holding the named lock, releasing it on every exit
// path including panics. This is the scoped-acquisition discipline all
// read-modify-write sequences on shared keys should use.
func (l *DistributedLock) WithLock(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	handle, err := l.Acquire(ctx, name, timeout)
	if err != nil {
		return err
	}
	defer l.Release(ctx, handle)
	return fn(ctx)
}
