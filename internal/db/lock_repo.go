package db

import (
	"context"
	"time"

	"mailroom/internal/types"
)

// LockRepository implements store.LockService on the locks table. Acquisition
// uses INSERT ... ON CONFLICT DO UPDATE so taking a free lock and reclaiming
// an expired lease are a single atomic statement.
type LockRepository struct {
	db    DBTX
	nowFn func() time.Time
}

// NewLockRepository creates a LockRepository.
func NewLockRepository(db DBTX) *LockRepository {
	return &LockRepository{db: db, nowFn: func() time.Time { return time.Now().UTC() }}
}

// Acquire attempts to take the named lock for owner. The expires_at timestamp
// is computed in Go rather than with SQL interval arithmetic, which does not
// accept Go duration strings. RowsAffected is 1 when the INSERT succeeded or
// the expired lease was reclaimed, 0 when another owner holds a live lease.
func (r *LockRepository) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := r.nowFn()
	expiresAt := now.Add(ttl)

	tag, err := r.db.Exec(ctx,
		`INSERT INTO locks (name, owner, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE
		   SET owner = EXCLUDED.owner,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE locks.expires_at < $3`,
		name,
		owner,
		now,
		expiresAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalStore, "failed to acquire lock", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release drops the lock only if owner still holds it, so a stale handle can
// never release a lock reacquired by someone else. Zero rows affected is not
// an error.
func (r *LockRepository) Release(ctx context.Context, name, owner string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM locks WHERE name = $1 AND owner = $2`,
		name,
		owner,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to release lock", err)
	}
	return nil
}
