package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"mailroom/internal/types"
)

// CacheRepository implements store.Cache on the cache_entries table. Expiry
// is enforced on read; a background sweep job clears expired rows so the
// table does not grow unbounded.
type CacheRepository struct {
	db DBTX
}

// NewCacheRepository creates a CacheRepository.
func NewCacheRepository(db DBTX) *CacheRepository {
	return &CacheRepository{db: db}
}

func (r *CacheRepository) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRow(ctx,
		`SELECT value FROM cache_entries WHERE key = $1 AND expires_at > NOW()`,
		key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, types.NewAppError(types.ErrCodeInternalCache, "failed to read cache entry", err)
	}
	return value, true, nil
}

func (r *CacheRepository) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	expiresAt := time.Now().UTC().Add(ttl)
	_, err := r.db.Exec(ctx,
		`INSERT INTO cache_entries (key, value, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE
		   SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key,
		value,
		expiresAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalCache, "failed to write cache entry", err)
	}
	return nil
}

// DeleteExpired removes expired rows and returns how many were deleted. Wired
// as a maintenance job.
func (r *CacheRepository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM cache_entries WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalCache, "failed to delete expired cache entries", err)
	}
	return tag.RowsAffected(), nil
}
