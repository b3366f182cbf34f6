package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"mailroom/internal/types"
)

// PropertyRepository implements store.PropertyStore on the properties table.
// The per-value byte ceiling of the hosted property store is enforced here as
// well, so code paths behave identically against either backend.
type PropertyRepository struct {
	db            DBTX
	maxValueBytes int
}

// NewPropertyRepository creates a PropertyRepository. maxValueBytes <= 0
// disables the size check.
func NewPropertyRepository(db DBTX, maxValueBytes int) *PropertyRepository {
	return &PropertyRepository{db: db, maxValueBytes: maxValueBytes}
}

func (r *PropertyRepository) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRow(ctx,
		`SELECT value FROM properties WHERE key = $1`,
		key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, types.NewAppError(types.ErrCodeInternalStore, "failed to read property", err)
	}
	return value, true, nil
}

func (r *PropertyRepository) Set(ctx context.Context, key, value string) error {
	if r.maxValueBytes > 0 && len(value) > r.maxValueBytes {
		return types.NewAppErrorWithDetails(
			types.ErrCodeRecordTooLarge,
			"property value exceeds per-value ceiling",
			nil,
			map[string]any{"key": key, "size": len(value), "ceiling": r.maxValueBytes},
		)
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO properties (key, value, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE
		   SET value = EXCLUDED.value, updated_at = NOW()`,
		key,
		value,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to write property", err)
	}
	return nil
}

func (r *PropertyRepository) Delete(ctx context.Context, key string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM properties WHERE key = $1`, key); err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to delete property", err)
	}
	return nil
}

func (r *PropertyRepository) ListAll(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.Query(ctx, `SELECT key, value FROM properties`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to list properties", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to scan property", err)
		}
		result[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to iterate properties", err)
	}
	return result, nil
}
