package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"mailroom/internal/types"
)

// TriggerRepository implements scheduler.TriggerStore on the triggers table.
// The job_name column carries a unique constraint, which makes the
// one-live-trigger-per-job invariant a database guarantee rather than an
// application convention.
type TriggerRepository struct {
	db DBTX
}

// NewTriggerRepository creates a TriggerRepository.
func NewTriggerRepository(db DBTX) *TriggerRepository {
	return &TriggerRepository{db: db}
}

func (r *TriggerRepository) Create(ctx context.Context, t *types.Trigger) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO triggers (handle, job_name, kind, every_minutes, hour, minute, weekday, next_fire, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.Handle,
		t.JobName,
		string(t.Kind),
		t.EveryMinutes,
		t.Hour,
		t.Minute,
		int(t.Weekday),
		t.NextFire,
		t.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to create trigger", err)
	}
	return nil
}

func (r *TriggerRepository) DeleteByJob(ctx context.Context, jobName string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM triggers WHERE job_name = $1`, jobName); err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to delete trigger", err)
	}
	return nil
}

func (r *TriggerRepository) GetByJob(ctx context.Context, jobName string) (*types.Trigger, bool, error) {
	row := r.db.QueryRow(ctx,
		`SELECT handle, job_name, kind, every_minutes, hour, minute, weekday, next_fire, created_at
		 FROM triggers WHERE job_name = $1`,
		jobName,
	)
	t, err := scanTrigger(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, types.NewAppError(types.ErrCodeInternalStore, "failed to read trigger", err)
	}
	return t, true, nil
}

func (r *TriggerRepository) List(ctx context.Context) ([]types.Trigger, error) {
	return r.list(ctx,
		`SELECT handle, job_name, kind, every_minutes, hour, minute, weekday, next_fire, created_at
		 FROM triggers ORDER BY job_name`,
	)
}

func (r *TriggerRepository) ListDue(ctx context.Context, now time.Time) ([]types.Trigger, error) {
	return r.list(ctx,
		`SELECT handle, job_name, kind, every_minutes, hour, minute, weekday, next_fire, created_at
		 FROM triggers WHERE next_fire <= $1 ORDER BY next_fire`,
		now,
	)
}

func (r *TriggerRepository) UpdateNextFire(ctx context.Context, handle string, next time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE triggers SET next_fire = $2 WHERE handle = $1`,
		handle,
		next,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to update trigger", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundTrigger, "trigger not found", nil)
	}
	return nil
}

func (r *TriggerRepository) list(ctx context.Context, sql string, args ...any) ([]types.Trigger, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to query triggers", err)
	}
	defer rows.Close()

	triggers := make([]types.Trigger, 0)
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to scan trigger", err)
		}
		triggers = append(triggers, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to iterate triggers", err)
	}
	return triggers, nil
}

func scanTrigger(row pgx.Row) (*types.Trigger, error) {
	var t types.Trigger
	var kind string
	var weekday int
	if err := row.Scan(
		&t.Handle,
		&t.JobName,
		&kind,
		&t.EveryMinutes,
		&t.Hour,
		&t.Minute,
		&weekday,
		&t.NextFire,
		&t.CreatedAt,
	); err != nil {
		return nil, err
	}
	t.Kind = types.TriggerKind(kind)
	t.Weekday = time.Weekday(weekday)
	return &t, nil
}
