package db

import (
	"context"

	"mailroom/internal/types"
)

// RunHistoryRepository implements scheduler.RunHistorian on the job_history
// table. Rows track job executions for operational visibility and debugging;
// a maintenance job prunes old rows.
type RunHistoryRepository struct {
	db DBTX
}

// NewRunHistoryRepository creates a RunHistoryRepository.
func NewRunHistoryRepository(db DBTX) *RunHistoryRepository {
	return &RunHistoryRepository{db: db}
}

// Start inserts a job_history row with status 'running' and returns the
// auto-generated BIGSERIAL ID for the later Finish call.
func (r *RunHistoryRepository) Start(ctx context.Context, jobName string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO job_history (job_name, started_at, status)
		 VALUES ($1, NOW(), 'running')
		 RETURNING id`,
		jobName,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalStore, "failed to start job history entry", err)
	}
	return id, nil
}

// Finish records the outcome of a run. If runErr is non-nil its message is
// stored in the error column.
func (r *RunHistoryRepository) Finish(ctx context.Context, id int64, status string, runErr error) error {
	var errMsg *string
	if runErr != nil {
		s := runErr.Error()
		errMsg = &s
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE job_history
		 SET finished_at = NOW(), status = $2, error = $3
		 WHERE id = $1`,
		id,
		status,
		errMsg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to finish job history entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "job history entry not found", nil)
	}
	return nil
}

// PruneBefore deletes history rows that finished before the cutoff and
// returns how many were removed. Wired as a maintenance job.
func (r *RunHistoryRepository) PruneBefore(ctx context.Context, cutoff string) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM job_history WHERE finished_at IS NOT NULL AND finished_at < NOW() - $1::interval`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalStore, "failed to prune job history", err)
	}
	return tag.RowsAffected(), nil
}
