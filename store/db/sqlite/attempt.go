package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/bigshoulders/stq/store"
)

func (d *DB) CreateAttempt(ctx context.Context, create *store.CreateAttempt) (int64, error) {
	result, err := d.db.ExecContext(ctx, `
		INSERT INTO attempts (task_id, runner, start_time, status)
		VALUES (?, ?, ?, ?)`,
		create.TaskID,
		create.Runner,
		formatTime(create.StartTime),
		store.AttemptInProcess,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to insert attempt")
	}
	attemptID, err := result.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get inserted attempt id")
	}
	return attemptID, nil
}

const attemptColumns = "attempt_id, task_id, runner, start_time, fail_reason, done_time, status"

func (d *DB) GetAttempt(ctx context.Context, attemptID int64) (*store.Attempt, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT "+attemptColumns+" FROM attempts WHERE attempt_id = ?", attemptID)
	attempt, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return attempt, err
}

func (d *DB) ListAttempts(ctx context.Context, taskID int64) ([]*store.Attempt, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT "+attemptColumns+" FROM attempts WHERE task_id = ? ORDER BY attempt_id", taskID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list attempts")
	}
	defer rows.Close()

	var attempts []*store.Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return attempts, nil
}

// MostRecentAttempt returns the attempt with the highest id for the task,
// or nil when the task has never been attempted.
func (d *DB) MostRecentAttempt(ctx context.Context, taskID int64) (*store.Attempt, error) {
	var attemptID sql.NullInt64
	err := d.db.QueryRowContext(ctx,
		"SELECT MAX(attempt_id) FROM attempts WHERE task_id = ?", taskID,
	).Scan(&attemptID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get most recent attempt id")
	}
	if !attemptID.Valid {
		return nil, nil
	}
	return d.GetAttempt(ctx, attemptID.Int64)
}

func (d *DB) CountAttempts(ctx context.Context, taskID int64, status *store.AttemptStatus) (int, error) {
	query := "SELECT COUNT(*) FROM attempts WHERE task_id = ?"
	args := []any{taskID}
	if status != nil {
		query += " AND status = ?"
		args = append(args, *status)
	}
	var count int
	if err := d.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count attempts")
	}
	return count, nil
}

func (d *DB) SetAttemptCompleted(ctx context.Context, attemptID int64, doneTime time.Time) error {
	if _, err := d.db.ExecContext(ctx,
		"UPDATE attempts SET done_time = ?, status = ? WHERE attempt_id = ?",
		formatTime(doneTime), store.AttemptCompleted, attemptID,
	); err != nil {
		return errors.Wrapf(err, "failed to mark attempt %d completed", attemptID)
	}
	return nil
}

func (d *DB) SetAttemptFailed(ctx context.Context, attemptID int64, failReason string, doneTime time.Time) error {
	if _, err := d.db.ExecContext(ctx,
		"UPDATE attempts SET done_time = ?, fail_reason = ?, status = ? WHERE attempt_id = ?",
		formatTime(doneTime), failReason, store.AttemptFailed, attemptID,
	); err != nil {
		return errors.Wrapf(err, "failed to mark attempt %d failed", attemptID)
	}
	return nil
}

func scanAttempt(row rowScanner) (*store.Attempt, error) {
	var attempt store.Attempt
	var failReason sql.NullString
	var startTime string
	var doneTime sql.NullString
	if err := row.Scan(
		&attempt.ID,
		&attempt.TaskID,
		&attempt.Runner,
		&startTime,
		&failReason,
		&doneTime,
		&attempt.Status,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan attempt")
	}

	attempt.FailReason = failReason.String
	start, err := parseTime(startTime)
	if err != nil {
		return nil, err
	}
	attempt.StartTime = start
	if doneTime.Valid {
		done, err := parseTime(doneTime.String)
		if err != nil {
			return nil, err
		}
		attempt.DoneTime = &done
	}
	return &attempt, nil
}
