package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/bigshoulders/stq/store"
)

// CreateTask inserts the task row with queue ToDo plus one dependency row
// per dependent_on id, all in one transaction. An unknown dependency rolls
// the whole insert back.
func (d *DB) CreateTask(ctx context.Context, create *store.CreateTask) (int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (cmd, description, name, max_attempts, duration, created_time, queue)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		create.Command,
		create.Description,
		create.Name,
		create.MaxAttempts,
		durationArg(create.Duration),
		formatTime(create.CreatedTime),
		store.QueueToDo,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to insert task")
	}
	taskID, err := result.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get inserted task id")
	}

	for _, dependentOnID := range create.DependentOn {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM tasks WHERE task_id = ?)", dependentOnID,
		).Scan(&exists); err != nil {
			return 0, errors.Wrap(err, "failed to check dependency")
		}
		if !exists {
			return 0, errors.Wrapf(store.ErrUnknownDependency, "task id %d", dependentOnID)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO dependencies (task_id, dependent_on_task_id) VALUES (?, ?)",
			taskID, dependentOnID,
		); err != nil {
			return 0, errors.Wrap(err, "failed to insert dependency")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit transaction")
	}
	return taskID, nil
}

func durationArg(duration *float64) any {
	if duration == nil {
		return nil
	}
	return *duration
}

const taskColumns = "task_id, cmd, description, name, max_attempts, duration, created_time, queue"

func (d *DB) GetTask(ctx context.Context, taskID int64) (*store.Task, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE task_id = ?", taskID)
	return d.scanTask(ctx, row)
}

func (d *DB) GetTaskInQueue(ctx context.Context, taskID int64, queue store.Queue) (*store.Task, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE task_id = ? AND queue = ?", taskID, queue)
	return d.scanTask(ctx, row)
}

func (d *DB) ListTaskIDs(ctx context.Context, queue store.Queue) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT task_id FROM tasks WHERE queue = ? ORDER BY task_id", queue)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list task ids")
	}
	defer rows.Close()

	var taskIDs []int64
	for rows.Next() {
		var taskID int64
		if err := rows.Scan(&taskID); err != nil {
			return nil, errors.Wrap(err, "failed to scan task id")
		}
		taskIDs = append(taskIDs, taskID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return taskIDs, nil
}

func (d *DB) ListTasks(ctx context.Context, find *store.FindTask) ([]*store.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE queue = ?"
	if find.WithDuration != nil {
		if *find.WithDuration {
			query += " AND duration IS NOT NULL"
		} else {
			query += " AND duration IS NULL"
		}
	}
	switch find.Order {
	case store.OrderByCreatedTime:
		query += " ORDER BY created_time"
	default:
		query += " ORDER BY task_id"
	}

	rows, err := d.db.QueryContext(ctx, query, find.Queue)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
	}
	defer rows.Close()

	var tasks []*store.Task
	for rows.Next() {
		task, err := d.scanTaskRow(ctx, rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (d *DB) CountTasks(ctx context.Context, queue store.Queue) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(task_id) FROM tasks WHERE queue = ?", queue).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count tasks")
	}
	return count, nil
}

func (d *DB) SetTaskQueue(ctx context.Context, taskID int64, queue store.Queue) error {
	if _, err := d.db.ExecContext(ctx,
		"UPDATE tasks SET queue = ? WHERE task_id = ?", queue, taskID); err != nil {
		return errors.Wrapf(err, "failed to move task %d to %s", taskID, queue)
	}
	return nil
}

// DeleteTask removes the task, its attempts, and the dependency edges it
// owns, in one transaction. Edges where the task is the target are kept;
// the caller refuses the delete while live dependents exist.
func (d *DB) DeleteTask(ctx context.Context, taskID int64) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM attempts WHERE task_id = ?", taskID); err != nil {
		return false, errors.Wrap(err, "failed to delete attempts")
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM dependencies WHERE task_id = ?", taskID); err != nil {
		return false, errors.Wrap(err, "failed to delete dependencies")
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE task_id = ?", taskID)
	if err != nil {
		return false, errors.Wrap(err, "failed to delete task")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get affected rows")
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "failed to commit transaction")
	}
	return affected > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (d *DB) scanTask(ctx context.Context, row *sql.Row) (*store.Task, error) {
	task, err := d.scanTaskRow(ctx, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

func (d *DB) scanTaskRow(ctx context.Context, row rowScanner) (*store.Task, error) {
	var task store.Task
	var description, name sql.NullString
	var duration sql.NullFloat64
	var createdTime string
	if err := row.Scan(
		&task.ID,
		&task.Command,
		&description,
		&name,
		&task.MaxAttempts,
		&duration,
		&createdTime,
		&task.Queue,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan task")
	}

	task.Description = description.String
	task.Name = name.String
	if duration.Valid {
		task.Duration = &duration.Float64
	}
	created, err := parseTime(createdTime)
	if err != nil {
		return nil, err
	}
	task.CreatedTime = created

	dependentOn, err := d.ListDependentOn(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	task.DependentOn = dependentOn

	state, err := d.deriveTaskState(ctx, task.ID, task.Queue)
	if err != nil {
		return nil, err
	}
	task.State = state
	return &task, nil
}

// deriveTaskState maps the queue onto the rendered state. A Done task is
// Completed when any attempt completed, Failed otherwise.
func (d *DB) deriveTaskState(ctx context.Context, taskID int64, queue store.Queue) (store.TaskState, error) {
	switch queue {
	case store.QueueToDo:
		return store.TaskStateToDo, nil
	case store.QueueInProcess:
		return store.TaskStateInProcess, nil
	case store.QueueDone:
		completed := store.AttemptCompleted
		count, err := d.CountAttempts(ctx, taskID, &completed)
		if err != nil {
			return 0, err
		}
		if count > 0 {
			return store.TaskStateCompleted, nil
		}
		return store.TaskStateFailed, nil
	}
	return 0, errors.Errorf("could not determine state of task %d in queue %d", taskID, queue)
}

// TaskStartTime returns the start time of the earliest attempt, or nil
// when the task has never been attempted.
func (d *DB) TaskStartTime(ctx context.Context, taskID int64) (*time.Time, error) {
	var startTime sql.NullString
	err := d.db.QueryRowContext(ctx, `
		SELECT start_time FROM attempts
		WHERE attempt_id = (SELECT MIN(attempt_id) FROM attempts WHERE task_id = ?)`,
		taskID,
	).Scan(&startTime)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !startTime.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get task start time")
	}
	t, err := parseTime(startTime.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TaskDoneTime returns the earliest done_time over the task's terminal
// attempts, or nil when none has finished.
func (d *DB) TaskDoneTime(ctx context.Context, taskID int64) (*time.Time, error) {
	var doneTime sql.NullString
	err := d.db.QueryRowContext(ctx,
		"SELECT MIN(done_time) FROM attempts WHERE task_id = ?", taskID,
	).Scan(&doneTime)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !doneTime.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get task done time")
	}
	t, err := parseTime(doneTime.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
