package sqlite

import (
	"context"

	"github.com/pkg/errors"
)

// ListDependents returns the ids of tasks that depend on the given task.
func (d *DB) ListDependents(ctx context.Context, taskID int64) ([]int64, error) {
	return d.listDependencyColumn(ctx,
		"SELECT task_id FROM dependencies WHERE dependent_on_task_id = ? ORDER BY task_id", taskID)
}

// ListDependentOn returns the ids of tasks the given task depends on.
func (d *DB) ListDependentOn(ctx context.Context, taskID int64) ([]int64, error) {
	return d.listDependencyColumn(ctx,
		"SELECT dependent_on_task_id FROM dependencies WHERE task_id = ? ORDER BY dependent_on_task_id", taskID)
}

func (d *DB) listDependencyColumn(ctx context.Context, query string, taskID int64) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dependencies")
	}
	defer rows.Close()

	var taskIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan dependency")
		}
		taskIDs = append(taskIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return taskIDs, nil
}
