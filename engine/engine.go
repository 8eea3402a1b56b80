// Package engine coordinates task scheduling over the durable store: it
// decides which attempt a polling runner gets next, applies retry and
// timeout policy, and drives the task lifecycle from attempt reports.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/bigshoulders/stq/internal/metrics"
	"github.com/bigshoulders/stq/store"
)

// Engine is the public face of the scheduler. All mutating operations are
// serialized: exactly one scheduler instance owns the store, and within it
// one writer runs at a time, so two concurrent polls can never receive the
// same attempt. Reads go straight to the store and see committed state.
type Engine struct {
	store *store.Store

	// mu serializes the mutating operations. Each one is a short sequence
	// of store transactions that must not interleave with another writer.
	mu sync.Mutex
}

func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// AddTask validates the dependency list and inserts the task into ToDo.
// Every dependent-on id must name an existing task in any queue, otherwise
// store.ErrUnknownDependency is returned and nothing is inserted.
func (e *Engine) AddTask(ctx context.Context, create *store.CreateTask) (*store.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if create.MaxAttempts < 1 {
		create.MaxAttempts = 1
	}
	for _, dependentOnID := range create.DependentOn {
		dependency, err := e.store.GetTask(ctx, dependentOnID)
		if err != nil {
			metrics.StorageErrors.Inc()
			return nil, err
		}
		if dependency == nil {
			return nil, errors.Wrapf(store.ErrUnknownDependency, "task id %d", dependentOnID)
		}
	}

	task, err := e.store.CreateTask(ctx, create)
	if err != nil {
		if !errors.Is(err, store.ErrUnknownDependency) {
			metrics.StorageErrors.Inc()
		}
		return nil, err
	}
	metrics.TasksAdded.Inc()
	slog.Info("added task to todo", "task", task.ID)
	return task, nil
}

// DeleteTask removes a task together with all of its attempts. The delete
// is refused while any other task that depends on this one is not Done.
// Returns whether a task row existed and was removed.
func (e *Engine) DeleteTask(ctx context.Context, taskID int64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dependentIDs, err := e.store.ListDependents(ctx, taskID)
	if err != nil {
		metrics.StorageErrors.Inc()
		return false, err
	}
	for _, dependentID := range dependentIDs {
		dependent, err := e.store.GetTask(ctx, dependentID)
		if err != nil {
			metrics.StorageErrors.Inc()
			return false, err
		}
		if dependent != nil && !dependent.IsDone() {
			slog.Info("cannot delete task, a dependent task is not done yet",
				"task", taskID, "dependent", dependentID)
			return false, nil
		}
	}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		metrics.StorageErrors.Inc()
		return false, err
	}
	if task != nil && task.IsInProcess() {
		// Deleting a running task orphans whatever the runner is doing;
		// its eventual report will land on a missing attempt.
		slog.Warn("deleting an in-process task, any in-flight attempt is orphaned", "task", taskID)
	}

	deleted, err := e.store.DeleteTask(ctx, taskID)
	if err != nil {
		metrics.StorageErrors.Inc()
		return false, err
	}
	if deleted {
		metrics.TasksDeleted.Inc()
		slog.Info("task and all of its attempts deleted", "task", taskID)
	}
	return deleted, nil
}

// CompleteAttempt records a successful attempt report and moves the task
// to Done. The (taskID, attemptID) pair must belong together; otherwise
// nothing changes and false is returned.
func (e *Engine) CompleteAttempt(ctx context.Context, taskID, attemptID int64, now time.Time) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	attempt, err := e.store.GetAttempt(ctx, attemptID)
	if err != nil {
		metrics.StorageErrors.Inc()
		return false, err
	}
	if attempt == nil {
		slog.Error("tried to complete attempt but no attempt for that id", "attempt", attemptID)
		return false, nil
	}
	if attempt.TaskID != taskID {
		slog.Error("tried to complete attempt for the wrong task",
			"attempt", attemptID, "claimed_task", taskID, "actual_task", attempt.TaskID)
		return false, nil
	}

	applied, err := e.store.SetAttemptCompleted(ctx, attemptID, now)
	if err != nil {
		metrics.StorageErrors.Inc()
		return false, err
	}
	if !applied {
		// Terminal states never flip; the report is a logged no-op.
		return false, nil
	}
	if err := e.store.SetTaskQueue(ctx, taskID, store.QueueDone); err != nil {
		metrics.StorageErrors.Inc()
		return false, err
	}
	metrics.AttemptsCompleted.Inc()
	slog.Info("completed attempt", "attempt", attemptID, "task", taskID)
	return true, nil
}

// FailAttempt records a failed attempt report. The task moves to Done only
// once its attempt count reaches max_attempts; short of that it stays
// InProcess and the next scheduler poll picks it up as a retry candidate.
func (e *Engine) FailAttempt(ctx context.Context, taskID, attemptID int64, failReason string, now time.Time) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	attempt, err := e.store.GetAttempt(ctx, attemptID)
	if err != nil {
		metrics.StorageErrors.Inc()
		return false, err
	}
	if attempt == nil {
		slog.Error("tried to fail attempt but no attempt for that id", "attempt", attemptID)
		return false, nil
	}
	if attempt.TaskID != taskID {
		slog.Error("tried to fail attempt for the wrong task",
			"attempt", attemptID, "claimed_task", taskID, "actual_task", attempt.TaskID)
		return false, nil
	}

	applied, err := e.store.SetAttemptFailed(ctx, attemptID, failReason, now)
	if err != nil {
		metrics.StorageErrors.Inc()
		return false, err
	}
	if !applied {
		// Terminal states never flip; the report is a logged no-op.
		return false, nil
	}
	metrics.AttemptsFailed.Inc()
	slog.Info("failed attempt", "attempt", attemptID, "task", taskID, "reason", failReason)

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		metrics.StorageErrors.Inc()
		return false, err
	}
	if task == nil {
		slog.Warn("failing attempt but the task no longer exists", "attempt", attemptID, "task", taskID)
		return false, nil
	}

	numAttempts, err := e.store.CountAttempts(ctx, taskID)
	if err != nil {
		metrics.StorageErrors.Inc()
		return false, err
	}
	if numAttempts >= task.MaxAttempts {
		if err := e.store.SetTaskQueue(ctx, taskID, store.QueueDone); err != nil {
			metrics.StorageErrors.Inc()
			return false, err
		}
		slog.Info("last attempt failed, task moved to done", "task", taskID, "attempt", attemptID)
	}
	return true, nil
}

// GetTask returns the task snapshot in whatever queue it currently sits,
// or nil when it does not exist.
func (e *Engine) GetTask(ctx context.Context, taskID int64) (*store.Task, error) {
	return e.store.GetTask(ctx, taskID)
}

// TaskAttempts returns all attempts for a task in creation order.
func (e *Engine) TaskAttempts(ctx context.Context, taskID int64) ([]*store.Attempt, error) {
	return e.store.ListAttempts(ctx, taskID)
}

func (e *Engine) MostRecentAttempt(ctx context.Context, taskID int64) (*store.Attempt, error) {
	return e.store.MostRecentAttempt(ctx, taskID)
}

// DoneTime returns the earliest terminal attempt time for a task.
func (e *Engine) DoneTime(ctx context.Context, taskID int64) (*time.Time, error) {
	return e.store.TaskDoneTime(ctx, taskID)
}

func (e *Engine) TodoTasks(ctx context.Context) ([]*store.Task, error) {
	return e.store.ListTasks(ctx, &store.FindTask{Queue: store.QueueToDo})
}

func (e *Engine) InProcessTasks(ctx context.Context) ([]*store.Task, error) {
	return e.store.ListTasks(ctx, &store.FindTask{
		Queue: store.QueueInProcess,
		Order: store.OrderByCreatedTime,
	})
}

func (e *Engine) DoneTasks(ctx context.Context) ([]*store.Task, error) {
	return e.store.ListTasks(ctx, &store.FindTask{Queue: store.QueueDone})
}

// Dependencies returns the ids of tasks that depend on the given task.
func (e *Engine) Dependencies(ctx context.Context, taskID int64) ([]int64, error) {
	return e.store.ListDependents(ctx, taskID)
}
