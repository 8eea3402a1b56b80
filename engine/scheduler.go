package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/bigshoulders/stq/internal/metrics"
	"github.com/bigshoulders/stq/store"
)

// StartNextAttempt selects the next runnable attempt for a polling runner.
// Retry comes before new work: an InProcess task whose last attempt failed
// or timed out is reissued before anything is promoted from ToDo, which
// keeps backlog growth bounded under persistent runner failures. Tasks
// that ran out of attempts along the way are escalated to Done. Returns
// (nil, nil, nil) when nothing is runnable.
func (e *Engine) StartNextAttempt(ctx context.Context, runner string, now time.Time) (*store.Task, *store.Attempt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	slog.Debug("starting next attempt", "runner", runner, "now", now)

	nextTask, failedTasks, err := e.taskToRetry(ctx, now)
	if err != nil {
		metrics.StorageErrors.Inc()
		return nil, nil, err
	}
	for _, task := range failedTasks {
		slog.Info("task has run out of attempts, moving it to done", "task", task.ID)
		if err := e.store.SetTaskQueue(ctx, task.ID, store.QueueDone); err != nil {
			metrics.StorageErrors.Inc()
			return nil, nil, err
		}
		metrics.TasksExhausted.Inc()
	}

	if nextTask == nil {
		// Promote from ToDo, oldest first, skipping anything whose
		// dependencies have not all completed. Gating happens here at
		// selection time because dependencies complete asynchronously.
		nextTask, err = e.nextTodoTask(ctx)
		if err != nil {
			metrics.StorageErrors.Inc()
			return nil, nil, err
		}
		if nextTask != nil {
			if err := e.store.SetTaskQueue(ctx, nextTask.ID, store.QueueInProcess); err != nil {
				metrics.StorageErrors.Inc()
				return nil, nil, err
			}
			slog.Debug("task moved from todo to in process", "task", nextTask.ID)
		}
	}

	if nextTask == nil {
		slog.Debug("no next task to attempt", "runner", runner)
		metrics.EmptyPolls.Inc()
		return nil, nil, nil
	}

	attempt, err := e.store.CreateAttempt(ctx, &store.CreateAttempt{
		TaskID:    nextTask.ID,
		Runner:    runner,
		StartTime: now,
	})
	if err != nil {
		metrics.StorageErrors.Inc()
		return nil, nil, err
	}
	metrics.AttemptsStarted.Inc()

	numAttempts, err := e.store.CountAttempts(ctx, nextTask.ID)
	if err != nil {
		metrics.StorageErrors.Inc()
		return nil, nil, err
	}
	slog.Info("created attempt",
		"attempt", attempt.ID, "task", nextTask.ID,
		"attempt_number", numAttempts, "max_attempts", nextTask.MaxAttempts)

	// Refresh the task so the returned snapshot reflects the queue move.
	returnTask, err := e.store.GetTask(ctx, nextTask.ID)
	if err != nil {
		metrics.StorageErrors.Inc()
		return nil, nil, err
	}
	return returnTask, attempt, nil
}

// taskToRetry sweeps the InProcess tasks for retry candidates. A task is a
// candidate when its most recent attempt failed, or, for tasks with an
// expected duration, when that attempt has been running longer than the
// duration. Candidates past max_attempts come back as failedTasks instead.
// When both sweeps produce a candidate the older created_time wins, ties
// broken by task id.
func (e *Engine) taskToRetry(ctx context.Context, now time.Time) (*store.Task, []*store.Task, error) {
	var failedTasks []*store.Task

	withDuration := true
	withoutDuration := false

	var noDuration *store.Task
	noDurationTasks, err := e.store.ListTasks(ctx, &store.FindTask{
		Queue:        store.QueueInProcess,
		WithDuration: &withoutDuration,
	})
	if err != nil {
		return nil, nil, err
	}
	for _, task := range noDurationTasks {
		mostRecent, err := e.store.MostRecentAttempt(ctx, task.ID)
		if err != nil {
			return nil, nil, err
		}
		if mostRecent == nil || !mostRecent.IsFailed() {
			continue
		}
		attemptCount, err := e.store.CountAttempts(ctx, task.ID)
		if err != nil {
			return nil, nil, err
		}
		if attemptCount >= task.MaxAttempts {
			slog.Debug("task failed its last allowed attempt, treating as failed",
				"task", task.ID, "attempts", attemptCount, "max_attempts", task.MaxAttempts)
			failedTasks = append(failedTasks, task)
			continue
		}
		slog.Debug("task has a failed attempt left to retry",
			"task", task.ID, "attempts", attemptCount, "max_attempts", task.MaxAttempts)
		noDuration = task
		break
	}

	var withDurationTask *store.Task
	durationTasks, err := e.store.ListTasks(ctx, &store.FindTask{
		Queue:        store.QueueInProcess,
		WithDuration: &withDuration,
	})
	if err != nil {
		return nil, nil, err
	}
	for _, task := range durationTasks {
		mostRecent, err := e.store.MostRecentAttempt(ctx, task.ID)
		if err != nil {
			return nil, nil, err
		}
		if mostRecent == nil {
			continue
		}
		failed := mostRecent.IsFailed()
		timedOut := mostRecent.IsInProcess() && now.Sub(mostRecent.StartTime).Seconds() > *task.Duration
		if !failed && !timedOut {
			continue
		}
		if timedOut {
			// The stale attempt would otherwise sit InProcess forever
			// next to its replacement.
			slog.Info("attempt timed out", "attempt", mostRecent.ID, "task", task.ID,
				"duration_seconds", *task.Duration)
			if _, err := e.store.SetAttemptFailed(ctx, mostRecent.ID, "timed out", now); err != nil {
				return nil, nil, err
			}
		}
		attemptCount, err := e.store.CountAttempts(ctx, task.ID)
		if err != nil {
			return nil, nil, err
		}
		if attemptCount >= task.MaxAttempts {
			slog.Debug("task timed out or failed its last allowed attempt, treating as failed",
				"task", task.ID, "attempts", attemptCount, "max_attempts", task.MaxAttempts)
			failedTasks = append(failedTasks, task)
			continue
		}
		slog.Debug("task should be retried",
			"task", task.ID, "attempts", attemptCount, "max_attempts", task.MaxAttempts)
		withDurationTask = task
		break
	}

	retryTask := pickOlder(noDuration, withDurationTask)
	if retryTask == nil {
		slog.Debug("no task to retry", "failed_tasks", len(failedTasks))
	} else {
		slog.Debug("oldest retry candidate selected", "task", retryTask.ID, "failed_tasks", len(failedTasks))
	}
	return retryTask, failedTasks, nil
}

// pickOlder chooses between the two sweep candidates by created_time,
// breaking ties by task id so the choice is deterministic.
func pickOlder(a, b *store.Task) *store.Task {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.CreatedTime.Before(b.CreatedTime):
		return a
	case b.CreatedTime.Before(a.CreatedTime):
		return b
	case a.ID < b.ID:
		return a
	default:
		return b
	}
}

// nextTodoTask walks ToDo in insertion order and returns the first task
// whose dependencies have all completed, or nil when everything is gated.
func (e *Engine) nextTodoTask(ctx context.Context) (*store.Task, error) {
	todoIDs, err := e.store.ListTaskIDs(ctx, store.QueueToDo)
	if err != nil {
		return nil, err
	}
	for _, todoID := range todoIDs {
		dependentOnIDs, err := e.store.ListDependentOn(ctx, todoID)
		if err != nil {
			return nil, err
		}
		canRun := true
		for _, dependentOnID := range dependentOnIDs {
			completed, err := e.store.IsTaskCompleted(ctx, dependentOnID)
			if err != nil {
				return nil, err
			}
			if !completed {
				slog.Debug("task is gated on an incomplete dependency",
					"task", todoID, "dependent_on", dependentOnID)
				canRun = false
				break
			}
		}
		if canRun {
			return e.store.GetTask(ctx, todoID)
		}
	}
	return nil, nil
}
