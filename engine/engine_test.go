package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigshoulders/stq/internal/profile"
	"github.com/bigshoulders/stq/store"
	"github.com/bigshoulders/stq/store/db/sqlite"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	testProfile := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "stq_test.db"),
	}
	driver, err := sqlite.NewDB(testProfile)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = driver.Close()
	})
	require.NoError(t, driver.Migrate(context.Background()))
	return New(store.New(driver, testProfile))
}

func at(second int) time.Time {
	return time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC).Add(time.Duration(second) * time.Second)
}

func addTask(t *testing.T, e *Engine, create *store.CreateTask) *store.Task {
	t.Helper()
	task, err := e.AddTask(context.Background(), create)
	require.NoError(t, err)
	return task
}

func TestAddTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	duration := 30.0
	added := addTask(t, e, &store.CreateTask{
		Command:     "cp a b",
		Name:        "copy",
		Description: "copies things",
		Duration:    &duration,
		MaxAttempts: 2,
		CreatedTime: at(0),
	})

	got, err := e.GetTask(ctx, added.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, added, got)
	assert.True(t, got.IsToDo())
}

func TestAddTaskDefaultsMaxAttempts(t *testing.T) {
	e := newTestEngine(t)
	task := addTask(t, e, &store.CreateTask{Command: "true", CreatedTime: at(0)})
	assert.Equal(t, 1, task.MaxAttempts)
}

func TestAddTaskUnknownDependency(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.AddTask(ctx, &store.CreateTask{
		Command:     "true",
		MaxAttempts: 1,
		CreatedTime: at(0),
		DependentOn: []int64{7},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrUnknownDependency))
}

// S1 — basic enqueue and dispatch.
func TestBasicEnqueueAndDispatch(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	task := addTask(t, e, &store.CreateTask{Command: "cp a b", MaxAttempts: 1, CreatedTime: at(0)})
	assert.Equal(t, int64(1), task.ID)

	gotTask, attempt, err := e.StartNextAttempt(ctx, "r1", at(1))
	require.NoError(t, err)
	require.NotNil(t, gotTask)
	require.NotNil(t, attempt)
	assert.Equal(t, task.ID, gotTask.ID)
	assert.Equal(t, task.ID, attempt.TaskID)
	assert.Equal(t, int64(1), attempt.ID)
	assert.True(t, attempt.IsInProcess())
	assert.True(t, gotTask.IsInProcess())
	assert.True(t, at(1).Equal(attempt.StartTime))

	ok, err := e.CompleteAttempt(ctx, task.ID, attempt.ID, at(2))
	require.NoError(t, err)
	assert.True(t, ok)

	doneTask, err := e.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, doneTask.HasCompleted())
	finished, err := e.TaskAttempts(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, finished, 1)
	assert.True(t, finished[0].IsCompleted())
	require.NotNil(t, finished[0].DoneTime)
	assert.True(t, at(2).Equal(*finished[0].DoneTime))

	gotTask, attempt, err = e.StartNextAttempt(ctx, "r1", at(3))
	require.NoError(t, err)
	assert.Nil(t, gotTask)
	assert.Nil(t, attempt)
}

// S2 — dependency gating at selection time.
func TestDependencyGating(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	first := addTask(t, e, &store.CreateTask{Command: "true", MaxAttempts: 1, CreatedTime: at(0)})
	second := addTask(t, e, &store.CreateTask{Command: "true", MaxAttempts: 1, CreatedTime: at(1)})
	third := addTask(t, e, &store.CreateTask{
		Command: "true", MaxAttempts: 1, CreatedTime: at(2),
		DependentOn: []int64{first.ID, second.ID},
	})

	gotFirst, attemptFirst, err := e.StartNextAttempt(ctx, "r1", at(3))
	require.NoError(t, err)
	assert.Equal(t, first.ID, gotFirst.ID)
	gotSecond, attemptSecond, err := e.StartNextAttempt(ctx, "r2", at(4))
	require.NoError(t, err)
	assert.Equal(t, second.ID, gotSecond.ID)

	// Third is gated until both dependencies complete.
	gated, _, err := e.StartNextAttempt(ctx, "r3", at(5))
	require.NoError(t, err)
	assert.Nil(t, gated)

	_, err = e.CompleteAttempt(ctx, first.ID, attemptFirst.ID, at(6))
	require.NoError(t, err)
	gated, _, err = e.StartNextAttempt(ctx, "r3", at(7))
	require.NoError(t, err)
	assert.Nil(t, gated)

	_, err = e.CompleteAttempt(ctx, second.ID, attemptSecond.ID, at(8))
	require.NoError(t, err)
	gotThird, _, err := e.StartNextAttempt(ctx, "r3", at(9))
	require.NoError(t, err)
	require.NotNil(t, gotThird)
	assert.Equal(t, third.ID, gotThird.ID)
}

// S3 — retry with max_attempts=2.
func TestRetryUntilExhausted(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	task := addTask(t, e, &store.CreateTask{Command: "false", MaxAttempts: 2, CreatedTime: at(0)})

	_, first, err := e.StartNextAttempt(ctx, "r1", at(1))
	require.NoError(t, err)
	require.NotNil(t, first)

	ok, err := e.FailAttempt(ctx, task.ID, first.ID, "boom", at(2))
	require.NoError(t, err)
	assert.True(t, ok)

	// One failure short of max_attempts keeps the task in process.
	inProcess, err := e.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, inProcess.IsInProcess())

	retryTask, second, err := e.StartNextAttempt(ctx, "r1", at(3))
	require.NoError(t, err)
	require.NotNil(t, retryTask)
	assert.Equal(t, task.ID, retryTask.ID)
	assert.NotEqual(t, first.ID, second.ID)

	ok, err = e.FailAttempt(ctx, task.ID, second.ID, "boom again", at(4))
	require.NoError(t, err)
	assert.True(t, ok)

	failedTask, err := e.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, failedTask.HasFailed())

	none, _, err := e.StartNextAttempt(ctx, "r1", at(5))
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSingleFailureWithOneMaxAttempt(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	task := addTask(t, e, &store.CreateTask{Command: "false", MaxAttempts: 1, CreatedTime: at(0)})
	_, attempt, err := e.StartNextAttempt(ctx, "r1", at(1))
	require.NoError(t, err)

	ok, err := e.FailAttempt(ctx, task.ID, attempt.ID, "x", at(2))
	require.NoError(t, err)
	assert.True(t, ok)

	failedTask, err := e.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, failedTask.HasFailed())

	none, _, err := e.StartNextAttempt(ctx, "r1", at(3))
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestFailAfterTerminalReturnsFalse(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	task := addTask(t, e, &store.CreateTask{Command: "false", MaxAttempts: 1, CreatedTime: at(0)})
	_, attempt, err := e.StartNextAttempt(ctx, "r1", at(1))
	require.NoError(t, err)

	ok, err := e.FailAttempt(ctx, task.ID, attempt.ID, "x", at(2))
	require.NoError(t, err)
	assert.True(t, ok)

	// Terminal states never flip; reporting again changes nothing.
	ok, err = e.FailAttempt(ctx, task.ID, attempt.ID, "y", at(3))
	require.NoError(t, err)
	assert.False(t, ok)
	attempts, err := e.TaskAttempts(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "x", attempts[0].FailReason)
	assert.True(t, at(2).Equal(*attempts[0].DoneTime))
}

func TestCompleteAttemptMismatch(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	first := addTask(t, e, &store.CreateTask{Command: "true", MaxAttempts: 1, CreatedTime: at(0)})
	second := addTask(t, e, &store.CreateTask{Command: "true", MaxAttempts: 1, CreatedTime: at(1)})

	_, attempt, err := e.StartNextAttempt(ctx, "r1", at(2))
	require.NoError(t, err)
	require.Equal(t, first.ID, attempt.TaskID)

	// Wrong owning task: nothing changes.
	ok, err := e.CompleteAttempt(ctx, second.ID, attempt.ID, at(3))
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown attempt id.
	ok, err = e.CompleteAttempt(ctx, first.ID, 99, at(3))
	require.NoError(t, err)
	assert.False(t, ok)

	current, err := e.GetTask(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, current.IsInProcess())
}

func TestCompletedDoneTimeMatchesReport(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	task := addTask(t, e, &store.CreateTask{Command: "true", MaxAttempts: 1, CreatedTime: at(0)})
	_, attempt, err := e.StartNextAttempt(ctx, "r1", at(1))
	require.NoError(t, err)

	_, err = e.CompleteAttempt(ctx, task.ID, attempt.ID, at(7))
	require.NoError(t, err)

	doneTime, err := e.DoneTime(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, doneTime)
	assert.True(t, at(7).Equal(*doneTime))
}

// S6 — delete blocked by a dependent that is not done.
func TestDeleteBlockedByDependent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	first := addTask(t, e, &store.CreateTask{Command: "true", MaxAttempts: 1, CreatedTime: at(0)})
	second := addTask(t, e, &store.CreateTask{
		Command: "true", MaxAttempts: 1, CreatedTime: at(1), DependentOn: []int64{first.ID},
	})

	deleted, err := e.DeleteTask(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	// Both tasks are intact.
	for _, taskID := range []int64{first.ID, second.ID} {
		task, err := e.GetTask(ctx, taskID)
		require.NoError(t, err)
		assert.NotNil(t, task)
	}
}

func TestDeleteAfterDependentDone(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	first := addTask(t, e, &store.CreateTask{Command: "true", MaxAttempts: 1, CreatedTime: at(0)})
	second := addTask(t, e, &store.CreateTask{
		Command: "true", MaxAttempts: 1, CreatedTime: at(1), DependentOn: []int64{first.ID},
	})

	_, firstAttempt, err := e.StartNextAttempt(ctx, "r1", at(2))
	require.NoError(t, err)
	_, err = e.CompleteAttempt(ctx, first.ID, firstAttempt.ID, at(3))
	require.NoError(t, err)
	_, secondAttempt, err := e.StartNextAttempt(ctx, "r1", at(4))
	require.NoError(t, err)
	_, err = e.CompleteAttempt(ctx, second.ID, secondAttempt.ID, at(5))
	require.NoError(t, err)

	deleted, err := e.DeleteTask(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	task, err := e.GetTask(ctx, first.ID)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestDeleteUnknownTask(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	deleted, err := e.DeleteTask(ctx, 12)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDependenciesListsDependents(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	first := addTask(t, e, &store.CreateTask{Command: "true", MaxAttempts: 1, CreatedTime: at(0)})
	second := addTask(t, e, &store.CreateTask{
		Command: "true", MaxAttempts: 1, CreatedTime: at(1), DependentOn: []int64{first.ID},
	})

	dependents, err := e.Dependencies(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{second.ID}, dependents)
}
