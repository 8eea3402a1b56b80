package client_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigshoulders/stq/client"
	"github.com/bigshoulders/stq/engine"
	"github.com/bigshoulders/stq/internal/profile"
	apiv1 "github.com/bigshoulders/stq/server/router/api/v1"
	"github.com/bigshoulders/stq/store"
	"github.com/bigshoulders/stq/store/db/sqlite"
)

func newTestServer(t *testing.T) *client.Client {
	t.Helper()
	testProfile := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "stq_test.db"),
	}
	driver, err := sqlite.NewDB(testProfile)
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(context.Background()))

	e := echo.New()
	apiv1.NewAPIV1Service(testProfile, engine.New(store.New(driver, testProfile))).RegisterRoutes(e)
	server := httptest.NewServer(e)
	t.Cleanup(func() {
		server.Close()
		_ = driver.Close()
	})
	return client.New(server.URL)
}

func TestClientTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestServer(t)

	duration := 45.0
	taskID, err := c.AddTask(ctx, &client.AddTaskRequest{
		Command:     "echo hello",
		Name:        "greet",
		Duration:    &duration,
		MaxAttempts: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), taskID)

	todo, err := c.ListTasks(ctx, "todo")
	require.NoError(t, err)
	require.Len(t, todo, 1)
	assert.Equal(t, "echo hello", todo[0].Command)
	assert.Equal(t, "greet", todo[0].Name)
	require.NotNil(t, todo[0].Duration)
	assert.Equal(t, duration, *todo[0].Duration)

	attempt, err := c.GetNextAttempt(ctx, "runner-1")
	require.NoError(t, err)
	require.True(t, attempt.HasWork())
	assert.Equal(t, taskID, attempt.TaskID)
	assert.Equal(t, "echo hello", attempt.Command)

	require.NoError(t, c.ReportCompleted(ctx, "runner-1", attempt.TaskID, attempt.AttemptID))

	completed, err := c.ListTasks(ctx, "completed")
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, taskID, completed[0].TaskID)

	// The queue is drained.
	attempt, err = c.GetNextAttempt(ctx, "runner-1")
	require.NoError(t, err)
	assert.False(t, attempt.HasWork())
}

func TestClientReportFailed(t *testing.T) {
	ctx := context.Background()
	c := newTestServer(t)

	taskID, err := c.AddTask(ctx, &client.AddTaskRequest{Command: "false"})
	require.NoError(t, err)

	attempt, err := c.GetNextAttempt(ctx, "runner-1")
	require.NoError(t, err)
	require.True(t, attempt.HasWork())

	require.NoError(t, c.ReportFailed(ctx, "runner-1", attempt.TaskID, attempt.AttemptID, "exit status 1"))

	failed, err := c.ListTasks(ctx, "failed")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, taskID, failed[0].TaskID)
}

func TestClientAddTaskUnknownDependency(t *testing.T) {
	ctx := context.Background()
	c := newTestServer(t)

	_, err := c.AddTask(ctx, &client.AddTaskRequest{
		Command:     "true",
		DependentOn: []int64{41},
	})
	require.Error(t, err)
	var statusErr *client.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 400, statusErr.Code)
}

func TestClientDeleteTask(t *testing.T) {
	ctx := context.Background()
	c := newTestServer(t)

	taskID, err := c.AddTask(ctx, &client.AddTaskRequest{Command: "true"})
	require.NoError(t, err)

	deleted, err := c.DeleteTask(ctx, taskID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = c.DeleteTask(ctx, taskID)
	require.NoError(t, err)
	assert.False(t, deleted)
}
