package v1

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/bigshoulders/stq/store"
)

// AddTask handles POST /task. Form fields: command (required), name,
// description, duration (float seconds), max_attempts (int >= 1),
// dependent_on (repeatable task id).
func (s *APIV1Service) AddTask(c echo.Context) error {
	ctx := c.Request().Context()

	command := c.FormValue("command")
	if command == "" {
		return c.JSON(http.StatusBadRequest, errorMessage{Message: "command is required: what gets executed in the command line"})
	}

	create := &store.CreateTask{
		Command:     command,
		Name:        c.FormValue("name"),
		Description: c.FormValue("description"),
		MaxAttempts: 1,
		CreatedTime: time.Now(),
	}

	if raw := c.FormValue("duration"); raw != "" {
		duration, err := strconv.ParseFloat(raw, 64)
		if err != nil || duration < 0 {
			return c.JSON(http.StatusBadRequest, errorMessage{Message: "duration must be a non-negative number of seconds"})
		}
		create.Duration = &duration
	}

	if raw := c.FormValue("max_attempts"); raw != "" {
		maxAttempts, err := strconv.Atoi(raw)
		if err != nil || maxAttempts < 1 {
			return c.JSON(http.StatusBadRequest, errorMessage{Message: "max_attempts must be an integer >= 1"})
		}
		create.MaxAttempts = maxAttempts
	}

	params, err := c.FormParams()
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorMessage{Message: "could not parse form"})
	}
	for _, raw := range params["dependent_on"] {
		dependentOnID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorMessage{Message: "dependent_on must be a task id"})
		}
		create.DependentOn = append(create.DependentOn, dependentOnID)
	}

	task, err := s.Engine.AddTask(ctx, create)
	if err != nil {
		if errors.Is(err, store.ErrUnknownDependency) {
			return c.JSON(http.StatusBadRequest, errorMessage{
				Message: "One or more specified dependent_on Task IDs are unknown by the server. Task not added!",
			})
		}
		return c.JSON(http.StatusInternalServerError, errorMessage{Message: "failed to add task"})
	}
	return c.JSON(http.StatusCreated, toTaskJSON(task))
}

// DeleteTask handles DELETE /task. The delete is refused while another
// task that is not Done depends on the target.
func (s *APIV1Service) DeleteTask(c echo.Context) error {
	ctx := c.Request().Context()

	taskID, err := strconv.ParseInt(c.FormValue("task_id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorMessage{Message: "task_id must be a task id"})
	}

	deleted, err := s.Engine.DeleteTask(ctx, taskID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorMessage{Message: "failed to delete task"})
	}
	if !deleted {
		return c.JSON(http.StatusBadRequest, errorMessage{
			Message: "task could not be deleted; it may not exist or a task that is not done depends on it",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "task deleted",
		"task_id": taskID,
	})
}

// ListTasks handles GET /listtasks/{type} for type in todo, inprocess,
// failed, completed. Done tasks are partitioned by their derived state.
func (s *APIV1Service) ListTasks(c echo.Context) error {
	ctx := c.Request().Context()

	var tasks []*store.Task
	var err error
	listType := c.Param("type")
	switch listType {
	case "todo":
		tasks, err = s.Engine.TodoTasks(ctx)
	case "inprocess":
		tasks, err = s.Engine.InProcessTasks(ctx)
	case "completed", "failed":
		var done []*store.Task
		done, err = s.Engine.DoneTasks(ctx)
		for _, task := range done {
			if listType == "completed" && task.HasCompleted() {
				tasks = append(tasks, task)
			} else if listType == "failed" && task.HasFailed() {
				tasks = append(tasks, task)
			}
		}
	default:
		return c.JSON(http.StatusBadRequest, errorMessage{
			Message: "unknown list type; must be one of: todo, inprocess, failed, completed",
		})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorMessage{Message: "failed to list tasks"})
	}

	data := make([]taskJSON, 0, len(tasks))
	for _, task := range tasks {
		data = append(data, toTaskJSON(task))
	}
	return c.JSON(http.StatusOK, map[string]any{"data": data})
}
