package v1

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// NextAttempt handles GET /attempt?runner_id=... — the runner poll. Both
// the work and no-work cases respond 200.
func (s *APIV1Service) NextAttempt(c echo.Context) error {
	ctx := c.Request().Context()

	runnerID := c.QueryParam("runner_id")
	if runnerID == "" {
		return c.JSON(http.StatusBadRequest, errorMessage{Message: "runner_id is required"})
	}

	task, attempt, err := s.Engine.StartNextAttempt(ctx, runnerID, time.Now())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorMessage{Message: "failed to get next attempt"})
	}
	if task == nil || attempt == nil {
		return c.JSON(http.StatusOK, map[string]any{"status": "no attempt"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "attempt",
		"task_id":    task.ID,
		"command":    task.Command,
		"attempt_id": attempt.ID,
	})
}

// ReportAttempt handles PUT /attempt. Status must be "completed" or
// "failed"; anything else is recorded as a failure anyway and answered
// with 400 so the runner knows it sent garbage.
func (s *APIV1Service) ReportAttempt(c echo.Context) error {
	ctx := c.Request().Context()
	now := time.Now()

	if c.FormValue("runner_id") == "" {
		return c.JSON(http.StatusBadRequest, errorMessage{Message: "runner_id is required"})
	}
	taskID, err := strconv.ParseInt(c.FormValue("task_id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorMessage{Message: "task_id must be a task id"})
	}
	attemptID, err := strconv.ParseInt(c.FormValue("attempt_id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorMessage{Message: "attempt_id must be an attempt id"})
	}
	message := c.FormValue("message")

	switch status := c.FormValue("status"); status {
	case "completed":
		ok, err := s.Engine.CompleteAttempt(ctx, taskID, attemptID, now)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errorMessage{Message: "failed to complete attempt"})
		}
		if !ok {
			return c.JSON(http.StatusBadRequest, errorMessage{Message: "attempt does not belong to task or is unknown"})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"status":     "attempt completed",
			"task_id":    taskID,
			"attempt_id": attemptID,
		})
	case "failed":
		ok, err := s.Engine.FailAttempt(ctx, taskID, attemptID, message, now)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errorMessage{Message: "failed to fail attempt"})
		}
		if !ok {
			return c.JSON(http.StatusBadRequest, errorMessage{Message: "attempt does not belong to task or is unknown"})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"status":     "attempt failed",
			"task_id":    taskID,
			"attempt_id": attemptID,
		})
	default:
		// Fail-as-fallback: an unknown status still marks the attempt
		// failed, and the 400 tells the runner its report was malformed.
		if _, err := s.Engine.FailAttempt(ctx, taskID, attemptID,
			"runner reported unknown status "+strconv.Quote(status), now); err != nil {
			return c.JSON(http.StatusInternalServerError, errorMessage{Message: "failed to fail attempt"})
		}
		return c.JSON(http.StatusBadRequest, errorMessage{
			Message: "status must be one of: completed, failed; attempt recorded as failed",
		})
	}
}
