// Package v1 exposes the form-based HTTP/JSON API the runners and
// operator scripts speak: task submission and deletion, attempt polling
// and reporting, and the per-queue task listings.
package v1

import (
	"github.com/labstack/echo/v4"

	"github.com/bigshoulders/stq/engine"
	"github.com/bigshoulders/stq/internal/profile"
	"github.com/bigshoulders/stq/store"
)

type APIV1Service struct {
	Profile *profile.Profile
	Engine  *engine.Engine
}

func NewAPIV1Service(profile *profile.Profile, engine *engine.Engine) *APIV1Service {
	return &APIV1Service{
		Profile: profile,
		Engine:  engine,
	}
}

func (s *APIV1Service) RegisterRoutes(e *echo.Echo) {
	e.POST("/task", s.AddTask)
	e.DELETE("/task", s.DeleteTask)
	e.GET("/attempt", s.NextAttempt)
	e.PUT("/attempt", s.ReportAttempt)
	e.GET("/listtasks/:type", s.ListTasks)
}

type errorMessage struct {
	Message string `json:"message"`
}

// taskJSON is the wire rendering of a task.
type taskJSON struct {
	TaskID      int64    `json:"task_id"`
	Name        string   `json:"name"`
	Command     string   `json:"command"`
	Description string   `json:"description"`
	Duration    *float64 `json:"duration"`
	MaxAttempts int      `json:"max_attempts"`
	DependentOn []int64  `json:"dependent_on"`
}

func toTaskJSON(task *store.Task) taskJSON {
	dependentOn := task.DependentOn
	if dependentOn == nil {
		dependentOn = []int64{}
	}
	return taskJSON{
		TaskID:      task.ID,
		Name:        task.Name,
		Command:     task.Command,
		Description: task.Description,
		Duration:    task.Duration,
		MaxAttempts: task.MaxAttempts,
		DependentOn: dependentOn,
	}
}
