// Package client is the Go client for the task server's HTTP API. The
// runner is built on it; it also serves scripts that enqueue and inspect
// tasks.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Client talks to one task server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Task is the wire rendering of a task as the server returns it.
type Task struct {
	TaskID      int64    `json:"task_id"`
	Name        string   `json:"name"`
	Command     string   `json:"command"`
	Description string   `json:"description"`
	Duration    *float64 `json:"duration"`
	MaxAttempts int      `json:"max_attempts"`
	DependentOn []int64  `json:"dependent_on"`
}

// NextAttempt is the server's answer to a runner poll. Status is
// "attempt" when there is work; "no attempt" otherwise.
type NextAttempt struct {
	Status    string `json:"status"`
	TaskID    int64  `json:"task_id"`
	Command   string `json:"command"`
	AttemptID int64  `json:"attempt_id"`
}

// HasWork reports whether the poll returned an attempt to run.
func (a *NextAttempt) HasWork() bool {
	return a.Status == "attempt"
}

// AddTaskRequest carries the optional fields of a task submission.
type AddTaskRequest struct {
	Command     string
	Name        string
	Description string
	Duration    *float64
	MaxAttempts int
	DependentOn []int64
}

// AddTask submits a task and returns its assigned id.
func (c *Client) AddTask(ctx context.Context, request *AddTaskRequest) (int64, error) {
	form := url.Values{}
	form.Set("command", request.Command)
	if request.Name != "" {
		form.Set("name", request.Name)
	}
	if request.Description != "" {
		form.Set("description", request.Description)
	}
	if request.Duration != nil {
		form.Set("duration", strconv.FormatFloat(*request.Duration, 'f', -1, 64))
	}
	if request.MaxAttempts > 0 {
		form.Set("max_attempts", strconv.Itoa(request.MaxAttempts))
	}
	for _, dependentOnID := range request.DependentOn {
		form.Add("dependent_on", strconv.FormatInt(dependentOnID, 10))
	}

	var task Task
	if err := c.do(ctx, http.MethodPost, "/task", form, &task); err != nil {
		return 0, err
	}
	return task.TaskID, nil
}

// DeleteTask asks the server to remove a task. Returns false when the
// server refused, e.g. because a not-done task depends on it.
func (c *Client) DeleteTask(ctx context.Context, taskID int64) (bool, error) {
	form := url.Values{}
	form.Set("task_id", strconv.FormatInt(taskID, 10))

	var response struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, http.MethodDelete, "/task", form, &response)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusBadRequest {
			return false, nil
		}
		return false, err
	}
	return response.Status == "task deleted", nil
}

// GetNextAttempt polls for work on behalf of a runner.
func (c *Client) GetNextAttempt(ctx context.Context, runnerID string) (*NextAttempt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/attempt?runner_id="+url.QueryEscape(runnerID), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}

	var attempt NextAttempt
	if err := c.send(req, &attempt); err != nil {
		return nil, err
	}
	return &attempt, nil
}

// ReportCompleted reports an attempt as successfully finished.
func (c *Client) ReportCompleted(ctx context.Context, runnerID string, taskID, attemptID int64) error {
	return c.reportAttempt(ctx, runnerID, taskID, attemptID, "completed", "")
}

// ReportFailed reports an attempt as failed with an explanatory message.
func (c *Client) ReportFailed(ctx context.Context, runnerID string, taskID, attemptID int64, message string) error {
	return c.reportAttempt(ctx, runnerID, taskID, attemptID, "failed", message)
}

func (c *Client) reportAttempt(ctx context.Context, runnerID string, taskID, attemptID int64, status, message string) error {
	form := url.Values{}
	form.Set("runner_id", runnerID)
	form.Set("task_id", strconv.FormatInt(taskID, 10))
	form.Set("attempt_id", strconv.FormatInt(attemptID, 10))
	form.Set("status", status)
	if message != "" {
		form.Set("message", message)
	}
	return c.do(ctx, http.MethodPut, "/attempt", form, nil)
}

// ListTasks fetches a task listing; listType is one of todo, inprocess,
// failed, completed.
func (c *Client) ListTasks(ctx context.Context, listType string) ([]Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/listtasks/"+listType, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}

	var response struct {
		Data []Task `json:"data"`
	}
	if err := c.send(req, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "request to %s failed", req.URL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := ""
		var serverError struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &serverError) == nil {
			message = serverError.Message
		}
		return &StatusError{Code: resp.StatusCode, Message: message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}
