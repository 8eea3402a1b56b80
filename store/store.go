package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/bigshoulders/stq/internal/profile"
)

// Driver is the database abstraction. Every mutating method is one
// transaction: it either fully applies or fully rolls back.
type Driver interface {
	Migrate(ctx context.Context) error
	Close() error

	CreateTask(ctx context.Context, create *CreateTask) (int64, error)
	GetTask(ctx context.Context, taskID int64) (*Task, error)
	GetTaskInQueue(ctx context.Context, taskID int64, queue Queue) (*Task, error)
	ListTaskIDs(ctx context.Context, queue Queue) ([]int64, error)
	ListTasks(ctx context.Context, find *FindTask) ([]*Task, error)
	CountTasks(ctx context.Context, queue Queue) (int, error)
	SetTaskQueue(ctx context.Context, taskID int64, queue Queue) error
	DeleteTask(ctx context.Context, taskID int64) (bool, error)

	CreateAttempt(ctx context.Context, create *CreateAttempt) (int64, error)
	GetAttempt(ctx context.Context, attemptID int64) (*Attempt, error)
	ListAttempts(ctx context.Context, taskID int64) ([]*Attempt, error)
	MostRecentAttempt(ctx context.Context, taskID int64) (*Attempt, error)
	CountAttempts(ctx context.Context, taskID int64, status *AttemptStatus) (int, error)
	SetAttemptCompleted(ctx context.Context, attemptID int64, doneTime time.Time) error
	SetAttemptFailed(ctx context.Context, attemptID int64, failReason string, doneTime time.Time) error
	TaskStartTime(ctx context.Context, taskID int64) (*time.Time, error)
	TaskDoneTime(ctx context.Context, taskID int64) (*time.Time, error)

	ListDependents(ctx context.Context, taskID int64) ([]int64, error)
	ListDependentOn(ctx context.Context, taskID int64) ([]int64, error)
}

// ErrUnknownDependency is returned when a task references a dependency
// task id that does not exist in any queue.
var ErrUnknownDependency = errors.New("unknown dependency task id")

// Store is the single source of truth for tasks, attempts and
// dependencies. It is a thin guard layer over the Driver: terminal-state
// transitions are checked here so that Completed and Failed attempts never
// flip, and everything else passes straight through.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) CreateTask(ctx context.Context, create *CreateTask) (*Task, error) {
	taskID, err := s.driver.CreateTask(ctx, create)
	if err != nil {
		return nil, err
	}
	return s.driver.GetTask(ctx, taskID)
}

func (s *Store) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	return s.driver.GetTask(ctx, taskID)
}

func (s *Store) GetTaskInQueue(ctx context.Context, taskID int64, queue Queue) (*Task, error) {
	return s.driver.GetTaskInQueue(ctx, taskID, queue)
}

func (s *Store) ListTaskIDs(ctx context.Context, queue Queue) ([]int64, error) {
	return s.driver.ListTaskIDs(ctx, queue)
}

func (s *Store) ListTasks(ctx context.Context, find *FindTask) ([]*Task, error) {
	return s.driver.ListTasks(ctx, find)
}

func (s *Store) CountTasks(ctx context.Context, queue Queue) (int, error) {
	return s.driver.CountTasks(ctx, queue)
}

func (s *Store) SetTaskQueue(ctx context.Context, taskID int64, queue Queue) error {
	return s.driver.SetTaskQueue(ctx, taskID, queue)
}

func (s *Store) DeleteTask(ctx context.Context, taskID int64) (bool, error) {
	return s.driver.DeleteTask(ctx, taskID)
}

func (s *Store) CreateAttempt(ctx context.Context, create *CreateAttempt) (*Attempt, error) {
	attemptID, err := s.driver.CreateAttempt(ctx, create)
	if err != nil {
		return nil, err
	}
	return s.driver.GetAttempt(ctx, attemptID)
}

func (s *Store) GetAttempt(ctx context.Context, attemptID int64) (*Attempt, error) {
	return s.driver.GetAttempt(ctx, attemptID)
}

func (s *Store) ListAttempts(ctx context.Context, taskID int64) ([]*Attempt, error) {
	return s.driver.ListAttempts(ctx, taskID)
}

func (s *Store) MostRecentAttempt(ctx context.Context, taskID int64) (*Attempt, error) {
	return s.driver.MostRecentAttempt(ctx, taskID)
}

func (s *Store) CountAttempts(ctx context.Context, taskID int64) (int, error) {
	return s.driver.CountAttempts(ctx, taskID, nil)
}

func (s *Store) CountAttemptsWithStatus(ctx context.Context, taskID int64, status AttemptStatus) (int, error) {
	return s.driver.CountAttempts(ctx, taskID, &status)
}

// SetAttemptFailed transitions an attempt to Failed. Attempts that are no
// longer InProcess are left untouched: terminal states never flip. Returns
// whether the transition was applied.
func (s *Store) SetAttemptFailed(ctx context.Context, attemptID int64, failReason string, doneTime time.Time) (bool, error) {
	attempt, err := s.driver.GetAttempt(ctx, attemptID)
	if err != nil {
		return false, err
	}
	if attempt == nil {
		return false, nil
	}
	if !attempt.IsInProcess() {
		slog.Warn("attempt is not in process, not marking failed",
			"attempt", attemptID, "status", attempt.Status.String())
		return false, nil
	}
	if err := s.driver.SetAttemptFailed(ctx, attemptID, failReason, doneTime); err != nil {
		return false, err
	}
	return true, nil
}

// SetAttemptCompleted transitions an attempt to Completed. Attempts that
// already reached a terminal state are a logged no-op.
func (s *Store) SetAttemptCompleted(ctx context.Context, attemptID int64, doneTime time.Time) (bool, error) {
	attempt, err := s.driver.GetAttempt(ctx, attemptID)
	if err != nil {
		return false, err
	}
	if attempt == nil {
		return false, nil
	}
	if !attempt.IsInProcess() {
		slog.Warn("attempt is not in process, not marking completed",
			"attempt", attemptID, "status", attempt.Status.String())
		return false, nil
	}
	if err := s.driver.SetAttemptCompleted(ctx, attemptID, doneTime); err != nil {
		return false, err
	}
	return true, nil
}

// IsTaskCompleted reports whether any attempt for the task completed. One
// completed attempt completes the whole task.
func (s *Store) IsTaskCompleted(ctx context.Context, taskID int64) (bool, error) {
	count, err := s.CountAttemptsWithStatus(ctx, taskID, AttemptCompleted)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) TaskStartTime(ctx context.Context, taskID int64) (*time.Time, error) {
	return s.driver.TaskStartTime(ctx, taskID)
}

func (s *Store) TaskDoneTime(ctx context.Context, taskID int64) (*time.Time, error) {
	return s.driver.TaskDoneTime(ctx, taskID)
}

func (s *Store) ListDependents(ctx context.Context, taskID int64) ([]int64, error) {
	return s.driver.ListDependents(ctx, taskID)
}

func (s *Store) ListDependentOn(ctx context.Context, taskID int64) ([]int64, error) {
	return s.driver.ListDependentOn(ctx, taskID)
}
