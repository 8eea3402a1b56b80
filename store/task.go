package store

import (
	"time"
)

// Queue is the coarse lifecycle bucket a task sits in. The integer values
// are the on-disk encoding and must not change: existing database files
// depend on them.
type Queue int32

const (
	QueueToDo      Queue = 1
	QueueInProcess Queue = 2
	QueueDone      Queue = 3
)

func (q Queue) String() string {
	switch q {
	case QueueToDo:
		return "ToDo"
	case QueueInProcess:
		return "InProcess"
	case QueueDone:
		return "Done"
	}
	return "Unknown"
}

// TaskState is the fully derived state of a task. A Done task renders as
// Completed when any attempt completed, Failed otherwise.
type TaskState int32

const (
	TaskStateToDo      TaskState = 0
	TaskStateInProcess TaskState = 50
	TaskStateCompleted TaskState = 100
	TaskStateFailed    TaskState = 200
)

func (s TaskState) String() string {
	switch s {
	case TaskStateToDo:
		return "todo"
	case TaskStateInProcess:
		return "inprocess"
	case TaskStateCompleted:
		return "completed"
	case TaskStateFailed:
		return "failed"
	}
	return "unknown"
}

// Task is an immutable snapshot of a queued command with its retry,
// dependency and timeout metadata. All state is derived from stored rows;
// nothing here shadows the database.
type Task struct {
	ID          int64
	Command     string
	Name        string
	Description string
	// Duration is the expected runtime in seconds. When set, an InProcess
	// attempt older than this is considered timed out. Nil means the
	// timeout rule never fires.
	Duration    *float64
	MaxAttempts int
	CreatedTime time.Time
	Queue       Queue
	State       TaskState
	DependentOn []int64
}

func (t *Task) IsToDo() bool {
	return t.State == TaskStateToDo
}

func (t *Task) IsInProcess() bool {
	return t.State == TaskStateInProcess
}

func (t *Task) HasCompleted() bool {
	return t.State == TaskStateCompleted
}

func (t *Task) HasFailed() bool {
	return t.State == TaskStateFailed
}

// IsDone reports whether the task reached a terminal state, either by
// completing or by exhausting its attempts.
func (t *Task) IsDone() bool {
	return t.State >= TaskStateCompleted
}

// CreateTask is the insert payload for a new task. Queue is always ToDo
// at insert; dependency rows are written in the same transaction.
type CreateTask struct {
	Command     string
	Name        string
	Description string
	Duration    *float64
	MaxAttempts int
	CreatedTime time.Time
	DependentOn []int64
}

// TaskOrder selects the sort column for task listings.
type TaskOrder int

const (
	OrderByTaskID TaskOrder = iota
	OrderByCreatedTime
)

// FindTask narrows task listings. WithDuration partitions InProcess tasks
// for the scheduler's timeout sweep.
type FindTask struct {
	Queue        Queue
	Order        TaskOrder
	WithDuration *bool
}
