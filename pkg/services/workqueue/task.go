package workqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/retry"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusScheduled TaskStatus = "scheduled"
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	// TaskStatusRetried marks an attempt that failed and was re-enqueued.
	TaskStatusRetried   TaskStatus = "retried"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status ends a task state's life in the queue.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusRetried, TaskStatusCancelled:
		return true
	}
	return false
}

// Task is the interface that all work queue tasks must implement.
type Task interface {
	// ID returns a unique identifier for this task. Retries keep the ID.
	ID() string

	// Name returns a human-readable name for logs and the queue endpoint.
	Name() string

	// Kind groups tasks for metrics, e.g. "membership" or "repository_link".
	Kind() string

	// Execute runs the task. It receives:
	// - ctx: context for cancellation
	// - enqueuer: allows the task to enqueue follow-up tasks
	// Returns an error if the task fails.
	Execute(ctx context.Context, enqueuer TaskEnqueuer) error
}

// TaskEnqueuer allows tasks to enqueue follow-up tasks.
type TaskEnqueuer interface {
	Enqueue(task Task)
	EnqueueAfter(task Task, delay time.Duration)
}

// Retrier is implemented by tasks the queue re-enqueues after a failed attempt.
// The queue never sleeps a worker: the next attempt is scheduled with the
// delay the policy returns for it.
type Retrier interface {
	// Attempt is the 1-based attempt this task instance represents.
	Attempt() int
	RetryPolicy() retry.Policy
	// ShouldRetry classifies a failure of this attempt.
	ShouldRetry(err error) bool
	// NextAttempt returns the task for the following attempt.
	NextAttempt() Task
}

// TaskState holds the runtime state of a task.
type TaskState struct {
	Task         Task
	Status       TaskStatus
	EnqueuedAt   time.Time
	ScheduledFor *time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Error        error

	timer *time.Timer
	mu    sync.RWMutex
}

// NewTaskState creates a new TaskState wrapping a task.
func NewTaskState(task Task) *TaskState {
	return &TaskState{
		Task:       task,
		Status:     TaskStatusPending,
		EnqueuedAt: time.Now(),
	}
}

// GetStatus returns the current status (thread-safe).
func (ts *TaskState) GetStatus() TaskStatus {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.Status
}

// SetStatus updates the status and timestamps (thread-safe).
func (ts *TaskState) SetStatus(status TaskStatus) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.Status = status
	now := time.Now()

	switch {
	case status == TaskStatusRunning:
		ts.StartedAt = &now
	case status.IsTerminal():
		ts.CompletedAt = &now
	}
}

// SetError sets the error (thread-safe).
func (ts *TaskState) SetError(err error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.Error = err
}

// GetError returns the error (thread-safe).
func (ts *TaskState) GetError() error {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.Error
}

// attempt returns the task's attempt number, 1 for tasks without retries.
func (ts *TaskState) attempt() int {
	if r, ok := ts.Task.(Retrier); ok {
		return r.Attempt()
	}
	return 1
}

// Snapshot returns an immutable copy of the task state.
func (ts *TaskState) Snapshot() TaskSnapshot {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	var errMsg string
	if ts.Error != nil {
		errMsg = ts.Error.Error()
	}

	return TaskSnapshot{
		ID:           ts.Task.ID(),
		Name:         ts.Task.Name(),
		Kind:         ts.Task.Kind(),
		Attempt:      ts.attempt(),
		Status:       ts.Status,
		EnqueuedAt:   ts.EnqueuedAt,
		ScheduledFor: ts.ScheduledFor,
		StartedAt:    ts.StartedAt,
		CompletedAt:  ts.CompletedAt,
		Error:        errMsg,
	}
}

// TaskSnapshot is an immutable view of task state for serialization.
type TaskSnapshot struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Kind         string     `json:"kind"`
	Attempt      int        `json:"attempt"`
	Status       TaskStatus `json:"status"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// BaseTask provides common task functionality.
// Embed this in concrete task implementations.
type BaseTask struct {
	id   string
	kind string
	name string
}

// NewBaseTask creates a new base task.
func NewBaseTask(kind, name string) BaseTask {
	return BaseTask{
		id:   uuid.New().String(),
		kind: kind,
		name: name,
	}
}

// ID returns the task ID.
func (t BaseTask) ID() string {
	return t.id
}

// Name returns the task name.
func (t BaseTask) Name() string {
	return t.name
}

// Kind returns the task kind.
func (t BaseTask) Kind() string {
	return t.kind
}
