package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/logging"
)

// DefaultHistoryLimit is the number of finished task snapshots kept for inspection.
const DefaultHistoryLimit = 200

// Observer receives task outcomes. The metrics package implements it.
type Observer interface {
	TaskFinished(kind string, status TaskStatus, elapsed time.Duration)
}

// Queue manages task execution with configurable concurrency control.
// Delivery is at-least-once within the process: a failed attempt of a
// Retrier task is re-enqueued with its policy's delay instead of sleeping
// the worker. Finished tasks are pruned into counters and a bounded history.
type Queue struct {
	mu        sync.Mutex
	tasks     []*TaskState // scheduled, pending, and running
	history   []TaskSnapshot
	counts    map[TaskStatus]int
	cancelled bool

	// Concurrency control strategy
	strategy ConcurrencyStrategy

	historyLimit int
	observer     Observer

	// done is closed when no task is scheduled, pending, or running
	done chan struct{}
	// wg tracks running goroutines
	wg sync.WaitGroup

	// Cancellation context for running tasks
	ctx    context.Context
	cancel context.CancelFunc

	logger *zap.Logger
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithStrategy sets the concurrency strategy.
func WithStrategy(strategy ConcurrencyStrategy) QueueOption {
	return func(q *Queue) {
		if strategy != nil {
			q.strategy = strategy
		}
	}
}

// WithObserver sets the task outcome observer.
func WithObserver(observer Observer) QueueOption {
	return func(q *Queue) {
		q.observer = observer
	}
}

// WithHistoryLimit sets how many finished task snapshots are retained.
func WithHistoryLimit(limit int) QueueOption {
	return func(q *Queue) {
		if limit > 0 {
			q.historyLimit = limit
		}
	}
}

// New creates a new work queue with the given options.
// The default strategy runs one task at a time.
func New(logger *zap.Logger, opts ...QueueOption) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		tasks:        make([]*TaskState, 0),
		counts:       make(map[TaskStatus]int),
		strategy:     NewSerializedStrategy(),
		historyLimit: DefaultHistoryLimit,
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger.Named("workqueue"),
	}
	close(q.done) // empty queue is idle

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Enqueue adds a task to the queue and attempts to start eligible tasks.
func (q *Queue) Enqueue(task Task) {
	q.EnqueueAfter(task, 0)
}

// EnqueueAfter adds a task that becomes eligible to run after delay.
func (q *Queue) EnqueueAfter(task Task, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelled {
		q.logger.Warn("queue cancelled, ignoring enqueue",
			zap.String("task_id", task.ID()),
			zap.String("task_name", task.Name()))
		return
	}

	// Reset done channel if it was closed when the queue went idle
	q.resetDoneLocked()

	state := NewTaskState(task)
	q.tasks = append(q.tasks, state)

	if delay <= 0 {
		q.logger.Debug("task enqueued",
			zap.String("task_id", task.ID()),
			zap.String("task_name", task.Name()),
			zap.Int("attempt", state.attempt()))
		q.tryStartTasksLocked()
		return
	}

	runAt := time.Now().Add(delay)
	state.Status = TaskStatusScheduled
	state.ScheduledFor = &runAt
	state.timer = time.AfterFunc(delay, func() { q.promote(state) })

	q.logger.Debug("task scheduled",
		zap.String("task_id", task.ID()),
		zap.String("task_name", task.Name()),
		zap.Int("attempt", state.attempt()),
		zap.Duration("delay", delay))
}

// promote moves a scheduled task to pending once its delay has elapsed.
func (q *Queue) promote(ts *TaskState) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelled || ts.GetStatus() != TaskStatusScheduled {
		return
	}
	ts.SetStatus(TaskStatusPending)
	q.tryStartTasksLocked()
}

// tryStartTasksLocked checks constraints and starts eligible tasks in FIFO order.
// Must be called with lock held.
func (q *Queue) tryStartTasksLocked() {
	if q.cancelled {
		return
	}

	for _, ts := range q.tasks {
		if ts.GetStatus() != TaskStatusPending {
			continue
		}

		if !q.strategy.CanStart(ts.Task) {
			continue
		}

		q.strategy.OnStart(ts.Task)
		ts.SetStatus(TaskStatusRunning)

		q.logger.Debug("starting task",
			zap.String("task_id", ts.Task.ID()),
			zap.String("task_name", ts.Task.Name()),
			zap.Int("attempt", ts.attempt()))

		q.wg.Add(1)
		go q.runTask(ts)
	}
}

// runTask executes one attempt of a task and decides its outcome.
func (q *Queue) runTask(ts *TaskState) {
	defer q.wg.Done()

	start := time.Now()
	err := ts.Task.Execute(q.ctx, q)
	elapsed := time.Since(start)

	if err == nil {
		q.finish(ts, TaskStatusCompleted, nil, elapsed)
		return
	}

	if errors.Is(err, context.Canceled) {
		q.finish(ts, TaskStatusCancelled, err, elapsed)
		return
	}

	if r, ok := ts.Task.(Retrier); ok && r.ShouldRetry(err) {
		next := r.Attempt() + 1
		if delay, ok := r.RetryPolicy().Delay(next); ok {
			q.logger.Warn("task attempt failed, retrying",
				zap.String("task_id", ts.Task.ID()),
				zap.String("task_name", ts.Task.Name()),
				zap.Int("attempt", r.Attempt()),
				zap.Int("max_attempts", r.RetryPolicy().MaxAttempts()),
				zap.Duration("backoff", delay),
				zap.String("error", logging.SanitizeError(err)))
			// Enqueue before finishing so the queue never looks idle in between
			q.EnqueueAfter(r.NextAttempt(), delay)
			q.finish(ts, TaskStatusRetried, err, elapsed)
			return
		}
		err = fmt.Errorf("%w after %d attempts: %w", apperrors.ErrMaxAttemptsExceeded, r.Attempt(), err)
	}

	q.finish(ts, TaskStatusFailed, err, elapsed)
}

// finish records a terminal outcome and starts any tasks that became eligible.
func (q *Queue) finish(ts *TaskState, status TaskStatus, err error, elapsed time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.strategy.OnComplete(ts.Task)

	if err != nil {
		ts.SetError(err)
	}
	ts.SetStatus(status)

	fields := []zap.Field{
		zap.String("task_id", ts.Task.ID()),
		zap.String("task_name", ts.Task.Name()),
		zap.Int("attempt", ts.attempt()),
		zap.Duration("elapsed", elapsed),
	}
	switch status {
	case TaskStatusCompleted:
		q.logger.Info("task completed", fields...)
	case TaskStatusFailed:
		q.logger.Error("task failed", append(fields, zap.String("error", logging.SanitizeError(err)))...)
	case TaskStatusCancelled:
		q.logger.Info("task cancelled", fields...)
	}

	if q.observer != nil {
		q.observer.TaskFinished(ts.Task.Kind(), status, elapsed)
	}

	q.retireLocked(ts)

	if q.idleLocked() {
		q.closeDoneLocked()
		return
	}

	q.tryStartTasksLocked()
}

// retireLocked moves a terminal task from the active list into history.
// Must be called with lock held.
func (q *Queue) retireLocked(ts *TaskState) {
	for i, candidate := range q.tasks {
		if candidate == ts {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			break
		}
	}

	q.counts[ts.GetStatus()]++
	q.history = append(q.history, ts.Snapshot())
	if overflow := len(q.history) - q.historyLimit; overflow > 0 {
		q.history = append([]TaskSnapshot(nil), q.history[overflow:]...)
	}
}

// idleLocked returns true if no task is scheduled, pending, or running.
// Must be called with lock held.
func (q *Queue) idleLocked() bool {
	return len(q.tasks) == 0
}

// closeDoneLocked safely closes the done channel.
// Must be called with lock held.
func (q *Queue) closeDoneLocked() {
	select {
	case <-q.done:
		// Already closed
	default:
		close(q.done)
	}
}

// resetDoneLocked recreates the done channel if it was closed.
// Must be called with lock held.
func (q *Queue) resetDoneLocked() {
	select {
	case <-q.done:
		q.done = make(chan struct{})
	default:
	}
}

// GetTasks returns a snapshot of the active (scheduled, pending, running) tasks.
func (q *Queue) GetTasks() []TaskSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snapshots := make([]TaskSnapshot, len(q.tasks))
	for i, ts := range q.tasks {
		snapshots[i] = ts.Snapshot()
	}
	return snapshots
}

// History returns snapshots of recently finished tasks, oldest first.
func (q *Queue) History() []TaskSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]TaskSnapshot(nil), q.history...)
}

// Wait blocks until the queue is idle or the context is cancelled.
// Unlike Shutdown it leaves the queue running.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	done := q.done
	q.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel marks the queue as cancelled, signals running tasks to stop,
// drops scheduled and pending tasks, and stops accepting new tasks.
func (q *Queue) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelled {
		return
	}

	q.cancelled = true
	q.logger.Info("queue cancelled, signaling running tasks to stop")

	q.cancel()

	for _, ts := range append([]*TaskState(nil), q.tasks...) {
		switch ts.GetStatus() {
		case TaskStatusScheduled, TaskStatusPending:
			if ts.timer != nil {
				ts.timer.Stop()
			}
			ts.SetStatus(TaskStatusCancelled)
			q.retireLocked(ts)
		}
	}

	if q.idleLocked() {
		q.closeDoneLocked()
	}
}

// Shutdown cancels the queue and waits for running tasks to return.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.Cancel()

	stopped := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Progress returns current and cumulative counts.
func (q *Queue) Progress() Progress {
	q.mu.Lock()
	defer q.mu.Unlock()

	p := Progress{
		Completed: q.counts[TaskStatusCompleted],
		Failed:    q.counts[TaskStatusFailed],
		Retried:   q.counts[TaskStatusRetried],
		Cancelled: q.counts[TaskStatusCancelled],
	}
	for _, ts := range q.tasks {
		switch ts.GetStatus() {
		case TaskStatusScheduled:
			p.Scheduled++
		case TaskStatusPending:
			p.Pending++
		case TaskStatusRunning:
			p.Running++
		}
	}
	return p
}

// Progress holds queue statistics. Scheduled, Pending, and Running describe
// the active set; the rest are totals since the queue started.
type Progress struct {
	Scheduled int `json:"scheduled"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
	Cancelled int `json:"cancelled"`
}

// Active returns the number of tasks not yet finished.
func (p Progress) Active() int {
	return p.Scheduled + p.Pending + p.Running
}
