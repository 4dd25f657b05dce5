// Package workqueue runs background tasks with a global concurrency cap,
// at most one running task per key, and backoff retries for transient errors.
package workqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/retry"
)

// DefaultRetry covers a whole task failing on a transient error: 5s, 10s, 20s.
// Fetch-level retries happen earlier, inside the fetcher.
func DefaultRetry() *retry.Config {
	return &retry.Config{
		MaxRetries:   3,
		InitialDelay: 5 * time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// ErrClosed is returned by Enqueue after Shutdown.
var ErrClosed = errors.New("work queue is shut down")

// Queue dispatches tasks in enqueue order. A pending task starts as soon as
// a slot is free and no other task with its key is running.
type Queue struct {
	mu          sync.Mutex
	tasks       []*taskState
	running     int
	runningKeys map[string]bool
	maxParallel int
	closed      bool
	idle        chan struct{}

	retry  *retry.Config
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithRetry replaces DefaultRetry. MaxRetries 0 disables retries.
func WithRetry(cfg *retry.Config) Option {
	return func(q *Queue) {
		if cfg != nil {
			q.retry = cfg
		}
	}
}

// New creates a queue that runs at most maxParallel tasks at once.
func New(maxParallel int, logger *zap.Logger, opts ...Option) *Queue {
	if maxParallel < 1 {
		maxParallel = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	q := &Queue{
		runningKeys: make(map[string]bool),
		maxParallel: maxParallel,
		idle:        idle,
		retry:       DefaultRetry(),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("workqueue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds task and starts whatever is now eligible.
func (q *Queue) Enqueue(task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	select {
	case <-q.idle:
		q.idle = make(chan struct{})
	default:
	}

	q.tasks = append(q.tasks, newTaskState(task, time.Now()))
	q.logger.Debug("Task enqueued",
		zap.String("task_id", task.ID()),
		zap.String("task_name", task.Name()),
		zap.String("key", task.Key()))

	q.dispatchLocked()
	return nil
}

// HasActive reports whether a pending or running task with key exists.
func (q *Queue) HasActive(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ts := range q.tasks {
		if ts.task.Key() == key && !ts.getStatus().terminal() {
			return true
		}
	}
	return false
}

// Prune forgets finished tasks and returns how many were dropped.
func (q *Queue) Prune() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := make([]*taskState, 0, len(q.tasks))
	for _, ts := range q.tasks {
		if !ts.getStatus().terminal() {
			kept = append(kept, ts)
		}
	}
	removed := len(q.tasks) - len(kept)
	q.tasks = kept
	return removed
}

// Must be called with q.mu held.
func (q *Queue) dispatchLocked() {
	if q.closed {
		return
	}
	for _, ts := range q.tasks {
		if q.running >= q.maxParallel {
			return
		}
		if ts.getStatus() != TaskStatusPending {
			continue
		}
		key := ts.task.Key()
		if key != "" && q.runningKeys[key] {
			continue
		}

		q.running++
		if key != "" {
			q.runningKeys[key] = true
		}
		ts.setStatus(TaskStatusRunning, nil)
		q.logger.Info("Starting task",
			zap.String("task_id", ts.task.ID()),
			zap.String("task_name", ts.task.Name()))

		q.wg.Add(1)
		go q.run(ts)
	}
}

func (q *Queue) run(ts *taskState) {
	defer q.wg.Done()
	logger := q.logger.With(
		zap.String("task_id", ts.task.ID()),
		zap.String("task_name", ts.task.Name()))

	var err error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			backoff := retry.Backoff(q.retry, attempt)
			logger.Info("Retrying task after backoff",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))
			timer := time.NewTimer(backoff)
			select {
			case <-q.ctx.Done():
				timer.Stop()
				q.finish(ts, q.ctx.Err())
				return
			case <-timer.C:
			}
		}

		if err = ts.task.Execute(q.ctx); err == nil || errors.Is(err, context.Canceled) {
			break
		}
		if !retry.IsRetryable(err) {
			logger.Warn("Non-retryable error, failing task", zap.Error(err))
			break
		}
		if attempt >= q.retry.MaxRetries {
			logger.Error("Task failed after max retries", zap.Int("retries", attempt), zap.Error(err))
			break
		}
		ts.retried()
		logger.Warn("Retryable task error", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	q.finish(ts, err)
}

func (q *Queue) finish(ts *taskState, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.running--
	delete(q.runningKeys, ts.task.Key())

	switch {
	case err == nil:
		ts.setStatus(TaskStatusCompleted, nil)
		q.logger.Info("Task completed", zap.String("task_id", ts.task.ID()))
	case errors.Is(err, context.Canceled):
		ts.setStatus(TaskStatusCancelled, nil)
		q.logger.Info("Task cancelled", zap.String("task_id", ts.task.ID()))
	default:
		ts.setStatus(TaskStatusFailed, err)
	}

	q.dispatchLocked()
	q.signalIdleLocked()
}

// Must be called with q.mu held.
func (q *Queue) signalIdleLocked() {
	for _, ts := range q.tasks {
		if !ts.getStatus().terminal() {
			return
		}
	}
	select {
	case <-q.idle:
	default:
		close(q.idle)
	}
}

// Tasks returns snapshots of every task not yet pruned, in enqueue order.
func (q *Queue) Tasks() []TaskSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]TaskSnapshot, len(q.tasks))
	for i, ts := range q.tasks {
		out[i] = ts.snapshot()
	}
	return out
}

// Wait blocks until no task is pending or running. It returns the first
// failed task's error, or ctx.Err() if ctx ends first. Cancelling ctx does
// not cancel the queue.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
	case <-ctx.Done():
		return ctx.Err()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ts := range q.tasks {
		ts.mu.Lock()
		err := ts.err
		ts.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops accepting tasks, cancels pending and running ones, and
// waits for their goroutines until ctx expires.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cancel()
		for _, ts := range q.tasks {
			if ts.getStatus() == TaskStatusPending {
				ts.setStatus(TaskStatusCancelled, nil)
			}
		}
		q.signalIdleLocked()
		q.logger.Info("Work queue shutting down")
	}
	q.mu.Unlock()

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

// Progress counts tasks by status.
func (q *Queue) Progress() Progress {
	q.mu.Lock()
	defer q.mu.Unlock()

	p := Progress{Total: len(q.tasks)}
	for _, ts := range q.tasks {
		switch ts.getStatus() {
		case TaskStatusPending:
			p.Pending++
		case TaskStatusRunning:
			p.Running++
		case TaskStatusCompleted:
			p.Completed++
		case TaskStatusFailed:
			p.Failed++
		case TaskStatusCancelled:
			p.Cancelled++
		}
	}
	return p
}

// Progress holds task counts since the last Prune.
type Progress struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
