package workqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task is a unit of background work.
type Task interface {
	ID() string
	Name() string
	// Key serialises tasks: two tasks with the same non-empty key never run
	// at the same time.
	Key() string
	Execute(ctx context.Context) error
}

// BaseTask carries the identity fields of a Task. Embed it.
type BaseTask struct {
	id   string
	name string
	key  string
}

// NewBaseTask assigns a fresh task ID.
func NewBaseTask(name, key string) BaseTask {
	return BaseTask{id: uuid.NewString(), name: name, key: key}
}

func (t BaseTask) ID() string   { return t.id }
func (t BaseTask) Name() string { return t.name }
func (t BaseTask) Key() string  { return t.key }

// taskState tracks one task inside the queue. Snapshots are taken while the
// task's goroutine may still be writing, so every field sits behind mu.
type taskState struct {
	task Task

	mu          sync.Mutex
	status      TaskStatus
	enqueuedAt  time.Time
	startedAt   *time.Time
	completedAt *time.Time
	retries     int
	err         error
}

func newTaskState(task Task, now time.Time) *taskState {
	return &taskState{task: task, status: TaskStatusPending, enqueuedAt: now}
}

func (ts *taskState) getStatus() TaskStatus {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.status
}

func (ts *taskState) setStatus(status TaskStatus, err error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	now := time.Now()
	ts.status = status
	switch {
	case status == TaskStatusRunning:
		ts.startedAt = &now
	case status.terminal():
		ts.completedAt = &now
		ts.err = err
	}
}

func (ts *taskState) retried() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.retries++
	return ts.retries
}

func (ts *taskState) snapshot() TaskSnapshot {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	s := TaskSnapshot{
		ID:          ts.task.ID(),
		Name:        ts.task.Name(),
		Key:         ts.task.Key(),
		Status:      ts.status,
		EnqueuedAt:  ts.enqueuedAt,
		StartedAt:   ts.startedAt,
		CompletedAt: ts.completedAt,
		RetryCount:  ts.retries,
	}
	if ts.err != nil {
		s.Error = ts.err.Error()
	}
	return s
}

// TaskSnapshot is the JSON view of a task exposed by the scheduler status endpoint.
type TaskSnapshot struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Key         string     `json:"key,omitempty"`
	Status      TaskStatus `json:"status"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RetryCount  int        `json:"retry_count,omitempty"`
	Error       string     `json:"error,omitempty"`
}
