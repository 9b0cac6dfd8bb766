package domain

import (
	"context"
	"time"
)

// TaskStore persists tasks and their latest results. Implementations return
// errval.ErrNotFound for missing records and wrap every other failure in an
// errval.StorageError; they never retry internally.
type TaskStore interface {
	Ping(ctx context.Context) (err error)
	SaveTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) error
	DeleteTask(ctx context.Context, id string) error
	// ListTasks returns tasks ordered by created_at desc; a nil filter lists every status.
	ListTasks(ctx context.Context, status *TaskStatus) ([]*Task, error)
	// ListPendingTasks returns pending tasks ordered by priority desc, created_at asc.
	ListPendingTasks(ctx context.Context) ([]*Task, error)
	ListScheduledTasks(ctx context.Context, before time.Time) ([]*Task, error)
	// ListStaleTasks returns running tasks whose updated_at is older than before.
	ListStaleTasks(ctx context.Context, before time.Time) ([]*Task, error)
	HeartbeatTasks(ctx context.Context, ids []string, at time.Time) error
	SaveResult(ctx context.Context, result *TaskResult) error
	GetResult(ctx context.Context, taskID string) (*TaskResult, error)
	Close() error
}
