package domain

import (
	"context"
	"time"
)

// TaskEvent records one persisted status transition.
type TaskEvent struct {
	TaskID     string     `json:"task_id"`
	OldStatus  TaskStatus `json:"old_status"`
	NewStatus  TaskStatus `json:"new_status"`
	RetryCount int        `json:"retry_count"`
	Error      string     `json:"error,omitempty"`
	NodeID     string     `json:"node_id"`
	At         time.Time  `json:"at"`
}

type EventPublisher interface {
	IsHealthy() bool
	PublishTaskEvent(ctx context.Context, event TaskEvent) error
	Close() error
}
