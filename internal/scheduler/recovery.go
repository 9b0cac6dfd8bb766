package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/sf7293/task-scheduler/internal/domain"
)

const (
	staleRequeuedMessage  = "stale: re-queued after missed heartbeats"
	staleExhaustedMessage = "stale: retries exhausted"
)

// RequeueStale recovers Running tasks whose updated_at is older than
// staleBefore, typically left behind by a crashed node. Tasks with retry budget
// go back to Pending with retry_count incremented; the rest end Failed.
// skip lets the caller exclude tasks it is still running itself.
func RequeueStale(ctx context.Context, store domain.TaskStore, staleBefore, now time.Time, nodeID string, skip func(id string) bool) ([]domain.TaskEvent, error) {
	stale, err := store.ListStaleTasks(ctx, staleBefore)
	if err != nil {
		return nil, err
	}

	events := make([]domain.TaskEvent, 0, len(stale))
	for _, task := range stale {
		if skip != nil && skip(task.ID) {
			continue
		}

		old := task.Status
		if task.HasRetryBudget() {
			if err := task.Transition(domain.Pending, now); err != nil {
				return events, err
			}
			task.RetryCount++
			task.ScheduledAt = nil
			task.Error = staleRequeuedMessage
		} else {
			task.Error = staleExhaustedMessage
			if err := task.Transition(domain.Failed, now); err != nil {
				return events, err
			}
		}

		if err := store.SaveTask(ctx, task); err != nil {
			return events, err
		}

		slog.Warn("Recovered stale task", "task_id", task.ID, "status", task.Status, "retry_count", task.RetryCount)
		events = append(events, domain.TaskEvent{
			TaskID:     task.ID,
			OldStatus:  old,
			NewStatus:  task.Status,
			RetryCount: task.RetryCount,
			Error:      task.Error,
			NodeID:     nodeID,
			At:         now,
		})
	}

	return events, nil
}
