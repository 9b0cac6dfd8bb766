// Package storetest holds the behaviour every domain.TaskStore backend must share.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sf7293/task-scheduler/internal/domain"
	"github.com/sf7293/task-scheduler/internal/errval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store; the suite closes it.
type Factory func(t *testing.T) domain.TaskStore

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func NewTask(id string, priority domain.TaskPriority, createdAt time.Time) *domain.Task {
	return &domain.Task{
		ID:         id,
		Name:       "task " + id,
		Status:     domain.Pending,
		Priority:   priority,
		CreatedAt:  createdAt,
		MaxRetries: 3,
		Metadata:   map[string]string{"type": "send_email", "to": "user@example.com"},
		UpdatedAt:  createdAt,
	}
}

func ids(tasks []*domain.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

// Run exercises the full TaskStore contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	open := func(t *testing.T) domain.TaskStore {
		store := newStore(t)
		t.Cleanup(func() { _ = store.Close() })
		return store
	}

	t.Run("it should read its own writes", func(t *testing.T) {
		store := open(t)
		task := NewTask("a", domain.High, base)
		scheduled := base.Add(time.Hour)
		task.ScheduledAt = &scheduled
		task.CronExpression = "*/5 * * * *"

		require.NoError(t, store.SaveTask(ctx, task))
		got, err := store.GetTask(ctx, "a")
		require.NoError(t, err)

		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, task.Name, got.Name)
		assert.Equal(t, domain.Pending, got.Status)
		assert.Equal(t, domain.High, got.Priority)
		assert.WithinDuration(t, base, got.CreatedAt, time.Millisecond)
		require.NotNil(t, got.ScheduledAt)
		assert.WithinDuration(t, scheduled, *got.ScheduledAt, time.Millisecond)
		assert.Nil(t, got.StartedAt)
		assert.Equal(t, "*/5 * * * *", got.CronExpression)
		assert.Equal(t, 3, got.MaxRetries)
		assert.Equal(t, task.Metadata, got.Metadata)
	})

	t.Run("it should upsert mutable fields and keep created_at", func(t *testing.T) {
		store := open(t)
		task := NewTask("a", domain.Low, base)
		require.NoError(t, store.SaveTask(ctx, task))

		update := task.Clone()
		update.CreatedAt = base.Add(time.Hour)
		require.NoError(t, update.Transition(domain.Running, base.Add(time.Minute)))
		require.NoError(t, update.Transition(domain.Pending, base.Add(2*time.Minute)))
		update.RetryCount = 1
		update.Error = "boom"
		update.Priority = domain.Critical
		require.NoError(t, store.SaveTask(ctx, update))
		require.NoError(t, store.SaveTask(ctx, update))

		got, err := store.GetTask(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, "boom", got.Error)
		assert.Equal(t, domain.Critical, got.Priority)
		assert.WithinDuration(t, base, got.CreatedAt, time.Millisecond)

		all, err := store.ListTasks(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("it should reject invalid tasks", func(t *testing.T) {
		store := open(t)
		task := NewTask("a", domain.TaskPriority(12), base)
		var validationErr *errval.ValidationError
		assert.True(t, errors.As(store.SaveTask(ctx, task), &validationErr))
	})

	t.Run("it should report missing tasks", func(t *testing.T) {
		store := open(t)
		_, err := store.GetTask(ctx, "missing")
		assert.True(t, errors.Is(err, errval.ErrNotFound))
		assert.True(t, errors.Is(store.DeleteTask(ctx, "missing"), errval.ErrNotFound))
		assert.True(t, errors.Is(store.UpdateTaskStatus(ctx, "missing", domain.Running), errval.ErrNotFound))
		_, err = store.GetResult(ctx, "missing")
		assert.True(t, errors.Is(err, errval.ErrNotFound))
	})

	t.Run("it should update status along allowed transitions only", func(t *testing.T) {
		store := open(t)
		require.NoError(t, store.SaveTask(ctx, NewTask("a", domain.Normal, base)))

		before := time.Now().Truncate(time.Millisecond)
		require.NoError(t, store.UpdateTaskStatus(ctx, "a", domain.Running))
		after := time.Now().Add(time.Millisecond)
		got, err := store.GetTask(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, domain.Running, got.Status)
		require.NotNil(t, got.StartedAt)
		// stamps come from the process clock, the same one heartbeats use
		assert.WithinRange(t, *got.StartedAt, before, after)
		assert.WithinRange(t, got.UpdatedAt, before, after)

		require.NoError(t, store.UpdateTaskStatus(ctx, "a", domain.Completed))
		got, err = store.GetTask(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, domain.Completed, got.Status)
		assert.NotNil(t, got.CompletedAt)

		err = store.UpdateTaskStatus(ctx, "a", domain.Running)
		assert.True(t, errors.Is(err, errval.ErrInvalidTransition))
	})

	t.Run("it should delete tasks with their results", func(t *testing.T) {
		store := open(t)
		require.NoError(t, store.SaveTask(ctx, NewTask("a", domain.Normal, base)))
		require.NoError(t, store.SaveResult(ctx, &domain.TaskResult{TaskID: "a", Success: true}))

		require.NoError(t, store.DeleteTask(ctx, "a"))
		_, err := store.GetTask(ctx, "a")
		assert.True(t, errors.Is(err, errval.ErrNotFound))
		_, err = store.GetResult(ctx, "a")
		assert.True(t, errors.Is(err, errval.ErrNotFound))
	})

	t.Run("it should list tasks newest first with an optional status filter", func(t *testing.T) {
		store := open(t)
		require.NoError(t, store.SaveTask(ctx, NewTask("old", domain.Normal, base)))
		require.NoError(t, store.SaveTask(ctx, NewTask("mid", domain.Normal, base.Add(time.Minute))))
		newest := NewTask("new", domain.Normal, base.Add(2*time.Minute))
		newest.Status = domain.Failed
		require.NoError(t, store.SaveTask(ctx, newest))

		all, err := store.ListTasks(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"new", "mid", "old"}, ids(all))

		pending := domain.Pending
		filtered, err := store.ListTasks(ctx, &pending)
		require.NoError(t, err)
		assert.Equal(t, []string{"mid", "old"}, ids(filtered))
	})

	t.Run("it should list pending tasks by priority then age", func(t *testing.T) {
		store := open(t)
		require.NoError(t, store.SaveTask(ctx, NewTask("A", domain.Low, base)))
		require.NoError(t, store.SaveTask(ctx, NewTask("B", domain.Critical, base.Add(time.Second))))
		require.NoError(t, store.SaveTask(ctx, NewTask("C", domain.Normal, base.Add(2*time.Second))))
		require.NoError(t, store.SaveTask(ctx, NewTask("D", domain.Critical, base.Add(3*time.Second))))
		running := NewTask("E", domain.Critical, base)
		running.Status = domain.Running
		require.NoError(t, store.SaveTask(ctx, running))

		pending, err := store.ListPendingTasks(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"B", "D", "C", "A"}, ids(pending))
	})

	t.Run("it should list scheduled tasks due before a time", func(t *testing.T) {
		store := open(t)
		early := NewTask("early", domain.Normal, base)
		at := base.Add(time.Minute)
		early.ScheduledAt = &at
		late := NewTask("late", domain.Normal, base)
		lateAt := base.Add(time.Hour)
		late.ScheduledAt = &lateAt
		require.NoError(t, store.SaveTask(ctx, early))
		require.NoError(t, store.SaveTask(ctx, late))
		require.NoError(t, store.SaveTask(ctx, NewTask("unscheduled", domain.Normal, base)))

		due, err := store.ListScheduledTasks(ctx, base.Add(10*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{"early"}, ids(due))

		due, err = store.ListScheduledTasks(ctx, at)
		require.NoError(t, err)
		assert.Equal(t, []string{"early"}, ids(due))
	})

	t.Run("it should find stale running tasks and honour heartbeats", func(t *testing.T) {
		store := open(t)
		for _, id := range []string{"a", "b"} {
			task := NewTask(id, domain.Normal, base)
			require.NoError(t, task.Transition(domain.Running, base))
			require.NoError(t, store.SaveTask(ctx, task))
		}

		stale, err := store.ListStaleTasks(ctx, base.Add(time.Minute))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, ids(stale))

		require.NoError(t, store.HeartbeatTasks(ctx, []string{"a"}, base.Add(2*time.Minute)))
		require.NoError(t, store.HeartbeatTasks(ctx, nil, base))

		stale, err = store.ListStaleTasks(ctx, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids(stale))
	})

	t.Run("it should keep one result per task", func(t *testing.T) {
		store := open(t)
		require.NoError(t, store.SaveTask(ctx, NewTask("a", domain.Normal, base)))

		require.NoError(t, store.SaveResult(ctx, &domain.TaskResult{TaskID: "a", Success: false, Error: "boom", DurationMs: 12}))
		require.NoError(t, store.SaveResult(ctx, &domain.TaskResult{TaskID: "a", Success: true, Output: "ok", DurationMs: 7}))

		got, err := store.GetResult(ctx, "a")
		require.NoError(t, err)
		assert.True(t, got.Success)
		assert.Equal(t, "ok", got.Output)
		assert.Empty(t, got.Error)
		assert.Equal(t, int64(7), got.DurationMs)

		err = store.SaveResult(ctx, &domain.TaskResult{TaskID: "missing", Success: true})
		assert.True(t, errors.Is(err, errval.ErrNotFound))
	})
}
