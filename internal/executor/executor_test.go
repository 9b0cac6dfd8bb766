package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/sf7293/task-scheduler/internal/domain"
	"github.com/sf7293/task-scheduler/internal/errval"
	"github.com/sf7293/task-scheduler/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTasks(n int) []*domain.Task {
	tasks := make([]*domain.Task, n)
	for i := range tasks {
		tasks[i] = &domain.Task{
			ID:        fmt.Sprintf("task-%02d", i),
			Name:      "test",
			Status:    domain.Pending,
			Priority:  domain.Normal,
			CreatedAt: time.Now(),
			Metadata:  map[string]string{"index": fmt.Sprint(i)},
		}
	}

	return tasks
}

// countingReporter tracks how many tasks are in Running at once.
type countingReporter struct {
	running    atomic.Int64
	maxRunning atomic.Int64

	mu      sync.Mutex
	skipped []string
	results map[string]domain.TaskResult
}

func newCountingReporter() *countingReporter {
	return &countingReporter{results: make(map[string]domain.TaskResult)}
}

func (r *countingReporter) Started(_ context.Context, task *domain.Task) error {
	if task.Status != domain.Running {
		return fmt.Errorf("unexpected status %s", task.Status)
	}

	n := r.running.Add(1)
	for {
		max := r.maxRunning.Load()
		if n <= max || r.maxRunning.CompareAndSwap(max, n) {
			return nil
		}
	}
}

func (r *countingReporter) Finished(_ context.Context, task *domain.Task, result domain.TaskResult) error {
	r.running.Add(-1)
	r.mu.Lock()
	r.results[task.ID] = result
	r.mu.Unlock()
	return nil
}

func (r *countingReporter) Skipped(_ context.Context, task *domain.Task, _ error) {
	r.mu.Lock()
	r.skipped = append(r.skipped, task.ID)
	r.mu.Unlock()
}

func TestExecute_ConcurrencyCap(t *testing.T) {
	for _, n := range []int{1, 3, 8} {
		t.Run(fmt.Sprintf("max_concurrency=%d", n), func(t *testing.T) {
			exec := New(Options{MaxConcurrency: n})
			tasks := newTasks(20)
			reporter := newCountingReporter()
			tracker := NewTracker()

			var inHandler, maxInHandler atomic.Int64
			handler := func(ctx context.Context, metadata map[string]string) (string, error) {
				current := inHandler.Add(1)
				defer inHandler.Add(-1)
				for {
					max := maxInHandler.Load()
					if current <= max || maxInHandler.CompareAndSwap(max, current) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				return "ok:" + metadata["index"], nil
			}

			results, err := exec.ExecuteWithProgress(context.Background(), tasks, handler, tracker, reporter)
			require.NoError(t, err)
			require.Len(t, results, len(tasks))

			assert.LessOrEqual(t, reporter.maxRunning.Load(), int64(n))
			assert.LessOrEqual(t, maxInHandler.Load(), int64(n))
			assert.Equal(t, Snapshot{Total: 20, Completed: 20}, tracker.Snapshot())

			for i, task := range tasks {
				assert.Equal(t, domain.Completed, task.Status)
				assert.NotNil(t, task.CompletedAt)
				assert.Equal(t, task.ID, results[i].TaskID)
				assert.True(t, results[i].Success)
				assert.Equal(t, fmt.Sprintf("ok:%d", i), results[i].Output)
			}
		})
	}
}

func TestExecute_PanicIsolation(t *testing.T) {
	exec := New(Options{MaxConcurrency: 2})
	tasks := newTasks(5)

	handler := func(ctx context.Context, metadata map[string]string) (string, error) {
		switch metadata["index"] {
		case "1":
			panic("boom")
		case "3":
			return "", errors.New("bad input")
		}
		return "done", nil
	}

	results, err := exec.Execute(context.Background(), tasks, handler)
	require.Error(t, err)
	assert.Len(t, results, 5)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	require.Len(t, merr.Errors, 2)

	var panicErr *errval.TaskPanicError
	assert.True(t, errors.As(merr.Errors[0], &panicErr))
	assert.Equal(t, "task-01", panicErr.TaskID)
	assert.NotEmpty(t, panicErr.Stack)

	var execErr *errval.TaskExecutionError
	assert.True(t, errors.As(merr.Errors[1], &execErr))
	assert.Equal(t, "task-03", execErr.TaskID)

	assert.Equal(t, domain.Failed, tasks[1].Status)
	assert.Equal(t, "task panicked", tasks[1].Error)
	assert.Equal(t, domain.Failed, tasks[3].Status)
	assert.Equal(t, "bad input", tasks[3].Error)
	for _, i := range []int{0, 2, 4} {
		assert.Equal(t, domain.Completed, tasks[i].Status)
	}
	assert.False(t, results[1].Success)
	assert.Equal(t, "task panicked", results[1].Error)
}

func TestExecuteWithProgress_Cancellation(t *testing.T) {
	exec := New(Options{MaxConcurrency: 1})
	tasks := newTasks(4)
	tracker := NewTracker()
	reporter := newCountingReporter()

	started := make(chan struct{})
	release := make(chan struct{})
	handler := func(ctx context.Context, metadata map[string]string) (string, error) {
		close(started)
		<-release
		return "finished", ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		results []domain.TaskResult
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		results, err := exec.ExecuteWithProgress(ctx, tasks, handler, tracker, reporter)
		done <- outcome{results, err}
	}()

	<-started
	cancel()
	require.Eventually(t, func() bool {
		return tracker.Snapshot().Cancelled == 3
	}, time.Second, 5*time.Millisecond)
	close(release)

	res := <-done
	require.Len(t, res.results, 1)
	assert.True(t, res.results[0].Success)
	assert.Equal(t, domain.Completed, tasks[0].Status)
	for _, task := range tasks[1:] {
		assert.Equal(t, domain.Cancelled, task.Status)
	}

	require.Error(t, res.err)
	assert.True(t, errors.Is(res.err, errval.ErrCancelled))
	assert.ElementsMatch(t, []string{"task-01", "task-02", "task-03"}, reporter.skipped)
	assert.Equal(t, Snapshot{Total: 1, Completed: 1, Cancelled: 3}, tracker.Snapshot())
}

func TestExecute_RetryThenSucceed(t *testing.T) {
	policy := retry.NewPolicy(5, time.Millisecond, 2, 10*time.Millisecond)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	exec := New(Options{MaxConcurrency: 1, Retry: &policy, Now: func() time.Time { return now }})

	task := newTasks(1)[0]
	task.MaxRetries = 2

	var attempts atomic.Int64
	handler := func(ctx context.Context, metadata map[string]string) (string, error) {
		if attempts.Add(1) <= 2 {
			return "", errors.New("transient")
		}
		return "third time lucky", nil
	}

	tracker := NewTracker()
	var last []domain.TaskResult
	for attempt := 0; attempt < 3; attempt++ {
		results, err := exec.ExecuteWithProgress(context.Background(), []*domain.Task{task}, handler, tracker, nil)
		last = results
		if attempt < 2 {
			require.Error(t, err)
			assert.Equal(t, domain.Pending, task.Status)
			assert.Equal(t, attempt+1, task.RetryCount)
			require.NotNil(t, task.ScheduledAt)
			assert.Equal(t, now.Add(policy.NextDelay(attempt)), *task.ScheduledAt)
			assert.Equal(t, "transient", task.Error)
			continue
		}
		require.NoError(t, err)
	}

	assert.Equal(t, domain.Completed, task.Status)
	assert.Equal(t, 2, task.RetryCount)
	assert.Empty(t, task.Error)
	require.Len(t, last, 1)
	assert.True(t, last[0].Success)
	assert.Equal(t, "third time lucky", last[0].Output)
	assert.Equal(t, Snapshot{Total: 3, Completed: 1, Retried: 2}, tracker.Snapshot())
}

func TestExecute_RetryBudget(t *testing.T) {
	policy := retry.NewPolicy(5, time.Millisecond, 2, 10*time.Millisecond)
	exec := New(Options{MaxConcurrency: 1, Retry: &policy})

	t.Run("it should fail once max_retries is spent", func(t *testing.T) {
		task := newTasks(1)[0]
		task.MaxRetries = 1
		task.RetryCount = 1

		_, err := exec.Execute(context.Background(), []*domain.Task{task}, func(context.Context, map[string]string) (string, error) {
			return "", errors.New("still broken")
		})
		require.Error(t, err)
		assert.Equal(t, domain.Failed, task.Status)
		assert.Equal(t, "still broken", task.Error)
	})

	t.Run("it should not retry permanent errors", func(t *testing.T) {
		task := newTasks(1)[0]
		task.MaxRetries = 3

		_, err := exec.Execute(context.Background(), []*domain.Task{task}, func(context.Context, map[string]string) (string, error) {
			return "", backoff.Permanent(errval.ErrInvalidTaskType)
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errval.ErrInvalidTaskType))
		assert.Equal(t, domain.Failed, task.Status)
		assert.Equal(t, 0, task.RetryCount)
	})
}

func TestExecute_PanicIsNotRetried(t *testing.T) {
	policy := retry.NewPolicy(5, time.Millisecond, 2, 10*time.Millisecond)
	policy.Retryable = func(error) bool { return true }
	exec := New(Options{MaxConcurrency: 1, Retry: &policy})
	tracker := NewTracker()

	task := newTasks(1)[0]
	task.MaxRetries = 3

	_, err := exec.ExecuteWithProgress(context.Background(), []*domain.Task{task}, func(context.Context, map[string]string) (string, error) {
		panic("nil map write")
	}, tracker, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errval.ErrTaskPanicked))
	assert.Equal(t, domain.Failed, task.Status)
	assert.Equal(t, 0, task.RetryCount)
	assert.Nil(t, task.ScheduledAt)
	assert.Equal(t, "task panicked", task.Error)
	assert.Equal(t, Snapshot{Total: 1, Failed: 1}, tracker.Snapshot())
}

func TestExecute_TaskTimeout(t *testing.T) {
	exec := New(Options{MaxConcurrency: 1, TaskTimeout: 20 * time.Millisecond})
	task := newTasks(1)[0]

	_, err := exec.Execute(context.Background(), []*domain.Task{task}, func(ctx context.Context, _ map[string]string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, domain.Failed, task.Status)
}

func TestExecute_StartedErrorLeavesTaskUntouched(t *testing.T) {
	exec := New(Options{MaxConcurrency: 1})
	task := newTasks(1)[0]
	storeErr := errval.NewStorageError("save task", errors.New("connection reset"))

	var called bool
	_, err := exec.ExecuteWithProgress(context.Background(), []*domain.Task{task}, func(context.Context, map[string]string) (string, error) {
		called = true
		return "", nil
	}, nil, failingReporter{err: storeErr})

	require.Error(t, err)
	assert.False(t, called)
	assert.Equal(t, domain.Pending, task.Status)
	assert.Nil(t, task.StartedAt)
}

type failingReporter struct{ err error }

func (r failingReporter) Started(context.Context, *domain.Task) error { return r.err }

func (r failingReporter) Finished(context.Context, *domain.Task, domain.TaskResult) error {
	return nil
}

func (r failingReporter) Skipped(context.Context, *domain.Task, error) {}
