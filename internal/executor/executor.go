// Package executor runs batches of tasks under a fixed concurrency cap.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sf7293/task-scheduler/internal/domain"
	"github.com/sf7293/task-scheduler/internal/errval"
	"github.com/sf7293/task-scheduler/internal/retry"
	"golang.org/x/sync/semaphore"
)

const panicMessage = "task panicked"

// Handler runs one task attempt. It receives the task metadata and returns an
// output payload. Handlers must be safe for concurrent use.
type Handler func(ctx context.Context, metadata map[string]string) (string, error)

// Reporter observes status changes. Started is called while holding a permit
// and before the handler runs; an error from Started aborts the attempt and
// leaves the task as it was. Finished is called before the permit is released.
type Reporter interface {
	Started(ctx context.Context, task *domain.Task) error
	Finished(ctx context.Context, task *domain.Task, result domain.TaskResult) error
	Skipped(ctx context.Context, task *domain.Task, err error)
}

type Options struct {
	MaxConcurrency int
	// Retry enables re-queueing of failed attempts; nil fails them immediately.
	Retry *retry.Policy
	// TaskTimeout bounds each handler call; zero disables it.
	TaskTimeout time.Duration
	Now         func() time.Time
}

type Executor struct {
	sem            *semaphore.Weighted
	maxConcurrency int
	policy         *retry.Policy
	timeout        time.Duration
	now            func() time.Time
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeRetried
	outcomeFailed
)

func New(opts Options) *Executor {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Executor{
		sem:            semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		maxConcurrency: opts.MaxConcurrency,
		policy:         opts.Retry,
		timeout:        opts.TaskTimeout,
		now:            opts.Now,
	}
}

func (e *Executor) MaxConcurrency() int {
	return e.maxConcurrency
}

// Execute runs every task and returns their results in input order together
// with an aggregate of the individual failures.
func (e *Executor) Execute(ctx context.Context, tasks []*domain.Task, handler Handler) ([]domain.TaskResult, error) {
	return e.ExecuteWithProgress(context.WithoutCancel(ctx), tasks, handler, nil, nil)
}

// ExecuteWithProgress is Execute with outcome counting and cooperative
// cancellation: once ctx is done, tasks that have not acquired a permit are
// marked Cancelled and skipped, while running handlers are left to finish.
// tracker and reporter may be nil. Skipped tasks have no result.
func (e *Executor) ExecuteWithProgress(ctx context.Context, tasks []*domain.Task, handler Handler, tracker *Tracker, reporter Reporter) ([]domain.TaskResult, error) {
	results := make([]*domain.TaskResult, len(tasks))
	errs := make([]error, len(tasks))
	runCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i, task := range tasks {
		if ctx.Err() != nil {
			errs[i] = e.skip(runCtx, task, tracker, reporter)
			continue
		}

		if err := e.sem.Acquire(ctx, 1); err != nil {
			errs[i] = e.skip(runCtx, task, tracker, reporter)
			continue
		}

		wg.Add(1)
		go func(i int, task *domain.Task) {
			defer wg.Done()
			defer e.sem.Release(1)

			results[i], errs[i] = e.run(runCtx, task, handler, tracker, reporter)
		}(i, task)
	}
	wg.Wait()

	collected := make([]domain.TaskResult, 0, len(tasks))
	for _, result := range results {
		if result != nil {
			collected = append(collected, *result)
		}
	}

	var merr *multierror.Error
	for _, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	return collected, merr.ErrorOrNil()
}

func (e *Executor) skip(ctx context.Context, task *domain.Task, tracker *Tracker, reporter Reporter) error {
	err := &errval.CancelledError{TaskID: task.ID}
	if transitionErr := task.Transition(domain.Cancelled, e.now()); transitionErr != nil {
		slog.Warn("Skipped task could not be marked cancelled", "task_id", task.ID, "error", transitionErr.Error())
	}

	tracker.skipped()
	if reporter != nil {
		reporter.Skipped(ctx, task, err)
	}

	return err
}

func (e *Executor) run(ctx context.Context, task *domain.Task, handler Handler, tracker *Tracker, reporter Reporter) (*domain.TaskResult, error) {
	before := task.Clone()
	if err := task.Transition(domain.Running, e.now()); err != nil {
		return nil, err
	}

	if reporter != nil {
		if err := reporter.Started(ctx, task); err != nil {
			*task = *before
			return nil, err
		}
	}
	tracker.started()

	start := time.Now()
	output, handlerErr := e.invoke(ctx, task, handler)
	duration := time.Since(start)

	result := domain.TaskResult{
		TaskID:     task.ID,
		Success:    handlerErr == nil,
		Output:     output,
		DurationMs: duration.Milliseconds(),
	}

	now := e.now()
	var execErr error
	var out outcome
	switch {
	case handlerErr == nil:
		out = outcomeCompleted
		task.Error = ""
		_ = task.Transition(domain.Completed, now)
	case e.shouldRetry(task, handlerErr):
		out = outcomeRetried
		delay := e.policy.NextDelay(task.RetryCount)
		scheduledAt := now.Add(delay)
		_ = task.Transition(domain.Pending, now)
		task.RetryCount++
		task.ScheduledAt = &scheduledAt
		task.Error = errorMessage(handlerErr)
		slog.Info("Task attempt failed, re-queued", "task_id", task.ID, "retry_count", task.RetryCount, "retry_in", delay, "error", handlerErr.Error())
	default:
		out = outcomeFailed
		task.Error = errorMessage(handlerErr)
		_ = task.Transition(domain.Failed, now)
		slog.Warn("Task failed", "task_id", task.ID, "retry_count", task.RetryCount, "error", handlerErr.Error())
	}

	if handlerErr != nil {
		result.Error = task.Error
		execErr = handlerErr
		var panicErr *errval.TaskPanicError
		if !errors.As(handlerErr, &panicErr) {
			execErr = &errval.TaskExecutionError{TaskID: task.ID, Err: handlerErr}
		}
	}

	if reporter != nil {
		if err := reporter.Finished(ctx, task, result); err != nil {
			execErr = errors.Join(execErr, err)
		}
	}
	tracker.finished(out)

	return &result, execErr
}

// shouldRetry never re-queues a panic, whatever classifier the policy uses.
func (e *Executor) shouldRetry(task *domain.Task, err error) bool {
	if e.policy == nil || !task.HasRetryBudget() || errors.Is(err, errval.ErrTaskPanicked) {
		return false
	}

	return e.policy.ShouldRetry(task.RetryCount, err)
}

// invoke calls handler, converting a panic into a TaskPanicError.
func (e *Executor) invoke(ctx context.Context, task *domain.Task, handler Handler) (output string, err error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			slog.Error("Task handler panicked", "task_id", task.ID, "panic", fmt.Sprint(r), "stack", string(stack))
			output = ""
			err = &errval.TaskPanicError{TaskID: task.ID, Value: r, Stack: stack}
		}
	}()

	return handler(ctx, task.Metadata)
}

func errorMessage(err error) string {
	var panicErr *errval.TaskPanicError
	if errors.As(err, &panicErr) {
		return panicMessage
	}

	return err.Error()
}
