// Package scheduler is the leader-only dispatch loop: it pulls due tasks from
// the store, runs them through the executor and persists every transition.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sf7293/task-scheduler/internal/domain"
	"github.com/sf7293/task-scheduler/internal/errval"
	"github.com/sf7293/task-scheduler/internal/executor"
	"github.com/sf7293/task-scheduler/internal/leader"
	"github.com/sf7293/task-scheduler/internal/metrics"
	"github.com/sf7293/task-scheduler/internal/queue"
	"golang.org/x/sync/errgroup"
)

type Coordinator interface {
	NodeID() string
	IsLeader() bool
	OnChange(l leader.Listener)
	Run(ctx context.Context) error
}

type Options struct {
	PollInterval time.Duration
	BatchSize    int
	StaleAfter   time.Duration
	// Publisher may be nil, in which case transitions are only logged.
	Publisher domain.EventPublisher
	Metrics   *metrics.Metrics
	Tracker   *executor.Tracker
	Now       func() time.Time
}

type Stats struct {
	NodeID   string            `json:"node_id"`
	IsLeader bool              `json:"is_leader"`
	InFlight int               `json:"in_flight"`
	Tasks    executor.Snapshot `json:"tasks"`
}

type flight struct {
	batch   uint64
	running bool
}

type Scheduler struct {
	store       domain.TaskStore
	coordinator Coordinator
	executor    *executor.Executor
	handler     executor.Handler
	opts        Options

	mu         sync.Mutex
	termCtx    context.Context
	termCancel context.CancelFunc
	// inFlight holds every dispatched task until its attempt is persisted or
	// skipped. Its size bounds what the next tick may dispatch.
	inFlight map[string]*flight
	batchSeq uint64

	batches sync.WaitGroup
}

func New(store domain.TaskStore, coordinator Coordinator, exec *executor.Executor, handler executor.Handler, opts Options) *Scheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Tracker == nil {
		opts.Tracker = executor.NewTracker()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Scheduler{
		store:       store,
		coordinator: coordinator,
		executor:    exec,
		handler:     handler,
		opts:        opts,
		inFlight:    make(map[string]*flight),
	}
	coordinator.OnChange(s.onLeadershipChange)

	return s
}

// Run drives the election loop and the dispatch ticker until ctx is done, then
// waits for in-flight batches.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.coordinator.Run(ctx)
	})
	g.Go(func() error {
		s.loop(ctx)
		return nil
	})

	err := g.Wait()
	s.Wait()

	return err
}

// Wait blocks until every dispatched batch has returned.
func (s *Scheduler) Wait() {
	s.batches.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	slog.Info("Dispatch loop started", "node_id", s.coordinator.NodeID(), "poll_interval", s.opts.PollInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Dispatch loop stopped", "node_id", s.coordinator.NodeID())
			return
		case <-ticker.C:
		}

		// running tasks outlive leadership, so they are kept fresh either way
		if !s.coordinator.IsLeader() {
			s.heartbeat(ctx, s.opts.Now())
			continue
		}

		if err := s.Tick(ctx); err != nil && !errors.Is(err, errval.ErrNotLeader) {
			slog.Warn("Dispatch tick skipped", "node_id", s.coordinator.NodeID(), "error", err.Error())
		}
	}
}

// Tick runs one dispatch cycle: heartbeat in-flight tasks, recover stale ones,
// then hand as many due tasks as there are free permits to the executor, so
// priority is decided afresh every tick. The batch runs in the background;
// use Wait to block on it.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.opts.Now()
	s.heartbeat(ctx, now)

	termCtx := s.term()
	if termCtx == nil || !s.coordinator.IsLeader() {
		return errval.ErrNotLeader
	}

	nodeID := s.coordinator.NodeID()

	if s.opts.StaleAfter > 0 {
		events, err := RequeueStale(ctx, s.store, now.Add(-s.opts.StaleAfter), now, nodeID, s.isInFlight)
		for _, event := range events {
			if event.NewStatus == domain.Pending {
				s.opts.Metrics.RecordStale("requeued")
			} else {
				s.opts.Metrics.RecordStale("failed")
			}
			s.publish(ctx, event)
		}
		if err != nil {
			s.opts.Metrics.RecordTickError("stale")
			return err
		}
	}

	pending, err := s.store.ListPendingTasks(ctx)
	if err != nil {
		s.opts.Metrics.RecordTickError("list_pending")
		return err
	}

	scheduled, err := s.store.ListScheduledTasks(ctx, now)
	if err != nil {
		s.opts.Metrics.RecordTickError("list_scheduled")
		return err
	}

	pq := queue.NewPriorityQueue()
	for _, task := range append(pending, scheduled...) {
		if !task.IsDue(now) || s.isInFlight(task.ID) {
			continue
		}

		// scheduled tasks are also pending, so duplicates are expected
		if err := pq.Push(task); err != nil && !errors.Is(err, errval.ErrDuplicateTask) {
			slog.Warn("Ignoring task that cannot be queued", "task_id", task.ID, "error", err.Error())
		}
	}
	s.opts.Metrics.SetDueTasks(pq.Len())

	limit := min(s.opts.BatchSize, s.freePermits())
	if limit <= 0 {
		return nil
	}

	batch := pq.PopUpTo(limit)
	if len(batch) == 0 {
		return nil
	}

	batchID, ok := s.claim(batch)
	if !ok {
		return errval.ErrNotLeader
	}

	slog.Info("Dispatching due tasks", "node_id", nodeID, "count", len(batch), "due", len(batch)+pq.Len())
	s.batches.Add(1)
	go func() {
		defer s.batches.Done()
		defer s.release(batchID, batch)

		_, err := s.executor.ExecuteWithProgress(termCtx, batch, s.handler, s.opts.Tracker, reporter{s: s})
		if err != nil {
			slog.Debug("Batch finished with failures", "node_id", nodeID, "error", err.Error())
		}
	}()

	return nil
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	inFlight := len(s.inFlight)
	s.mu.Unlock()

	return Stats{
		NodeID:   s.coordinator.NodeID(),
		IsLeader: s.coordinator.IsLeader(),
		InFlight: inFlight,
		Tasks:    s.opts.Tracker.Snapshot(),
	}
}

func (s *Scheduler) onLeadershipChange(isLeader bool) {
	s.opts.Metrics.SetLeader(isLeader)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.termCancel != nil {
		s.termCancel()
		s.termCtx, s.termCancel = nil, nil
	}
	if isLeader {
		s.termCtx, s.termCancel = context.WithCancel(context.Background())
	}
}

func (s *Scheduler) term() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.termCtx
}

func (s *Scheduler) heartbeat(ctx context.Context, now time.Time) {
	if err := s.store.HeartbeatTasks(ctx, s.runningIDs(), now); err != nil {
		s.opts.Metrics.RecordTickError("heartbeat")
		slog.Warn("Failed to heartbeat running tasks", "node_id", s.coordinator.NodeID(), "error", err.Error())
	}
}

func (s *Scheduler) freePermits() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.executor.MaxConcurrency() - len(s.inFlight)
}

// claim registers batch as in flight, unless leadership was lost meanwhile.
func (s *Scheduler) claim(batch []*domain.Task) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.termCtx == nil || s.termCtx.Err() != nil {
		return 0, false
	}
	s.batchSeq++
	for _, task := range batch {
		s.inFlight[task.ID] = &flight{batch: s.batchSeq}
	}

	return s.batchSeq, true
}

// release drops whatever the batch still holds; entries already handed to a
// later batch are left alone.
func (s *Scheduler) release(batchID uint64, batch []*domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range batch {
		if f, ok := s.inFlight[task.ID]; ok && f.batch == batchID {
			delete(s.inFlight, task.ID)
		}
	}
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, id)
}

func (s *Scheduler) setRunning(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.inFlight[id]; ok {
		f.running = true
	}
}

func (s *Scheduler) isInFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.inFlight[id]
	return ok
}

func (s *Scheduler) runningIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.inFlight))
	for id, f := range s.inFlight {
		if f.running {
			ids = append(ids, id)
		}
	}

	return ids
}

func (s *Scheduler) publish(ctx context.Context, event domain.TaskEvent) {
	s.opts.Metrics.RecordTransition(event.OldStatus, event.NewStatus)
	slog.Info("Task status changed", "task_id", event.TaskID, "from", event.OldStatus, "to", event.NewStatus, "retry_count", event.RetryCount)

	if s.opts.Publisher == nil {
		return
	}
	if err := s.opts.Publisher.PublishTaskEvent(ctx, event); err != nil {
		slog.Warn("Failed to publish task event", "task_id", event.TaskID, "error", err.Error())
	}
}

// reporter persists executor transitions through the store.
type reporter struct {
	s *Scheduler
}

func (r reporter) Started(ctx context.Context, task *domain.Task) error {
	// the conditional update refuses tasks another node already picked up
	if err := r.s.store.UpdateTaskStatus(ctx, task.ID, domain.Running); err != nil {
		slog.Warn("Failed to mark task running", "task_id", task.ID, "error", err.Error())
		r.s.forget(task.ID)
		return err
	}

	r.s.setRunning(task.ID)
	r.s.publish(ctx, domain.TaskEvent{
		TaskID:     task.ID,
		OldStatus:  domain.Pending,
		NewStatus:  domain.Running,
		RetryCount: task.RetryCount,
		NodeID:     r.s.coordinator.NodeID(),
		At:         r.s.opts.Now(),
	})

	return nil
}

func (r reporter) Finished(ctx context.Context, task *domain.Task, result domain.TaskResult) error {
	defer r.s.forget(task.ID)

	r.s.opts.Metrics.RecordTaskDuration(task.Priority, result.Success, time.Duration(result.DurationMs)*time.Millisecond)

	if err := r.s.store.SaveResult(ctx, &result); err != nil {
		slog.Error("Failed to save task result", "task_id", task.ID, "error", err.Error())
		return err
	}
	if err := r.s.store.SaveTask(ctx, task); err != nil {
		slog.Error("Failed to save task", "task_id", task.ID, "status", task.Status, "error", err.Error())
		return err
	}

	r.s.publish(ctx, domain.TaskEvent{
		TaskID:     task.ID,
		OldStatus:  domain.Running,
		NewStatus:  task.Status,
		RetryCount: task.RetryCount,
		Error:      task.Error,
		NodeID:     r.s.coordinator.NodeID(),
		At:         r.s.opts.Now(),
	})

	return nil
}

// Skipped leaves the stored task Pending so the next leader dispatches it.
func (r reporter) Skipped(_ context.Context, task *domain.Task, err error) {
	r.s.forget(task.ID)
	slog.Info("Task not started, leadership ended", "task_id", task.ID, "error", err.Error())
}
