package queue

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/sf7293/task-scheduler/internal/domain"
	"github.com/sf7293/task-scheduler/internal/errval"
)

type entry struct {
	task     *domain.Task
	sequence uint64
	index    int
}

// entryHeap orders by priority desc, created_at asc, then insertion sequence.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i].task, h[j].task
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}

	return h[i].sequence < h[j].sequence
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x interface{}) {
	item := x.(*entry)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// PriorityQueue holds at most one entry per task id. It is safe for concurrent use.
type PriorityQueue struct {
	mu           sync.Mutex
	entries      entryHeap
	byID         map[string]*entry
	nextSequence uint64
}

func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{
		byID: make(map[string]*entry),
	}
}

// Push enqueues task. A task whose id is already present is rejected and the queue is left unchanged.
func (q *PriorityQueue) Push(task *domain.Task) error {
	if !task.Priority.IsValid() {
		return &errval.ValidationError{TaskID: task.ID, Err: errval.ErrInvalidPriority}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[task.ID]; exists {
		return &errval.ValidationError{TaskID: task.ID, Err: errval.ErrDuplicateTask}
	}

	q.pushLocked(task)
	return nil
}

func (q *PriorityQueue) pushLocked(task *domain.Task) {
	item := &entry{task: task, sequence: q.nextSequence}
	q.nextSequence++
	heap.Push(&q.entries, item)
	q.byID[task.ID] = item
}

// Pop removes the next task and hands its ownership to the caller.
func (q *PriorityQueue) Pop() (*domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil, false
	}

	item := heap.Pop(&q.entries).(*entry)
	delete(q.byID, item.task.ID)
	return item.task, true
}

// PopUpTo pops at most max tasks in queue order.
func (q *PriorityQueue) PopUpTo(max int) []*domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := len(q.entries)
	if count == 0 || max <= 0 {
		return nil
	}
	if count > max {
		count = max
	}

	batch := make([]*domain.Task, 0, count)
	for i := 0; i < count; i++ {
		item := heap.Pop(&q.entries).(*entry)
		delete(q.byID, item.task.ID)
		batch = append(batch, item.task)
	}

	return batch
}

func (q *PriorityQueue) Peek() (*domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil, false
	}

	return q.entries[0].task, true
}

func (q *PriorityQueue) Remove(id string) (*domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.removeLocked(id)
}

func (q *PriorityQueue) removeLocked(id string) (*domain.Task, error) {
	item, ok := q.byID[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, errval.ErrNotFound)
	}

	heap.Remove(&q.entries, item.index)
	delete(q.byID, id)
	return item.task, nil
}

// UpdatePriority re-enqueues the task under priority. It lands behind entries
// already waiting at that priority with the same or an earlier created_at.
func (q *PriorityQueue) UpdatePriority(id string, priority domain.TaskPriority) error {
	if !priority.IsValid() {
		return &errval.ValidationError{TaskID: id, Err: errval.ErrInvalidPriority}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.removeLocked(id)
	if err != nil {
		return err
	}

	task.Priority = priority
	q.pushLocked(task)
	return nil
}

func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stats returns the number of queued entries per priority band; every band is present.
func (q *PriorityQueue) Stats() map[domain.TaskPriority]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[domain.TaskPriority]int, len(domain.Priorities()))
	for _, p := range domain.Priorities() {
		stats[p] = 0
	}
	for _, item := range q.entries {
		stats[item.task.Priority]++
	}

	return stats
}
