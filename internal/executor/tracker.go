package executor

import "sync/atomic"

// Tracker counts task outcomes across batches. It is safe for concurrent use
// and may be shared between executors.
type Tracker struct {
	total     atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	cancelled atomic.Int64
	running   atomic.Int64
}

type Snapshot struct {
	Total     int64 `json:"total"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Cancelled int64 `json:"cancelled"`
	Running   int64 `json:"running"`
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}

	return Snapshot{
		Total:     t.total.Load(),
		Completed: t.completed.Load(),
		Failed:    t.failed.Load(),
		Retried:   t.retried.Load(),
		Cancelled: t.cancelled.Load(),
		Running:   t.running.Load(),
	}
}

func (t *Tracker) started() {
	if t == nil {
		return
	}
	t.total.Add(1)
	t.running.Add(1)
}

func (t *Tracker) finished(outcome outcome) {
	if t == nil {
		return
	}
	t.running.Add(-1)

	switch outcome {
	case outcomeCompleted:
		t.completed.Add(1)
	case outcomeRetried:
		t.retried.Add(1)
	case outcomeFailed:
		t.failed.Add(1)
	}
}

func (t *Tracker) skipped() {
	if t == nil {
		return
	}
	t.cancelled.Add(1)
}
