// Package metrics exports scheduler state as Prometheus collectors.
package metrics

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/sf7293/task-scheduler/internal/domain"
)

const namespace = "task_scheduler"

type Metrics struct {
	transitionsTotal *prom.CounterVec
	taskDuration     *prom.HistogramVec
	tickErrorsTotal  *prom.CounterVec
	staleTotal       *prom.CounterVec
	dueTasks         prom.Gauge
	isLeader         prom.Gauge
}

// New registers the collectors on reg, reusing any already registered there.
// A nil reg means prometheus.DefaultRegisterer.
func New(reg prom.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}

	transitions := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_transitions_total",
		Help:      "Task status transitions persisted by this node.",
	}, []string{"from", "to"})
	duration := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Handler duration per task attempt.",
		Buckets:   prom.DefBuckets,
	}, []string{"priority", "success"})
	tickErrors := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tick_errors_total",
		Help:      "Dispatch ticks skipped because of an error.",
	}, []string{"stage"})
	stale := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "stale_tasks_total",
		Help:      "Running tasks recovered after missing heartbeats.",
	}, []string{"action"})
	due := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "due_tasks",
		Help:      "Due tasks seen by the last dispatch tick.",
	})
	leader := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "is_leader",
		Help:      "1 while this node holds leadership.",
	})

	var err error
	if transitions, err = registerCollector(reg, transitions); err != nil {
		return nil, err
	}
	if duration, err = registerCollector(reg, duration); err != nil {
		return nil, err
	}
	if tickErrors, err = registerCollector(reg, tickErrors); err != nil {
		return nil, err
	}
	if stale, err = registerCollector(reg, stale); err != nil {
		return nil, err
	}
	if due, err = registerCollector(reg, due); err != nil {
		return nil, err
	}
	if leader, err = registerCollector(reg, leader); err != nil {
		return nil, err
	}

	return &Metrics{
		transitionsTotal: transitions,
		taskDuration:     duration,
		tickErrorsTotal:  tickErrors,
		staleTotal:       stale,
		dueTasks:         due,
		isLeader:         leader,
	}, nil
}

func (m *Metrics) RecordTransition(from, to domain.TaskStatus) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) RecordTaskDuration(priority domain.TaskPriority, success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(priority.String(), fmt.Sprint(success)).Observe(d.Seconds())
}

func (m *Metrics) RecordTickError(stage string) {
	if m == nil {
		return
	}
	m.tickErrorsTotal.WithLabelValues(stage).Inc()
}

// RecordStale counts one recovered task; action is "requeued" or "failed".
func (m *Metrics) RecordStale(action string) {
	if m == nil {
		return
	}
	m.staleTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) SetDueTasks(n int) {
	if m == nil {
		return
	}
	m.dueTasks.Set(float64(n))
}

func (m *Metrics) SetLeader(isLeader bool) {
	if m == nil {
		return
	}
	if isLeader {
		m.isLeader.Set(1)
		return
	}
	m.isLeader.Set(0)
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
