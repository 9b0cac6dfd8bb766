package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/sf7293/task-scheduler/internal/errval"
)

type TaskStatus string

const (
	Pending   TaskStatus = "pending"
	Running   TaskStatus = "running"
	Completed TaskStatus = "completed"
	Failed    TaskStatus = "failed"
	Cancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s TaskStatus) IsTerminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

var allowedTransitions = map[TaskStatus][]TaskStatus{
	Pending: {Running, Cancelled},
	// Running -> Pending is only taken by retry re-queue and stale recovery
	Running: {Completed, Failed, Cancelled, Pending},
}

// CanTransition reports whether a task in status s may move to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

type TaskPriority int

const (
	Low TaskPriority = iota
	Normal
	High
	Critical
)

var priorityNames = [...]string{"low", "normal", "high", "critical"}

// Priorities lists every valid priority from lowest to highest.
func Priorities() []TaskPriority {
	return []TaskPriority{Low, Normal, High, Critical}
}

func (p TaskPriority) IsValid() bool {
	return p >= Low && p <= Critical
}

func (p TaskPriority) String() string {
	if !p.IsValid() {
		return fmt.Sprintf("priority(%d)", int(p))
	}

	return priorityNames[p]
}

func (p TaskPriority) MarshalText() ([]byte, error) {
	if !p.IsValid() {
		return nil, errval.ErrInvalidPriority
	}

	return []byte(p.String()), nil
}

func (p *TaskPriority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}

	*p = parsed
	return nil
}

// ParsePriority accepts the lower-case priority names, case-insensitively.
func ParsePriority(s string) (TaskPriority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return TaskPriority(i), nil
		}
	}

	return Low, fmt.Errorf("%w: %q", errval.ErrInvalidPriority, s)
}

type Task struct {
	ID             string            `json:"id" validate:"required,max=255"`
	Name           string            `json:"name" validate:"required"`
	Status         TaskStatus        `json:"status" validate:"oneof=pending running completed failed cancelled"`
	Priority       TaskPriority      `json:"priority" validate:"min=0,max=3"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	ScheduledAt    *time.Time        `json:"scheduled_at,omitempty"`
	CronExpression string            `json:"cron_expression,omitempty" validate:"omitempty,cron"`
	RetryCount     int               `json:"retry_count" validate:"min=0"`
	MaxRetries     int               `json:"max_retries" validate:"min=0"`
	Error          string            `json:"error,omitempty"`
	Metadata       map[string]string `json:"metadata"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type TaskResult struct {
	TaskID     string `json:"task_id" validate:"required"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms" validate:"min=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})

	return v
}

// Validate checks the fields a store needs before persisting the task.
func (t *Task) Validate() error {
	if err := validate.Struct(t); err != nil {
		if !t.Priority.IsValid() {
			return &errval.ValidationError{TaskID: t.ID, Err: errval.ErrInvalidPriority}
		}

		return &errval.ValidationError{TaskID: t.ID, Err: err}
	}

	return nil
}

func (r *TaskResult) Validate() error {
	if err := validate.Struct(r); err != nil {
		return &errval.ValidationError{TaskID: r.TaskID, Err: err}
	}

	return nil
}

// Transition moves the task to next and stamps the matching timestamp.
func (t *Task) Transition(next TaskStatus, at time.Time) error {
	if !t.Status.CanTransition(next) {
		return &errval.ValidationError{
			TaskID: t.ID,
			Err:    fmt.Errorf("%w: %s -> %s", errval.ErrInvalidTransition, t.Status, next),
		}
	}

	switch next {
	case Running:
		t.StartedAt = &at
		t.CompletedAt = nil
	case Completed, Failed, Cancelled:
		t.CompletedAt = &at
	case Pending:
		t.StartedAt = nil
		t.CompletedAt = nil
	}

	t.Status = next
	t.UpdatedAt = at
	return nil
}

// DueAt returns the earliest time the task may run. A cron expression only
// yields its first occurrence after creation; expanding later occurrences is
// left to whoever submits the tasks.
func (t *Task) DueAt() (time.Time, error) {
	if t.ScheduledAt != nil {
		return *t.ScheduledAt, nil
	}

	if t.CronExpression != "" {
		schedule, err := cron.ParseStandard(t.CronExpression)
		if err != nil {
			return time.Time{}, &errval.ValidationError{TaskID: t.ID, Err: err}
		}

		return schedule.Next(t.CreatedAt), nil
	}

	return t.CreatedAt, nil
}

// IsDue reports whether a pending task may be dispatched at now.
func (t *Task) IsDue(now time.Time) bool {
	if t.Status != Pending {
		return false
	}

	dueAt, err := t.DueAt()
	if err != nil {
		return false
	}

	return !now.Before(dueAt)
}

// HasRetryBudget reports whether another failed attempt may be re-queued.
func (t *Task) HasRetryBudget() bool {
	return t.RetryCount < t.MaxRetries
}

// Clone returns a deep copy so callers can hand tasks across goroutines safely.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	c := *t
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.ScheduledAt = cloneTime(t.ScheduledAt)
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}

	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	c := *t
	return &c
}
