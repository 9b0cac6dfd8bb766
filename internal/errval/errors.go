package errval

import (
	"errors"
	"fmt"
)

var (
	ErrInternal          = errors.New("internal server error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTaskType   = errors.New("invalid task type")
	ErrDuplicateTask     = errors.New("task already enqueued")
	ErrInvalidPriority   = errors.New("invalid task priority")
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrCancelled         = errors.New("task cancelled before start")
	ErrNotLeader         = errors.New("not the leader")
	ErrLeaseExpired      = errors.New("lease expired")
	ErrTaskPanicked      = errors.New("task panicked")
)

// ValidationError reports a task that cannot be accepted as given.
type ValidationError struct {
	TaskID string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for task %q: %v", e.TaskID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StorageError wraps any I/O failure returned by a TaskStore backend.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError returns nil when err is nil, so store methods can wrap unconditionally.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}

	return &StorageError{Op: op, Err: err}
}

type TaskExecutionError struct {
	TaskID string
	Err    error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// TaskPanicError is produced when a handler panics. It never escapes the executor as a panic.
type TaskPanicError struct {
	TaskID string
	Value  any
	Stack  []byte
}

func (e *TaskPanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.TaskID, e.Value)
}

func (e *TaskPanicError) Unwrap() error { return ErrTaskPanicked }

type CoordinationError struct {
	Op  string
	Err error
}

func (e *CoordinationError) Error() string {
	return fmt.Sprintf("coordination: %s: %v", e.Op, e.Err)
}

func (e *CoordinationError) Unwrap() error { return e.Err }

type CancelledError struct {
	TaskID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("task %s: %v", e.TaskID, ErrCancelled)
}

func (e *CancelledError) Unwrap() error { return ErrCancelled }
