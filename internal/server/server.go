package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sf7293/task-scheduler/internal/domain"
	"github.com/sf7293/task-scheduler/internal/errval"
)

// ServerLogic serves read-only task inspection for operators.
type ServerLogic struct {
	storage domain.TaskStore
}

type TaskView struct {
	Task   *domain.Task       `json:"task"`
	Result *domain.TaskResult `json:"result,omitempty"`
}

func NewServerLogic(storage domain.TaskStore) *ServerLogic {
	return &ServerLogic{storage: storage}
}

func (s *ServerLogic) GetTask(ctx context.Context, id string) (*TaskView, error) {
	task, err := s.storage.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, errval.ErrNotFound) {
			slog.Info("task not found with the given id", "id", id)
			return nil, errval.ErrNotFound
		}

		slog.ErrorContext(ctx, "error occurred while calling storage.GetTask", "error", err)
		return nil, errval.ErrInternal
	}

	result, err := s.storage.GetResult(ctx, id)
	if err != nil && !errors.Is(err, errval.ErrNotFound) {
		slog.ErrorContext(ctx, "error occurred while calling storage.GetResult", "error", err)
		return nil, errval.ErrInternal
	}

	return &TaskView{Task: task, Result: result}, nil
}

// ListTasks lists tasks, optionally filtered by status; an empty status lists all.
func (s *ServerLogic) ListTasks(ctx context.Context, status string) ([]*domain.Task, error) {
	var filter *domain.TaskStatus
	if status != "" {
		parsed := domain.TaskStatus(status)
		if !isKnownStatus(parsed) {
			return nil, &errval.ValidationError{Err: fmt.Errorf("unknown status %q", status)}
		}
		filter = &parsed
	}

	tasks, err := s.storage.ListTasks(ctx, filter)
	if err != nil {
		slog.ErrorContext(ctx, "error occurred while calling storage.ListTasks", "error", err)
		return nil, errval.ErrInternal
	}

	return tasks, nil
}

func isKnownStatus(s domain.TaskStatus) bool {
	switch s {
	case domain.Pending, domain.Running, domain.Completed, domain.Failed, domain.Cancelled:
		return true
	default:
		return false
	}
}
