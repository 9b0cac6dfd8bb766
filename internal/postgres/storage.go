package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sf7293/task-scheduler/internal/domain"
	"github.com/sf7293/task-scheduler/internal/errval"
)

const foreignKeyViolation = "23503"

const taskColumns = `id, name, status, priority, created_at, started_at, completed_at, scheduled_at,
	cron_expression, retry_count, max_retries, error, metadata, updated_at`

type storage struct {
	pool *pgxpool.Pool
}

var _ domain.TaskStore = (*storage)(nil)

func NewStorage(ctx context.Context, dsn string) (*storage, error) {
	var pool *pgxpool.Pool
	var err error

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	err = backoff.Retry(func() error {
		if pool, err = pgxpool.ConnectConfig(ctx, config); err != nil {
			slog.ErrorContext(ctx, "failed to connect to postgres database.. retrying...", "error", err)
			return err
		}

		if err = pool.Ping(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to ping postgres database connection.. retrying...", "error", err)
			pool.Close()
			return err
		}

		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(3*time.Second), 5), ctx))

	if err != nil {
		return nil, err
	}

	return &storage{pool: pool}, nil
}

func (s *storage) SaveTask(ctx context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = time.Now().UTC()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = task.UpdatedAt
	}

	var metadata pgtype.JSONB
	if err := metadata.Set(nonNilMetadata(task.Metadata)); err != nil {
		return &errval.ValidationError{TaskID: task.ID, Err: err}
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	status = EXCLUDED.status,
	priority = EXCLUDED.priority,
	started_at = EXCLUDED.started_at,
	completed_at = EXCLUDED.completed_at,
	scheduled_at = EXCLUDED.scheduled_at,
	cron_expression = EXCLUDED.cron_expression,
	retry_count = EXCLUDED.retry_count,
	max_retries = EXCLUDED.max_retries,
	error = EXCLUDED.error,
	metadata = EXCLUDED.metadata,
	updated_at = EXCLUDED.updated_at`,
		task.ID,
		task.Name,
		string(task.Status),
		int16(task.Priority),
		task.CreatedAt,
		task.StartedAt,
		task.CompletedAt,
		task.ScheduledAt,
		nullString(task.CronExpression),
		task.RetryCount,
		task.MaxRetries,
		nullString(task.Error),
		metadata,
		task.UpdatedAt,
	)

	return errval.NewStorageError("save task", err)
}

func (s *storage) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errval.ErrNotFound
		}

		return nil, errval.NewStorageError("get task", err)
	}

	return task, nil
}

// UpdateTaskStatus is a compare-and-set on the current status, so concurrent
// writers cannot move a task out of a terminal state.
func (s *storage) UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errval.ErrNotFound
		}

		return errval.NewStorageError("update task status", err)
	}

	if !domain.TaskStatus(current).CanTransition(status) {
		return &errval.ValidationError{
			TaskID: id,
			Err:    fmt.Errorf("%w: %s -> %s", errval.ErrInvalidTransition, current, status),
		}
	}

	// stamped with the application clock, like heartbeats and the stale cutoff
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
UPDATE tasks SET
	status = $2,
	started_at = CASE WHEN $2 = 'running' THEN $4::timestamptz WHEN $2 = 'pending' THEN NULL ELSE started_at END,
	completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN $4::timestamptz ELSE NULL END,
	updated_at = $4::timestamptz
WHERE id = $1 AND status = $3`, id, string(status), current, now)
	if err != nil {
		return errval.NewStorageError("update task status", err)
	}

	if tag.RowsAffected() == 0 {
		return &errval.ValidationError{
			TaskID: id,
			Err:    fmt.Errorf("%w: status changed concurrently", errval.ErrInvalidTransition),
		}
	}

	return nil
}

func (s *storage) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return errval.NewStorageError("delete task", err)
	}

	if tag.RowsAffected() == 0 {
		return errval.ErrNotFound
	}

	return nil
}

func (s *storage) ListTasks(ctx context.Context, status *domain.TaskStatus) ([]*domain.Task, error) {
	if status == nil {
		return s.queryTasks(ctx, "list tasks", `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
	}

	return s.queryTasks(ctx, "list tasks",
		`SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY created_at DESC`, string(*status))
}

func (s *storage) ListPendingTasks(ctx context.Context) ([]*domain.Task, error) {
	return s.queryTasks(ctx, "list pending tasks", `
SELECT `+taskColumns+` FROM tasks
WHERE status = 'pending'
ORDER BY priority DESC, created_at ASC, id ASC`)
}

func (s *storage) ListScheduledTasks(ctx context.Context, before time.Time) ([]*domain.Task, error) {
	return s.queryTasks(ctx, "list scheduled tasks", `
SELECT `+taskColumns+` FROM tasks
WHERE status = 'pending' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
ORDER BY priority DESC, created_at ASC, id ASC`, before)
}

func (s *storage) ListStaleTasks(ctx context.Context, before time.Time) ([]*domain.Task, error) {
	return s.queryTasks(ctx, "list stale tasks", `
SELECT `+taskColumns+` FROM tasks
WHERE status = 'running' AND updated_at < $1
ORDER BY updated_at ASC`, before)
}

func (s *storage) HeartbeatTasks(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.pool.Exec(ctx, `UPDATE tasks SET updated_at = $2 WHERE id = ANY($1) AND status = 'running'`, ids, at)
	return errval.NewStorageError("heartbeat tasks", err)
}

func (s *storage) SaveResult(ctx context.Context, result *domain.TaskResult) error {
	if err := result.Validate(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO task_results (task_id, success, output, error, duration_ms, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (task_id) DO UPDATE SET
	success = EXCLUDED.success,
	output = EXCLUDED.output,
	error = EXCLUDED.error,
	duration_ms = EXCLUDED.duration_ms,
	recorded_at = EXCLUDED.recorded_at`,
		result.TaskID,
		result.Success,
		nullString(result.Output),
		nullString(result.Error),
		result.DurationMs,
		time.Now().UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return errval.ErrNotFound
		}

		return errval.NewStorageError("save result", err)
	}

	return nil
}

func (s *storage) GetResult(ctx context.Context, taskID string) (*domain.TaskResult, error) {
	var output, errMsg *string
	result := &domain.TaskResult{TaskID: taskID}
	err := s.pool.QueryRow(ctx, `
SELECT success, output, error, duration_ms FROM task_results WHERE task_id = $1`, taskID).
		Scan(&result.Success, &output, &errMsg, &result.DurationMs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errval.ErrNotFound
		}

		return nil, errval.NewStorageError("get result", err)
	}

	result.Output = derefString(output)
	result.Error = derefString(errMsg)
	return result, nil
}

func (s *storage) Ping(ctx context.Context) (err error) {
	return s.pool.Ping(ctx)
}

func (s *storage) Close() error {
	s.pool.Close()
	return nil
}

func (s *storage) queryTasks(ctx context.Context, op, sql string, args ...interface{}) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errval.NewStorageError(op, err)
	}
	defer rows.Close()

	tasks := []*domain.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, errval.NewStorageError(op, err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, errval.NewStorageError(op, err)
	}

	return tasks, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var (
		task     domain.Task
		status   string
		priority int16
		cronExpr *string
		errMsg   *string
		metadata pgtype.JSONB
	)

	err := row.Scan(
		&task.ID,
		&task.Name,
		&status,
		&priority,
		&task.CreatedAt,
		&task.StartedAt,
		&task.CompletedAt,
		&task.ScheduledAt,
		&cronExpr,
		&task.RetryCount,
		&task.MaxRetries,
		&errMsg,
		&metadata,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = domain.TaskStatus(status)
	task.Priority = domain.TaskPriority(priority)
	task.CronExpression = derefString(cronExpr)
	task.Error = derefString(errMsg)
	task.Metadata = map[string]string{}
	if metadata.Status == pgtype.Present {
		if err := metadata.AssignTo(&task.Metadata); err != nil {
			return nil, err
		}
	}

	return &task, nil
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}

	return m
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
