// Package sqlite is a single-node TaskStore backed by an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sf7293/task-scheduler/internal/domain"
	"github.com/sf7293/task-scheduler/internal/errval"

	_ "modernc.org/sqlite"
)

const schema = `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','running','completed','failed','cancelled')),
  priority INTEGER NOT NULL CHECK(priority BETWEEN 0 AND 3),
  created_at INTEGER NOT NULL,
  started_at INTEGER,
  completed_at INTEGER,
  scheduled_at INTEGER,
  cron_expression TEXT,
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  metadata TEXT NOT NULL DEFAULT '{}',
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_pending ON tasks(status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(status, updated_at);
CREATE TABLE IF NOT EXISTS task_results (
  task_id TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
  success INTEGER NOT NULL,
  output TEXT,
  error TEXT,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  recorded_at INTEGER NOT NULL
);
`

const taskColumns = `id,name,status,priority,created_at,started_at,completed_at,scheduled_at,cron_expression,retry_count,max_retries,error,metadata,updated_at`

type storage struct {
	db *sql.DB
}

var _ domain.TaskStore = (*storage)(nil)

// NewStorage opens (or creates) the database at path; ":memory:" gives a private in-memory store.
func NewStorage(ctx context.Context, path string) (*storage, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite single writer; also keeps ":memory:" on one connection
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &storage{db: db}, nil
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

	metadata, err := json.Marshal(nonNilMetadata(task.Metadata))
	if err != nil {
		return &errval.ValidationError{TaskID: task.ID, Err: err}
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name,
  status=excluded.status,
  priority=excluded.priority,
  started_at=excluded.started_at,
  completed_at=excluded.completed_at,
  scheduled_at=excluded.scheduled_at,
  cron_expression=excluded.cron_expression,
  retry_count=excluded.retry_count,
  max_retries=excluded.max_retries,
  error=excluded.error,
  metadata=excluded.metadata,
  updated_at=excluded.updated_at`,
		task.ID,
		task.Name,
		string(task.Status),
		int(task.Priority),
		task.CreatedAt.UnixNano(),
		nullTime(task.StartedAt),
		nullTime(task.CompletedAt),
		nullTime(task.ScheduledAt),
		nullString(task.CronExpression),
		task.RetryCount,
		task.MaxRetries,
		nullString(task.Error),
		string(metadata),
		task.UpdatedAt.UnixNano(),
	)

	return errval.NewStorageError("save task", err)
}

func (s *storage) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errval.ErrNotFound
		}

		return nil, errval.NewStorageError("get task", err)
	}

	return task, nil
}

func (s *storage) UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id=?`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

	now := time.Now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET
  status=?,
  started_at=CASE WHEN ?='running' THEN ? WHEN ?='pending' THEN NULL ELSE started_at END,
  completed_at=CASE WHEN ? IN ('completed','failed','cancelled') THEN ? ELSE NULL END,
  updated_at=?
WHERE id=? AND status=?`,
		string(status), string(status), now, string(status), string(status), now, now, id, current)
	if err != nil {
		return errval.NewStorageError("update task status", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return &errval.ValidationError{
			TaskID: id,
			Err:    fmt.Errorf("%w: status changed concurrently", errval.ErrInvalidTransition),
		}
	}

	return nil
}

func (s *storage) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return errval.NewStorageError("delete task", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return errval.ErrNotFound
	}

	return nil
}

func (s *storage) ListTasks(ctx context.Context, status *domain.TaskStatus) ([]*domain.Task, error) {
	if status == nil {
		return s.queryTasks(ctx, "list tasks", `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id ASC`)
	}

	return s.queryTasks(ctx, "list tasks",
		`SELECT `+taskColumns+` FROM tasks WHERE status=? ORDER BY created_at DESC, id ASC`, string(*status))
}

func (s *storage) ListPendingTasks(ctx context.Context) ([]*domain.Task, error) {
	return s.queryTasks(ctx, "list pending tasks", `
SELECT `+taskColumns+` FROM tasks
WHERE status='pending'
ORDER BY priority DESC, created_at ASC, id ASC`)
}

func (s *storage) ListScheduledTasks(ctx context.Context, before time.Time) ([]*domain.Task, error) {
	return s.queryTasks(ctx, "list scheduled tasks", `
SELECT `+taskColumns+` FROM tasks
WHERE status='pending' AND scheduled_at IS NOT NULL AND scheduled_at <= ?
ORDER BY priority DESC, created_at ASC, id ASC`, before.UnixNano())
}

func (s *storage) ListStaleTasks(ctx context.Context, before time.Time) ([]*domain.Task, error) {
	return s.queryTasks(ctx, "list stale tasks", `
SELECT `+taskColumns+` FROM tasks
WHERE status='running' AND updated_at < ?
ORDER BY updated_at ASC`, before.UnixNano())
}

func (s *storage) HeartbeatTasks(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, at.UnixNano())
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET updated_at=? WHERE status='running' AND id IN (`+placeholders+`)`, args...)
	return errval.NewStorageError("heartbeat tasks", err)
}

func (s *storage) SaveResult(ctx context.Context, result *domain.TaskResult) error {
	if err := result.Validate(); err != nil {
		return err
	}

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id=?`, result.TaskID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errval.ErrNotFound
		}

		return errval.NewStorageError("save result", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO task_results (task_id, success, output, error, duration_ms, recorded_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET
  success=excluded.success,
  output=excluded.output,
  error=excluded.error,
  duration_ms=excluded.duration_ms,
  recorded_at=excluded.recorded_at`,
		result.TaskID,
		result.Success,
		nullString(result.Output),
		nullString(result.Error),
		result.DurationMs,
		time.Now().UTC().UnixNano(),
	)

	return errval.NewStorageError("save result", err)
}

func (s *storage) GetResult(ctx context.Context, taskID string) (*domain.TaskResult, error) {
	var output, errMsg sql.NullString
	result := &domain.TaskResult{TaskID: taskID}
	err := s.db.QueryRowContext(ctx,
		`SELECT success, output, error, duration_ms FROM task_results WHERE task_id=?`, taskID).
		Scan(&result.Success, &output, &errMsg, &result.DurationMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errval.ErrNotFound
		}

		return nil, errval.NewStorageError("get result", err)
	}

	result.Output = output.String
	result.Error = errMsg.String
	return result, nil
}

func (s *storage) Ping(ctx context.Context) (err error) {
	return s.db.PingContext(ctx)
}

func (s *storage) Close() error {
	return s.db.Close()
}

func (s *storage) queryTasks(ctx context.Context, op, query string, args ...interface{}) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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
		task                               domain.Task
		status, metadata                   string
		priority                           int
		createdAt, updatedAt               int64
		startedAt, completedAt, scheduleAt sql.NullInt64
		cronExpr, errMsg                   sql.NullString
	)

	err := row.Scan(
		&task.ID,
		&task.Name,
		&status,
		&priority,
		&createdAt,
		&startedAt,
		&completedAt,
		&scheduleAt,
		&cronExpr,
		&task.RetryCount,
		&task.MaxRetries,
		&errMsg,
		&metadata,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = domain.TaskStatus(status)
	task.Priority = domain.TaskPriority(priority)
	task.CreatedAt = time.Unix(0, createdAt).UTC()
	task.UpdatedAt = time.Unix(0, updatedAt).UTC()
	task.StartedAt = fromNullTime(startedAt)
	task.CompletedAt = fromNullTime(completedAt)
	task.ScheduledAt = fromNullTime(scheduleAt)
	task.CronExpression = cronExpr.String
	task.Error = errMsg.String
	task.Metadata = map[string]string{}
	if err := json.Unmarshal([]byte(metadata), &task.Metadata); err != nil {
		return nil, err
	}

	return &task, nil
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}

	return m
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}

	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
