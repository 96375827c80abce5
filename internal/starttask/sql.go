package starttask

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperr "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/db"
)

// SQLStore persists start tasks through the shared read/write pool. SQL is
// written against SQLite and rebound for Postgres.
type SQLStore struct {
	pool   *db.Pool
	driver string
}

// NewSQLStore creates the store and initializes its schema.
func NewSQLStore(pool *db.Pool, driver string) (*SQLStore, error) {
	s := &SQLStore{pool: pool, driver: driver}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize start-task schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	_, err := s.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS start_tasks (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'WORKING',
		detail TEXT DEFAULT '',
		failure_detail TEXT DEFAULT '',
		backend_error TEXT DEFAULT '',
		sandbox_id TEXT DEFAULT '',
		app_conversation_id TEXT DEFAULT '',
		request TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_start_tasks_status ON start_tasks(status);
	CREATE INDEX IF NOT EXISTS idx_start_tasks_updated ON start_tasks(updated_at);
	`)
	return err
}

const taskColumns = `id, status, detail, failure_detail, backend_error,
	sandbox_id, app_conversation_id, request, created_at, updated_at`

// CreateTask inserts a new task record.
func (s *SQLStore) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	requestJSON, err := marshalRequest(task.Request)
	if err != nil {
		return err
	}

	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO start_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.Status, task.Detail, task.FailureDetail, task.BackendError,
		task.SandboxID, task.AppConversationID, requestJSON, task.CreatedAt, task.UpdatedAt)
	return err
}

// GetTask loads one task.
func (s *SQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	r := s.pool.Reader()
	row := r.QueryRowContext(ctx, r.Rebind(`
		SELECT `+taskColumns+` FROM start_tasks WHERE id = ?
	`), id)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("start task", id)
	}
	return task, err
}

// UpdateTask overwrites the stored task.
func (s *SQLStore) UpdateTask(ctx context.Context, task *Task) error {
	requestJSON, err := marshalRequest(task.Request)
	if err != nil {
		return err
	}
	task.UpdatedAt = time.Now().UTC()

	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE start_tasks SET
			status = ?, detail = ?, failure_detail = ?, backend_error = ?,
			sandbox_id = ?, app_conversation_id = ?, request = ?, updated_at = ?
		WHERE id = ?
	`), task.Status, task.Detail, task.FailureDetail, task.BackendError,
		task.SandboxID, task.AppConversationID, requestJSON, task.UpdatedAt, task.ID)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFound("start task", task.ID)
	}
	return nil
}

// SearchTasks returns matching tasks, newest first.
func (s *SQLStore) SearchTasks(ctx context.Context, opts SearchOptions) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM start_tasks WHERE 1=1`
	args := []interface{}{}

	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, opts.Status)
	}
	query += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	r := s.pool.Reader()
	rows, err := r.QueryContext(ctx, r.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

// DeleteTerminalBefore purges terminal tasks last updated before threshold.
func (s *SQLStore) DeleteTerminalBefore(ctx context.Context, threshold time.Time) (int, error) {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		DELETE FROM start_tasks WHERE status IN (?, ?) AND updated_at < ?
	`), StatusReady, StatusError, threshold)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error {
	return s.pool.Close()
}

func marshalRequest(req *StartRequest) (string, error) {
	if req == nil {
		return "{}", nil
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to serialize start request: %w", err)
	}
	return string(data), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	task := &Task{}
	var requestJSON string
	err := row.Scan(&task.ID, &task.Status, &task.Detail, &task.FailureDetail,
		&task.BackendError, &task.SandboxID, &task.AppConversationID, &requestJSON,
		&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if requestJSON != "" && requestJSON != "{}" {
		task.Request = &StartRequest{}
		if err := json.Unmarshal([]byte(requestJSON), task.Request); err != nil {
			return nil, fmt.Errorf("failed to deserialize start request: %w", err)
		}
	}
	return task, nil
}

var _ Store = (*SQLStore)(nil)
var _ Store = (*MemoryStore)(nil)
