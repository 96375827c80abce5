package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperr "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/conversation/models"
	"github.com/relaydev/relay/internal/db"
	"github.com/relaydev/relay/internal/db/dialect"
)

// SQLStore persists conversations through the shared read/write pool. SQL is
// written against SQLite and rebound for Postgres.
type SQLStore struct {
	pool   *db.Pool
	driver string
}

// NewSQLStore creates the store and initializes its schema.
func NewSQLStore(pool *db.Pool, driver string) (*SQLStore, error) {
	s := &SQLStore{pool: pool, driver: driver}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize conversation schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	_, err := s.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		created_by_user_id TEXT DEFAULT '',
		title TEXT DEFAULT '',
		trigger_kind TEXT DEFAULT '',
		url TEXT DEFAULT '',
		session_api_key TEXT DEFAULT '',
		runtime_id TEXT DEFAULT '',
		session_id TEXT DEFAULT '',
		vscode_url TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'STARTING',
		runtime_status TEXT DEFAULT '',
		repository TEXT DEFAULT '',
		branch TEXT DEFAULT '',
		git_provider TEXT DEFAULT '',
		runtime_instance TEXT DEFAULT '{}',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversation_events (
		conversation_id TEXT NOT NULL,
		event_id INTEGER NOT NULL,
		type TEXT DEFAULT '',
		timestamp TIMESTAMP NOT NULL,
		payload TEXT DEFAULT '{}',
		PRIMARY KEY (conversation_id, event_id)
	);

	CREATE TABLE IF NOT EXISTS conversation_feedback (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		polarity TEXT NOT NULL,
		reason TEXT DEFAULT '',
		trajectory TEXT DEFAULT '[]',
		metadata TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status);
	CREATE INDEX IF NOT EXISTS idx_conversations_repository ON conversations(repository);
	CREATE INDEX IF NOT EXISTS idx_conversation_events_conv ON conversation_events(conversation_id, event_id);
	CREATE INDEX IF NOT EXISTS idx_conversation_feedback_conv ON conversation_feedback(conversation_id);
	`)
	return err
}

const conversationColumns = `id, created_by_user_id, title, trigger_kind, url, session_api_key,
	runtime_id, session_id, vscode_url, status, runtime_status, repository, branch,
	git_provider, runtime_instance, version, created_at, updated_at`

// CreateConversation inserts a new conversation record at version 1.
func (s *SQLStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	conv.Version = 1

	instanceJSON, err := marshalRuntime(conv.Runtime)
	if err != nil {
		return err
	}

	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), conv.ID, conv.CreatedByUserID, conv.Title, conv.Trigger, conv.URL, conv.SessionAPIKey,
		conv.RuntimeID, conv.SessionID, conv.VSCodeURL, conv.Status, conv.RuntimeStatus,
		conv.Repository, conv.Branch, conv.GitProvider, instanceJSON, conv.Version,
		conv.CreatedAt, conv.UpdatedAt)
	return err
}

// GetConversation loads one conversation with its runtime instance.
func (s *SQLStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	r := s.pool.Reader()
	row := r.QueryRowContext(ctx, r.Rebind(`
		SELECT `+conversationColumns+` FROM conversations WHERE id = ?
	`), id)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("conversation", id)
	}
	return conv, err
}

// SaveConversation writes an updated record, matching the caller's version.
// Zero rows affected on an existing record means another writer got there
// first and surfaces as Conflict.
func (s *SQLStore) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	instanceJSON, err := marshalRuntime(conv.Runtime)
	if err != nil {
		return err
	}
	updatedAt := time.Now().UTC()

	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE conversations SET
			created_by_user_id = ?, title = ?, trigger_kind = ?, url = ?, session_api_key = ?,
			runtime_id = ?, session_id = ?, vscode_url = ?, status = ?, runtime_status = ?,
			repository = ?, branch = ?, git_provider = ?, runtime_instance = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`), conv.CreatedByUserID, conv.Title, conv.Trigger, conv.URL, conv.SessionAPIKey,
		conv.RuntimeID, conv.SessionID, conv.VSCodeURL, conv.Status, conv.RuntimeStatus,
		conv.Repository, conv.Branch, conv.GitProvider, instanceJSON,
		updatedAt, conv.ID, conv.Version)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, getErr := s.GetConversation(ctx, conv.ID); getErr != nil {
			return getErr
		}
		return apperr.Conflict("conversation was updated by another process")
	}

	conv.Version++
	conv.UpdatedAt = updatedAt
	return nil
}

// DeleteConversation removes the conversation and its owned collections.
func (s *SQLStore) DeleteConversation(ctx context.Context, id string) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM conversations WHERE id = ?`), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFound("conversation", id)
	}

	if _, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM conversation_events WHERE conversation_id = ?`), id); err != nil {
		return err
	}
	_, err = w.ExecContext(ctx, w.Rebind(`DELETE FROM conversation_feedback WHERE conversation_id = ?`), id)
	return err
}

// ListConversations returns matching conversations, newest first.
func (s *SQLStore) ListConversations(ctx context.Context, opts ListOptions) ([]*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE 1=1`
	args := []interface{}{}

	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, opts.Status)
	}
	if opts.Repository != "" {
		query += ` AND repository = ?`
		args = append(args, opts.Repository)
	}
	if opts.Query != "" {
		query += ` AND title ` + dialect.Like(s.driver) + ` ?`
		args = append(args, "%"+opts.Query+"%")
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

	var result []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, conv)
	}
	return result, rows.Err()
}

// AppendEvents appends journal entries inside one writer transaction,
// assigning identifiers in journal order when an entry has none.
func (s *SQLStore) AppendEvents(ctx context.Context, conversationID string, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}

	w := s.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var next int64
	if err := tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT COALESCE(MAX(event_id), -1) + 1 FROM conversation_events WHERE conversation_id = ?
	`), conversationID).Scan(&next); err != nil {
		return err
	}

	for _, ev := range events {
		id := ev.ID
		if id == 0 {
			id = next
		}
		if id >= next {
			next = id + 1
		}
		ts := ev.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		payloadJSON := "{}"
		if ev.Payload != nil {
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				return fmt.Errorf("failed to serialize event payload: %w", err)
			}
			payloadJSON = string(data)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO conversation_events (conversation_id, event_id, type, timestamp, payload)
			VALUES (?, ?, ?, ?, ?)
		`), conversationID, id, ev.Type, ts, payloadJSON); err != nil {
			return err
		}
		ev.ID = id
		ev.ConversationID = conversationID
	}
	return tx.Commit()
}

// GetEvents pages the persisted journal from startID using the limit+1
// trick to report whether more rows remain.
func (s *SQLStore) GetEvents(ctx context.Context, conversationID string, startID int64, reverse bool, limit int) ([]*models.Event, bool, error) {
	cmp, order := ">=", "ASC"
	if reverse {
		cmp, order = "<=", "DESC"
	}

	fetch := limit
	if fetch > 0 {
		fetch++
	}

	r := s.pool.Reader()
	query := fmt.Sprintf(`
		SELECT event_id, type, timestamp, payload FROM conversation_events
		WHERE conversation_id = ? AND event_id %s ?
		ORDER BY event_id %s LIMIT ?
	`, cmp, order)

	rows, err := r.QueryContext(ctx, r.Rebind(query), conversationID, startID, fetch)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = rows.Close() }()

	var events []*models.Event
	for rows.Next() {
		ev := &models.Event{ConversationID: conversationID}
		var payloadJSON string
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Timestamp, &payloadJSON); err != nil {
			return nil, false, err
		}
		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
				return nil, false, fmt.Errorf("failed to deserialize event payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := false
	if limit > 0 && len(events) > limit {
		events = events[:limit]
		hasMore = true
	}
	return events, hasMore, nil
}

// AppendFeedback appends a feedback record with its attached trajectory.
func (s *SQLStore) AppendFeedback(ctx context.Context, entry *models.FeedbackEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	trajectoryJSON := "[]"
	if entry.Trajectory != nil {
		data, err := json.Marshal(entry.Trajectory)
		if err != nil {
			return fmt.Errorf("failed to serialize feedback trajectory: %w", err)
		}
		trajectoryJSON = string(data)
	}
	metadataJSON := "{}"
	if entry.Metadata != nil {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize feedback metadata: %w", err)
		}
		metadataJSON = string(data)
	}

	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO conversation_feedback (id, conversation_id, polarity, reason, trajectory, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.ConversationID, entry.Polarity, entry.Reason, trajectoryJSON, metadataJSON, entry.CreatedAt)
	return err
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error {
	return s.pool.Close()
}

func marshalRuntime(r *models.RuntimeInstance) (string, error) {
	if r == nil {
		return "{}", nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to serialize runtime instance: %w", err)
	}
	return string(data), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var instanceJSON string
	err := row.Scan(&conv.ID, &conv.CreatedByUserID, &conv.Title, &conv.Trigger, &conv.URL,
		&conv.SessionAPIKey, &conv.RuntimeID, &conv.SessionID, &conv.VSCodeURL, &conv.Status,
		&conv.RuntimeStatus, &conv.Repository, &conv.Branch, &conv.GitProvider, &instanceJSON,
		&conv.Version, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if instanceJSON != "" && instanceJSON != "{}" {
		conv.Runtime = &models.RuntimeInstance{}
		if err := json.Unmarshal([]byte(instanceJSON), conv.Runtime); err != nil {
			return nil, fmt.Errorf("failed to deserialize runtime instance: %w", err)
		}
	}
	return conv, nil
}

var _ Store = (*SQLStore)(nil)
var _ Store = (*MemoryStore)(nil)
