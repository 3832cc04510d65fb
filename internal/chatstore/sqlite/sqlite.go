package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/privchat/privchat/internal/chatstore"
)

// Store implements chatstore.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite chat store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create chat db directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS turns (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role TEXT NOT NULL CHECK(role IN ('user','assistant')),
	content TEXT NOT NULL,
	paused INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, created_at ASC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateConversation inserts a conversation and returns it with its assigned id.
func (s *Store) CreateConversation(ctx context.Context, userID int64, title, model string) (*chatstore.Conversation, error) {
	if title == "" {
		title = chatstore.DefaultTitle
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(id, user_id, title, model, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?)`,
		id, userID, title, model, now, now)
	if err != nil {
		return nil, err
	}
	return &chatstore.Conversation{
		ID:        id,
		UserID:    userID,
		Title:     title,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetConversation returns the conversation with the given id.
func (s *Store) GetConversation(ctx context.Context, id string) (*chatstore.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, title, model, created_at, updated_at
FROM conversations WHERE id = ?`, id)
	var c chatstore.Conversation
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Model, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, chatstore.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ListConversations returns the user's conversations, most recently active first.
func (s *Store) ListConversations(ctx context.Context, userID int64) ([]chatstore.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, title, model, created_at, updated_at
FROM conversations WHERE user_id = ?
ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []chatstore.Conversation
	for rows.Next() {
		var c chatstore.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.Model, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// RenameConversation sets a new title.
func (s *Store) RenameConversation(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteConversation removes the conversation and, via cascade, its turns.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// TouchConversation refreshes updated_at and the active model.
func (s *Store) TouchConversation(ctx context.Context, id, model string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ?, model = ? WHERE id = ?`,
		time.Now().UTC(), model, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetTitleIfDefault applies the derived title only while the placeholder is
// still in place, so later messages never overwrite a real title.
func (s *Store) SetTitleIfDefault(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ? AND (title = '' OR title = ?)`,
		title, id, chatstore.DefaultTitle)
	return err
}

// CreateTurn inserts a turn and returns it with its store-assigned id.
func (s *Store) CreateTurn(ctx context.Context, conversationID string, role chatstore.Role, content string) (*chatstore.Turn, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO turns(id, conversation_id, role, content, paused, created_at)
VALUES(?, ?, ?, ?, 0, ?)`,
		id, conversationID, string(role), content, now)
	if err != nil {
		return nil, err
	}
	return &chatstore.Turn{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}, nil
}

// GetTurn returns the turn with the given id.
func (s *Store) GetTurn(ctx context.Context, id string) (*chatstore.Turn, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, conversation_id, role, content, paused, created_at
FROM turns WHERE id = ?`, id)
	return scanTurn(row)
}

// ListTurns returns the conversation's turns, oldest first.
func (s *Store) ListTurns(ctx context.Context, conversationID string) ([]chatstore.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, role, content, paused, created_at
FROM turns WHERE conversation_id = ?
ORDER BY created_at ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []chatstore.Turn
	for rows.Next() {
		var t chatstore.Turn
		var role string
		var paused int
		if err := rows.Scan(&t.ID, &t.ConversationID, &role, &t.Content, &paused, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Role = chatstore.Role(role)
		t.Paused = paused != 0
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// MarkTurnPaused flags the turn as paused; repeating the call is a no-op.
func (s *Store) MarkTurnPaused(ctx context.Context, id string) (*chatstore.Turn, error) {
	if _, err := s.db.ExecContext(ctx, `UPDATE turns SET paused = 1 WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return s.GetTurn(ctx, id)
}

func scanTurn(row *sql.Row) (*chatstore.Turn, error) {
	var t chatstore.Turn
	var role string
	var paused int
	if err := row.Scan(&t.ID, &t.ConversationID, &role, &t.Content, &paused, &t.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, chatstore.ErrNotFound
		}
		return nil, err
	}
	t.Role = chatstore.Role(role)
	t.Paused = paused != 0
	return &t, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return chatstore.ErrNotFound
	}
	return nil
}
