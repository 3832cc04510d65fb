package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/privchat/privchat/internal/chatstore"
)

// Store implements chatstore.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed chat store using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

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
	user_id BIGINT NOT NULL,
	title TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS turns (
	id TEXT PRIMARY KEY,
	seq BIGSERIAL,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role TEXT NOT NULL CHECK(role IN ('user','assistant')),
	content TEXT NOT NULL,
	paused BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, seq ASC);
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
VALUES($1, $2, $3, $4, $5, $5)`,
		id, userID, title, model, now)
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
FROM conversations WHERE id = $1`, id)
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
FROM conversations WHERE user_id = $1
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
		`UPDATE conversations SET title = $1, updated_at = NOW() WHERE id = $2`, title, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteConversation removes the conversation and, via cascade, its turns.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// TouchConversation refreshes updated_at and the active model.
func (s *Store) TouchConversation(ctx context.Context, id, model string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = NOW(), model = $1 WHERE id = $2`, model, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetTitleIfDefault applies the derived title only while the placeholder is
// still in place.
func (s *Store) SetTitleIfDefault(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = $1 WHERE id = $2 AND (title = '' OR title = $3)`,
		title, id, chatstore.DefaultTitle)
	return err
}

// CreateTurn inserts a turn and returns it with its store-assigned id.
func (s *Store) CreateTurn(ctx context.Context, conversationID string, role chatstore.Role, content string) (*chatstore.Turn, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO turns(id, conversation_id, role, content, paused, created_at)
VALUES($1, $2, $3, $4, FALSE, $5)`,
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
FROM turns WHERE id = $1`, id)
	var t chatstore.Turn
	var role string
	if err := row.Scan(&t.ID, &t.ConversationID, &role, &t.Content, &t.Paused, &t.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, chatstore.ErrNotFound
		}
		return nil, err
	}
	t.Role = chatstore.Role(role)
	return &t, nil
}

// ListTurns returns the conversation's turns, oldest first.
func (s *Store) ListTurns(ctx context.Context, conversationID string) ([]chatstore.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, role, content, paused, created_at
FROM turns WHERE conversation_id = $1
ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []chatstore.Turn
	for rows.Next() {
		var t chatstore.Turn
		var role string
		if err := rows.Scan(&t.ID, &t.ConversationID, &role, &t.Content, &t.Paused, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Role = chatstore.Role(role)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// MarkTurnPaused flags the turn as paused; repeating the call is a no-op.
func (s *Store) MarkTurnPaused(ctx context.Context, id string) (*chatstore.Turn, error) {
	if _, err := s.db.ExecContext(ctx, `UPDATE turns SET paused = TRUE WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return s.GetTurn(ctx, id)
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
