package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/privchat/privchat/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and
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
CREATE TABLE IF NOT EXISTS usage_entries (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	input_tokens BIGINT NOT NULL,
	output_tokens BIGINT NOT NULL,
	total_tokens BIGINT NOT NULL,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_usage_entries_user_created ON usage_entries(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_usage_entries_model ON usage_entries(model);
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

// Record inserts a new usage entry.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	if entry.UserID == 0 {
		return errors.New("ledger record requires user id")
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_entries(user_id, conversation_id, model, input_tokens, output_tokens, total_tokens, duration_ms, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.UserID,
		entry.ConversationID,
		entry.Model,
		entry.InputTokens,
		entry.OutputTokens,
		entry.TotalTokens,
		entry.DurationMs,
		created,
	)
	return err
}

// Summary returns aggregated usage for the given user.
func (s *Store) Summary(ctx context.Context, userID int64) (ledger.Summary, error) {
	if userID == 0 {
		return ledger.Summary{}, errors.New("user id required")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(1),
	COALESCE(SUM(input_tokens), 0),
	COALESCE(SUM(output_tokens), 0),
	COALESCE(SUM(total_tokens), 0),
	COALESCE(SUM(duration_ms), 0)
FROM usage_entries
WHERE user_id = $1`, userID)

	var summary ledger.Summary
	if err := row.Scan(&summary.Requests, &summary.InputTokens, &summary.OutputTokens, &summary.TotalTokens, &summary.DurationMs); err != nil {
		return ledger.Summary{}, err
	}
	return summary, nil
}

// ListRecent returns the latest entries for a user.
func (s *Store) ListRecent(ctx context.Context, userID int64, limit int) ([]ledger.Entry, error) {
	if userID == 0 {
		return nil, errors.New("user id required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, conversation_id, model, input_tokens, output_tokens, total_tokens, duration_ms, created_at
FROM usage_entries
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.ConversationID, &e.Model, &e.InputTokens, &e.OutputTokens, &e.TotalTokens, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UsageByModel aggregates usage per model across all users.
func (s *Store) UsageByModel(ctx context.Context) ([]ledger.ModelUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT model, COUNT(1), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(duration_ms), 0)
FROM usage_entries
GROUP BY model
ORDER BY SUM(total_tokens) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var usages []ledger.ModelUsage
	for rows.Next() {
		var u ledger.ModelUsage
		if err := rows.Scan(&u.Model, &u.Requests, &u.TotalTokens, &u.DurationMs); err != nil {
			return nil, err
		}
		usages = append(usages, u)
	}
	return usages, rows.Err()
}
