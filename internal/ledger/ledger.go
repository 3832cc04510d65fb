package ledger

import (
	"context"
	"time"
)

// Entry is a single usage record, written once per completed assistant reply.
// Token counts are character-based approximations (4 chars ~ 1 token), not
// exact tokenizer output. Aborted replies never produce an entry.
type Entry struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Model          string    `json:"model"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	TotalTokens    int64     `json:"total_tokens"`
	DurationMs     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// Summary aggregates usage for one user.
type Summary struct {
	Requests     int64 `json:"requests"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
	DurationMs   int64 `json:"duration_ms"`
}

// ModelUsage aggregates usage per model across all users, for the admin
// dashboard.
type ModelUsage struct {
	Model       string `json:"model"`
	Requests    int64  `json:"requests"`
	TotalTokens int64  `json:"total_tokens"`
	DurationMs  int64  `json:"duration_ms"`
}

// Store defines persistence behaviour for the usage ledger.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Summary(ctx context.Context, userID int64) (Summary, error)
	ListRecent(ctx context.Context, userID int64, limit int) ([]Entry, error)
	UsageByModel(ctx context.Context) ([]ModelUsage, error)
	Close() error
}

// ApproxTokens converts a character count into the token approximation used
// throughout the service, rounding down.
func ApproxTokens(chars int) int64 {
	return int64(chars / 4)
}
