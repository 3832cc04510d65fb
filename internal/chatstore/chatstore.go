package chatstore

import (
	"context"
	"errors"
	"time"
)

// Role identifies which side of a conversation authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultTitle is the placeholder assigned to new conversations until the
// first user message derives a real one.
const DefaultTitle = "New conversation"

// ErrNotFound is returned when a conversation or turn does not exist.
var ErrNotFound = errors.New("record not found")

// Conversation is an ordered sequence of turns owned by one user.
type Conversation struct {
	ID        string
	UserID    int64
	Title     string
	Model     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turn is a single user message or assistant reply within a conversation.
// Paused is only ever set on user turns whose reply was aborted mid-stream.
type Turn struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	Paused         bool
	CreatedAt      time.Time
}

// Store persists conversations and turns. Identifiers are assigned by the
// store at insert time; callers never supply them.
type Store interface {
	CreateConversation(ctx context.Context, userID int64, title, model string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, userID int64) ([]Conversation, error)
	RenameConversation(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error

	// TouchConversation refreshes updated_at and records the model that
	// produced the latest reply.
	TouchConversation(ctx context.Context, id, model string) error

	// SetTitleIfDefault derives the title from the first user message, but
	// only while the conversation still carries the placeholder title.
	SetTitleIfDefault(ctx context.Context, id, title string) error

	CreateTurn(ctx context.Context, conversationID string, role Role, content string) (*Turn, error)
	GetTurn(ctx context.Context, id string) (*Turn, error)
	ListTurns(ctx context.Context, conversationID string) ([]Turn, error)

	// MarkTurnPaused flags the turn as paused. Marking an already-paused
	// turn is a no-op success.
	MarkTurnPaused(ctx context.Context, id string) (*Turn, error)

	Close() error
}

// titleLimit caps derived conversation titles, measured in runes.
const titleLimit = 30

// DeriveTitle builds a conversation title from the first user message,
// truncated with an ellipsis when too long.
func DeriveTitle(message string) string {
	runes := []rune(message)
	if len(runes) <= titleLimit {
		return message
	}
	return string(runes[:titleLimit]) + "..."
}
