package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/privchat/privchat/internal/chatstore"
	"github.com/privchat/privchat/internal/hooks"
	"github.com/privchat/privchat/internal/ledger"
	"github.com/privchat/privchat/internal/relay"
	"github.com/privchat/privchat/internal/upstream"
	"github.com/privchat/privchat/internal/userstore"
)

type chatRequest struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	Model          string `json:"model"`
	Thinking       bool   `json:"thinking"`
}

// handleChat relays one user message to the upstream model and streams the
// reply back as server-sent events. The user turn is persisted before any
// upstream I/O so the input survives an upstream failure.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	user := s.principal(r)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.ConversationID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("conversationId required"))
		return
	}
	if req.Message == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("message required"))
		return
	}
	if len([]rune(req.Message)) > s.maxMessageChars {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("message exceeds %d characters", s.maxMessageChars))
		return
	}

	conv, err := s.ownedConversation(r.Context(), user, req.ConversationID)
	if err != nil {
		s.respondError(w, http.StatusNotFound, errors.New("conversation not found"))
		return
	}

	if !s.acquireConversation(conv.ID) {
		s.respondError(w, http.StatusConflict, errors.New("a reply is already streaming for this conversation"))
		return
	}
	defer s.releaseConversation(conv.ID)

	model := firstNonEmptyString(req.Model, conv.Model, s.defaultModel)
	thinking := req.Thinking && s.catalog.SupportsThinking(model)

	// Persist the user turn before opening the upstream call.
	userTurn, err := s.chats.CreateTurn(r.Context(), conv.ID, chatstore.RoleUser, req.Message)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	history, err := s.chats.ListTurns(r.Context(), conv.ID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	messages := make([]upstream.ChatMessage, 0, len(history))
	inputChars := 0
	for _, turn := range history {
		messages = append(messages, upstream.ChatMessage{Role: string(turn.Role), Content: turn.Content})
		inputChars += len(turn.Content)
	}

	start := time.Now()
	events, err := s.chat.CreateCompletionStream(r.Context(), upstream.ChatRequest{
		Model:          model,
		Messages:       messages,
		Thinking:       thinking,
		ThinkingBudget: s.thinkingBudget,
	})
	if err != nil {
		s.logger.Printf("chat: upstream open failed for conversation %s: %v", conv.ID, err)
		s.respondError(w, http.StatusBadGateway, errors.New("upstream unavailable"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(ev relay.Event) bool {
		data, err := json.Marshal(ev)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// The store-assigned user turn id always goes out first so the client
	// can bind its provisional identifier before content arrives.
	if !writeEvent(relay.UserMessageIDEvent(userTurn.ID)) {
		return
	}

	var reply strings.Builder
	for ev := range events {
		if ev.IsError() {
			// The stream ends without the done sentinel; the client
			// treats the reply as potentially incomplete.
			s.logger.Printf("chat: stream failed for conversation %s: %v", conv.ID, ev.Error)
			return
		}
		if ev.Text == "" {
			continue
		}
		reply.WriteString(ev.Text)
		if !writeEvent(relay.DeltaEvent(ev.Text)) {
			s.logger.Printf("chat: client disconnected from conversation %s", conv.ID)
			return
		}
	}

	// A canceled request context means the client went away mid-stream;
	// the partial reply is discarded, never persisted.
	if r.Context().Err() != nil {
		s.logger.Printf("chat: client disconnected from conversation %s", conv.ID)
		return
	}

	s.finalizeTurn(conv, user, req.Message, model, reply.String(), inputChars, time.Since(start))

	fmt.Fprintf(w, "data: %s\n\n", relay.DoneSentinel)
	flusher.Flush()
}

// finalizeTurn persists the completed assistant reply and its usage record.
// The client already holds the full text, so failures here are logged, not
// surfaced.
func (s *Server) finalizeTurn(conv *chatstore.Conversation, user *userstore.User, message, model, reply string, inputChars int, elapsed time.Duration) {
	ctx := context.Background()

	if _, err := s.chats.CreateTurn(ctx, conv.ID, chatstore.RoleAssistant, reply); err != nil {
		s.logger.Printf("chat: persist assistant turn for conversation %s: %v", conv.ID, err)
	}
	if err := s.ledger.Record(ctx, ledger.Entry{
		UserID:         user.ID,
		ConversationID: conv.ID,
		Model:          model,
		InputTokens:    ledger.ApproxTokens(inputChars),
		OutputTokens:   ledger.ApproxTokens(len(reply)),
		TotalTokens:    ledger.ApproxTokens(inputChars) + ledger.ApproxTokens(len(reply)),
		DurationMs:     elapsed.Milliseconds(),
	}); err != nil {
		s.logger.Printf("chat: record usage for conversation %s: %v", conv.ID, err)
	}
	if err := s.chats.TouchConversation(ctx, conv.ID, model); err != nil {
		s.logger.Printf("chat: touch conversation %s: %v", conv.ID, err)
	}
	if err := s.chats.SetTitleIfDefault(ctx, conv.ID, chatstore.DeriveTitle(message)); err != nil {
		s.logger.Printf("chat: derive title for conversation %s: %v", conv.ID, err)
	}

	s.emitHook(ctx, hooks.Event{
		ID:             uuid.NewString(),
		Type:           hooks.EventTurnCompleted,
		OccurredAt:     time.Now().UTC(),
		UserID:         fmt.Sprintf("%d", user.ID),
		ConversationID: conv.ID,
		Metadata: map[string]any{
			"model":       model,
			"duration_ms": elapsed.Milliseconds(),
		},
	})
}

// handleMarkPaused flags a user turn as paused after the client aborted the
// reply. Marking an already-paused turn succeeds without change.
func (s *Server) handleMarkPaused(w http.ResponseWriter, r *http.Request) {
	user := s.principal(r)
	id := chi.URLParam(r, "id")

	turn, err := s.chats.GetTurn(r.Context(), id)
	if err != nil {
		if errors.Is(err, chatstore.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, errors.New("message not found"))
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := s.ownedConversation(r.Context(), user, turn.ConversationID); err != nil {
		s.respondError(w, http.StatusNotFound, errors.New("message not found"))
		return
	}

	updated, err := s.chats.MarkTurnPaused(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	s.emitHook(context.Background(), hooks.Event{
		ID:             uuid.NewString(),
		Type:           hooks.EventTurnPaused,
		OccurredAt:     time.Now().UTC(),
		UserID:         fmt.Sprintf("%d", user.ID),
		ConversationID: turn.ConversationID,
	})

	s.respondJSON(w, http.StatusOK, map[string]any{
		"id":     updated.ID,
		"paused": updated.Paused,
	})
}

// ownedConversation loads a conversation and verifies the caller may act on
// it. Admins may act on any conversation; everyone else only on their own.
// Both "missing" and "not yours" collapse into the same error so record
// existence is not leaked.
func (s *Server) ownedConversation(ctx context.Context, user *userstore.User, id string) (*chatstore.Conversation, error) {
	conv, err := s.chats.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.UserID != user.ID && user.Role != userstore.RoleAdmin {
		return nil, chatstore.ErrNotFound
	}
	return conv, nil
}

func firstNonEmptyString(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
