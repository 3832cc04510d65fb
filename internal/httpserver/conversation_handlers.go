package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/privchat/privchat/internal/chatstore"
)

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user := s.principal(r)
	conversations, err := s.chats.ListConversations(r.Context(), user.ID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	payload := make([]map[string]any, 0, len(conversations))
	for i := range conversations {
		payload = append(payload, conversationJSON(&conversations[i]))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"conversations": payload})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	user := s.principal(r)
	var req struct {
		Title string `json:"title"`
		Model string `json:"model"`
	}
	// An empty body is fine; both fields have defaults.
	_ = json.NewDecoder(r.Body).Decode(&req)

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = chatstore.DefaultTitle
	}
	model := firstNonEmptyString(req.Model, s.defaultModel)
	if model != "" {
		if _, ok := s.catalog.Lookup(model); !ok {
			s.respondError(w, http.StatusBadRequest, errors.New("unknown model"))
			return
		}
	}

	conv, err := s.chats.CreateConversation(r.Context(), user.ID, title, model)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{"conversation": conversationJSON(conv)})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	user := s.principal(r)
	conv, err := s.ownedConversation(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusNotFound, errors.New("conversation not found"))
		return
	}
	turns, err := s.chats.ListTurns(r.Context(), conv.ID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	payload := make([]map[string]any, 0, len(turns))
	for i := range turns {
		payload = append(payload, turnJSON(&turns[i]))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"conversation": conversationJSON(conv),
		"messages":     payload,
	})
}

func (s *Server) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	user := s.principal(r)
	conv, err := s.ownedConversation(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusNotFound, errors.New("conversation not found"))
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("title required"))
		return
	}
	if err := s.chats.RenameConversation(r.Context(), conv.ID, title); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	conv.Title = title
	s.respondJSON(w, http.StatusOK, map[string]any{"conversation": conversationJSON(conv)})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	user := s.principal(r)
	conv, err := s.ownedConversation(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusNotFound, errors.New("conversation not found"))
		return
	}
	if err := s.chats.DeleteConversation(r.Context(), conv.ID); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func conversationJSON(conv *chatstore.Conversation) map[string]any {
	return map[string]any{
		"id":        conv.ID,
		"title":     conv.Title,
		"model":     conv.Model,
		"createdAt": conv.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt": conv.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func turnJSON(turn *chatstore.Turn) map[string]any {
	return map[string]any{
		"id":        turn.ID,
		"role":      turn.Role,
		"content":   turn.Content,
		"paused":    turn.Paused,
		"createdAt": turn.CreatedAt.UTC().Format(time.RFC3339),
	}
}
