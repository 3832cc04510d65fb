package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/privchat/privchat/internal/auth"
	"github.com/privchat/privchat/internal/hooks"
	"github.com/privchat/privchat/internal/userstore"
)

type credentialsRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

// handleRegister creates an account for a whitelisted email address.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		s.respondError(w, http.StatusBadRequest, errors.New("valid email required"))
		return
	}
	if len(req.Password) < 8 {
		s.respondError(w, http.StatusBadRequest, errors.New("password must be at least 8 characters"))
		return
	}

	allowed, err := s.users.IsWhitelisted(r.Context(), email)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if !allowed {
		s.respondError(w, http.StatusForbidden, userstore.ErrNotWhitelisted)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	display := strings.TrimSpace(req.DisplayName)
	if display == "" {
		display = email
	}
	user, err := s.users.CreateUser(r.Context(), email, display, hash)
	if err != nil {
		if errors.Is(err, userstore.ErrEmailTaken) {
			s.respondError(w, http.StatusConflict, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	s.emitHook(context.Background(), hooks.Event{
		ID:         uuid.NewString(),
		Type:       hooks.EventUserRegistered,
		OccurredAt: time.Now().UTC(),
		UserID:     fmt.Sprintf("%d", user.ID),
	})

	if err := s.setSessionCookie(w, user); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{"user": userJSON(user)})
}

// handleLogin verifies credentials and issues a session cookie.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || req.Password == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("email and password required"))
		return
	}

	user, err := s.users.FindByEmail(r.Context(), email)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if user == nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		s.respondError(w, http.StatusUnauthorized, errors.New("invalid credentials"))
		return
	}
	if user.Status == userstore.StatusDisabled {
		s.respondError(w, http.StatusForbidden, errors.New("account disabled"))
		return
	}

	if err := s.users.TouchLastLogin(r.Context(), user.ID); err != nil {
		s.logger.Printf("auth: touch last login for user %d: %v", user.ID, err)
	} else {
		now := time.Now().UTC()
		user.LastLoginAt = &now
	}

	if err := s.setSessionCookie(w, user); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"user": userJSON(user)})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
	s.respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"user": userJSON(s.principal(r))})
}

func (s *Server) setSessionCookie(w http.ResponseWriter, user *userstore.User) error {
	token, err := s.auth.IssueToken(user.ID, user.Email, string(user.Role))
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(s.auth.TTL()),
	})
	return nil
}

func userJSON(user *userstore.User) map[string]any {
	if user == nil {
		return nil
	}
	payload := map[string]any{
		"id":          user.ID,
		"email":       user.Email,
		"role":        user.Role,
		"displayName": user.DisplayName,
		"status":      user.Status,
		"createdAt":   user.CreatedAt.UTC().Format(time.RFC3339),
		"lastLoginAt": nil,
	}
	if user.LastLoginAt != nil {
		payload["lastLoginAt"] = user.LastLoginAt.UTC().Format(time.RFC3339)
	}
	return payload
}

// handleUpdateProfile lets a signed-in user rename their own account.
func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	user := s.principal(r)
	var req struct {
		DisplayName *string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if req.DisplayName == nil {
		s.respondError(w, http.StatusBadRequest, errors.New("displayName required"))
		return
	}
	display := strings.TrimSpace(*req.DisplayName)
	if display == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("display name cannot be empty"))
		return
	}

	updated, err := s.users.UpdateUser(r.Context(), user.ID, userstore.UserUpdate{DisplayName: &display})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"user": userJSON(updated)})
}
