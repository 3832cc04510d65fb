package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/privchat/privchat/internal/auth"
	"github.com/privchat/privchat/internal/userstore"
)

func (s *Server) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.ListUsers(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	payload := make([]map[string]any, 0, len(users))
	for i := range users {
		payload = append(payload, userJSON(&users[i]))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"users": payload})
}

func (s *Server) handleAdminUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid user id"))
		return
	}
	var req struct {
		Role        *string `json:"role"`
		Status      *string `json:"status"`
		DisplayName *string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}

	var update userstore.UserUpdate
	if req.Role != nil {
		role := userstore.Role(*req.Role)
		if role != userstore.RoleAdmin && role != userstore.RoleUser {
			s.respondError(w, http.StatusBadRequest, errors.New("invalid role"))
			return
		}
		update.Role = &role
	}
	if req.Status != nil {
		status := userstore.Status(*req.Status)
		if status != userstore.StatusActive && status != userstore.StatusDisabled {
			s.respondError(w, http.StatusBadRequest, errors.New("invalid status"))
			return
		}
		update.Status = &status
	}
	if req.DisplayName != nil {
		display := strings.TrimSpace(*req.DisplayName)
		if display == "" {
			s.respondError(w, http.StatusBadRequest, errors.New("display name cannot be empty"))
			return
		}
		update.DisplayName = &display
	}

	// Admins cannot disable or demote themselves; that would lock the
	// last admin out.
	if self := s.principal(r); self != nil && self.ID == id {
		if update.Status != nil && *update.Status == userstore.StatusDisabled {
			s.respondError(w, http.StatusBadRequest, errors.New("cannot disable your own account"))
			return
		}
		if update.Role != nil && *update.Role != userstore.RoleAdmin {
			s.respondError(w, http.StatusBadRequest, errors.New("cannot demote your own account"))
			return
		}
	}

	user, err := s.users.UpdateUser(r.Context(), id, update)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if user == nil {
		s.respondError(w, http.StatusNotFound, errors.New("user not found"))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"user": userJSON(user)})
}

// handleAdminCreateUser provisions an account directly. Unlike self-serve
// registration, this path does not consult the whitelist.
func (s *Server) handleAdminCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
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
	s.respondJSON(w, http.StatusCreated, map[string]any{"user": userJSON(user)})
}

func (s *Server) handleAdminListWhitelist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.users.ListWhitelist(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	payload := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, map[string]any{
			"id":        entry.ID,
			"email":     entry.Email,
			"note":      entry.Note,
			"createdAt": entry.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"whitelist": payload})
}

func (s *Server) handleAdminAddWhitelist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Note  string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		s.respondError(w, http.StatusBadRequest, errors.New("valid email required"))
		return
	}
	entry, err := s.users.AddWhitelist(r.Context(), email, strings.TrimSpace(req.Note))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{
		"id":    entry.ID,
		"email": entry.Email,
		"note":  entry.Note,
	})
}

func (s *Server) handleAdminRemoveWhitelist(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid whitelist id"))
		return
	}
	if err := s.users.RemoveWhitelist(r.Context(), id); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAdminUsage(w http.ResponseWriter, r *http.Request) {
	byModel, err := s.ledger.UsageByModel(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"byModel": byModel})
}

// handleMyUsage reports the calling user's own usage totals and recent
// entries.
func (s *Server) handleMyUsage(w http.ResponseWriter, r *http.Request) {
	user := s.principal(r)
	summary, err := s.ledger.Summary(r.Context(), user.ID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	recent, err := s.ledger.ListRecent(r.Context(), user.ID, 20)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	var lastLogin any
	if user.LastLoginAt != nil {
		lastLogin = user.LastLoginAt.UTC().Format(time.RFC3339)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"summary":     summary,
		"recent":      recent,
		"lastLoginAt": lastLogin,
	})
}
