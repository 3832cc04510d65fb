package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/privchat/privchat/internal/upstream"
)

// handlePhotoStudio runs one image edit through the multimodal upstream and
// returns the produced image reference.
func (s *Server) handlePhotoStudio(w http.ResponseWriter, r *http.Request) {
	if s.images == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("photo studio not configured"))
		return
	}
	var req struct {
		Prompt string `json:"prompt"`
		Image  string `json:"image"`
		Model  string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("prompt required"))
		return
	}
	if !strings.HasPrefix(req.Image, "data:image/") {
		s.respondError(w, http.StatusBadRequest, errors.New("image must be a data URL"))
		return
	}

	model := firstNonEmptyString(req.Model, s.photoModel)
	result, err := s.images.EditImage(r.Context(), upstream.ImageEditRequest{
		Model:        model,
		Prompt:       prompt,
		ImageDataURL: req.Image,
	})
	if err != nil {
		s.logger.Printf("photo: edit failed: %v", err)
		s.respondError(w, http.StatusBadGateway, errors.New("upstream unavailable"))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"image": result})
}
