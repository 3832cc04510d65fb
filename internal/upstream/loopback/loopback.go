package loopback

import (
	"context"
	"errors"
	"strings"

	"github.com/privchat/privchat/internal/upstream"
)

// Ensure Adapter implements the upstream interfaces.
var (
	_ upstream.StreamingChatAdapter = (*Adapter)(nil)
	_ upstream.ImageAdapter         = (*Adapter)(nil)
)

// Adapter echoes the last user message back in small chunks. It lets the
// relay pipeline run end to end without a provider account.
type Adapter struct {
	// ChunkSize controls how many bytes each delta carries. Zero means 4.
	ChunkSize int
	// Script, when non-empty, replaces the echo reply entirely.
	Script []string
}

// New creates an Adapter instance.
func New() *Adapter {
	return &Adapter{}
}

// CreateCompletionStream fabricates a deterministic stream for exercising
// the relay pipeline.
func (a *Adapter) CreateCompletionStream(ctx context.Context, req upstream.ChatRequest) (<-chan upstream.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("no messages provided")
	}

	chunks := a.Script
	if len(chunks) == 0 {
		// find last user message; default to final message if none
		message := req.Messages[len(req.Messages)-1]
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if strings.ToLower(req.Messages[i].Role) == "user" {
				message = req.Messages[i]
				break
			}
		}
		chunks = splitChunks("[loopback] "+strings.TrimSpace(message.Content), a.chunkSize())
	}

	ch := make(chan upstream.StreamEvent, len(chunks))
	go func() {
		defer close(ch)
		for _, chunk := range chunks {
			select {
			case <-ctx.Done():
				ch <- upstream.StreamEvent{Error: ctx.Err()}
				return
			case ch <- upstream.StreamEvent{Text: chunk}:
			}
		}
	}()
	return ch, nil
}

// EditImage returns a fixed data URL so the photo pipeline can be exercised
// offline.
func (a *Adapter) EditImage(ctx context.Context, req upstream.ImageEditRequest) (string, error) {
	if req.Prompt == "" {
		return "", errors.New("prompt required")
	}
	if req.ImageDataURL == "" {
		return "", errors.New("source image required")
	}
	return "data:image/png;base64,bG9vcGJhY2s=", nil
}

func (a *Adapter) chunkSize() int {
	if a.ChunkSize > 0 {
		return a.ChunkSize
	}
	return 4
}

func splitChunks(s string, size int) []string {
	if s == "" {
		return nil
	}
	var out []string
	runes := []rune(s)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}
