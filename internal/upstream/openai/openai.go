package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/privchat/privchat/internal/upstream"
)

// Ensure Adapter implements the upstream interfaces.
var (
	_ upstream.StreamingChatAdapter = (*Adapter)(nil)
	_ upstream.ImageAdapter         = (*Adapter)(nil)
)

// Adapter sends requests to an OpenAI-compatible completions API.
type Adapter struct {
	apiKey  string
	baseURL string
	// client carries a timeout and serves the non-streaming image call;
	// streamClient has none so long generations are bounded by ctx only.
	client       *http.Client
	streamClient *http.Client
}

// Config holds configuration for the upstream adapter.
type Config struct {
	APIKey         string
	BaseURL        string // required, e.g. https://api.siliconflow.cn/v1
	RequestTimeout time.Duration
}

// New creates an Adapter instance.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("upstream: api key required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("upstream: base url required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	return &Adapter{
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		client:       &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}, nil
}

// CreateCompletionStream opens a streaming chat completion call and converts
// provider SSE chunks into text delta events.
func (a *Adapter) CreateCompletionStream(ctx context.Context, req upstream.ChatRequest) (<-chan upstream.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("upstream: no messages provided")
	}

	payload := map[string]interface{}{
		"model":    req.Model,
		"messages": req.Messages,
		"stream":   true,
	}
	if req.Thinking {
		payload["enable_thinking"] = true
		budget := req.ThinkingBudget
		if budget <= 0 {
			budget = 4096
		}
		payload["thinking_budget"] = budget
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("upstream: http %d: %s", resp.StatusCode, string(data))
	}
	if resp.Body == nil {
		return nil, errors.New("upstream: empty response body")
	}

	ch := make(chan upstream.StreamEvent, 10)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		buf := make([]byte, 8192)
		leftover := ""
		for {
			select {
			case <-ctx.Done():
				select {
				case ch <- upstream.StreamEvent{Error: ctx.Err()}:
				default:
				}
				return
			default:
			}

			n, err := resp.Body.Read(buf)
			if n > 0 {
				data := leftover + string(buf[:n])
				lines := strings.Split(data, "\n")
				leftover = lines[len(lines)-1]
				for _, line := range lines[:len(lines)-1] {
					line = strings.TrimSpace(line)
					if !strings.HasPrefix(line, "data:") {
						continue
					}
					payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
					if payload == "" || payload == "[DONE]" {
						continue
					}
					var chunk completionChunk
					if perr := json.Unmarshal([]byte(payload), &chunk); perr != nil {
						// Malformed chunks are skipped; delivery is best effort.
						continue
					}
					if len(chunk.Choices) == 0 {
						continue
					}
					if text := chunk.Choices[0].Delta.Content; text != "" {
						select {
						case ch <- upstream.StreamEvent{Text: text}:
						case <-ctx.Done():
							return
						}
					}
				}
			}
			if err != nil {
				if err != io.EOF {
					select {
					case ch <- upstream.StreamEvent{Error: fmt.Errorf("upstream: read stream: %w", err)}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()

	return ch, nil
}

// EditImage sends a non-streaming multimodal completion to an image-edit
// model and extracts the produced image URL or data URL.
func (a *Adapter) EditImage(ctx context.Context, req upstream.ImageEditRequest) (string, error) {
	if req.Prompt == "" {
		return "", errors.New("upstream: prompt required")
	}
	if req.ImageDataURL == "" {
		return "", errors.New("upstream: source image required")
	}

	payload := map[string]interface{}{
		"model": req.Model,
		"messages": []map[string]interface{}{{
			"role": "user",
			"content": []map[string]interface{}{
				{"type": "text", "text": req.Prompt},
				{"type": "image_url", "image_url": map[string]string{"url": req.ImageDataURL}},
			},
		}},
		"stream": false,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("upstream: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("upstream: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("upstream: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("upstream: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upstream: http %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("upstream: unmarshal response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", errors.New("upstream: no image in response")
	}
	return extractImage(parsed.Choices[0].Message.Content), nil
}

// extractImage normalizes the model's reply into a usable image reference.
// Providers return either a JSON object with an image field, a bare URL, or
// raw base64 data.
func extractImage(content string) string {
	var obj struct {
		Image string `json:"image"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal([]byte(content), &obj); err == nil {
		if obj.Image != "" {
			content = obj.Image
		} else if obj.URL != "" {
			content = obj.URL
		}
	}
	if strings.HasPrefix(content, "http") || strings.HasPrefix(content, "data:") || strings.HasPrefix(content, "/") {
		return content
	}
	return "data:image/jpeg;base64," + content
}

// completionChunk mirrors the provider's SSE chunk envelope.
type completionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}
