package upstream

import "context"

// ChatMessage follows the OpenAI-compatible role/content schema.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes one streaming completion call. Thinking enables the
// provider's extended-reasoning mode; callers must only set it for models
// that support it.
type ChatRequest struct {
	Model          string
	Messages       []ChatMessage
	Thinking       bool
	ThinkingBudget int
}

// StreamEvent is one item on a completion stream: either a text delta or a
// terminal error. The channel closes after the final event.
type StreamEvent struct {
	Text  string
	Error error
}

// IsError reports whether the event carries a terminal error.
func (e StreamEvent) IsError() bool {
	return e.Error != nil
}

// StreamingChatAdapter opens streaming completion calls against an upstream
// LLM service. An error return means the stream could not be established;
// errors after establishment arrive on the channel.
type StreamingChatAdapter interface {
	CreateCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error)
}

// ImageEditRequest asks an image model to restyle an uploaded portrait.
type ImageEditRequest struct {
	Model  string
	Prompt string
	// ImageDataURL is the source image as a data: URL.
	ImageDataURL string
}

// ImageAdapter produces styled images from a prompt plus source image.
type ImageAdapter interface {
	EditImage(ctx context.Context, req ImageEditRequest) (string, error)
}
