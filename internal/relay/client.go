package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// State describes where a Consumer is in the turn lifecycle.
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateCompleted
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrTurnInFlight is returned by Send when a prior turn for the conversation
// has not yet reached a terminal state.
var ErrTurnInFlight = errors.New("relay: turn already in flight")

// ErrIncompleteStream is returned when the stream closed without the done
// sentinel. Partial content remains readable via PartialContent.
var ErrIncompleteStream = errors.New("relay: stream ended without done sentinel")

// SendRequest is the body of a chat submission.
type SendRequest struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	Model          string `json:"model,omitempty"`
	Thinking       bool   `json:"thinking,omitempty"`
}

// turnID binds a locally-generated provisional identifier to the
// store-assigned one. The binding happens at most once, when the stream's
// first event arrives.
type turnID struct {
	provisional string
	confirmed   string
}

// value returns the confirmed identifier when known, the provisional one
// otherwise.
func (t turnID) value() string {
	if t.confirmed != "" {
		return t.confirmed
	}
	return t.provisional
}

// Consumer drives one conversation's send/stream/pause lifecycle against the
// relay endpoint. At most one turn is in flight at a time; Send blocks until
// the turn reaches a terminal state, and Pause may be called concurrently.
type Consumer struct {
	baseURL string
	client  *http.Client
	logger  *log.Logger

	mu         sync.Mutex
	state      State
	lastResult State
	cancel     context.CancelFunc
	paused     bool
	userTurn   turnID
	userPaused bool
	partial    strings.Builder
	final      string
}

// NewConsumer creates a Consumer for the relay at baseURL.
func NewConsumer(baseURL string, client *http.Client, logger *log.Logger) *Consumer {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Consumer{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		logger:  logger,
		state:   StateIdle,
	}
}

// State reports the consumer's current state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserTurnID returns the best identifier known for the current user turn:
// the store-assigned one once it has arrived, the provisional one before.
func (c *Consumer) UserTurnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userTurn.value()
}

// UserTurnPaused reports whether the local view flags the user turn paused.
func (c *Consumer) UserTurnPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userPaused
}

// PartialContent returns whatever assistant text has streamed so far. After
// a pause the placeholder is discarded and this returns empty.
func (c *Consumer) PartialContent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partial.String()
}

// FinalContent returns the completed assistant reply, empty unless the last
// turn completed normally.
func (c *Consumer) FinalContent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.final
}

// Send submits a message and consumes the resulting event stream until a
// terminal state. It returns ErrTurnInFlight when called while a prior turn
// is still sending or streaming.
func (c *Consumer) Send(ctx context.Context, req SendRequest) error {
	streamCtx, err := c.begin(ctx)
	if err != nil {
		return err
	}

	resp, err := c.open(streamCtx, req)
	if err != nil {
		c.finish(StateFailed)
		return err
	}
	defer resp.Body.Close()

	c.setState(StateStreaming)
	return c.consume(streamCtx, resp.Body)
}

// Pause aborts the in-flight turn: the read loop is cancelled, the
// placeholder reply is discarded, the user turn is flagged paused locally,
// and a best-effort request asks the server to persist the flag. Calling
// Pause outside of a sending or streaming turn is a no-op.
func (c *Consumer) Pause(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateSending && c.state != StateStreaming {
		c.mu.Unlock()
		return
	}
	c.paused = true
	c.userPaused = true
	c.partial.Reset()
	id := c.userTurn.value()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := c.markPaused(ctx, id); err != nil {
		c.logger.Printf("relay: mark paused %s: %v", id, err)
	}
}

// begin guards the idle-to-sending transition and allocates the provisional
// user turn identifier plus the cancellable stream context.
func (c *Consumer) begin(ctx context.Context) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateSending || c.state == StateStreaming {
		return nil, ErrTurnInFlight
	}
	streamCtx, cancel := context.WithCancel(ctx)
	c.state = StateSending
	c.cancel = cancel
	c.paused = false
	c.userPaused = false
	c.userTurn = turnID{provisional: uuid.NewString()}
	c.partial.Reset()
	c.final = ""
	return streamCtx, nil
}

func (c *Consumer) open(ctx context.Context, req SendRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("relay: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("relay: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("relay: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if jerr := json.Unmarshal(data, &apiErr); jerr == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("relay: http %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("relay: http %d", resp.StatusCode)
	}
	return resp, nil
}

// consume reads the event stream line by line, applying deltas in receipt
// order and binding the store-assigned user turn id exactly once.
func (c *Consumer) consume(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	done := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == DoneSentinel {
			done = true
			break
		}
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		c.apply(ev)
	}

	if c.isPaused() {
		c.finish(StateAborted)
		return nil
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) && c.isPaused() {
			c.finish(StateAborted)
			return nil
		}
		c.finish(StateFailed)
		return fmt.Errorf("relay: read stream: %w", err)
	}
	if !done {
		c.finish(StateFailed)
		return ErrIncompleteStream
	}

	c.mu.Lock()
	c.final = c.partial.String()
	c.mu.Unlock()
	c.finish(StateCompleted)
	return nil
}

func (c *Consumer) apply(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Type {
	case EventUserMessageID:
		if c.userTurn.confirmed == "" && ev.UserMessageID != "" {
			c.userTurn.confirmed = ev.UserMessageID
		}
	case EventContentBlockDelta:
		if !c.paused && ev.Delta != nil {
			c.partial.WriteString(ev.Delta.Text)
		}
	}
}

func (c *Consumer) markPaused(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+"/api/messages/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return nil
}

func (c *Consumer) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// finish records the terminal state and immediately re-enables submission.
// The terminal state remains observable as the LastResult until the next
// Send begins.
func (c *Consumer) finish(terminal State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if terminal == StateFailed && c.paused {
		terminal = StateAborted
	}
	c.lastResult = terminal
	c.state = StateIdle
}

// LastResult reports how the most recent turn ended.
func (c *Consumer) LastResult() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResult
}
