package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/privchat/privchat/internal/auth"
	"github.com/privchat/privchat/internal/chatstore"
	chatsqlite "github.com/privchat/privchat/internal/chatstore/sqlite"
	"github.com/privchat/privchat/internal/ledger"
	ledgersqlite "github.com/privchat/privchat/internal/ledger/sqlite"
	"github.com/privchat/privchat/internal/relay"
	"github.com/privchat/privchat/internal/testutil"
	"github.com/privchat/privchat/internal/upstream"
	"github.com/privchat/privchat/internal/upstream/loopback"
	"github.com/privchat/privchat/internal/userstore"
	usersqlite "github.com/privchat/privchat/internal/userstore/sqlite"
)

type testEnv struct {
	server *Server
	srv    *testutil.IPv4Server
	chats  chatstore.Store
	usage  ledger.Store
	users  userstore.Store
	user   *userstore.User
	cookie *http.Cookie
}

func newTestEnv(t *testing.T, chat upstream.StreamingChatAdapter) *testEnv {
	t.Helper()
	dir := t.TempDir()

	chats, err := chatsqlite.New(filepath.Join(dir, "chat.db"))
	if err != nil {
		t.Fatalf("open chat store: %v", err)
	}
	t.Cleanup(func() { _ = chats.Close() })

	usage, err := ledgersqlite.New(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = usage.Close() })

	users, err := usersqlite.New(filepath.Join(dir, "users.db"))
	if err != nil {
		t.Fatalf("open user store: %v", err)
	}
	t.Cleanup(func() { _ = users.Close() })

	manager := auth.NewManager("test-secret", time.Hour)

	if chat == nil {
		chat = loopback.New()
	}
	server := New(Config{
		Chats:        chats,
		Ledger:       usage,
		Users:        users,
		Auth:         manager,
		Chat:         chat,
		Images:       loopback.New(),
		DefaultModel: "Qwen/Qwen2.5-7B-Instruct",
	})
	srv := testutil.NewIPv4Server(t, server.Router())
	t.Cleanup(srv.Close)

	ctx := context.Background()
	if _, err := users.AddWhitelist(ctx, "alice@example.com", "test"); err != nil {
		t.Fatalf("whitelist: %v", err)
	}
	hash, err := auth.HashPassword("correct horse")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user, err := users.CreateUser(ctx, "alice@example.com", "Alice", hash)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	token, err := manager.IssueToken(user.ID, user.Email, string(user.Role))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	return &testEnv{
		server: server,
		srv:    srv,
		chats:  chats,
		usage:  usage,
		users:  users,
		user:   user,
		cookie: &http.Cookie{Name: SessionCookie, Value: token},
	}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(e.cookie)
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (e *testEnv) createConversation(t *testing.T) string {
	t.Helper()
	resp := e.request(t, http.MethodPost, "/api/conversations", map[string]any{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create conversation: status %d", resp.StatusCode)
	}
	var out struct {
		Conversation struct {
			ID string `json:"id"`
		} `json:"conversation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	return out.Conversation.ID
}

// readStream parses an event-stream response into events plus whether the
// done sentinel arrived.
func readStream(t *testing.T, resp *http.Response) ([]relay.Event, bool) {
	t.Helper()
	defer resp.Body.Close()
	var events []relay.Event
	done := false
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	for _, line := range strings.Split(buf.String(), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == relay.DoneSentinel {
			done = true
			continue
		}
		var ev relay.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			t.Fatalf("bad event %q: %v", payload, err)
		}
		events = append(events, ev)
	}
	return events, done
}

func TestChatStreamHappyPath(t *testing.T) {
	env := newTestEnv(t, &loopback.Adapter{Script: []string{"4", "."}})
	convID := env.createConversation(t)

	resp := env.request(t, http.MethodPost, "/api/chat", map[string]any{
		"conversationId": convID,
		"message":        "What is 2+2?",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat: status %d", resp.StatusCode)
	}
	events, done := readStream(t, resp)
	if !done {
		t.Fatal("expected done sentinel")
	}
	if len(events) == 0 || events[0].Type != relay.EventUserMessageID {
		t.Fatalf("expected user_message_id first, got %+v", events)
	}
	if events[0].UserMessageID == "" {
		t.Fatal("expected store-assigned user message id")
	}

	var sb strings.Builder
	for _, ev := range events[1:] {
		if ev.Type != relay.EventContentBlockDelta {
			t.Fatalf("unexpected event type %q", ev.Type)
		}
		sb.WriteString(ev.Delta.Text)
	}
	if sb.String() != "4." {
		t.Fatalf("expected streamed text %q, got %q", "4.", sb.String())
	}

	// Concatenated deltas match the persisted assistant turn.
	turns, err := env.chats.ListTurns(context.Background(), convID)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Role != chatstore.RoleUser || turns[0].Content != "What is 2+2?" {
		t.Fatalf("unexpected user turn %+v", turns[0])
	}
	if turns[0].ID != events[0].UserMessageID {
		t.Fatalf("streamed id %q does not match persisted %q", events[0].UserMessageID, turns[0].ID)
	}
	if turns[1].Role != chatstore.RoleAssistant || turns[1].Content != "4." {
		t.Fatalf("unexpected assistant turn %+v", turns[1])
	}

	// Usage approximated from character counts, rounded down.
	summary, err := env.usage.Summary(context.Background(), env.user.ID)
	if err != nil {
		t.Fatalf("usage summary: %v", err)
	}
	if summary.Requests != 1 {
		t.Fatalf("expected 1 usage record, got %d", summary.Requests)
	}
	if want := ledger.ApproxTokens(len("What is 2+2?")); summary.InputTokens != want {
		t.Fatalf("expected input tokens %d, got %d", want, summary.InputTokens)
	}
	if summary.OutputTokens != 0 {
		// len("4.")/4 rounds down to zero
		t.Fatalf("expected output tokens 0, got %d", summary.OutputTokens)
	}

	// Title derived from the first user message.
	conv, err := env.chats.GetConversation(context.Background(), convID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.Title != "What is 2+2?" {
		t.Fatalf("expected derived title, got %q", conv.Title)
	}
}

func TestChatInputTokensIncludeHistory(t *testing.T) {
	env := newTestEnv(t, &loopback.Adapter{Script: []string{"6", "."}})
	convID := env.createConversation(t)
	ctx := context.Background()

	// A prior exchange already in the conversation.
	priorUser := "What is 2+2?"
	priorAssistant := "2+2 equals 4."
	if _, err := env.chats.CreateTurn(ctx, convID, chatstore.RoleUser, priorUser); err != nil {
		t.Fatalf("seed user turn: %v", err)
	}
	if _, err := env.chats.CreateTurn(ctx, convID, chatstore.RoleAssistant, priorAssistant); err != nil {
		t.Fatalf("seed assistant turn: %v", err)
	}

	message := "And what about 3+3?"
	resp := env.request(t, http.MethodPost, "/api/chat", map[string]any{
		"conversationId": convID,
		"message":        message,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat: status %d", resp.StatusCode)
	}
	if _, done := readStream(t, resp); !done {
		t.Fatal("expected done sentinel")
	}

	// Input charges cover the full context sent upstream, not just the new
	// message.
	summary, err := env.usage.Summary(ctx, env.user.ID)
	if err != nil {
		t.Fatalf("usage summary: %v", err)
	}
	if summary.Requests != 1 {
		t.Fatalf("expected 1 usage record, got %d", summary.Requests)
	}
	want := ledger.ApproxTokens(len(priorUser) + len(priorAssistant) + len(message))
	if summary.InputTokens != want {
		t.Fatalf("expected input tokens %d, got %d", want, summary.InputTokens)
	}
}

// failingAdapter refuses to open a stream, standing in for an unreachable
// upstream.
type failingAdapter struct{}

func (failingAdapter) CreateCompletionStream(ctx context.Context, req upstream.ChatRequest) (<-chan upstream.StreamEvent, error) {
	return nil, fmt.Errorf("connection refused")
}

func TestChatUpstreamFailureKeepsUserTurn(t *testing.T) {
	env := newTestEnv(t, failingAdapter{})
	convID := env.createConversation(t)

	resp := env.request(t, http.MethodPost, "/api/chat", map[string]any{
		"conversationId": convID,
		"message":        "hello?",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	var out struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if out.Error == "" {
		t.Fatal("expected error message")
	}

	// The user turn was persisted before the upstream call, and nothing
	// else was.
	turns, err := env.chats.ListTurns(context.Background(), convID)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 1 || turns[0].Role != chatstore.RoleUser {
		t.Fatalf("expected only the user turn, got %+v", turns)
	}
	summary, err := env.usage.Summary(context.Background(), env.user.ID)
	if err != nil {
		t.Fatalf("usage summary: %v", err)
	}
	if summary.Requests != 0 {
		t.Fatalf("expected no usage records, got %d", summary.Requests)
	}
}

// abruptAdapter streams some text and then fails mid-stream.
type abruptAdapter struct{}

func (abruptAdapter) CreateCompletionStream(ctx context.Context, req upstream.ChatRequest) (<-chan upstream.StreamEvent, error) {
	ch := make(chan upstream.StreamEvent, 2)
	ch <- upstream.StreamEvent{Text: "Once upon"}
	ch <- upstream.StreamEvent{Error: fmt.Errorf("connection reset")}
	close(ch)
	return ch, nil
}

func TestChatMidStreamFailureOmitsDoneSentinel(t *testing.T) {
	env := newTestEnv(t, abruptAdapter{})
	convID := env.createConversation(t)

	resp := env.request(t, http.MethodPost, "/api/chat", map[string]any{
		"conversationId": convID,
		"message":        "a story please",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat: status %d", resp.StatusCode)
	}
	events, done := readStream(t, resp)
	if done {
		t.Fatal("expected stream to end without done sentinel")
	}
	if len(events) != 2 {
		t.Fatalf("expected id event plus one delta, got %+v", events)
	}

	// No assistant turn and no usage record after an incomplete stream.
	turns, err := env.chats.ListTurns(context.Background(), convID)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("expected only the user turn, got %d", len(turns))
	}
	summary, _ := env.usage.Summary(context.Background(), env.user.ID)
	if summary.Requests != 0 {
		t.Fatalf("expected no usage records, got %d", summary.Requests)
	}
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	convID := env.createConversation(t)

	cases := []struct {
		name   string
		body   map[string]any
		status int
	}{
		{"missing conversation", map[string]any{"message": "hi"}, http.StatusBadRequest},
		{"empty message", map[string]any{"conversationId": convID, "message": "  "}, http.StatusBadRequest},
		{"oversized message", map[string]any{"conversationId": convID, "message": strings.Repeat("x", 10001)}, http.StatusBadRequest},
		{"unknown conversation", map[string]any{"conversationId": "nope", "message": "hi"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.request(t, http.MethodPost, "/api/chat", tc.body)
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
		})
	}
}

func TestChatRequiresSession(t *testing.T) {
	env := newTestEnv(t, nil)
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/chat", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestChatRejectsConcurrentTurn(t *testing.T) {
	release := make(chan struct{})
	blocking := &blockingAdapter{release: release, started: make(chan struct{})}
	env := newTestEnv(t, blocking)
	convID := env.createConversation(t)

	errs := make(chan error, 1)
	go func() {
		resp := env.request(t, http.MethodPost, "/api/chat", map[string]any{
			"conversationId": convID,
			"message":        "first",
		})
		_, _ = readStream(t, resp)
		errs <- nil
	}()

	<-blocking.started

	resp := env.request(t, http.MethodPost, "/api/chat", map[string]any{
		"conversationId": convID,
		"message":        "second",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 while a stream is active, got %d", resp.StatusCode)
	}

	close(release)
	<-errs
}

// blockingAdapter holds the stream open until released so tests can observe
// in-flight behavior.
type blockingAdapter struct {
	release chan struct{}
	started chan struct{}
	once    bool
}

func (b *blockingAdapter) CreateCompletionStream(ctx context.Context, req upstream.ChatRequest) (<-chan upstream.StreamEvent, error) {
	ch := make(chan upstream.StreamEvent)
	go func() {
		defer close(ch)
		if !b.once {
			b.once = true
			close(b.started)
		}
		select {
		case <-b.release:
		case <-ctx.Done():
			return
		}
		ch <- upstream.StreamEvent{Text: "done"}
	}()
	return ch, nil
}

func TestMarkPausedIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	convID := env.createConversation(t)

	turn, err := env.chats.CreateTurn(context.Background(), convID, chatstore.RoleUser, "stop this one")
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}

	for i := 0; i < 2; i++ {
		resp := env.request(t, http.MethodPatch, "/api/messages/"+turn.ID, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("mark paused attempt %d: status %d", i+1, resp.StatusCode)
		}
		var out struct {
			Paused bool `json:"paused"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		resp.Body.Close()
		if !out.Paused {
			t.Fatalf("expected paused=true on attempt %d", i+1)
		}
	}

	stored, err := env.chats.GetTurn(context.Background(), turn.ID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if !stored.Paused {
		t.Fatal("expected persisted paused flag")
	}
}

func TestMarkPausedUnknownTurn(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.request(t, http.MethodPatch, "/api/messages/nope", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestDisabledAccountRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	status := userstore.StatusDisabled
	if _, err := env.users.UpdateUser(context.Background(), env.user.ID, userstore.UserUpdate{Status: &status}); err != nil {
		t.Fatalf("disable user: %v", err)
	}

	resp := env.request(t, http.MethodGet, "/api/conversations", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for disabled account, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := env.srv.Client().Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
