package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/privchat/privchat/internal/testutil"
)

// streamHandler serves a scripted event stream and records pause requests.
type streamHandler struct {
	userMessageID string
	deltas        []string
	sendDone      bool
	// release, when non-nil, is awaited between deltas so tests can pause
	// mid-stream.
	release chan struct{}

	mu        sync.Mutex
	pausedIDs []string
}

func (h *streamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/api/messages/") {
		h.mu.Lock()
		h.pausedIDs = append(h.pausedIDs, strings.TrimPrefix(r.URL.Path, "/api/messages/"))
		h.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.URL.Path != "/api/chat" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)

	writeEvent := func(ev Event) {
		data, _ := json.Marshal(ev)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	writeEvent(UserMessageIDEvent(h.userMessageID))
	for _, text := range h.deltas {
		if h.release != nil {
			<-h.release
		}
		writeEvent(DeltaEvent(text))
	}
	if h.sendDone {
		fmt.Fprintf(w, "data: %s\n\n", DoneSentinel)
		flusher.Flush()
	}
}

func (h *streamHandler) paused() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.pausedIDs...)
}

func TestConsumerCompletedStream(t *testing.T) {
	h := &streamHandler{userMessageID: "msg-123", deltas: []string{"4", "."}, sendDone: true}
	srv := testutil.NewIPv4Server(t, h)
	defer srv.Close()

	c := NewConsumer(srv.URL, srv.Client(), nil)
	err := c.Send(context.Background(), SendRequest{ConversationID: "conv-1", Message: "What is 2+2?"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := c.FinalContent(); got != "4." {
		t.Fatalf("expected final content %q, got %q", "4.", got)
	}
	if c.LastResult() != StateCompleted {
		t.Fatalf("expected completed, got %v", c.LastResult())
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle after completion, got %v", c.State())
	}
	if got := c.UserTurnID(); got != "msg-123" {
		t.Fatalf("expected store-assigned id bound, got %q", got)
	}
}

func TestConsumerIncompleteStream(t *testing.T) {
	h := &streamHandler{userMessageID: "msg-1", deltas: []string{"Once upon"}, sendDone: false}
	srv := testutil.NewIPv4Server(t, h)
	defer srv.Close()

	c := NewConsumer(srv.URL, srv.Client(), nil)
	err := c.Send(context.Background(), SendRequest{ConversationID: "conv-1", Message: "tell a story"})
	if err != ErrIncompleteStream {
		t.Fatalf("expected ErrIncompleteStream, got %v", err)
	}
	if c.LastResult() != StateFailed {
		t.Fatalf("expected failed, got %v", c.LastResult())
	}
	// Partial text stays visible unless the user paused.
	if got := c.PartialContent(); got != "Once upon" {
		t.Fatalf("expected partial content preserved, got %q", got)
	}
}

func TestConsumerPreStreamError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":"upstream unavailable"}`)
	})
	srv := testutil.NewIPv4Server(t, mux)
	defer srv.Close()

	c := NewConsumer(srv.URL, srv.Client(), nil)
	err := c.Send(context.Background(), SendRequest{ConversationID: "conv-1", Message: "hi"})
	if err == nil || !strings.Contains(err.Error(), "upstream unavailable") {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if c.LastResult() != StateFailed {
		t.Fatalf("expected failed, got %v", c.LastResult())
	}
	if c.PartialContent() != "" {
		t.Fatalf("expected no content, got %q", c.PartialContent())
	}
}

func TestConsumerPause(t *testing.T) {
	release := make(chan struct{})
	h := &streamHandler{
		userMessageID: "msg-7",
		deltas:        []string{"Once ", "upon ", "a ", "t"},
		sendDone:      true,
		release:       release,
	}
	srv := testutil.NewIPv4Server(t, h)
	defer srv.Close()

	c := NewConsumer(srv.URL, srv.Client(), nil)

	done := make(chan error, 1)
	go func() {
		done <- c.Send(context.Background(), SendRequest{ConversationID: "conv-1", Message: "story"})
	}()

	// Let two deltas through, then pause mid-stream.
	release <- struct{}{}
	release <- struct{}{}
	for i := 0; i < 100 && c.State() != StateStreaming; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	c.Pause(context.Background())
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Send after pause: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not return after pause")
	}

	if c.LastResult() != StateAborted {
		t.Fatalf("expected aborted, got %v", c.LastResult())
	}
	if got := c.PartialContent(); got != "" {
		t.Fatalf("expected placeholder discarded, got %q", got)
	}
	if !c.UserTurnPaused() {
		t.Fatal("expected user turn flagged paused locally")
	}

	paused := h.paused()
	if len(paused) != 1 {
		t.Fatalf("expected one mark-paused request, got %v", paused)
	}
	// The store-assigned id arrived before the pause, so the PATCH must
	// reference it rather than the provisional one.
	if paused[0] != "msg-7" {
		t.Fatalf("expected pause against msg-7, got %q", paused[0])
	}
}

func TestConsumerGuardsInFlightTurn(t *testing.T) {
	release := make(chan struct{})
	h := &streamHandler{userMessageID: "msg-1", deltas: []string{"a", "b"}, sendDone: true, release: release}
	srv := testutil.NewIPv4Server(t, h)
	defer srv.Close()

	c := NewConsumer(srv.URL, srv.Client(), nil)
	done := make(chan error, 1)
	go func() {
		done <- c.Send(context.Background(), SendRequest{ConversationID: "conv-1", Message: "first"})
	}()

	for i := 0; i < 100 && c.State() == StateIdle; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Send(context.Background(), SendRequest{ConversationID: "conv-1", Message: "second"}); err != ErrTurnInFlight {
		t.Fatalf("expected ErrTurnInFlight, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Send: %v", err)
	}

	// Terminal states re-enable submission.
	if err := c.Send(context.Background(), SendRequest{ConversationID: "conv-1", Message: "third"}); err != nil {
		t.Fatalf("Send after completion: %v", err)
	}
}

func TestConsumerProvisionalIDBeforeConfirmation(t *testing.T) {
	c := NewConsumer("http://127.0.0.1:0", nil, nil)
	if _, err := c.begin(context.Background()); err != nil {
		t.Fatalf("begin: %v", err)
	}
	provisional := c.UserTurnID()
	if provisional == "" {
		t.Fatal("expected provisional id before confirmation")
	}

	c.apply(UserMessageIDEvent("store-1"))
	if got := c.UserTurnID(); got != "store-1" {
		t.Fatalf("expected store-assigned id, got %q", got)
	}

	// Binding happens exactly once; later ids are ignored.
	c.apply(UserMessageIDEvent("store-2"))
	if got := c.UserTurnID(); got != "store-1" {
		t.Fatalf("expected binding to stick, got %q", got)
	}
	c.finish(StateCompleted)
}

func TestConsumerDeltaOrder(t *testing.T) {
	c := NewConsumer("http://127.0.0.1:0", nil, nil)
	if _, err := c.begin(context.Background()); err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, text := range []string{"a", "a", "b"} {
		c.apply(DeltaEvent(text))
	}
	// Duplicates are reproduced verbatim, in receipt order.
	if got := c.PartialContent(); got != "aab" {
		t.Fatalf("expected %q, got %q", "aab", got)
	}
	c.finish(StateCompleted)
}
