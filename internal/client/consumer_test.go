package client_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hebchat/hebchat/internal/client"
	"github.com/hebchat/hebchat/internal/models"
)

type persistedMessage struct {
	conversationID string
	content        string
	role           models.Role
}

type mockWriter struct {
	mu       sync.Mutex
	messages []persistedMessage
	err      error
}

func (m *mockWriter) AddMessage(_ context.Context, conversationID, content string, role models.Role) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return models.Message{}, m.err
	}
	m.messages = append(m.messages, persistedMessage{conversationID, content, role})
	return models.Message{ID: "persisted", ConversationID: conversationID, Content: content, Role: role}, nil
}

func (m *mockWriter) persisted() []persistedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]persistedMessage(nil), m.messages...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// frameServer writes each given raw chunk to the response with a flush in
// between, so chunk boundaries on the wire match the test's intent.
func frameServer(t *testing.T, chunks ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range chunks {
			_, _ = io.WriteString(w, chunk)
			flusher.Flush()
		}
	}))
}

func history(contents ...string) []models.Message {
	msgs := make([]models.Message, len(contents))
	for i, c := range contents {
		msgs[i] = models.Message{Role: models.RoleUser, Content: c}
	}
	return msgs
}

func TestSendAccumulatesAndPersists(t *testing.T) {
	srv := frameServer(t,
		"data: {\"content\":\"He\",\"isComplete\":false}\n\n",
		"data: {\"content\":\"llo\",\"isComplete\":false}\n\n",
		"data: [DONE]\n\n",
	)
	defer srv.Close()

	writer := &mockWriter{}
	c := client.NewConsumer(srv.URL, nil, writer, testLogger())

	var snapshots []string
	result, err := c.Send(context.Background(), "conv-1", history("hi"), func(accumulated string) {
		snapshots = append(snapshots, accumulated)
	})
	if err != nil {
		t.Fatal(err)
	}

	if !result.Persisted || result.Message.Content != "Hello" {
		t.Errorf("result = %+v, want persisted Hello", result)
	}
	persisted := writer.persisted()
	if len(persisted) != 1 {
		t.Fatalf("persisted %d messages, want exactly 1", len(persisted))
	}
	if persisted[0].content != "Hello" || persisted[0].role != models.RoleAssistant || persisted[0].conversationID != "conv-1" {
		t.Errorf("persisted = %+v", persisted[0])
	}

	wantSnapshots := []string{"He", "Hello"}
	if len(snapshots) != len(wantSnapshots) {
		t.Fatalf("snapshots = %v, want %v", snapshots, wantSnapshots)
	}
	for i := range wantSnapshots {
		if snapshots[i] != wantSnapshots[i] {
			t.Errorf("snapshot %d = %q, want %q", i, snapshots[i], wantSnapshots[i])
		}
	}

	if c.State() != client.StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
	if c.Streaming() != "" {
		t.Error("transient streaming state should be cleared after the turn")
	}
}

func TestSendToleratesUnparseableLines(t *testing.T) {
	srv := frameServer(t,
		"data: {\"content\":\"He\",\"isComplete\":false}\n\n",
		"data: {\"content\":\"llo\"\n\n", // truncated JSON
		": keepalive comment\n\n",
		"data: {\"content\":\"!\",\"isComplete\":false}\n\n",
		"data: [DONE]\n\n",
	)
	defer srv.Close()

	writer := &mockWriter{}
	c := client.NewConsumer(srv.URL, nil, writer, testLogger())

	result, err := c.Send(context.Background(), "conv-1", history("hi"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Message.Content != "He!" {
		t.Errorf("accumulated = %q, want %q (bad line skipped, later lines applied)", result.Message.Content, "He!")
	}
	if c.ParseFailures() != 1 {
		t.Errorf("parseFailures = %d, want 1", c.ParseFailures())
	}
}

func TestSendReassemblesSplitFrames(t *testing.T) {
	// One frame split across two network chunks: the carry-over buffer must
	// stitch it back together instead of dropping the fragment.
	srv := frameServer(t,
		"data: {\"content\":\"של",
		"ום\",\"isComplete\":false}\n\ndata: [DONE]\n\n",
	)
	defer srv.Close()

	writer := &mockWriter{}
	c := client.NewConsumer(srv.URL, nil, writer, testLogger())

	result, err := c.Send(context.Background(), "conv-1", history("hi"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Message.Content != "שלום" {
		t.Errorf("accumulated = %q, want %q", result.Message.Content, "שלום")
	}
	if c.ParseFailures() != 0 {
		t.Errorf("parseFailures = %d, want 0", c.ParseFailures())
	}
}

func TestSendEmptyCompletionNotPersisted(t *testing.T) {
	srv := frameServer(t, "data: [DONE]\n\n")
	defer srv.Close()

	writer := &mockWriter{}
	c := client.NewConsumer(srv.URL, nil, writer, testLogger())

	result, err := c.Send(context.Background(), "conv-1", history("hi"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Persisted {
		t.Error("empty completion must not be persisted")
	}
	if len(writer.persisted()) != 0 {
		t.Error("writer should not have been called")
	}
	if c.State() != client.StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
}

func TestSendTruncatedStream(t *testing.T) {
	// The server closes without the sentinel; partial output is discarded.
	srv := frameServer(t, "data: {\"content\":\"partial\",\"isComplete\":false}\n\n")
	defer srv.Close()

	writer := &mockWriter{}
	c := client.NewConsumer(srv.URL, nil, writer, testLogger())

	_, err := c.Send(context.Background(), "conv-1", history("hi"), nil)
	if err == nil {
		t.Fatal("truncated stream should fail the turn")
	}
	if len(writer.persisted()) != 0 {
		t.Error("partial output must not be persisted")
	}
	if c.State() != client.StateError {
		t.Errorf("state = %v, want error", c.State())
	}
	if c.Streaming() != "" {
		t.Error("transient state should be cleared on failure")
	}
}

func TestSendRelayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":"Internal server error"}`)
	}))
	defer srv.Close()

	writer := &mockWriter{}
	c := client.NewConsumer(srv.URL, nil, writer, testLogger())

	_, err := c.Send(context.Background(), "conv-1", history("hi"), nil)
	if err == nil {
		t.Fatal("relay error should fail the turn")
	}
	if len(writer.persisted()) != 0 {
		t.Error("nothing should be persisted on a pre-stream failure")
	}
	if c.State() != client.StateError {
		t.Errorf("state = %v, want error", c.State())
	}
}

func TestSendPersistFailureClearsState(t *testing.T) {
	srv := frameServer(t,
		"data: {\"content\":\"Hello\",\"isComplete\":false}\n\n",
		"data: [DONE]\n\n",
	)
	defer srv.Close()

	writer := &mockWriter{err: errors.New("store unavailable")}
	c := client.NewConsumer(srv.URL, nil, writer, testLogger())

	_, err := c.Send(context.Background(), "conv-1", history("hi"), nil)
	if err == nil {
		t.Fatal("persistence failure should fail the turn")
	}
	if c.State() != client.StateError {
		t.Errorf("state = %v, want error", c.State())
	}
	if c.Streaming() != "" {
		t.Error("transient state should be cleared after a persistence failure")
	}
}

func TestNewTurnSupersedesInFlightTurn(t *testing.T) {
	// The first request streams one delta and then hangs until cancelled;
	// every later request completes normally. Submitting the second turn
	// must cancel the first and keep its output away from the accumulator.
	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		n := requests
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		if n == 1 {
			_, _ = io.WriteString(w, "data: {\"content\":\"first\",\"isComplete\":false}\n\n")
			flusher.Flush()
			<-r.Context().Done()
			return
		}
		_, _ = io.WriteString(w, "data: {\"content\":\"second\",\"isComplete\":false}\n\ndata: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	writer := &mockWriter{}
	c := client.NewConsumer(srv.URL, nil, writer, testLogger())

	firstDone := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "conv-1", history("one"), nil)
		firstDone <- err
	}()

	// Wait until the first turn's delta has been applied.
	deadline := time.After(2 * time.Second)
	for c.Streaming() != "first" {
		select {
		case <-deadline:
			t.Fatal("first turn never started streaming")
		case <-time.After(5 * time.Millisecond):
		}
	}

	result, err := c.Send(context.Background(), "conv-1", history("one", "two"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Persisted || result.Message.Content != "second" {
		t.Errorf("second turn result = %+v", result)
	}

	if err := <-firstDone; !errors.Is(err, client.ErrTurnSuperseded) {
		t.Errorf("first turn error = %v, want ErrTurnSuperseded", err)
	}

	persisted := writer.persisted()
	if len(persisted) != 1 || persisted[0].content != "second" {
		t.Fatalf("persisted = %+v, want only the second turn's message", persisted)
	}
	if got := c.Streaming(); got != "" {
		t.Errorf("streaming = %q, want empty after the turns settled", got)
	}
}
