package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/hebchat/hebchat/internal/handlers"
	"github.com/hebchat/hebchat/internal/models"
	"github.com/hebchat/hebchat/internal/services"
)

type mockLLM struct {
	events []models.StreamEvent
	err    error
}

func (m mockLLM) StreamChat(_ context.Context, _ []models.Message) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		for _, ev := range m.events {
			if !yield(ev, nil) {
				return
			}
		}
		if m.err != nil {
			yield(models.StreamEvent{}, m.err)
		}
	}
}

type mockStore struct {
	conversations map[string]models.Conversation
	messages      map[string][]models.Message
	files         map[string][]models.ConversationFile
	err           error
}

func newMockStore() *mockStore {
	return &mockStore{
		conversations: map[string]models.Conversation{},
		messages:      map[string][]models.Message{},
		files:         map[string][]models.ConversationFile{},
	}
}

func (m *mockStore) Conversations(_ context.Context, userID string) ([]models.Conversation, error) {
	if m.err != nil {
		return nil, m.err
	}
	var convs []models.Conversation
	for _, conv := range m.conversations {
		if conv.UserID == userID {
			convs = append(convs, conv)
		}
	}
	return convs, nil
}

func (m *mockStore) Conversation(_ context.Context, userID, conversationID string) (models.Conversation, error) {
	if m.err != nil {
		return models.Conversation{}, m.err
	}
	conv, ok := m.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return models.Conversation{}, services.ErrNotFound
	}
	return conv, nil
}

func (m *mockStore) AddConversation(_ context.Context, conv models.Conversation) (models.Conversation, error) {
	if m.err != nil {
		return models.Conversation{}, m.err
	}
	m.conversations[conv.ID] = conv
	return conv, nil
}

func (m *mockStore) DeleteConversation(_ context.Context, userID, conversationID string) error {
	if m.err != nil {
		return m.err
	}
	conv, ok := m.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return services.ErrNotFound
	}
	delete(m.conversations, conversationID)
	delete(m.messages, conversationID)
	delete(m.files, conversationID)
	return nil
}

func (m *mockStore) Messages(_ context.Context, conversationID string) ([]models.Message, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.messages[conversationID], nil
}

func (m *mockStore) AddMessage(_ context.Context, conversationID string, msg models.Message) (models.Message, error) {
	if m.err != nil {
		return models.Message{}, m.err
	}
	msg.ConversationID = conversationID
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	return msg, nil
}

func (m *mockStore) Files(_ context.Context, conversationID string) ([]models.ConversationFile, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.files[conversationID], nil
}

func (m *mockStore) File(_ context.Context, conversationID, fileID string) (models.ConversationFile, error) {
	if m.err != nil {
		return models.ConversationFile{}, m.err
	}
	for _, f := range m.files[conversationID] {
		if f.ID == fileID {
			return f, nil
		}
	}
	return models.ConversationFile{}, services.ErrNotFound
}

func (m *mockStore) AddFile(_ context.Context, file models.ConversationFile) (models.ConversationFile, error) {
	if m.err != nil {
		return models.ConversationFile{}, m.err
	}
	m.files[file.ConversationID] = append(m.files[file.ConversationID], file)
	return file, nil
}

func (m *mockStore) DeleteFile(_ context.Context, conversationID, fileID string) error {
	if m.err != nil {
		return m.err
	}
	files := m.files[conversationID]
	idx := slices.IndexFunc(files, func(f models.ConversationFile) bool { return f.ID == fileID })
	if idx == -1 {
		return services.ErrNotFound
	}
	m.files[conversationID] = slices.Delete(files, idx, idx+1)
	return nil
}

type mockBlobs struct {
	blobs map[string][]byte
	err   error
}

func newMockBlobs() *mockBlobs {
	return &mockBlobs{blobs: map[string][]byte{}}
}

func (m *mockBlobs) Put(storagePath string, r io.Reader) error {
	if m.err != nil {
		return m.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.blobs[storagePath] = data
	return nil
}

func (m *mockBlobs) Open(storagePath string) (io.ReadCloser, error) {
	data, ok := m.blobs[storagePath]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

func (m *mockBlobs) Remove(storagePath string) error {
	delete(m.blobs, storagePath)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func deltas(fragments ...string) []models.StreamEvent {
	events := make([]models.StreamEvent, 0, len(fragments)+1)
	for _, f := range fragments {
		events = append(events, models.StreamEvent{Type: models.StreamEventDelta, Text: f})
	}
	return append(events, models.StreamEvent{Type: models.StreamEventDone})
}

func chatBody(contents ...string) string {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	msgs := make([]msg, len(contents))
	for i, c := range contents {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs[i] = msg{Role: role, Content: c}
	}
	b, _ := json.Marshal(map[string]any{"messages": msgs})
	return string(b)
}

func TestHandleChatStreamValidation(t *testing.T) {
	m := handlers.NewMain(mockLLM{}, newMockStore(), newMockBlobs(), "", testLogger())

	tests := []struct {
		name string
		body string
	}{
		{name: "Invalid JSON", body: "{not json"},
		{name: "Missing messages", body: `{}`},
		{name: "Empty messages", body: `{"messages":[]}`},
		{name: "Unknown role", body: `{"messages":[{"role":"system","content":"hi"}]}`},
		{name: "Empty content", body: `{"messages":[{"role":"user","content":""}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			m.HandleChatStream(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			var resp struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("error body is not JSON: %v", err)
			}
			if resp.Error == "" {
				t.Error("error body should carry a message")
			}
		})
	}
}

func TestHandleChatStreamRelaysDeltas(t *testing.T) {
	llm := mockLLM{events: deltas("שלום", ", ", "עולם")}
	m := handlers.NewMain(llm, newMockStore(), newMockBlobs(), "", testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(chatBody("היי")))
	w := httptest.NewRecorder()

	m.HandleChatStream(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", cc)
	}

	var got string
	var doneFrames int
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			doneFrames++
			continue
		}
		var delta models.StreamDelta
		if err := json.Unmarshal([]byte(payload), &delta); err != nil {
			t.Fatalf("frame is not valid JSON: %q", payload)
		}
		if delta.IsComplete {
			t.Errorf("delta frame marked complete: %q", payload)
		}
		got += delta.Content
	}

	if got != "שלום, עולם" {
		t.Errorf("concatenated deltas = %q, want %q", got, "שלום, עולם")
	}
	if doneFrames != 1 {
		t.Errorf("got %d [DONE] frames, want exactly 1", doneFrames)
	}
	if !strings.HasSuffix(strings.TrimSpace(w.Body.String()), "data: [DONE]") {
		t.Error("[DONE] should be the final frame")
	}
}

func TestHandleChatStreamUpstreamFailsBeforeFirstEvent(t *testing.T) {
	llm := mockLLM{err: errors.New("upstream unavailable")}
	m := handlers.NewMain(llm, newMockStore(), newMockBlobs(), "", testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(chatBody("היי")))
	w := httptest.NewRecorder()

	m.HandleChatStream(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if strings.Contains(w.Body.String(), "data:") {
		t.Error("no stream frames may be sent on a pre-stream failure")
	}
}

func TestHandleChatStreamUpstreamFailsMidStream(t *testing.T) {
	llm := mockLLM{
		events: []models.StreamEvent{
			{Type: models.StreamEventDelta, Text: "partial"},
		},
		err: errors.New("upstream died"),
	}
	m := handlers.NewMain(llm, newMockStore(), newMockBlobs(), "", testLogger())

	srv := httptest.NewServer(m.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/chat", "application/json", strings.NewReader(chatBody("היי")))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d (headers are committed before the failure)", resp.StatusCode, http.StatusOK)
	}

	body, readErr := io.ReadAll(resp.Body)
	if readErr == nil {
		t.Error("reading the aborted stream should fail, got clean EOF")
	}
	if strings.Contains(string(body), "[DONE]") {
		t.Error("[DONE] must never be emitted after an error")
	}
	if !strings.Contains(string(body), "partial") {
		t.Errorf("delta sent before the failure should be on the wire, body = %q", body)
	}
}

func TestHandleChatStreamEmptyCompletion(t *testing.T) {
	// A provider can finish without emitting any delta; the relay still
	// closes the stream cleanly with a single sentinel.
	llm := mockLLM{events: deltas()}
	m := handlers.NewMain(llm, newMockStore(), newMockBlobs(), "", testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(chatBody("היי")))
	w := httptest.NewRecorder()

	m.HandleChatStream(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "data: [DONE]" {
		t.Errorf("body = %q, want only the sentinel", got)
	}
}

func TestHandleChatStreamFrameFormat(t *testing.T) {
	llm := mockLLM{events: deltas("He", "llo")}
	m := handlers.NewMain(llm, newMockStore(), newMockBlobs(), "", testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(chatBody("hi")))
	w := httptest.NewRecorder()

	m.HandleChatStream(w, req)

	want := fmt.Sprintf("data: %s\n\ndata: %s\n\ndata: [DONE]\n\n",
		`{"content":"He","isComplete":false}`,
		`{"content":"llo","isComplete":false}`)
	if w.Body.String() != want {
		t.Errorf("body = %q, want %q", w.Body.String(), want)
	}
}
