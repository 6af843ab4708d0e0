package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/hebchat/hebchat/internal/models"
	"github.com/hebchat/hebchat/internal/services"
)

type createConversationRequest struct {
	Title string `json:"title"`
}

type addMessageRequest struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// HandleListConversations returns the caller's conversations, most recently
// updated first.
func (m Main) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := m.store.Conversations(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		m.logger.Error("Failed to list conversations", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to list conversations")
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	m.writeJSON(w, http.StatusOK, convs)
}

// HandleCreateConversation creates a new conversation for the caller. A
// missing title falls back to the default Hebrew title.
func (m Main) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	title := req.Title
	if title == "" {
		title = models.DefaultTitle
	}

	conv, err := m.store.AddConversation(r.Context(), models.Conversation{
		ID:     uuid.New().String(),
		UserID: userIDFromContext(r.Context()),
		Title:  title,
	})
	if err != nil {
		m.logger.Error("Failed to create conversation", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to create conversation")
		return
	}
	m.writeJSON(w, http.StatusCreated, conv)
}

// HandleDeleteConversation removes a conversation with its messages and file
// metadata, and deletes the stored blobs of its files.
func (m Main) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	userID := userIDFromContext(r.Context())

	files, err := m.store.Files(r.Context(), convID)
	if err != nil {
		m.logger.Error("Failed to list files before delete", slog.String(errLoggerKey, err.Error()))
	}

	if err := m.store.DeleteConversation(r.Context(), userID, convID); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			m.writeError(w, http.StatusNotFound, "Conversation not found")
			return
		}
		m.logger.Error("Failed to delete conversation",
			slog.String("conversationID", convID),
			slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to delete conversation")
		return
	}

	for _, f := range files {
		if err := m.blobs.Remove(f.StoragePath); err != nil {
			m.logger.Error("Failed to remove blob",
				slog.String("storagePath", f.StoragePath),
				slog.String(errLoggerKey, err.Error()))
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleListMessages returns the messages of a conversation in creation
// order.
func (m Main) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := m.ownedConversation(w, r)
	if !ok {
		return
	}

	messages, err := m.store.Messages(r.Context(), conv.ID)
	if err != nil {
		m.logger.Error("Failed to list messages",
			slog.String("conversationID", conv.ID),
			slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	m.writeJSON(w, http.StatusOK, messages)
}

// HandleAddMessage appends a message to a conversation. This is the endpoint
// the streaming consumer uses both for the user message before a turn and for
// the final assistant message after the sentinel.
func (m Main) HandleAddMessage(w http.ResponseWriter, r *http.Request) {
	conv, ok := m.ownedConversation(w, r)
	if !ok {
		return
	}

	var req addMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !req.Role.Valid() || req.Content == "" {
		m.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	msg, err := m.store.AddMessage(r.Context(), conv.ID, models.Message{
		ID:      uuid.New().String(),
		Role:    req.Role,
		Content: req.Content,
	})
	if err != nil {
		m.logger.Error("Failed to add message",
			slog.String("conversationID", conv.ID),
			slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to add message")
		return
	}
	m.writeJSON(w, http.StatusCreated, msg)
}

// HandleExportConversation renders a conversation transcript as a standalone
// HTML page. Assistant messages are markdown and are rendered with syntax
// highlighting; user messages are escaped verbatim.
func (m Main) HandleExportConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := m.ownedConversation(w, r)
	if !ok {
		return
	}

	messages, err := m.store.Messages(r.Context(), conv.ID)
	if err != nil {
		m.logger.Error("Failed to list messages",
			slog.String("conversationID", conv.ID),
			slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to export conversation")
		return
	}

	var body bytes.Buffer
	fmt.Fprintf(&body, "<!DOCTYPE html>\n<html dir=\"rtl\" lang=\"he\">\n<head><meta charset=\"utf-8\"><title>%s</title></head>\n<body>\n", html.EscapeString(conv.Title))
	fmt.Fprintf(&body, "<h1>%s</h1>\n", html.EscapeString(conv.Title))
	for _, msg := range messages {
		fmt.Fprintf(&body, "<section class=\"message %s\">\n", msg.Role)
		if msg.Role == models.RoleAssistant {
			if err := m.markdown.Convert([]byte(msg.Content), &body); err != nil {
				m.logger.Error("Failed to render markdown", slog.String(errLoggerKey, err.Error()))
				fmt.Fprintf(&body, "<p>%s</p>\n", html.EscapeString(msg.Content))
			}
		} else {
			fmt.Fprintf(&body, "<p>%s</p>\n", html.EscapeString(msg.Content))
		}
		body.WriteString("</section>\n")
	}
	body.WriteString("</body>\n</html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body.Bytes())
}

// ownedConversation loads the conversation in the request path and verifies
// the caller owns it, writing the error response itself when it doesn't.
func (m Main) ownedConversation(w http.ResponseWriter, r *http.Request) (models.Conversation, bool) {
	convID := r.PathValue("id")
	conv, err := m.store.Conversation(r.Context(), userIDFromContext(r.Context()), convID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			m.writeError(w, http.StatusNotFound, "Conversation not found")
			return models.Conversation{}, false
		}
		m.logger.Error("Failed to load conversation",
			slog.String("conversationID", convID),
			slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to load conversation")
		return models.Conversation{}, false
	}
	return conv, true
}
