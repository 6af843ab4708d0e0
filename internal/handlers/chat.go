package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hebchat/hebchat/internal/models"
)

type chatRequest struct {
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// HandleChatStream relays a streamed completion from the upstream model to
// the caller as server-sent events. The request carries the full conversation
// history, oldest first; nothing is read from or written to the store here.
//
// Each text delta becomes one "data: {json}" frame with isComplete false, and
// the upstream terminal event becomes a single "data: [DONE]" frame followed
// by a clean close. An upstream failure before the first event surfaces as a
// 500 JSON body; once the stream has started the status line is already on
// the wire, so a failure can only abort the connection. The sentinel is never
// written after an error.
func (m Main) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.writeError(w, http.StatusBadRequest, "Invalid messages format")
		return
	}
	if len(req.Messages) == 0 {
		m.writeError(w, http.StatusBadRequest, "Invalid messages format")
		return
	}
	messages := make([]models.Message, len(req.Messages))
	for i, msg := range req.Messages {
		if !msg.Role.Valid() || msg.Content == "" {
			m.writeError(w, http.StatusBadRequest, "Invalid messages format")
			return
		}
		messages[i] = models.Message{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		m.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	started := false
	for ev, err := range m.llm.StreamChat(r.Context(), messages) {
		if err != nil {
			m.logger.Error("Error from llm provider", slog.String(errLoggerKey, err.Error()))
			if !started {
				m.writeError(w, http.StatusInternalServerError, "Internal server error")
				return
			}
			// Headers are already committed; terminate the stream abnormally
			// so the client never mistakes this for a completed turn.
			panic(http.ErrAbortHandler)
		}

		if !started {
			h := w.Header()
			h.Set("Content-Type", "text/event-stream")
			h.Set("Cache-Control", "no-cache")
			h.Set("Connection", "keep-alive")
			h.Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			started = true
		}

		switch ev.Type {
		case models.StreamEventDelta:
			frame, err := json.Marshal(models.StreamDelta{Content: ev.Text, IsComplete: false})
			if err != nil {
				m.logger.Error("Failed to marshal delta", slog.String(errLoggerKey, err.Error()))
				panic(http.ErrAbortHandler)
			}
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		case models.StreamEventDone:
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
	}

	// The provider's sequence ended without a terminal event.
	if !started {
		m.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	m.logger.Warn("Upstream stream ended without terminal event")
	panic(http.ErrAbortHandler)
}
