package handlers

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/hebchat/hebchat/internal/models"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

// LLM represents the upstream language model interface. It accepts a context
// and the full conversation history, returning a lazy iterator that yields
// stream events and potential errors. The history is complete on every call;
// no session state is kept between turns.
type LLM interface {
	StreamChat(ctx context.Context, messages []models.Message) iter.Seq2[models.StreamEvent, error]
}

// Store defines the interface for conversation, message, and file metadata
// persistence. Messages are append-only; conversations carry an UpdatedAt
// bumped on each insert.
type Store interface {
	Conversations(ctx context.Context, userID string) ([]models.Conversation, error)
	Conversation(ctx context.Context, userID, conversationID string) (models.Conversation, error)
	AddConversation(ctx context.Context, conv models.Conversation) (models.Conversation, error)
	DeleteConversation(ctx context.Context, userID, conversationID string) error

	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	AddMessage(ctx context.Context, conversationID string, message models.Message) (models.Message, error)

	Files(ctx context.Context, conversationID string) ([]models.ConversationFile, error)
	File(ctx context.Context, conversationID, fileID string) (models.ConversationFile, error)
	AddFile(ctx context.Context, file models.ConversationFile) (models.ConversationFile, error)
	DeleteFile(ctx context.Context, conversationID, fileID string) error
}

// BlobStore holds the bytes of uploaded files, keyed by storage path.
type BlobStore interface {
	Put(storagePath string, r io.Reader) error
	Open(storagePath string) (io.ReadCloser, error)
	Remove(storagePath string) error
}

// Main handles the HTTP API of the chat service: the stream relay, the
// conversation and message CRUD surface, and file ingestion.
type Main struct {
	llm   LLM
	store Store
	blobs BlobStore

	jwtSecret []byte
	markdown  goldmark.Markdown
	logger    *slog.Logger
}

const errLoggerKey = "err"

// NewMain creates a new Main instance with the provided collaborators. The
// jwtSecret is used only to verify bearer tokens issued by the external auth
// provider; an empty secret disables token verification entirely.
func NewMain(llm LLM, store Store, blobs BlobStore, jwtSecret string, logger *slog.Logger) Main {
	return Main{
		llm:       llm,
		store:     store,
		blobs:     blobs,
		jwtSecret: []byte(jwtSecret),
		markdown: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(highlighting.WithStyle("monokai")),
			),
		),
		logger: logger.With(slog.String("module", "handlers")),
	}
}

// Router returns the API routes wrapped with identity and request logging
// middleware.
func (m Main) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", m.HandleChatStream)

	mux.HandleFunc("GET /api/conversations", m.HandleListConversations)
	mux.HandleFunc("POST /api/conversations", m.HandleCreateConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", m.HandleDeleteConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", m.HandleListMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", m.HandleAddMessage)
	mux.HandleFunc("GET /api/conversations/{id}/export", m.HandleExportConversation)

	mux.HandleFunc("GET /api/conversations/{id}/files", m.HandleListFiles)
	mux.HandleFunc("POST /api/conversations/{id}/files", m.HandleUploadFile)
	mux.HandleFunc("DELETE /api/conversations/{id}/files/{fileID}", m.HandleDeleteFile)
	mux.HandleFunc("GET /api/conversations/{id}/files/{fileID}/content", m.HandleFileContent)

	return m.withRequestLog(m.withIdentity(mux))
}

func (m Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (m Main) writeError(w http.ResponseWriter, status int, msg string) {
	m.writeJSON(w, status, errorResponse{Error: msg})
}
