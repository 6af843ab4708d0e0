package models

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Conversation represents a single chat thread owned by a user. UpdatedAt is
// bumped by the store on every message insert so threads can be listed most
// recently active first.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is an individual entry within a conversation. Messages are immutable
// once created and append-only within their conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationFile records the metadata of a file uploaded into a
// conversation. The bytes themselves live in the blob store under StoragePath.
type ConversationFile struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	FileName       string    `json:"file_name"`
	FileType       string    `json:"file_type"`
	FileSize       int64     `json:"file_size"`
	StoragePath    string    `json:"storage_path"`
	ExtractedText  string    `json:"extracted_text,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser marks a message submitted by the user.
	RoleUser Role = "user"
	// RoleAssistant marks a message produced by the language model.
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one of the roles accepted on the wire.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

const titleMaxRunes = 50

// DefaultTitle is the title given to a conversation created before any
// message exists.
const DefaultTitle = "שיחה חדשה"

// DeriveTitle builds a conversation title from the first user message,
// truncated to fifty runes. When the message is empty the title falls back to
// the file count, or to DefaultTitle when there are no files either.
func DeriveTitle(firstMessage string, fileCount int) string {
	if firstMessage == "" {
		if fileCount > 0 {
			return fmt.Sprintf("שיחה עם %d קבצים", fileCount)
		}
		return DefaultTitle
	}
	if utf8.RuneCountInString(firstMessage) <= titleMaxRunes {
		return firstMessage
	}
	runes := []rune(firstMessage)
	return string(runes[:titleMaxRunes]) + "..."
}
