package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hebchat/hebchat/internal/models"
)

// API is a thin client over the chat service's REST surface. It implements
// MessageWriter, so a Consumer can persist assistant messages through it.
type API struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewAPI creates an API client for the given base URL. The token, when
// non-empty, is sent as a bearer token on every request.
func NewAPI(baseURL, token string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &API{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  httpClient,
	}
}

// ChatEndpoint returns the relay endpoint URL for a Consumer.
func (a *API) ChatEndpoint() string {
	return a.baseURL + "/api/chat"
}

func (a *API) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, e.Error)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Conversations lists the caller's conversations, most recently updated
// first.
func (a *API) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	if err := a.do(ctx, http.MethodGet, "/api/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// CreateConversation creates a conversation with the given title.
func (a *API) CreateConversation(ctx context.Context, title string) (models.Conversation, error) {
	var conv models.Conversation
	err := a.do(ctx, http.MethodPost, "/api/conversations",
		map[string]string{"title": title}, &conv)
	return conv, err
}

// DeleteConversation removes a conversation and everything in it.
func (a *API) DeleteConversation(ctx context.Context, conversationID string) error {
	return a.do(ctx, http.MethodDelete, "/api/conversations/"+conversationID, nil, nil)
}

// Messages lists a conversation's messages in creation order.
func (a *API) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	if err := a.do(ctx, http.MethodGet, "/api/conversations/"+conversationID+"/messages", nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// AddMessage appends a message to a conversation.
func (a *API) AddMessage(ctx context.Context, conversationID, content string, role models.Role) (models.Message, error) {
	var msg models.Message
	err := a.do(ctx, http.MethodPost, "/api/conversations/"+conversationID+"/messages",
		map[string]string{"content": content, "role": string(role)}, &msg)
	return msg, err
}
