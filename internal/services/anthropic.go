package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"

	"github.com/hebchat/hebchat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Anthropic provides an interface to the Anthropic messages API for streaming
// chat completions. It implements the LLM interface used by the relay
// endpoint.
type Anthropic struct {
	apiKey    string
	model     string
	maxTokens int

	client *http.Client
}

type anthropicChatRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens,omitempty"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const anthropicAPIEndpoint = "https://api.anthropic.com/v1"

// NewAnthropic creates a new Anthropic instance with the specified API key,
// model name, and maximum output token limit.
func NewAnthropic(apiKey, model string, maxTokens int) Anthropic {
	return Anthropic{
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		client:    &http.Client{},
	}
}

// StreamChat streams a completion for the given conversation history. The
// provider is sent the full history on every call; no session state is kept
// between turns. The returned iterator yields one delta event per text
// fragment in emission order and a single done event when the provider
// signals message_stop. Provider event kinds other than content deltas,
// errors, and the stop marker are ignored. No retries are performed.
func (a Anthropic) StreamChat(ctx context.Context, messages []models.Message) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		msgs := make([]anthropicMessage, len(messages))
		for i, msg := range messages {
			msgs[i] = anthropicMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			}
		}

		reqBody := anthropicChatRequest{
			Model:     a.model,
			Messages:  msgs,
			MaxTokens: a.maxTokens,
			Stream:    true,
		}

		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			yield(models.StreamEvent{}, fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			anthropicAPIEndpoint+"/messages", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield(models.StreamEvent{}, fmt.Errorf("error creating request: %w", err))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", a.apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")

		resp, err := a.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.StreamEvent{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			yield(models.StreamEvent{}, fmt.Errorf("anthropic returned status %d: %s", resp.StatusCode, body))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.StreamEvent{}, fmt.Errorf("error reading response: %w", err))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield(models.StreamEvent{}, fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				yield(models.StreamEvent{}, fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
				return
			case "message_stop":
				yield(models.StreamEvent{Type: models.StreamEventDone}, nil)
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield(models.StreamEvent{}, fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				if !yield(models.StreamEvent{Type: models.StreamEventDelta, Text: res.Delta.Text}, nil) {
					return
				}
			default:
				continue
			}
		}
	}
}
