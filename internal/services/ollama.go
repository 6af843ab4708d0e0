package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"

	"github.com/hebchat/hebchat/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of the LLM interface for models served by
// a local Ollama instance.
type Ollama struct {
	host  string
	model string

	client *api.Client
}

// NewOllama creates a new Ollama instance with the specified host URL and
// model name. The host parameter should be a valid URL pointing to an Ollama
// server. If the provided host URL is invalid, the function will panic.
func NewOllama(host, model string) Ollama {
	u, err := url.Parse(host)
	if err != nil {
		panic(err)
	}

	return Ollama{
		host:   host,
		model:  model,
		client: api.NewClient(u, &http.Client{}),
	}
}

// StreamChat streams a completion for the given conversation history from the
// Ollama model. A done event is yielded when Ollama marks the final chunk.
func (o Ollama) StreamChat(ctx context.Context, messages []models.Message) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		msgs := make([]api.Message, len(messages))
		for i, msg := range messages {
			msgs[i] = api.Message{
				Role:    string(msg.Role),
				Content: msg.Content,
			}
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if res.Message.Content != "" {
				if !yield(models.StreamEvent{
					Type: models.StreamEventDelta,
					Text: res.Message.Content,
				}, nil) {
					cancel()
					return nil
				}
			}
			if res.Done {
				if !yield(models.StreamEvent{Type: models.StreamEventDone}, nil) {
					cancel()
				}
			}
			return nil
		}); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.StreamEvent{}, fmt.Errorf("error sending request: %w", err))
		}
	}
}
