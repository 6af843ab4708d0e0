package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/hebchat/hebchat/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI provides an implementation of the LLM interface for any
// OpenAI-compatible chat completion endpoint.
type OpenAI struct {
	model     string
	maxTokens int

	client *goopenai.Client
}

// NewOpenAI creates a new OpenAI instance. An empty baseURL targets the
// official API; otherwise any OpenAI-compatible server can be used.
func NewOpenAI(apiKey, baseURL, model string, maxTokens int) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		model:     model,
		maxTokens: maxTokens,
		client:    goopenai.NewClientWithConfig(cfg),
	}
}

// StreamChat streams a completion for the given conversation history. Deltas
// are yielded in emission order; a done event is yielded when the stream ends
// cleanly. Chunks without choices are skipped.
func (o OpenAI) StreamChat(ctx context.Context, messages []models.Message) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		msgs := make([]goopenai.ChatCompletionMessage, len(messages))
		for i, msg := range messages {
			msgs[i] = goopenai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			}
		}

		req := goopenai.ChatCompletionRequest{
			Model:     o.model,
			Messages:  msgs,
			MaxTokens: o.maxTokens,
			Stream:    true,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield(models.StreamEvent{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					yield(models.StreamEvent{Type: models.StreamEventDone}, nil)
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.StreamEvent{}, fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			if !yield(models.StreamEvent{
				Type: models.StreamEventDelta,
				Text: response.Choices[0].Delta.Content,
			}, nil) {
				return
			}
		}
	}
}
