// Package client implements the streaming side of a chat turn: it sends the
// conversation history to the relay endpoint, decodes the event stream
// incrementally, and persists the final assistant message once the completion
// sentinel arrives.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hebchat/hebchat/internal/models"
)

// TurnState is the state of the consumer's turn state machine.
type TurnState string

const (
	StateIdle       TurnState = "idle"
	StateSending    TurnState = "sending"
	StateStreaming  TurnState = "streaming"
	StatePersisting TurnState = "persisting"
	StateError      TurnState = "error"
)

// ErrTurnSuperseded is returned for a turn that was replaced by a newer one
// before it finished. Its partial output is discarded, never persisted.
var ErrTurnSuperseded = errors.New("turn superseded by a newer turn")

// errStreamTruncated marks a stream that ended without the completion
// sentinel; the accumulated text is treated as partial and dropped.
var errStreamTruncated = errors.New("stream ended without completion sentinel")

// MessageWriter persists the final assistant message of a completed turn.
type MessageWriter interface {
	AddMessage(ctx context.Context, conversationID, content string, role models.Role) (models.Message, error)
}

// Consumer drives chat turns against the relay endpoint. At most one turn is
// active at a time; starting a new turn cancels the previous one, and data
// arriving for a superseded turn is discarded. All methods are safe for
// concurrent use.
type Consumer struct {
	endpoint string
	client   *http.Client
	writer   MessageWriter
	logger   *slog.Logger

	mu            sync.Mutex
	state         TurnState
	activeTurn    string
	cancelActive  context.CancelFunc
	streaming     string
	parseFailures int
}

// TurnResult reports the outcome of a completed turn.
type TurnResult struct {
	TurnID string
	// Message is the persisted assistant message. Zero when Persisted is
	// false, which happens only for an empty completion.
	Message   models.Message
	Persisted bool
}

// NewConsumer creates a Consumer targeting the given relay endpoint URL. A
// nil httpClient falls back to http.DefaultClient.
func NewConsumer(endpoint string, httpClient *http.Client, writer MessageWriter, logger *slog.Logger) *Consumer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Consumer{
		endpoint: endpoint,
		client:   httpClient,
		writer:   writer,
		logger:   logger.With(slog.String("module", "consumer")),
		state:    StateIdle,
	}
}

// State returns the current turn state.
func (c *Consumer) State() TurnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Streaming returns the accumulated text of the in-flight turn. Empty outside
// a streaming turn.
func (c *Consumer) Streaming() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// ParseFailures counts stream lines that carried a data prefix but failed to
// parse as JSON. Such lines are tolerated, but the count makes silent frame
// loss observable.
func (c *Consumer) ParseFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parseFailures
}

// Cancel aborts the in-flight turn, if any, and clears transient state.
func (c *Consumer) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelActive != nil {
		c.cancelActive()
		c.cancelActive = nil
	}
	c.activeTurn = ""
	c.streaming = ""
	c.state = StateIdle
}

type chatRequest struct {
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// Send runs one turn: it posts the full history (which must already include
// the just-persisted user message), streams the reply, invokes onDelta with
// the accumulated text after each fragment, and persists the assistant
// message once the sentinel is observed. An empty completion is not
// persisted. On any failure the turn ends in the error state with transient
// state cleared and nothing persisted; the caller's user message is never
// rolled back.
func (c *Consumer) Send(ctx context.Context, conversationID string, history []models.Message, onDelta func(accumulated string)) (TurnResult, error) {
	turnID := uuid.New().String()
	ctx = c.beginTurn(ctx, turnID)

	msgs := make([]chatMessage, len(history))
	for i, m := range history {
		msgs[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	body, err := json.Marshal(chatRequest{Messages: msgs})
	if err != nil {
		return c.fail(turnID, fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return c.fail(turnID, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return c.fail(turnID, fmt.Errorf("failed to reach relay: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return c.fail(turnID, fmt.Errorf("relay returned %d: %s", resp.StatusCode, e.Error))
	}

	if !c.transition(turnID, StateStreaming) {
		return TurnResult{}, ErrTurnSuperseded
	}

	accumulated, err := c.readStream(turnID, resp.Body, onDelta)
	if err != nil {
		return c.fail(turnID, err)
	}

	if !c.transition(turnID, StatePersisting) {
		return TurnResult{}, ErrTurnSuperseded
	}

	if accumulated == "" {
		c.endTurn(turnID)
		return TurnResult{TurnID: turnID}, nil
	}

	msg, err := c.writer.AddMessage(ctx, conversationID, accumulated, models.RoleAssistant)
	if err != nil {
		return c.fail(turnID, fmt.Errorf("failed to persist assistant message: %w", err))
	}

	c.endTurn(turnID)
	return TurnResult{TurnID: turnID, Message: msg, Persisted: true}, nil
}

// readStream consumes the response body as raw byte chunks. Chunk boundaries
// carry no alignment guarantee, so the trailing unterminated line of each
// read is carried over to the next one. Lines without the data prefix are
// ignored; payloads that fail to parse are counted and skipped. After the
// sentinel no further lines are applied, but the body is still drained.
func (c *Consumer) readStream(turnID string, body io.Reader, onDelta func(string)) (string, error) {
	var (
		accumulated string
		carry       string
		done        bool
		buf         = make([]byte, 4096)
	)

	for {
		n, err := body.Read(buf)
		if n > 0 && !done {
			chunk := carry + string(buf[:n])
			lines := strings.Split(chunk, "\n")
			carry = lines[len(lines)-1]

			for _, line := range lines[:len(lines)-1] {
				line = strings.TrimSuffix(line, "\r")
				if !strings.HasPrefix(line, "data: ") {
					continue
				}
				payload := strings.TrimPrefix(line, "data: ")
				if payload == "[DONE]" {
					done = true
					break
				}

				var delta models.StreamDelta
				if err := json.Unmarshal([]byte(payload), &delta); err != nil {
					c.countParseFailure(payload)
					continue
				}
				if delta.Content == "" {
					continue
				}
				accumulated += delta.Content
				if !c.applyDelta(turnID, accumulated) {
					return "", ErrTurnSuperseded
				}
				if onDelta != nil {
					onDelta(accumulated)
				}
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("failed to read stream: %w", err)
		}
	}

	if !done {
		return "", errStreamTruncated
	}
	return accumulated, nil
}

// beginTurn supersedes any in-flight turn and installs the new one.
func (c *Consumer) beginTurn(ctx context.Context, turnID string) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelActive != nil {
		c.cancelActive()
	}
	ctx, cancel := context.WithCancel(ctx)
	c.activeTurn = turnID
	c.cancelActive = cancel
	c.streaming = ""
	c.state = StateSending
	return ctx
}

// transition moves the state machine forward, refusing if the turn has been
// superseded.
func (c *Consumer) transition(turnID string, to TurnState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeTurn != turnID {
		return false
	}
	c.state = to
	return true
}

// applyDelta publishes the accumulated text, refusing stale turns so late
// data from an abandoned stream can never leak into the current one.
func (c *Consumer) applyDelta(turnID, accumulated string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeTurn != turnID {
		return false
	}
	c.streaming = accumulated
	return true
}

func (c *Consumer) countParseFailure(payload string) {
	c.mu.Lock()
	c.parseFailures++
	n := c.parseFailures
	c.mu.Unlock()
	c.logger.Debug("Dropped unparseable stream line",
		slog.Int("total", n),
		slog.Int("payloadLen", len(payload)))
}

// endTurn clears transient state after a turn completed. The message list is
// the sole source of truth from here on.
func (c *Consumer) endTurn(turnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeTurn != turnID {
		return
	}
	if c.cancelActive != nil {
		c.cancelActive()
		c.cancelActive = nil
	}
	c.activeTurn = ""
	c.streaming = ""
	c.state = StateIdle
}

// fail ends the turn in the error state. Superseded turns report
// ErrTurnSuperseded instead of their own error, since their outcome no longer
// matters.
func (c *Consumer) fail(turnID string, err error) (TurnResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeTurn != turnID {
		return TurnResult{}, ErrTurnSuperseded
	}
	if c.cancelActive != nil {
		c.cancelActive()
		c.cancelActive = nil
	}
	c.activeTurn = ""
	c.streaming = ""
	c.state = StateError
	c.logger.Error("Turn failed", slog.String("turnID", turnID), slog.String(errLoggerKey, err.Error()))
	return TurnResult{TurnID: turnID}, err
}

const errLoggerKey = "err"
