package models

// StreamDelta is one frame of the relay's event stream as seen by the
// browser: an incremental text fragment, or the completion flag. It exists
// only for the lifetime of a single HTTP response and is never persisted.
type StreamDelta struct {
	Content    string `json:"content"`
	IsComplete bool   `json:"isComplete"`
}

// StreamEventType classifies events yielded by an upstream LLM provider.
type StreamEventType string

const (
	// StreamEventDelta carries an incremental fragment of generated text.
	StreamEventDelta StreamEventType = "delta"
	// StreamEventDone signals that the provider finished producing output.
	// No further events follow it.
	StreamEventDone StreamEventType = "done"
)

// StreamEvent is a single event from an upstream provider's streaming
// response. Providers translate their own wire formats into this shape and
// drop every event kind that is neither a text delta nor the terminal marker.
type StreamEvent struct {
	Type StreamEventType
	Text string
}
