package relay

import "encoding/json"

// EventKind classifies an observer event.
type EventKind string

const (
	// EventStreamStarted fires when the telephony stream identifies itself.
	EventStreamStarted EventKind = "stream_started"

	// EventInterruption fires after a barge-in truncated a response.
	EventInterruption EventKind = "interruption"

	// EventAssistantTranscript carries the transcript of one finished
	// assistant message.
	EventAssistantTranscript EventKind = "assistant_transcript"

	// EventToolCall fires when the model requests a tool; Text is the
	// tool name.
	EventToolCall EventKind = "tool_call"

	// EventItemCreated carries the raw conversation item confirmation.
	// Raw is the item object; observers mine it for text content.
	EventItemCreated EventKind = "item_created"
)

// Event is one observer notification from a running relay. Delivery is
// best-effort: a slow observer loses events rather than stalling audio.
type Event struct {
	Kind       EventKind
	StreamSID  string
	Text       string
	AudioEndMS int64
	Raw        json.RawMessage
}
