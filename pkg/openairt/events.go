package openairt

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame reports a server message that could not be decoded.
// Callers should log and drop the frame; the connection remains usable.
var ErrMalformedFrame = errors.New("openairt: malformed frame")

// EventType identifies a decoded server event.
type EventType string

const (
	// EventAudioDelta carries one chunk of synthesised assistant audio.
	EventAudioDelta EventType = "response.audio.delta"

	// EventSpeechStarted signals that server-side VAD detected the caller
	// beginning to speak. This is the barge-in trigger.
	EventSpeechStarted EventType = "input_audio_buffer.speech_started"

	// EventItemCreated confirms a conversation item was created.
	EventItemCreated EventType = "conversation.item.created"

	// EventFunctionCallDelta streams function-call argument fragments.
	EventFunctionCallDelta EventType = "response.function_call_arguments.delta"

	// EventResponseDone signals the model finished generating a response.
	EventResponseDone EventType = "response.done"

	// EventError carries a server-reported error. These are logged and do
	// not terminate the session.
	EventError EventType = "error"

	// EventSessionUpdated acknowledges a session.update.
	EventSessionUpdated EventType = "session.updated"

	// EventOther is any recognised-but-unhandled server event. The relay
	// ignores these; they are surfaced so callers can log them at debug.
	EventOther EventType = "other"
)

// Event is one decoded server event. Only the fields relevant to the event's
// Type are populated.
type Event struct {
	Type EventType

	// RawType is the exact server event type string, kept for EventOther
	// and debug logging.
	RawType string

	// ItemID is the assistant item the event belongs to (audio deltas).
	ItemID string

	// Delta is the base64 audio chunk for EventAudioDelta, or the argument
	// fragment for EventFunctionCallDelta.
	Delta string

	// CallID identifies the function call for EventFunctionCallDelta.
	CallID string

	// Item is the raw created item for EventItemCreated.
	Item json.RawMessage

	// Response is the raw response object for EventResponseDone.
	Response json.RawMessage

	// ErrMessage is the server error description for EventError.
	ErrMessage string
}

type serverEnvelope struct {
	Type     string          `json:"type"`
	ItemID   string          `json:"item_id"`
	Delta    string          `json:"delta"`
	CallID   string          `json:"call_id"`
	Item     json.RawMessage `json:"item"`
	Response json.RawMessage `json:"response"`
	Error    *serverError    `json:"error"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeEvent parses one server message into an Event. Messages with an
// unrecognised type decode to EventOther rather than an error; only frames
// that are not valid JSON or lack a type wrap ErrMalformedFrame.
func DecodeEvent(data []byte) (Event, error) {
	var env serverEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return Event{}, fmt.Errorf("%w: missing event type", ErrMalformedFrame)
	}

	ev := Event{RawType: env.Type}
	switch EventType(env.Type) {
	case EventAudioDelta:
		if env.Delta == "" || env.ItemID == "" {
			return Event{}, fmt.Errorf("%w: audio delta without delta or item_id", ErrMalformedFrame)
		}
		ev.Type = EventAudioDelta
		ev.ItemID = env.ItemID
		ev.Delta = env.Delta
	case EventSpeechStarted:
		ev.Type = EventSpeechStarted
	case EventItemCreated:
		ev.Type = EventItemCreated
		ev.Item = env.Item
	case EventFunctionCallDelta:
		ev.Type = EventFunctionCallDelta
		ev.CallID = env.CallID
		ev.Delta = env.Delta
	case EventResponseDone:
		ev.Type = EventResponseDone
		ev.Response = env.Response
	case EventError:
		ev.Type = EventError
		if env.Error != nil {
			ev.ErrMessage = fmt.Sprintf("%s (%s): %s", env.Error.Type, env.Error.Code, env.Error.Message)
		}
	case EventSessionUpdated:
		ev.Type = EventSessionUpdated
	default:
		ev.Type = EventOther
	}
	return ev, nil
}
