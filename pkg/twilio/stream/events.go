// Package stream implements the Twilio Media Streams wire protocol used on
// the telephony side of a relayed call.
//
// Inbound messages are decoded into a closed set of typed [Event] values
// (started, media, mark, stop); outbound messages (media, mark, clear) are
// encoded from typed parameters. Audio payloads are treated as opaque
// base64 strings and passed through untouched — no transcoding happens here.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame reports an inbound message that could not be decoded
// into a known event. Callers should log and drop the frame rather than
// abort the connection.
var ErrMalformedFrame = errors.New("stream: malformed frame")

// EventType identifies an inbound telephony event variant.
type EventType string

const (
	// EventStarted is sent once when the media stream begins. It carries
	// the stream identifier used on every outbound message.
	EventStarted EventType = "started"

	// EventMedia carries one inbound audio frame with its media timestamp.
	EventMedia EventType = "media"

	// EventMark acknowledges that a previously sent audio chunk finished
	// playing out on the telephony side.
	EventMark EventType = "mark"

	// EventStop is sent when the telephony side ends the stream.
	EventStop EventType = "stop"
)

// Event is one decoded inbound telephony message. Only the fields relevant
// to the event's Type are populated.
type Event struct {
	Type EventType

	// StreamSID is set for EventStarted.
	StreamSID string

	// Timestamp is the media timestamp in milliseconds, set for EventMedia.
	Timestamp int64

	// Payload is the opaque base64 audio payload, set for EventMedia.
	Payload string

	// MarkName is the acknowledged mark label, set for EventMark.
	MarkName string
}

// envelope mirrors the wire shape of every inbound Media Streams message.
// The "event" discriminator selects which nested object is meaningful.
type envelope struct {
	Event string `json:"event"`
	Start *struct {
		StreamSID string `json:"streamSid"`
	} `json:"start,omitempty"`
	Media *struct {
		Timestamp json.Number `json:"timestamp"`
		Payload   string      `json:"payload"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

// Decode parses one inbound message into a typed Event. Unknown event names
// and structurally invalid messages are reported as [ErrMalformedFrame].
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch env.Event {
	case "start":
		if env.Start == nil || env.Start.StreamSID == "" {
			return Event{}, fmt.Errorf("%w: start without streamSid", ErrMalformedFrame)
		}
		return Event{Type: EventStarted, StreamSID: env.Start.StreamSID}, nil

	case "media":
		if env.Media == nil {
			return Event{}, fmt.Errorf("%w: media without body", ErrMalformedFrame)
		}
		ts, err := env.Media.Timestamp.Int64()
		if err != nil {
			return Event{}, fmt.Errorf("%w: media timestamp %q", ErrMalformedFrame, env.Media.Timestamp)
		}
		return Event{Type: EventMedia, Timestamp: ts, Payload: env.Media.Payload}, nil

	case "mark":
		ev := Event{Type: EventMark}
		if env.Mark != nil {
			ev.MarkName = env.Mark.Name
		}
		return ev, nil

	case "stop":
		return Event{Type: EventStop}, nil

	case "connected":
		// Informational preamble sent before "start"; surfaced as a mark-less
		// no-op would complicate callers, so it is rejected as unknown and
		// dropped by the pump like any other unhandled frame.
		return Event{}, fmt.Errorf("%w: unhandled event %q", ErrMalformedFrame, env.Event)

	default:
		return Event{}, fmt.Errorf("%w: unknown event %q", ErrMalformedFrame, env.Event)
	}
}

// ── Outbound message shapes ───────────────────────────────────────────────────

type mediaMessage struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type markMessage struct {
	Event     string   `json:"event"`
	StreamSID string   `json:"streamSid"`
	Mark      markName `json:"mark"`
}

type markName struct {
	Name string `json:"name"`
}

type clearMessage struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// EncodeMedia builds an outbound media message carrying payload for streamSID.
func EncodeMedia(streamSID, payload string) ([]byte, error) {
	return json.Marshal(mediaMessage{
		Event:     "media",
		StreamSID: streamSID,
		Media:     mediaPayload{Payload: payload},
	})
}

// EncodeMark builds an outbound mark message named name for streamSID.
func EncodeMark(streamSID, name string) ([]byte, error) {
	return json.Marshal(markMessage{
		Event:     "mark",
		StreamSID: streamSID,
		Mark:      markName{Name: name},
	})
}

// EncodeClear builds an outbound clear message that discards any audio the
// telephony side has buffered but not yet played.
func EncodeClear(streamSID string) ([]byte, error) {
	return json.Marshal(clearMessage{Event: "clear", StreamSID: streamSID})
}
