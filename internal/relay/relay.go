// Package relay bridges a telephony media stream to a speech-to-speech model
// session, forwarding audio both ways and truncating the assistant's response
// when the caller barges in.
//
// A [Relay] runs two pumps: the telephony pump forwards caller audio into the
// model's input buffer and keeps the media clock, and the model pump forwards
// assistant audio back to the caller and reacts to speech-started events. The
// pumps share one [callState]; when either pump fails, both are torn down and
// the call ends.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/switchboard-voice/switchboard/internal/observe"
	"github.com/switchboard-voice/switchboard/pkg/openairt"
	"github.com/switchboard-voice/switchboard/pkg/twilio/stream"
)

// markLabel is the label attached to every outbound audio chunk. The
// telephony side echoes it back once the chunk has played out.
const markLabel = "responsePart"

// errCallEnded signals a clean stop (the telephony side ended the stream).
var errCallEnded = errors.New("relay: call ended")

// TelephonyConn is the telephony side of a call as the relay sees it.
// *stream.Conn satisfies it.
type TelephonyConn interface {
	Read(ctx context.Context) (stream.Event, error)
	SendMedia(ctx context.Context, streamSID, payload string) error
	SendMark(ctx context.Context, streamSID, name string) error
	SendClear(ctx context.Context, streamSID string) error
	Close() error
}

// ModelSession is the model side of a call as the relay sees it.
// *openairt.Session satisfies it.
type ModelSession interface {
	Read(ctx context.Context) (openairt.Event, error)
	AppendAudio(ctx context.Context, payload string) error
	Truncate(ctx context.Context, itemID string, audioEndMS int64) error
	CreateItem(ctx context.Context, role, text string) error
	CreateResponse(ctx context.Context) error
	Close() error
}

// ToolHandler executes a completed model function call and returns the result
// text to inject back into the conversation.
type ToolHandler func(ctx context.Context, name, arguments string) (string, error)

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithToolHandler registers a handler for completed model function calls.
// When set, the handler's result is injected as a system item and a new
// response is requested, so the assistant can answer using it.
func WithToolHandler(h ToolHandler) Option {
	return func(r *Relay) { r.tools = h }
}

// Relay bridges one phone call between the telephony transport and a model
// session.
type Relay struct {
	telephony TelephonyConn
	model     ModelSession

	log     *slog.Logger
	metrics *observe.Metrics
	tools   ToolHandler

	state callState

	// events carries transcript-relevant happenings to observers. Sends
	// never block; when an observer lags, events are dropped.
	events chan Event
}

// New creates a relay over an accepted telephony connection and an
// established model session. The relay takes ownership of both: Run closes
// them on exit.
func New(telephony TelephonyConn, model ModelSession, opts ...Option) *Relay {
	r := &Relay{
		telephony: telephony,
		model:     model,
		log:       slog.Default(),
		metrics:   observe.DefaultMetrics(),
		events:    make(chan Event, 64),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Events returns the relay's observer channel. It is closed when Run
// returns.
func (r *Relay) Events() <-chan Event {
	return r.events
}

// State returns a point-in-time copy of the call's playback state.
func (r *Relay) State() StateSnapshot {
	return r.state.snapshot()
}

// Run relays the call until one side closes or ctx is cancelled. Both
// transports are closed before it returns. A call ended by the telephony
// side (stop event or hangup) returns nil; transport failures are returned
// as errors.
func (r *Relay) Run(ctx context.Context) error {
	r.metrics.ActiveCalls.Add(ctx, 1)
	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.pumpTelephony(gctx) })
	g.Go(func() error { return r.pumpModel(gctx) })

	err := g.Wait()

	// Either pump exiting invalidates the whole call; release both sides.
	_ = r.telephony.Close()
	_ = r.model.Close()
	close(r.events)

	r.metrics.ActiveCalls.Add(context.WithoutCancel(ctx), -1)
	r.metrics.CallDuration.Record(context.WithoutCancel(ctx), time.Since(started).Seconds())

	if err == nil || errors.Is(err, errCallEnded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ── Telephony pump ────────────────────────────────────────────────────────────

// pumpTelephony forwards caller audio into the model and maintains the media
// clock and mark accounting.
func (r *Relay) pumpTelephony(ctx context.Context) error {
	for {
		ev, err := r.telephony.Read(ctx)
		if err != nil {
			if errors.Is(err, stream.ErrMalformedFrame) {
				r.log.Warn("dropping malformed telephony frame", "error", err)
				r.metrics.RecordMalformedFrame(ctx, "telephony")
				continue
			}
			// The caller hanging up surfaces here as a closed transport.
			r.log.Debug("telephony read ended", "error", err)
			return errCallEnded
		}

		switch ev.Type {
		case stream.EventStarted:
			r.state.begin(ev.StreamSID)
			r.log.Info("media stream started", "stream_sid", ev.StreamSID)
			r.emit(Event{Kind: EventStreamStarted, StreamSID: ev.StreamSID})

		case stream.EventMedia:
			r.state.advanceClock(ev.Timestamp)
			if err := r.model.AppendAudio(ctx, ev.Payload); err != nil {
				return err
			}
			r.metrics.RecordAudioFrame(ctx, "inbound")

		case stream.EventMark:
			r.state.markAcked()

		case stream.EventStop:
			r.log.Info("media stream stopped", "stream_sid", r.state.sid())
			return errCallEnded
		}
	}
}

// ── Model pump ────────────────────────────────────────────────────────────────

// pumpModel forwards assistant audio to the caller and handles barge-in.
func (r *Relay) pumpModel(ctx context.Context) error {
	for {
		ev, err := r.model.Read(ctx)
		if err != nil {
			if errors.Is(err, openairt.ErrMalformedFrame) {
				r.log.Warn("dropping malformed model frame", "error", err)
				r.metrics.RecordMalformedFrame(ctx, "model")
				continue
			}
			// Only the telephony side can end a call cleanly. The model
			// transport dying mid-call is a failure and must be reported
			// as one.
			return fmt.Errorf("relay: model read: %w", err)
		}

		switch ev.Type {
		case openairt.EventAudioDelta:
			if err := r.forwardAudioDelta(ctx, ev); err != nil {
				return err
			}

		case openairt.EventSpeechStarted:
			if err := r.handleInterruption(ctx); err != nil {
				return err
			}

		case openairt.EventItemCreated:
			r.emit(Event{Kind: EventItemCreated, Raw: ev.Item})

		case openairt.EventResponseDone:
			if err := r.handleResponseDone(ctx, ev.Response); err != nil {
				return err
			}

		case openairt.EventFunctionCallDelta:
			// Argument fragments are informational; the completed call
			// arrives in response.done.
			r.log.Debug("function call arguments delta", "call_id", ev.CallID)

		case openairt.EventError:
			// Model-side errors are non-fatal; the session keeps going.
			r.log.Error("model reported error", "error", ev.ErrMessage)
			r.metrics.ModelErrors.Add(ctx, 1)

		case openairt.EventSessionUpdated:
			r.log.Debug("model session updated")

		case openairt.EventOther:
			r.log.Debug("ignoring model event", "type", ev.RawType)
		}
	}
}

// forwardAudioDelta sends one assistant audio chunk to the caller and then
// records the playback bookkeeping, followed by the mark that will confirm
// its playout.
func (r *Relay) forwardAudioDelta(ctx context.Context, ev openairt.Event) error {
	sid := r.state.sid()
	if err := r.telephony.SendMedia(ctx, sid, ev.Delta); err != nil {
		return err
	}
	r.state.audioSent(ev.ItemID, markLabel)
	if err := r.telephony.SendMark(ctx, sid, markLabel); err != nil {
		return err
	}
	r.metrics.RecordAudioFrame(ctx, "outbound")
	return nil
}

// handleInterruption runs the barge-in sequence: when assistant audio is
// still outstanding, it truncates the model's record of the response to what
// the caller actually heard and clears the telephony playback buffer.
func (r *Relay) handleInterruption(ctx context.Context) error {
	snap, ok := r.state.interrupt()
	if !ok {
		return nil
	}

	r.log.Info("caller interrupted assistant",
		"item_id", snap.itemID,
		"audio_end_ms", snap.elapsedMS,
		"clock_clamped", snap.clamped,
	)

	if snap.itemID != "" {
		if err := r.model.Truncate(ctx, snap.itemID, snap.elapsedMS); err != nil {
			return err
		}
	}
	if err := r.telephony.SendClear(ctx, snap.streamSID); err != nil {
		return err
	}

	r.metrics.RecordInterruption(ctx, snap.clamped)
	r.emit(Event{Kind: EventInterruption, AudioEndMS: snap.elapsedMS})
	return nil
}

// doneResponse is the slice of a response.done payload the relay cares
// about: completed function calls and assistant transcript text.
type doneResponse struct {
	Output []struct {
		Type      string `json:"type"`
		Name      string `json:"name"`
		CallID    string `json:"call_id"`
		Arguments string `json:"arguments"`
		Content   []struct {
			Type       string `json:"type"`
			Transcript string `json:"transcript"`
		} `json:"content"`
	} `json:"output"`
}

// handleResponseDone scans a finished response for function calls and runs
// them through the tool handler, injecting the result and requesting a
// follow-up response.
func (r *Relay) handleResponseDone(ctx context.Context, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var resp doneResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		r.log.Warn("undecodable response payload", "error", err)
		return nil
	}

	for _, out := range resp.Output {
		switch out.Type {
		case "message":
			for _, c := range out.Content {
				if c.Transcript != "" {
					r.emit(Event{Kind: EventAssistantTranscript, Text: c.Transcript})
				}
			}

		case "function_call":
			if r.tools == nil {
				r.log.Warn("model requested tool with no handler registered", "tool", out.Name)
				continue
			}
			r.emit(Event{Kind: EventToolCall, Text: out.Name})
			result, err := r.tools(ctx, out.Name, out.Arguments)
			if err != nil {
				r.log.Error("tool handler failed", "tool", out.Name, "error", err)
				result = "The lookup failed; answer from general knowledge and offer to follow up."
			}
			if err := r.model.CreateItem(ctx, "system", result); err != nil {
				return err
			}
			if err := r.model.CreateResponse(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// emit delivers an observer event without ever blocking a pump.
func (r *Relay) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.log.Debug("observer channel full, dropping event", "kind", ev.Kind)
	}
}
