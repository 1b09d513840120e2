package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/switchboard-voice/switchboard/internal/callstore"
	"github.com/switchboard-voice/switchboard/internal/relay"
	"github.com/switchboard-voice/switchboard/internal/retrieval"
	"github.com/switchboard-voice/switchboard/internal/transcript"
	"github.com/switchboard-voice/switchboard/pkg/openairt"
	"github.com/switchboard-voice/switchboard/pkg/twilio/stream"
)

// lookupToolName is the function the model calls to query the knowledge base.
const lookupToolName = "lookup_knowledge"

// lookupToolSchema is the argument schema declared with the tool.
var lookupToolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"question": {"type": "string", "description": "The caller's question, in their own words"}
	},
	"required": ["question"]
}`)

// teardownTimeout bounds post-call persistence and summarisation.
const teardownTimeout = 30 * time.Second

// handleMediaStream upgrades the provider's media websocket, establishes the
// model session for the call, and runs the relay to completion. On teardown
// the call record is persisted and summarised.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	info, ok := s.registry.Get(id)
	if !ok {
		// The stream can arrive without a prior webhook (direct testing);
		// serve it with the configured defaults.
		defaults := s.conf().Model
		info = CallInfo{
			ID:        id,
			StartedAt: time.Now().UTC(),
			Vendor: callstore.Vendor{
				Name:         "default",
				Instructions: defaults.Instructions,
				Greeting:     defaults.Greeting,
			},
		}
		s.registry.Add(info)
	}
	defer s.registry.Remove(id)

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Error("media stream accept failed", "call_id", id, "error", err)
		return
	}
	telephony := stream.NewConn(ws)

	// Calls keep the retrieval client they started with across reloads.
	retr := s.retrieval()

	sess, err := s.model.Connect(r.Context(), s.sessionConfig(info.Vendor, retr != nil))
	if err != nil {
		s.log.Error("model connect failed", "call_id", id, "error", err)
		telephony.Close()
		return
	}

	recorder := transcript.NewRecorder()

	relayOpts := []relay.Option{
		relay.WithLogger(s.log.With("call_id", id)),
		relay.WithMetrics(s.metrics),
	}
	if retr != nil {
		relayOpts = append(relayOpts, relay.WithToolHandler(s.lookupHandler(recorder, retr)))
	}
	rel := relay.New(telephony, sess, relayOpts...)

	var interruptions int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range rel.Events() {
			switch ev.Kind {
			case relay.EventStreamStarted:
				s.registry.SetStreamSID(id, ev.StreamSID)
			case relay.EventAssistantTranscript:
				recorder.Add(transcript.RoleAssistant, ev.Text)
			case relay.EventItemCreated:
				recordItemText(recorder, ev.Raw)
			case relay.EventToolCall:
				s.log.Info("model requested tool", "call_id", id, "tool", ev.Text)
			case relay.EventInterruption:
				interruptions++
			}
		}
	}()

	s.log.Info("media stream connected", "call_id", id)
	if err := rel.Run(r.Context()); err != nil {
		s.log.Error("relay failed", "call_id", id, "error", err)
	}
	<-done

	s.finishCall(r.Context(), id, info, recorder, interruptions)
}

// sessionConfig builds the model session parameters for a call, preferring
// the vendor's prompt configuration over the global defaults.
func (s *Server) sessionConfig(vendor callstore.Vendor, withLookup bool) openairt.SessionConfig {
	defaults := s.conf().Model
	cfg := openairt.SessionConfig{
		Instructions: vendor.Instructions,
		Greeting:     vendor.Greeting,
		Voice:        defaults.Voice,
		Temperature:  defaults.Temperature,
	}
	if cfg.Instructions == "" {
		cfg.Instructions = defaults.Instructions
	}
	if cfg.Greeting == "" {
		cfg.Greeting = defaults.Greeting
	}
	if withLookup {
		cfg.Tools = []openairt.Tool{{
			Name:        lookupToolName,
			Description: "Search the business knowledge base for facts about products, pricing, hours, and policies.",
			Parameters:  lookupToolSchema,
		}}
	}
	return cfg
}

// recordItemText adds the text content of a created conversation item to the
// transcript under its speaker's role. Audio-only items carry no text until
// their transcript arrives with the finished response, so most are skipped.
func recordItemText(recorder *transcript.Recorder, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var item struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		return
	}

	role := transcript.RoleAssistant
	switch item.Role {
	case "user":
		role = transcript.RoleCaller
	case "system":
		role = transcript.RoleSystem
	}
	for _, c := range item.Content {
		if c.Type == "text" || c.Type == "input_text" {
			recorder.Add(role, c.Text)
		}
	}
}

// lookupHandler adapts the retrieval client to the relay's tool interface and
// records the exchange in the transcript.
func (s *Server) lookupHandler(recorder *transcript.Recorder, retr *retrieval.Client) relay.ToolHandler {
	return func(ctx context.Context, name, arguments string) (string, error) {
		if name != lookupToolName {
			return "", fmt.Errorf("server: unknown tool %q", name)
		}

		var args struct {
			Question string `json:"question"`
		}
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("server: decode tool arguments: %w", err)
		}

		ans, err := retr.Query(ctx, args.Question, nil)
		if err != nil {
			return "", err
		}

		recorder.Add(transcript.RoleSystem,
			fmt.Sprintf("knowledge lookup %q: %s", args.Question, ans.Answer))
		return fmt.Sprintf("Context for the question %q: %s", args.Question, ans.Answer), nil
	}
}

// finishCall persists the call record and attaches a summary. Both are best
// effort; the call is already over.
func (s *Server) finishCall(ctx context.Context, id string, info CallInfo, recorder *transcript.Recorder, interruptions int) {
	snap, _ := s.registry.Get(id)
	if snap.StreamSID == "" {
		snap = info
	}

	if s.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	rec := callstore.CallRecord{
		ID:            id,
		CallSID:       info.CallSID,
		StreamSID:     snap.StreamSID,
		VendorID:      info.Vendor.ID,
		FromNumber:    info.FromNumber,
		ToNumber:      info.ToNumber,
		StartedAt:     info.StartedAt,
		EndedAt:       time.Now().UTC(),
		Transcript:    recorder.Entries(),
		Interruptions: interruptions,
	}
	if err := s.store.SaveCall(ctx, rec); err != nil {
		s.log.Error("call record save failed", "call_id", id, "error", err)
		return
	}

	if s.summ == nil || recorder.Len() == 0 {
		return
	}
	text, err := s.summ.Summarize(ctx, recorder.Render())
	if err != nil {
		s.log.Warn("call summary failed", "call_id", id, "error", err)
		return
	}
	if err := s.store.SetSummary(ctx, id, text); err != nil {
		s.log.Warn("call summary save failed", "call_id", id, "error", err)
	}
	s.log.Info("call completed", "call_id", id, "duration", rec.Duration(), "entries", recorder.Len())
}
