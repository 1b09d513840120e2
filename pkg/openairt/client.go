// Package openairt is a client for the OpenAI Realtime API over WebSocket,
// shaped for audio relaying rather than turn-based use.
//
// A [Client] dials the Realtime endpoint and configures the session for
// server-side voice-activity turn detection with G.711 μ-law audio on both
// legs, matching the telephony carrier format so audio payloads pass through
// base64-to-base64 with no transcoding. The returned [Session] exposes a
// blocking Read of typed server events plus the small set of client events
// the relay needs: audio append, item truncate, item create, response create.
package openairt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	defaultTemperature     = 0.8
	defaultMaxOutputTokens = 4096
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the Realtime model used for sessions.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// Client dials OpenAI Realtime sessions.
type Client struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Client with the given API key and options.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SessionConfig carries the per-call session parameters.
type SessionConfig struct {
	// Instructions is the system prompt for the assistant.
	Instructions string

	// Voice selects the synthesised voice (e.g. "alloy").
	Voice string

	// Temperature is the sampling temperature. Zero means the default (0.8).
	Temperature float64

	// Greeting, when non-empty, seeds the conversation so the assistant
	// speaks first: an initial user item asking it to say the greeting is
	// created and a response is requested before any caller audio arrives.
	Greeting string

	// Tools declares the functions the model may call during the session.
	Tools []Tool
}

// Tool describes one function the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema for the arguments
}

// Connect establishes a Realtime session: it dials the WebSocket, sends the
// session.update configuring VAD turn detection and μ-law audio, and, when a
// greeting is configured, pre-seeds the first response. The session is ready
// for Read and AppendAudio immediately.
func (c *Client) Connect(ctx context.Context, cfg SessionConfig) (*Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", c.baseURL, c.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openairt: dial: %w", err)
	}
	// Model audio deltas for a single response can outrun the default limit.
	conn.SetReadLimit(1 << 22)

	sess := &Session{conn: conn}

	if err := sess.sendSessionUpdate(ctx, cfg); err != nil {
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openairt: session update: %w", err)
	}

	if cfg.Greeting != "" {
		if err := sess.seedGreeting(ctx, cfg.Greeting); err != nil {
			conn.Close(websocket.StatusInternalError, "greeting failed")
			return nil, fmt.Errorf("openairt: seed greeting: %w", err)
		}
	}

	return sess, nil
}

// ── Client event message types ────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	TurnDetection     turnDetection `json:"turn_detection"`
	InputAudioFormat  string        `json:"input_audio_format"`
	OutputAudioFormat string        `json:"output_audio_format"`
	Voice             string        `json:"voice,omitempty"`
	Instructions      string        `json:"instructions,omitempty"`
	Modalities        []string      `json:"modalities"`
	Temperature       float64       `json:"temperature"`
	MaxOutputTokens   int           `json:"max_response_output_tokens"`
	Tools             []toolParam   `json:"tools,omitempty"`
}

type toolParam struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64 audio in the session's input format
}

type truncateMessage struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int64  `json:"audio_end_ms"`
}

type createItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []conversationPart `json:"content"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ── Session ───────────────────────────────────────────────────────────────────

// Session is one live Realtime connection. Read must be called from a single
// goroutine; the write methods are serialised internally and may be called
// from several goroutines (the inbound pump, the interruption path, and
// retrieval context injection all write).
type Session struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
}

func (s *Session) sendSessionUpdate(ctx context.Context, cfg SessionConfig) error {
	temp := cfg.Temperature
	if temp == 0 {
		temp = defaultTemperature
	}
	var tools []toolParam
	for _, t := range cfg.Tools {
		tools = append(tools, toolParam{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return s.writeJSON(ctx, sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			TurnDetection:     turnDetection{Type: "server_vad"},
			InputAudioFormat:  "g711_ulaw",
			OutputAudioFormat: "g711_ulaw",
			Voice:             cfg.Voice,
			Instructions:      cfg.Instructions,
			Modalities:        []string{"text", "audio"},
			Temperature:       temp,
			MaxOutputTokens:   defaultMaxOutputTokens,
			Tools:             tools,
		},
	})
}

// seedGreeting creates a user item asking the model to speak the greeting
// and requests the first response, so the assistant talks before the caller.
func (s *Session) seedGreeting(ctx context.Context, greeting string) error {
	if err := s.CreateItem(ctx, "user", "Please say: "+greeting); err != nil {
		return err
	}
	return s.CreateResponse(ctx)
}

func (s *Session) writeJSON(ctx context.Context, v any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openairt: session closed")
	}
	s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openairt: marshal: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("openairt: write: %w", err)
	}
	return nil
}

// Read blocks until the next server event arrives and decodes it. A decode
// failure is returned wrapping [ErrMalformedFrame] and the connection stays
// usable; any other error means the transport has failed or closed.
func (s *Session) Read(ctx context.Context) (Event, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("openairt: read: %w", err)
	}
	return DecodeEvent(data)
}

// AppendAudio forwards one opaque base64 audio payload into the model's
// input buffer. The payload is passed through exactly as received from the
// telephony side; both legs run the same encoding.
func (s *Session) AppendAudio(ctx context.Context, payload string) error {
	return s.writeJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: payload,
	})
}

// Truncate retroactively shortens the model's record of the assistant item
// itemID to audioEndMS milliseconds of audio — the portion the caller
// actually heard before interrupting.
func (s *Session) Truncate(ctx context.Context, itemID string, audioEndMS int64) error {
	return s.writeJSON(ctx, truncateMessage{
		Type:         "conversation.item.truncate",
		ItemID:       itemID,
		ContentIndex: 0,
		AudioEndMS:   audioEndMS,
	})
}

// CreateItem inserts a text message item with the given role into the
// conversation. Assistant items use the "text" part type; user and system
// items use "input_text".
func (s *Session) CreateItem(ctx context.Context, role, text string) error {
	partType := "input_text"
	if role == "assistant" {
		partType = "text"
	}
	return s.writeJSON(ctx, createItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    role,
			Content: []conversationPart{{Type: partType, Text: text}},
		},
	})
}

// CreateResponse asks the model to generate its next response.
func (s *Session) CreateResponse(ctx context.Context) error {
	return s.writeJSON(ctx, map[string]string{"type": "response.create"})
}

// InjectContext inserts retrieved reference material as a system item tagged
// with the question it answers, so the model can use it on its next turn.
func (s *Session) InjectContext(ctx context.Context, question, answer string) error {
	text := fmt.Sprintf("Context for the question %q: %s", question, answer)
	return s.CreateItem(ctx, "system", text)
}

// Close terminates the session and releases the connection. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
