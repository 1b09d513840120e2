package openairt_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/switchboard-voice/switchboard/pkg/openairt"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startModelServer launches a test WebSocket server standing in for the
// Realtime endpoint. The handler receives the accepted conn. The server is
// automatically closed when the test finishes.
func startModelServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// ── TestConnect ───────────────────────────────────────────────────────────────

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type sessionUpdateMsg struct {
		Type    string `json:"type"`
		Session struct {
			TurnDetection struct {
				Type string `json:"type"`
			} `json:"turn_detection"`
			InputAudioFormat  string   `json:"input_audio_format"`
			OutputAudioFormat string   `json:"output_audio_format"`
			Voice             string   `json:"voice"`
			Instructions      string   `json:"instructions"`
			Modalities        []string `json:"modalities"`
			Temperature       float64  `json:"temperature"`
			MaxOutputTokens   int      `json:"max_response_output_tokens"`
		} `json:"session"`
	}

	received := make(chan sessionUpdateMsg, 1)

	srv := startModelServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg sessionUpdateMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	c := openairt.New("key", openairt.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), openairt.SessionConfig{
		Instructions: "You answer phone calls for a plumbing supplier.",
		Voice:        "alloy",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case msg := <-received:
		if msg.Type != "session.update" {
			t.Errorf("type = %q; want session.update", msg.Type)
		}
		if msg.Session.TurnDetection.Type != "server_vad" {
			t.Errorf("turn_detection.type = %q; want server_vad", msg.Session.TurnDetection.Type)
		}
		if msg.Session.InputAudioFormat != "g711_ulaw" {
			t.Errorf("input_audio_format = %q; want g711_ulaw", msg.Session.InputAudioFormat)
		}
		if msg.Session.OutputAudioFormat != "g711_ulaw" {
			t.Errorf("output_audio_format = %q; want g711_ulaw", msg.Session.OutputAudioFormat)
		}
		if msg.Session.Voice != "alloy" {
			t.Errorf("voice = %q; want alloy", msg.Session.Voice)
		}
		if msg.Session.Temperature != 0.8 {
			t.Errorf("temperature = %v; want default 0.8", msg.Session.Temperature)
		}
		if msg.Session.MaxOutputTokens != 4096 {
			t.Errorf("max_response_output_tokens = %d; want 4096", msg.Session.MaxOutputTokens)
		}
		if len(msg.Session.Modalities) != 2 {
			t.Errorf("modalities = %v; want [text audio]", msg.Session.Modalities)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestConnect_SendsAuthHeaders(t *testing.T) {
	t.Parallel()

	headers := make(chan http.Header, 1)

	srv := startModelServer(t, func(conn *websocket.Conn, r *http.Request) {
		headers <- r.Header.Clone()
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := openairt.New("my-secret-token", openairt.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), openairt.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case h := <-headers:
		if auth := h.Get("Authorization"); auth != "Bearer my-secret-token" {
			t.Errorf("Authorization = %q; want Bearer my-secret-token", auth)
		}
		if beta := h.Get("OpenAI-Beta"); beta != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q; want realtime=v1", beta)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_Tools_DeclaredInSessionUpdate(t *testing.T) {
	t.Parallel()

	type sessionUpdateMsg struct {
		Session struct {
			Tools []struct {
				Type        string          `json:"type"`
				Name        string          `json:"name"`
				Description string          `json:"description"`
				Parameters  json.RawMessage `json:"parameters"`
			} `json:"tools"`
		} `json:"session"`
	}

	received := make(chan sessionUpdateMsg, 1)

	srv := startModelServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg sessionUpdateMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	c := openairt.New("key", openairt.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), openairt.SessionConfig{
		Tools: []openairt.Tool{{
			Name:        "lookup_knowledge",
			Description: "Search the business knowledge base",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"question":{"type":"string"}},"required":["question"]}`),
		}},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case msg := <-received:
		if len(msg.Session.Tools) != 1 {
			t.Fatalf("tools = %d; want 1", len(msg.Session.Tools))
		}
		tool := msg.Session.Tools[0]
		if tool.Type != "function" {
			t.Errorf("tool type = %q; want function", tool.Type)
		}
		if tool.Name != "lookup_knowledge" {
			t.Errorf("tool name = %q; want lookup_knowledge", tool.Name)
		}
		if len(tool.Parameters) == 0 {
			t.Error("tool parameters schema missing")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_WithModel_PutsModelInURL(t *testing.T) {
	t.Parallel()

	modelInURL := make(chan string, 1)

	srv := startModelServer(t, func(conn *websocket.Conn, r *http.Request) {
		modelInURL <- r.URL.Query().Get("model")
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := openairt.New("key", openairt.WithModel("gpt-4o-mini-realtime"), openairt.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), openairt.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case m := <-modelInURL:
		if m != "gpt-4o-mini-realtime" {
			t.Errorf("model in URL = %q; want gpt-4o-mini-realtime", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_Greeting_SeedsFirstResponse(t *testing.T) {
	t.Parallel()

	type itemMsg struct {
		Type string `json:"type"`
		Item struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"item"`
	}

	itemCh := make(chan itemMsg, 1)
	responseCh := make(chan string, 1)

	srv := startModelServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session.update

		var item itemMsg
		readJSON(t, conn, &item)
		itemCh <- item

		var resp map[string]any
		readJSON(t, conn, &resp)
		responseCh <- resp["type"].(string)

		<-conn.CloseRead(context.Background()).Done()
	})

	c := openairt.New("key", openairt.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), openairt.SessionConfig{
		Greeting: "Hello, thanks for calling!",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case item := <-itemCh:
		if item.Type != "conversation.item.create" {
			t.Errorf("type = %q; want conversation.item.create", item.Type)
		}
		if item.Item.Role != "user" {
			t.Errorf("role = %q; want user", item.Item.Role)
		}
		if len(item.Item.Content) == 0 || !strings.Contains(item.Item.Content[0].Text, "Hello, thanks for calling!") {
			t.Errorf("greeting item content = %+v; want text containing the greeting", item.Item.Content)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for greeting item")
	}

	select {
	case typ := <-responseCh:
		if typ != "response.create" {
			t.Errorf("type = %q; want response.create", typ)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.create")
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startModelServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	c := openairt.New("key", openairt.WithBaseURL(wsURL(srv)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Connect(ctx, openairt.SessionConfig{}); err == nil {
		t.Fatal("Connect with cancelled context should return an error")
	}
}

// ── TestAppendAudio ───────────────────────────────────────────────────────────

func TestAppendAudio_PassesPayloadThrough(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}

	audioMsg := make(chan appendMsg, 1)

	srv := startModelServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session.update

		var msg appendMsg
		readJSON(t, conn, &msg)
		audioMsg <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	c := openairt.New("key", openairt.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), openairt.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	// The payload is already base64 from the carrier and must not be
	// re-encoded on the way through.
	const payload = "fn5+fn5+fn4="
	if err := sess.AppendAudio(context.Background(), payload); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}

	select {
	case msg := <-audioMsg:
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q; want input_audio_buffer.append", msg.Type)
		}
		if msg.Audio != payload {
			t.Errorf("audio = %q; want %q unchanged", msg.Audio, payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio append message")
	}
}

func TestAppendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startModelServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := openairt.New("key", openairt.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), openairt.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = sess.Close()

	if err := sess.AppendAudio(context.Background(), "AAAA"); err == nil {
		t.Fatal("AppendAudio after Close should return an error")
	}
}

// ── TestTruncate ──────────────────────────────────────────────────────────────

func TestTruncate_SendsItemTruncate(t *testing.T) {
	t.Parallel()

	type truncateMsg struct {
		Type         string `json:"type"`
		ItemID       string `json:"item_id"`
		ContentIndex int    `json:"content_index"`
		AudioEndMS   int64  `json:"audio_end_ms"`
	}

	received := make(chan truncateMsg, 1)

	srv := startModelServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session.update

		var msg truncateMsg
		readJSON(t, conn, &msg)
		received <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	c := openairt.New("key", openairt.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), openairt.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if err := sess.Truncate(context.Background(), "item_77", 450); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != "conversation.item.truncate" {
			t.Errorf("type = %q; want conversation.item.truncate", msg.Type)
		}
		if msg.ItemID != "item_77" {
			t.Errorf("item_id = %q; want item_77", msg.ItemID)
		}
		if msg.ContentIndex != 0 {
			t.Errorf("content_index = %d; want 0", msg.ContentIndex)
		}
		if msg.AudioEndMS != 450 {
			t.Errorf("audio_end_ms = %d; want 450", msg.AudioEndMS)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for truncate message")
	}
}

// ── TestCreateItem ────────────────────────────────────────────────────────────

func TestCreateItem_SystemRole_UsesInputText(t *testing.T) {
	t.Parallel()

	type itemMsg struct {
		Type string `json:"type"`
		Item struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"item"`
	}

	received := make(chan itemMsg, 1)

	srv := startModelServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session.update

		var msg itemMsg
		readJSON(t, conn, &msg)
		received <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	c := openairt.New("key", openairt.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), openairt.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if err := sess.CreateItem(context.Background(), "system", "Store hours are 9 to 5."); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Item.Role != "system" {
			t.Errorf("role = %q; want system", msg.Item.Role)
		}
		if len(msg.Item.Content) == 0 {
			t.Fatal("item has no content")
		}
		if msg.Item.Content[0].Type != "input_text" {
			t.Errorf("content type = %q; want input_text", msg.Item.Content[0].Type)
		}
		if msg.Item.Content[0].Text != "Store hours are 9 to 5." {
			t.Errorf("text = %q", msg.Item.Content[0].Text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for item message")
	}
}

// ── TestRead ──────────────────────────────────────────────────────────────────

func TestRead_DecodesAudioDelta(t *testing.T) {
	t.Parallel()

	srv := startModelServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session.update

		writeJSON(t, conn, map[string]any{
			"type":    "response.audio.delta",
			"item_id": "item_1",
			"delta":   "c29tZSBhdWRpbw==",
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	c := openairt.New("key", openairt.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), openairt.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ev, err := sess.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if ev.Type != openairt.EventAudioDelta {
		t.Errorf("type = %q; want %q", ev.Type, openairt.EventAudioDelta)
	}
	if ev.ItemID != "item_1" {
		t.Errorf("item_id = %q; want item_1", ev.ItemID)
	}
	if ev.Delta != "c29tZSBhdWRpbw==" {
		t.Errorf("delta = %q", ev.Delta)
	}
}

func TestRead_UnknownEventType_DecodesToOther(t *testing.T) {
	t.Parallel()

	srv := startModelServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{"type": "rate_limits.updated"})

		<-conn.CloseRead(context.Background()).Done()
	})

	c := openairt.New("key", openairt.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), openairt.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ev, err := sess.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if ev.Type != openairt.EventOther {
		t.Errorf("type = %q; want %q", ev.Type, openairt.EventOther)
	}
	if ev.RawType != "rate_limits.updated" {
		t.Errorf("raw type = %q; want rate_limits.updated", ev.RawType)
	}
}

func TestRead_ErrorEvent_CarriesMessage(t *testing.T) {
	t.Parallel()

	srv := startModelServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    "invalid_request_error",
				"code":    "audio_unintelligible",
				"message": "Could not understand audio.",
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	c := openairt.New("key", openairt.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), openairt.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ev, err := sess.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if ev.Type != openairt.EventError {
		t.Errorf("type = %q; want %q", ev.Type, openairt.EventError)
	}
	if !strings.Contains(ev.ErrMessage, "Could not understand audio") {
		t.Errorf("error message = %q; want substring %q", ev.ErrMessage, "Could not understand audio")
	}
}

// ── TestDecodeEvent ───────────────────────────────────────────────────────────

func TestDecodeEvent_InvalidJSON_WrapsMalformedFrame(t *testing.T) {
	t.Parallel()

	_, err := openairt.DecodeEvent([]byte("{not json"))
	if !errors.Is(err, openairt.ErrMalformedFrame) {
		t.Errorf("err = %v; want ErrMalformedFrame", err)
	}
}

func TestDecodeEvent_MissingType_WrapsMalformedFrame(t *testing.T) {
	t.Parallel()

	_, err := openairt.DecodeEvent([]byte(`{"delta":"abc"}`))
	if !errors.Is(err, openairt.ErrMalformedFrame) {
		t.Errorf("err = %v; want ErrMalformedFrame", err)
	}
}

func TestDecodeEvent_AudioDeltaWithoutItemID_WrapsMalformedFrame(t *testing.T) {
	t.Parallel()

	_, err := openairt.DecodeEvent([]byte(`{"type":"response.audio.delta","delta":"abc"}`))
	if !errors.Is(err, openairt.ErrMalformedFrame) {
		t.Errorf("err = %v; want ErrMalformedFrame", err)
	}
}

func TestDecodeEvent_SpeechStarted(t *testing.T) {
	t.Parallel()

	ev, err := openairt.DecodeEvent([]byte(`{"type":"input_audio_buffer.speech_started"}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Type != openairt.EventSpeechStarted {
		t.Errorf("type = %q; want %q", ev.Type, openairt.EventSpeechStarted)
	}
}

// ── TestClose ─────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startModelServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := openairt.New("key", openairt.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), openairt.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
}

// ── TestConcurrentWrites ──────────────────────────────────────────────────────

func TestConcurrentWrites_DoNotRace(t *testing.T) {
	t.Parallel()

	srv := startModelServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	c := openairt.New("key", openairt.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), openairt.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	const goroutines = 8
	const writesPerGoroutine = 16

	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for range writesPerGoroutine {
				_ = sess.AppendAudio(context.Background(), "AAAA")
			}
		})
	}
	wg.Wait()
}
