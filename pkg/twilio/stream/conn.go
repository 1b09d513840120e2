package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// Conn wraps an accepted Media Streams WebSocket connection with typed
// read/write operations. Reads decode inbound frames into [Event] values;
// writes are serialised by an internal mutex so that multiple logical
// senders never interleave partial frames.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
}

// NewConn wraps an already-accepted WebSocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Read blocks until the next inbound message arrives and decodes it.
// A decode failure is returned as an error wrapping [ErrMalformedFrame];
// the connection remains usable and the caller should drop the frame.
// Any other error indicates the transport itself has failed or closed.
func (c *Conn) Read(ctx context.Context) (Event, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("stream: read: %w", err)
	}
	return Decode(data)
}

// SendMedia forwards one opaque base64 audio payload to the telephony side.
func (c *Conn) SendMedia(ctx context.Context, streamSID, payload string) error {
	data, err := EncodeMedia(streamSID, payload)
	if err != nil {
		return fmt.Errorf("stream: encode media: %w", err)
	}
	return c.write(ctx, data)
}

// SendMark queues a named playback acknowledgment on the telephony side.
// The telephony endpoint echoes the mark back once the audio sent before it
// has finished playing out.
func (c *Conn) SendMark(ctx context.Context, streamSID, name string) error {
	data, err := EncodeMark(streamSID, name)
	if err != nil {
		return fmt.Errorf("stream: encode mark: %w", err)
	}
	return c.write(ctx, data)
}

// SendClear discards all audio buffered but not yet played on the telephony
// side. Used when the caller interrupts the assistant mid-utterance.
func (c *Conn) SendClear(ctx context.Context, streamSID string) error {
	data, err := EncodeClear(streamSID)
	if err != nil {
		return fmt.Errorf("stream: encode clear: %w", err)
	}
	return c.write(ctx, data)
}

func (c *Conn) write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("stream: write: %w", err)
	}
	return nil
}

// Close closes the underlying WebSocket with a normal status. Idempotent;
// errors from closing an already-broken transport are swallowed since the
// goal is resource release, not signalling.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.ws.Close(websocket.StatusNormalClosure, "call ended")
	})
	return nil
}
