// Package callstore persists vendor profiles and completed call records.
package callstore

import (
	"errors"
	"time"

	"github.com/switchboard-voice/switchboard/internal/transcript"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("callstore: not found")

// Vendor is a business that receives calls through the relay. The phone
// number routes an incoming call to the vendor's prompt configuration and
// knowledge-base documents.
type Vendor struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	PhoneNumber  string     `json:"phone_number"`
	Instructions string     `json:"instructions"`
	Greeting     string     `json:"greeting"`
	Documents    []Document `json:"documents,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Document is one knowledge-base source attached to a vendor.
type Document struct {
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// CallRecord is the durable outcome of one call: identifiers, timing, the
// full transcript, and the post-call summary once generated.
type CallRecord struct {
	ID            string             `json:"id"`
	CallSID       string             `json:"call_sid"`
	StreamSID     string             `json:"stream_sid"`
	VendorID      string             `json:"vendor_id,omitempty"`
	FromNumber    string             `json:"from_number"`
	ToNumber      string             `json:"to_number"`
	StartedAt     time.Time          `json:"started_at"`
	EndedAt       time.Time          `json:"ended_at"`
	Transcript    []transcript.Entry `json:"transcript"`
	Summary       string             `json:"summary,omitempty"`
	Interruptions int                `json:"interruptions"`
}

// Duration reports the wall-clock length of the call.
func (r CallRecord) Duration() time.Duration {
	if r.EndedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
