package server

import (
	"sync"
	"time"

	"github.com/switchboard-voice/switchboard/internal/callstore"
)

// CallInfo describes one active call leg.
type CallInfo struct {
	ID         string    `json:"id"`
	CallSID    string    `json:"call_sid,omitempty"`
	StreamSID  string    `json:"stream_sid,omitempty"`
	FromNumber string    `json:"from,omitempty"`
	ToNumber   string    `json:"to,omitempty"`
	VendorName string    `json:"vendor,omitempty"`
	StartedAt  time.Time `json:"started_at"`

	// Vendor carries per-call prompt configuration between the webhook and
	// the media-stream handler. Not serialised.
	Vendor callstore.Vendor `json:"-"`
}

// Registry tracks active calls between the webhook that announces them and
// the media stream that carries them. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	calls map[string]CallInfo
}

func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]CallInfo)}
}

// Add registers a call under its ID, replacing any previous entry.
func (r *Registry) Add(info CallInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[info.ID] = info
}

// Get looks up a call by ID.
func (r *Registry) Get(id string) (CallInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.calls[id]
	return info, ok
}

// SetStreamSID records the media stream identifier once the stream starts.
func (r *Registry) SetStreamSID(id, streamSID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.calls[id]; ok {
		info.StreamSID = streamSID
		r.calls[id] = info
	}
}

// Remove drops a call from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, id)
}

// List returns all active calls.
func (r *Registry) List() []CallInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CallInfo, 0, len(r.calls))
	for _, info := range r.calls {
		out = append(out, info)
	}
	return out
}

// Len reports the number of active calls.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}
