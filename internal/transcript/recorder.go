// Package transcript accumulates the conversational record of a call.
//
// A Recorder collects timestamped entries from both parties while a call
// runs and hands the finished transcript to storage when the call ends.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Role identifies who spoke an entry.
type Role string

const (
	RoleCaller    Role = "caller"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Entry is a single utterance in a call transcript.
type Entry struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Recorder collects transcript entries for one call. Safe for concurrent
// use; entries are kept in the order they were added.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

// Add appends an entry. Blank text is ignored.
func (r *Recorder) Add(role Role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Role: role, Text: text, At: r.now()})
}

// Entries returns a copy of the transcript so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len reports the number of entries recorded.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Render flattens the transcript into "role: text" lines, one per entry.
// Used as the prompt body for post-call summarisation.
func (r *Recorder) Render() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for i, e := range r.entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(e.Role))
		b.WriteString(": ")
		b.WriteString(e.Text)
	}
	return b.String()
}
