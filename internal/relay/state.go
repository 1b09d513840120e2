package relay

import "sync"

// callState is the shared playback-tracking state for one relayed call.
// One mutex guards all five fields; every transition that reads several of
// them does so under a single critical section so observers never see a
// half-applied interruption.
type callState struct {
	mu sync.Mutex

	// streamSID identifies the telephony stream, set by the start event and
	// stamped on every outbound telephony message.
	streamSID string

	// latestMediaTS is the highest media timestamp (ms) seen from the
	// telephony side. It only moves forward.
	latestMediaTS int64

	// responseStart anchors the current assistant response: the value of
	// latestMediaTS when the response's first audio delta arrived.
	// responseStartSet distinguishes "anchored at 0ms" from "no response
	// playing".
	responseStart    int64
	responseStartSet bool

	// lastAssistantItem is the item ID of the response currently playing
	// out, used as the truncation target on barge-in.
	lastAssistantItem string

	// markQueue holds one label per audio chunk sent to the telephony side
	// and not yet acknowledged as played. Non-empty means assistant audio
	// is (potentially) still audible.
	markQueue []string
}

// begin records the stream identifier and resets all playback tracking. The
// carrier sends exactly one start event per stream, before any media.
func (s *callState) begin(streamSID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamSID = streamSID
	s.latestMediaTS = 0
	s.responseStart = 0
	s.responseStartSet = false
	s.lastAssistantItem = ""
	s.markQueue = nil
}

// sid returns the stream identifier.
func (s *callState) sid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

// advanceClock moves the media clock to ts if it is ahead of it. Stale or
// repeated timestamps never move the clock backwards.
func (s *callState) advanceClock(ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts > s.latestMediaTS {
		s.latestMediaTS = ts
	}
}

// audioSent records bookkeeping for one assistant audio chunk forwarded to
// the telephony side: anchors the response start on the first chunk, tracks
// the owning item, and enqueues a mark label awaiting acknowledgment.
func (s *callState) audioSent(itemID, markLabel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.responseStartSet {
		s.responseStart = s.latestMediaTS
		s.responseStartSet = true
	}
	s.lastAssistantItem = itemID
	s.markQueue = append(s.markQueue, markLabel)
}

// markAcked consumes the oldest outstanding mark. An acknowledgment with no
// outstanding marks (possible after an interruption cleared the queue) is
// ignored.
func (s *callState) markAcked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.markQueue) > 0 {
		s.markQueue = s.markQueue[1:]
	}
}

// interruption is the snapshot taken when a barge-in fires.
type interruption struct {
	// streamSID is the stream to clear.
	streamSID string

	// itemID is the assistant item to truncate; may be empty when no item
	// ID was ever observed.
	itemID string

	// elapsedMS is how much of the response the caller heard, clamped to
	// zero when the clock produced a negative value.
	elapsedMS int64

	// clamped reports whether the clamp was applied.
	clamped bool
}

// interrupt atomically evaluates the barge-in condition and, when it holds,
// snapshots the truncation parameters and resets the response tracking. The
// second return value is false when there is nothing to interrupt (no
// unacknowledged audio, or no response anchor), which makes repeated speech
// events within one interruption window harmless no-ops.
func (s *callState) interrupt() (interruption, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.markQueue) == 0 || !s.responseStartSet {
		return interruption{}, false
	}

	elapsed := s.latestMediaTS - s.responseStart
	clamped := elapsed < 0
	if clamped {
		elapsed = 0
	}

	snap := interruption{
		streamSID: s.streamSID,
		itemID:    s.lastAssistantItem,
		elapsedMS: elapsed,
		clamped:   clamped,
	}

	s.responseStart = 0
	s.responseStartSet = false
	s.lastAssistantItem = ""
	s.markQueue = nil

	return snap, true
}

// snapshot returns the current state for inspection (session listing and
// tests).
func (s *callState) snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StateSnapshot{
		StreamSID:         s.streamSID,
		LatestMediaTS:     s.latestMediaTS,
		ResponseStartSet:  s.responseStartSet,
		ResponseStart:     s.responseStart,
		LastAssistantItem: s.lastAssistantItem,
		PendingMarks:      len(s.markQueue),
	}
}

// StateSnapshot is a point-in-time copy of a call's playback state.
type StateSnapshot struct {
	StreamSID         string `json:"stream_sid"`
	LatestMediaTS     int64  `json:"latest_media_ts"`
	ResponseStart     int64  `json:"response_start"`
	ResponseStartSet  bool   `json:"response_playing"`
	LastAssistantItem string `json:"last_assistant_item,omitempty"`
	PendingMarks      int    `json:"pending_marks"`
}
