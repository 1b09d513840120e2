// Package resilience provides a circuit breaker for the remote services a
// call depends on. A flapping knowledge endpoint must fail fast: the caller
// is on the line, and a hung lookup stalls the conversation.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker is open and the
// cooldown has not yet elapsed.
var ErrOpen = errors.New("resilience: circuit open")

// State is the breaker's operating mode.
type State int

const (
	// Closed forwards all calls.
	Closed State = iota

	// Open rejects calls with [ErrOpen] until the cooldown elapses.
	Open

	// HalfOpen lets a limited number of probe calls through; their outcome
	// decides whether the breaker closes or re-opens.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is a three-state circuit breaker. Safe for concurrent use.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	probes    int
	log       *slog.Logger

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	probeCalls int
	probeFails int
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets how many consecutive failures open the breaker.
// The default is 5.
func WithThreshold(n int) Option {
	return func(b *Breaker) { b.threshold = n }
}

// WithCooldown sets how long the breaker stays open before probing again.
// The default is 30 seconds.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) { b.cooldown = d }
}

// WithProbes sets how many half-open probes must succeed before the breaker
// closes. The default is 3.
func WithProbes(n int) Option {
	return func(b *Breaker) { b.probes = n }
}

// WithLogger sets the logger for state transitions.
func WithLogger(log *slog.Logger) Option {
	return func(b *Breaker) { b.log = log }
}

// NewBreaker creates a closed Breaker named for its protected service.
func NewBreaker(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:      name,
		threshold: 5,
		cooldown:  30 * time.Second,
		probes:    3,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs fn if the breaker allows it. While open it returns [ErrOpen]
// without calling fn; once the cooldown elapses a probe budget is opened.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		if time.Since(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = HalfOpen
		b.probeCalls = 0
		b.probeFails = 0
		b.log.Info("circuit half-open", "breaker", b.name)

	case HalfOpen:
		if b.probeCalls >= b.probes {
			b.mu.Unlock()
			return ErrOpen
		}
	}

	probing := b.state == HalfOpen
	if probing {
		b.probeCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.fail(probing)
	} else {
		b.succeed(probing)
	}
	return err
}

// fail records a failed call. Caller holds b.mu.
func (b *Breaker) fail(probing bool) {
	b.openedAt = time.Now()

	if probing {
		// One failed probe re-opens immediately.
		b.probeFails++
		b.state = Open
		b.failures = b.threshold
		b.log.Warn("circuit re-opened", "breaker", b.name)
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.state = Open
		b.log.Warn("circuit opened", "breaker", b.name, "consecutive_failures", b.failures)
	}
}

// succeed records a successful call. Caller holds b.mu.
func (b *Breaker) succeed(probing bool) {
	if probing {
		if b.probeCalls-b.probeFails >= b.probes {
			b.state = Closed
			b.failures = 0
			b.log.Info("circuit closed", "breaker", b.name)
		}
		return
	}
	b.failures = 0
}
