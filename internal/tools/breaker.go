package tools

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerSnapshot is a point-in-time view of one breaker.
type BreakerSnapshot struct {
	State    BreakerState `json:"state"`
	Failures int          `json:"failures"`
	OpenedAt time.Time    `json:"opened_at,omitempty"`
}

// Breaker opens after threshold consecutive failed attempts, refuses calls for
// cooldown, then lets exactly one probe through.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

func NewBreaker(name string, threshold int, cooldown time.Duration, now func() time.Time) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{name: name, threshold: threshold, cooldown: cooldown, now: now}
}

// Allow reports whether an attempt may proceed. In HalfOpen only the first
// caller gets through until it reports back.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		slog.Info("tools.breaker.half_open", "tool", b.name)
		return true
	default:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// Success closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		slog.Info("tools.breaker.closed", "tool", b.name)
	}
	b.state = StateClosed
	b.failures = 0
	b.probing = false
}

// Failure records a failed attempt.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		if b.state != StateOpen {
			slog.Warn("tools.breaker.open", "tool", b.name, "failures", b.failures)
		}
		b.state = StateOpen
		b.openedAt = b.now()
		b.probing = false
	}
}

// Release gives back a HalfOpen probe slot without a verdict, e.g. when the
// caller's context ended.
func (b *Breaker) Release() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{State: b.state, Failures: b.failures, OpenedAt: b.openedAt}
}
