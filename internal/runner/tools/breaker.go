package tools

import (
	"sync"
	"time"
)

// BreakerState is one of the three circuit breaker states.
type BreakerState string

const (
	Closed   BreakerState = "closed"
	Open     BreakerState = "open"
	HalfOpen BreakerState = "half_open"
)

// Breaker is a per-tool failure cutout: repeated failures stop calls
// reaching the handler until a reset window elapses and probe calls
// succeed again.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int           // consecutive failures to trip to Open
	successThreshold int           // consecutive HalfOpen successes to close
	resetWindow      time.Duration // how long Open waits before probing

	state               BreakerState
	consecutiveFailures int
	consecutiveSuccess  int
	openedAt            time.Time
	now                 func() time.Time
}

// NewBreaker constructs a Breaker in the Closed state with the default
// tuning: 5 consecutive failures to open, a 60s reset window, and 3
// consecutive half-open successes to close.
func NewBreaker() *Breaker {
	return &Breaker{
		failureThreshold: 5,
		successThreshold: 3,
		resetWindow:      60 * time.Second,
		state:            Closed,
		now:              time.Now,
	}
}

// State returns the breaker's current state, transitioning Open ->
// HalfOpen first if the reset window has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetLocked()
	return b.state
}

func (b *Breaker) maybeResetLocked() {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.resetWindow {
		b.state = HalfOpen
		b.consecutiveSuccess = 0
	}
}

// Allow reports whether a call may proceed right now. A call attempted
// while Open is rejected without ever invoking the handler.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetLocked()
	return b.state != Open
}

// RecordSuccess reports a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case HalfOpen:
		b.consecutiveSuccess++
		if b.consecutiveSuccess >= b.successThreshold {
			b.state = Closed
			b.consecutiveFailures = 0
			b.consecutiveSuccess = 0
		}
	case Closed:
		b.consecutiveFailures = 0
	}
}

// RecordFailure reports a failed call outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case HalfOpen:
		b.state = Open
		b.openedAt = b.now()
		b.consecutiveSuccess = 0
	case Closed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.failureThreshold {
			b.state = Open
			b.openedAt = b.now()
		}
	}
}
