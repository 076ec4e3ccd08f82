// Package breaker implements the circuit breaker that protects the remote
// service from being hammered once sustained rate limiting is detected.
// Once real quota exhaustion is suspected, every further network operation
// is refused for the whole cooldown window; retrying against a hard quota
// makes recovery slower, not faster.
package breaker

import (
	"sync"
	"time"
)

// State of the breaker. The string values are persisted verbatim in the
// checkpoint file.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Status is a point-in-time snapshot for reporting and persistence.
type Status struct {
	State          State
	RecentFailures int
	LastFailure    time.Time
	// ReopensAt is the wall-clock time at which an open breaker lets the
	// next probe through. Zero unless State is OPEN.
	ReopensAt time.Time
}

type Option func(*Breaker)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// Breaker is a sliding-window failure counter with a cooldown gate.
// Check-then-act sequences (Proceed followed later by RecordFailure) must
// stay consistent under concurrent transfers, so all state sits behind one
// mutex.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	cooldown  time.Duration

	state       State
	failures    []time.Time
	lastFailure time.Time
	now         func() time.Time
}

// New returns a closed breaker that trips after threshold failures within
// the trailing window and stays open for cooldown.
func New(threshold int, window, cooldown time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		state:     StateClosed,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Restore rehydrates breaker state persisted by a previous run. Failure
// timestamps inside the window are not persisted, so a restored open
// breaker relies on lastFailure alone for its cooldown arithmetic.
func (b *Breaker) Restore(state State, lastFailure time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch state {
	case StateOpen, StateHalfOpen, StateClosed:
		b.state = state
	default:
		b.state = StateClosed
	}
	b.lastFailure = lastFailure
	b.failures = b.failures[:0]
}

// RecordFailure adds a failure at the current time and reports whether
// this call tripped the breaker open.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailure = now
	b.failures = append(b.failures, now)
	b.pruneLocked(now)

	switch {
	case b.state == StateHalfOpen:
		// The probe failed; re-trip immediately.
		b.state = StateOpen
		return true
	case b.state == StateClosed && len(b.failures) >= b.threshold:
		b.state = StateOpen
		return true
	}
	return false
}

// RecordSuccess closes a half-open breaker. Successes while closed are
// not tracked.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.failures = b.failures[:0]
	}
}

// Proceed reports whether an operation may go ahead. When the breaker is
// open it returns the exact remaining cooldown instead. The first Proceed
// after the cooldown has fully elapsed moves the breaker to half-open and
// lets a single probe through.
func (b *Breaker) Proceed() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return true, 0
	}

	elapsed := b.now().Sub(b.lastFailure)
	if elapsed >= b.cooldown {
		b.state = StateHalfOpen
		b.failures = b.failures[:0]
		return true, 0
	}
	return false, b.cooldown - elapsed
}

// Reset forces the breaker back to closed and clears the failure window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = b.failures[:0]
}

// Status returns a snapshot of the breaker for reporting.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneLocked(b.now())
	st := Status{
		State:          b.state,
		RecentFailures: len(b.failures),
		LastFailure:    b.lastFailure,
	}
	if b.state == StateOpen {
		st.ReopensAt = b.lastFailure.Add(b.cooldown)
	}
	return st
}

// pruneLocked drops failure timestamps older than the trailing window.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}
