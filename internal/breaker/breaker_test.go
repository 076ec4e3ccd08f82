package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clock *fakeClock) *Breaker {
	return New(3, 60*time.Second, 24*time.Hour, WithClock(clock.now))
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	assert.False(t, b.RecordFailure())
	clock.advance(time.Second)
	assert.False(t, b.RecordFailure())
	clock.advance(time.Second)
	assert.True(t, b.RecordFailure(), "third failure within the window should trip")

	assert.Equal(t, StateOpen, b.Status().State)

	ok, retryAfter := b.Proceed()
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestBreakerWindowSlides(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	b.RecordFailure()
	b.RecordFailure()

	// Let both failures age out of the 60s window entirely.
	clock.advance(2 * time.Minute)

	assert.False(t, b.RecordFailure(), "old failures must not count toward the threshold")
	assert.Equal(t, StateClosed, b.Status().State)
	assert.Equal(t, 1, b.Status().RecentFailures)
}

func TestBreakerCooldownAndHalfOpen(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.Status().State)
	trippedAt := clock.now()

	clock.advance(time.Second)
	ok, retryAfter := b.Proceed()
	assert.False(t, ok)
	assert.Equal(t, 24*time.Hour-time.Second, retryAfter)
	assert.Equal(t, trippedAt.Add(24*time.Hour), b.Status().ReopensAt)

	// One second past the cooldown: a probe is allowed through.
	clock.advance(24 * time.Hour)
	ok, retryAfter = b.Proceed()
	assert.True(t, ok)
	assert.Zero(t, retryAfter)
	assert.Equal(t, StateHalfOpen, b.Status().State)
}

func TestBreakerHalfOpenToClosed(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.advance(25 * time.Hour)
	ok, _ := b.Proceed()
	require.True(t, ok)
	require.Equal(t, StateHalfOpen, b.Status().State)

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.Status().State)
	assert.Zero(t, b.Status().RecentFailures)
}

func TestBreakerHalfOpenRetrips(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.advance(25 * time.Hour)
	ok, _ := b.Proceed()
	require.True(t, ok)

	assert.True(t, b.RecordFailure(), "failure while half-open re-trips immediately")
	assert.Equal(t, StateOpen, b.Status().State)

	ok, retryAfter := b.Proceed()
	assert.False(t, ok)
	assert.Equal(t, 24*time.Hour, retryAfter)
}

func TestBreakerRestore(t *testing.T) {
	clock := newFakeClock()
	lastTrip := clock.now().Add(-time.Hour)

	b := newTestBreaker(clock)
	b.Restore(StateOpen, lastTrip)

	ok, retryAfter := b.Proceed()
	assert.False(t, ok)
	assert.Equal(t, 23*time.Hour, retryAfter)

	// Unknown persisted values fall back to closed.
	b2 := newTestBreaker(clock)
	b2.Restore(State("GARBAGE"), time.Time{})
	ok, _ = b2.Proceed()
	assert.True(t, ok)
	assert.Equal(t, StateClosed, b2.Status().State)
}

func TestBreakerReset(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.Status().State)

	b.Reset()
	assert.Equal(t, StateClosed, b.Status().State)
	ok, _ := b.Proceed()
	assert.True(t, ok)
}

func TestBreakerSuccessWhileClosedIsNoop(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	b.RecordFailure()
	b.RecordSuccess()

	// A success while closed does not erase the failure window.
	assert.Equal(t, 1, b.Status().RecentFailures)
}
