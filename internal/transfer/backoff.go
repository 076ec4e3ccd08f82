package transfer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Settings bound the retry policy applied to every pipeline step.
type Settings struct {
	// MaxRetries is the total number of attempts per step, first try
	// included.
	MaxRetries int

	// InitialBackoff is the delay before the second attempt; it doubles on
	// every subsequent one.
	InitialBackoff time.Duration

	// MaxBackoff caps the doubling.
	MaxBackoff time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.MaxRetries < 1 {
		s.MaxRetries = 3
	}
	if s.InitialBackoff <= 0 {
		s.InitialBackoff = 2 * time.Second
	}
	if s.MaxBackoff <= 0 {
		s.MaxBackoff = 5 * time.Minute
	}
	return s
}

// exponential builds the step policy: delays double from InitialBackoff up
// to MaxBackoff, with each delay jittered to between half and one and a half
// times its base so concurrent workers do not retry in lockstep.
func (s Settings) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.InitialBackoff
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxInterval = s.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s Settings) newBackOff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(
		backoff.WithMaxRetries(s.exponential(), uint64(s.MaxRetries-1)),
		ctx,
	)
}
