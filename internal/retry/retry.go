package retry

import (
	"context"
	"time"

	"naira-ramp/internal/clock"
)

// Policy bounds an exponential backoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default is used when a caller leaves the policy unset.
var Default = Policy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}

func (p Policy) normalised() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = Default.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = Default.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Attempts returns the effective attempt bound.
func (p Policy) Attempts() int {
	return p.normalised().MaxAttempts
}

// Delay returns the wait after the given failed attempt, starting at 1.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalised()
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt bound is reached. The last error is returned.
func Do(ctx context.Context, clk clock.Clock, p Policy, retryable func(error) bool, fn func(context.Context) error) error {
	p = p.normalised()
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !retryable(err) || attempt == p.MaxAttempts {
			return err
		}
		if serr := clock.Sleep(ctx, clk, p.Delay(attempt)); serr != nil {
			return err
		}
	}
	return err
}
