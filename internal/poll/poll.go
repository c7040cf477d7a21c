// Package poll runs bounded wait loops: fixed-interval polling until a
// condition holds, and retries with linearly growing backoff.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrExhausted is returned by Until when the attempt budget runs out.
var ErrExhausted = errors.New("poll: attempts exhausted")

// Config bounds an Until loop.
type Config struct {
	Interval    time.Duration
	MaxAttempts int
	Clock       clockwork.Clock
}

// Until waits Interval, then calls check, up to MaxAttempts times. It stops
// as soon as check reports done or fails.
func Until(ctx context.Context, cfg Config, check func(ctx context.Context, attempt int) (bool, error)) error {
	clock := clockOrReal(cfg.Clock)
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := Sleep(ctx, clock, cfg.Interval); err != nil {
			return err
		}
		done, err := check(ctx, attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return ErrExhausted
}

// RetryConfig bounds a Retry loop. The n-th failed attempt waits
// n*BaseDelay before the next one. Permanent errors are returned at once.
type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
	Clock     clockwork.Clock
	Permanent func(error) bool
}

// Retry calls fn until it succeeds, fails permanently or runs out of
// attempts, and returns the last error.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	clock := clockOrReal(cfg.Clock)
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if cfg.Permanent != nil && cfg.Permanent(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if werr := Sleep(ctx, clock, time.Duration(attempt)*cfg.BaseDelay); werr != nil {
			return werr
		}
	}
	return err
}

// Sleep blocks for d on clock or until ctx is done. Non-positive d returns
// immediately.
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clockOrReal(clock).After(d):
		return nil
	}
}

func clockOrReal(c clockwork.Clock) clockwork.Clock {
	if c == nil {
		return clockwork.NewRealClock()
	}
	return c
}
