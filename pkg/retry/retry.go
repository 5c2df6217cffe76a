package retry

import (
	"context"
	"fmt"
	"time"
)

// Config controls how Do repeats a failing call.
type Config struct {
	// MaxAttempts counts every call, the first one included. Values below 1
	// mean a single attempt.
	MaxAttempts int
	// BaseDelay scales the quadratic backoff.
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero leaves the wait uncapped.
	MaxDelay time.Duration
	// Retryable reports whether err may be retried. Nil retries everything.
	Retryable func(err error) bool
	// OnRetry runs before each wait with the 1-indexed attempt that failed.
	OnRetry func(attempt int, err error)
}

// Backoff returns the wait after the given failed attempt:
// BaseDelay * attempt², bounded by MaxDelay when set.
func (c Config) Backoff(attempt int) time.Duration {
	d := c.BaseDelay * time.Duration(attempt*attempt)
	if c.MaxDelay > 0 && d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, or
// MaxAttempts is used up. With BaseDelay=1s the waits are 1s, 4s, 9s, ...
// The error of the final attempt is returned unwrapped; a cancelled ctx
// during a wait yields an error wrapping ctx.Err().
func Do(ctx context.Context, cfg Config, fn func() error) error {
	attempts := max(cfg.MaxAttempts, 1)

	for attempt := 1; ; attempt++ {
		err := fn()
		switch {
		case err == nil:
			return nil
		case attempt >= attempts:
			return err
		case cfg.Retryable != nil && !cfg.Retryable(err):
			return err
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		timer := time.NewTimer(cfg.Backoff(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
}
