// Package retry repeats an operation after transient failures, waiting a
// configured delay between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	Delays      []time.Duration
	// UntilDone keeps retrying until the context ends, ignoring MaxAttempts
	UntilDone bool
	// Retryable reports whether an error is worth another attempt; nil retries everything
	Retryable func(error) bool
}

// delay returns the wait before the given attempt, reusing the last delay when the table runs out
func (c Config) delay(attempt int) time.Duration {
	if len(c.Delays) == 0 {
		return 0
	}
	i := attempt - 1
	if i >= len(c.Delays) {
		i = len(c.Delays) - 1
	}
	return c.Delays[i]
}

// WithRetry runs fn until it succeeds, the attempts are used up, fn returns an
// error that is not retryable, or ctx ends. Non-retryable errors are returned
// unwrapped; the others are wrapped with the attempt count.
func WithRetry(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; cfg.UntilDone || attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(cfg.delay(attempt))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, errors.Join(lastErr, ctx.Err()))
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// On returns a Retryable func that retries only errors matching one of targets
func On(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}
}
