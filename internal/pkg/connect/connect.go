// Package connect retries start-up connections to backing services.
package connect

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const maxBackoff = 16 * time.Second

// backoff is replaced in tests.
var backoff = Backoff

// Backoff returns the wait after the given failed attempt: one second,
// doubling per attempt, capped at sixteen seconds.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 5 {
		return maxBackoff
	}
	return min(time.Second<<(attempt-1), maxBackoff)
}

// Retry calls dial until it succeeds, attempts run out or ctx is done.
// A non-positive attempts value means a single try.
func Retry(ctx context.Context, service string, attempts int, dial func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		err := dial(ctx)
		if err == nil {
			slog.Info("connected", "service", service, "attempts", attempt)
			return nil
		}
		if attempt >= attempts {
			return fmt.Errorf("connect to %s after %d attempts: %w", service, attempts, err)
		}

		wait := backoff(attempt)
		slog.Warn("connection failed, retrying",
			"service", service,
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", wait,
			"error", err,
		)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("connect to %s cancelled: %w", service, ctx.Err())
		}
	}
}
