package util

import (
	"context"
	"log/slog"
	"time"
)

// Retry calls fn up to maxAttempts times, doubling the delay after each
// failure starting at baseDelay. It returns nil on the first success or the
// last error. Failed attempts are logged at warn level when log is non-nil.
func Retry(ctx context.Context, log *slog.Logger, what string, maxAttempts int, baseDelay time.Duration, fn func(ctx context.Context) error) error {
	var err error
	delay := baseDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if log != nil {
			log.Warn("attempt failed", "what", what, "attempt", attempt, "of", maxAttempts, "error", err)
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
