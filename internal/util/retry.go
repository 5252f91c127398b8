package util

import (
	"context"
	"errors"
	"time"

	"tradable/internal/domain"
)

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay. It returns nil on the first successful call, or the last error
// if all attempts fail. Errors that cannot succeed on a retry (invalid input,
// missing authentication) abort immediately, and context cancellation is
// honoured between attempts.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}

		// Don't sleep after the last failed attempt.
		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return err
}

func retryable(err error) bool {
	var invalid *domain.InvalidArgumentError
	if errors.As(err, &invalid) {
		return false
	}
	return !errors.Is(err, domain.ErrAuthenticationRequired)
}
