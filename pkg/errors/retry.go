package errors

import (
	"context"
	"fmt"
)

// RetryConfig holds configuration for retry logic. Attempts follow each other
// immediately.
type RetryConfig struct {
	MaxRetries     int
	RetryableError func(error) bool
	// OnRetry is called after every failed attempt that will be retried
	OnRetry func(attempt int, err error)
}

// ImmediateRetryConfig returns a configuration making exactly attempts tries.
// Every error is retried.
func ImmediateRetryConfig(attempts int) *RetryConfig {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryConfig{
		MaxRetries: attempts - 1,
		RetryableError: func(err error) bool {
			return true
		},
	}
}

// RetryableFunc represents a function that can be retried
type RetryableFunc func(ctx context.Context) error

// Retry executes a function with retry logic. When every attempt fails the
// last error is wrapped with ErrCodeMaxRetriesExceeded.
func Retry(ctx context.Context, config *RetryConfig, fn RetryableFunc) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if config.RetryableError != nil && !config.RetryableError(err) {
			return err
		}

		if attempt == config.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if config.OnRetry != nil {
			config.OnRetry(attempt+1, err)
		}
	}

	return Wrap(lastErr, ErrCodeMaxRetriesExceeded,
		fmt.Sprintf("Operation failed after %d attempts", config.MaxRetries+1)).
		WithContext("attempts", config.MaxRetries+1)
}
