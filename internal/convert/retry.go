package convert

import (
	"context"
	"math"
	"time"

	"github.com/spherical/markdown-ocr/internal/domain"
	"github.com/spherical/markdown-ocr/internal/observability"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxAttempts    int // total attempts, including the first
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    defaultMaxAttempts,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
	}
}

// calculateBackoff calculates exponential backoff duration
func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	// Exponential backoff: initialBackoff * 2^attempt
	backoff := float64(config.InitialBackoff) * math.Pow(2, float64(attempt))

	// Cap at maxBackoff
	if backoff > float64(config.MaxBackoff) {
		backoff = float64(config.MaxBackoff)
	}

	return time.Duration(backoff)
}

// convertWithRetry calls the backend until it succeeds, fails permanently,
// or runs out of attempts. Only transient failures are retried.
func (e *Engine) convertWithRetry(ctx context.Context, logger *observability.Logger, req domain.ModelRequest) (string, error) {
	config := e.opts.Retry
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(attempt-1, config)
			logger.Warn().
				Int("page", req.PageIndex+1).
				Int("attempt", attempt+1).
				Int("max_attempts", config.MaxAttempts).
				Dur("backoff", backoff).
				Err(lastErr).
				Msg("Model call failed, retrying")

			if err := wait(ctx, backoff); err != nil {
				return "", domain.CancelledError("retry wait cancelled", err)
			}
		}

		fragment, err := e.backend.Convert(ctx, req)
		if err == nil {
			return fragment, nil
		}
		lastErr = err

		if !domain.IsTransient(err) {
			return "", err
		}
	}

	return "", lastErr
}

// wait sleeps for d unless ctx ends first.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
