// Package resilience holds the retry and circuit breaker wrappers applied
// around whole coordination operations.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

// RetryConfig controls exponential backoff retry behavior.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	JitterPct  float64 // e.g. 0.25 for 25% jitter
}

// DefaultRetryConfig returns the default retry configuration:
// 5 retries, 20ms base, 25% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		BaseDelay:  20 * time.Millisecond,
		JitterPct:  0.25,
	}
}

// RetryAborted reruns fn from scratch while it fails with
// core.ErrTransactionAborted. Any other error is returned immediately.
func RetryAborted(ctx context.Context, cfg RetryConfig, fn func() error) error {
	return retryInternal(ctx, cfg, fn, sleepCtx)
}

func retryInternal(ctx context.Context, cfg RetryConfig, fn func() error, sleepFn func(context.Context, time.Duration) error) error {
	err := fn()
	if err == nil || !core.Retryable(err) {
		return err
	}

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		delay := cfg.BaseDelay * (1 << (attempt - 1))
		jitter := time.Duration(float64(delay) * rand.Float64() * cfg.JitterPct)
		if serr := sleepFn(ctx, delay+jitter); serr != nil {
			return err
		}

		err = fn()
		if err == nil || !core.Retryable(err) {
			return err
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
