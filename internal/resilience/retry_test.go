package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

var errAborted = fmt.Errorf("%w: deadlock detected", core.ErrTransactionAborted)

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetrySucceedsAfterAbort(t *testing.T) {
	calls := 0
	err := retryInternal(context.Background(), DefaultRetryConfig(), func() error {
		calls++
		if calls <= 3 {
			return errAborted
		}
		return nil
	}, noSleep)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
}

func TestRetryLeavesBusinessErrorsAlone(t *testing.T) {
	for _, target := range []error{core.ErrNoSlotAvailable, core.ErrCallbackFailed, core.ErrRecordNotFound, errors.New("unique constraint violated")} {
		calls := 0
		err := retryInternal(context.Background(), DefaultRetryConfig(), func() error {
			calls++
			return target
		}, noSleep)
		if !errors.Is(err, target) {
			t.Fatalf("expected %v, got %v", target, err)
		}
		if calls != 1 {
			t.Fatalf("%v: expected 1 call (no retry), got %d", target, calls)
		}
	}
}

func TestRetryExhaustsAllAttempts(t *testing.T) {
	calls := 0
	cfg := DefaultRetryConfig()
	err := retryInternal(context.Background(), cfg, func() error {
		calls++
		return errAborted
	}, noSleep)
	if !errors.Is(err, core.ErrTransactionAborted) {
		t.Fatalf("expected aborted after exhausting retries, got %v", err)
	}
	expected := 1 + cfg.MaxRetries // initial + retries
	if calls != expected {
		t.Fatalf("expected %d calls, got %d", expected, calls)
	}
}

func TestRetryStopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := RetryAborted(ctx, DefaultRetryConfig(), func() error {
		calls++
		return errAborted
	})
	if !errors.Is(err, core.ErrTransactionAborted) {
		t.Fatalf("expected last aborted error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryJitterBounds(t *testing.T) {
	cfg := DefaultRetryConfig()
	var sleeps []time.Duration

	_ = retryInternal(context.Background(), cfg, func() error {
		return errAborted
	}, func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	})

	if len(sleeps) != cfg.MaxRetries {
		t.Fatalf("expected %d sleeps, got %d", cfg.MaxRetries, len(sleeps))
	}
	for i, d := range sleeps {
		base := cfg.BaseDelay * (1 << i)
		maxJitter := time.Duration(float64(base) * cfg.JitterPct)
		if d < base || d > base+maxJitter {
			t.Errorf("sleep[%d] = %v, expected [%v, %v]", i, d, base, base+maxJitter)
		}
	}
}

func TestRetryExponentialBackoff(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 4, BaseDelay: 10 * time.Millisecond, JitterPct: 0}
	var sleeps []time.Duration

	_ = retryInternal(context.Background(), cfg, func() error {
		return errAborted
	}, func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	})

	expected := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond}
	if len(sleeps) != len(expected) {
		t.Fatalf("expected %d sleeps, got %d", len(expected), len(sleeps))
	}
	for i, d := range sleeps {
		if d != expected[i] {
			t.Errorf("sleep[%d] = %v, expected %v", i, d, expected[i])
		}
	}
}
