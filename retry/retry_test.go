package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func fastConfig(retries int) Config {
	return Config{MaxRetries: retries, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, BackoffFactor: 2}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastConfig(2), nil, nil, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errTransient
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 || calls != 3 {
		t.Fatalf("expected 42 after 3 calls, got %d after %d", got, calls)
	}
}

func TestDo_ExhaustedWrapsLastError(t *testing.T) {
	calls := 0
	var retries []int
	_, err := Do(context.Background(), fastConfig(2), nil, func(attempt int, _ error, _ time.Duration) {
		retries = append(retries, attempt)
	}, func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, errTransient
	})
	if !errors.Is(err, ErrExhausted) || !errors.Is(err, errTransient) {
		t.Fatalf("expected exhausted wrapping transient, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Fatalf("unexpected retry callbacks: %v", retries)
	}
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	_, err := Do(context.Background(), fastConfig(5), func(err error) bool { return !errors.Is(err, permanent) }, nil,
		func(context.Context) (int, error) {
			calls++
			return 0, permanent
		})
	if !errors.Is(err, permanent) || errors.Is(err, ErrExhausted) {
		t.Fatalf("expected bare permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxRetries: 3, InitialBackoff: time.Hour, MaxBackoff: time.Hour}
	_, err := Do(ctx, cfg, nil, func(int, error, time.Duration) { cancel() }, func(context.Context) (int, error) {
		return 0, errTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrExhausted) {
		t.Fatalf("cancellation must not read as exhaustion: %v", err)
	}
}
