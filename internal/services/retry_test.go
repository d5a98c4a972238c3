package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Millisecond,
	}
}

func TestRunAllWithRetryEventualSuccess(t *testing.T) {
	var attempts atomic.Int32
	tasks := []func(context.Context) error{
		func(ctx context.Context) error {
			if attempts.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	}

	results := RunAllWithRetry(context.Background(), testPolicy(), tasks)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("expected success after retries, got %v", results[0].Err)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestRunAllWithRetryIsolatesFailures(t *testing.T) {
	boom := errors.New("boom")
	tasks := []func(context.Context) error{
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return boom },
		func(ctx context.Context) error { return nil },
	}

	results := RunAllWithRetry(context.Background(), testPolicy(), tasks)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, res := range results {
		if res.Index != i {
			t.Errorf("result %d has index %d", i, res.Index)
		}
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("expected surrounding tasks to succeed, got %v and %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, boom) {
		t.Errorf("expected failing task to report its error, got %v", results[1].Err)
	}
}

func TestRunWithRetryExhaustsAttempts(t *testing.T) {
	var attempts atomic.Int32
	err := runWithRetry(context.Background(), testPolicy(), func(ctx context.Context) error {
		attempts.Add(1)
		return errors.New("always")
	})
	if err == nil {
		t.Fatal("expected final error after exhausting attempts")
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestRunWithRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var attempts atomic.Int32
	err := runWithRetry(ctx, RetryPolicy{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond, Multiplier: 2}, func(ctx context.Context) error {
		attempts.Add(1)
		cancel()
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("expected 1 attempt before cancellation stopped retries, got %d", got)
	}
}
