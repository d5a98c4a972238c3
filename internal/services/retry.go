package services

import (
	"context"
	"sync"
	"time"
)

// RetryPolicy drives per-request retries inside one job tick: exponential
// backoff starting at InitialDelay, multiplied each attempt, capped at
// MaxDelay.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   int
	MaxDelay     time.Duration
}

// TaskResult pairs a task's position in the input slice with its final
// error (nil on success). Results always come back in input order.
type TaskResult struct {
	Index int
	Err   error
}

// RunAllWithRetry runs every task concurrently, retrying each one under the
// policy. One task failing never stops the others; the caller inspects the
// per-index results.
func RunAllWithRetry(ctx context.Context, policy RetryPolicy, tasks []func(context.Context) error) []TaskResult {
	results := make([]TaskResult, len(tasks))

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task func(context.Context) error) {
			defer wg.Done()
			results[i] = TaskResult{Index: i, Err: runWithRetry(ctx, policy, task)}
		}(i, task)
	}
	wg.Wait()
	return results
}

func runWithRetry(ctx context.Context, policy RetryPolicy, task func(context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := policy.InitialDelay

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
			delay *= time.Duration(policy.Multiplier)
			if policy.MaxDelay > 0 && delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}
		if err = task(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
