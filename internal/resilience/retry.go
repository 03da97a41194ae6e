// Package resilience provides retry, circuit-breaking, and rate-limiting
// building blocks shared by the Agent Invoker and Resource Allocator.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// BackoffDelay returns a capped exponential backoff with full jitter for
// the given zero-based attempt number (0 = the delay before the first
// retry), starting from base and doubling each attempt up to a 60s cap.
// Callers that must observe each retry boundary (e.g. to drive a task
// through RETRYING between attempts) use this directly instead of Retry.
func BackoffDelay(attempt int, base time.Duration) time.Duration {
	cur := base
	for i := 0; i < attempt; i++ {
		cur *= 2
		if cur > 60*time.Second {
			cur = 60 * time.Second
			break
		}
	}
	return time.Duration(rand.Int63n(int64(cur) + 1))
}

// Retry executes fn with exponential backoff and full jitter. delay is the
// initial backoff; it doubles each attempt up to a 60s cap. Returns the last
// error once attempts are exhausted, or ctx.Err() if the context is
// cancelled while waiting.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}

	meter := otel.Meter("conductor-resilience")
	attemptCounter, _ := meter.Int64Counter("conductor_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("conductor_retry_success_total")
	failCounter, _ := meter.Int64Counter("conductor_retry_fail_total")

	cur := delay
	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}

		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
