// Package resilience provides the circuit breaker and retry primitives used
// around remote dependencies (Redis, the vector store, the embedding provider).
//
// # Circuit Breaker
//
// The breaker counts consecutive failures and stops calling the remote once
// the threshold is reached. After the reset timeout the next call is let
// through as a trial.
//
//	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//		Name:             "redis",
//		FailureThreshold: 5,
//		ResetTimeout:     time.Minute,
//	})
//
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//		return client.Ping(ctx)
//	})
//
// Callers that need to decide for themselves what counts as a failure use
// AllowRequest, RecordSuccess and RecordFailure directly.
//
// # Retry with Exponential Backoff
//
//	retrier := resilience.NewRetrier(resilience.DefaultRetryConfig())
//	err := retrier.Execute(ctx, func(ctx context.Context) error {
//		return riskyOperation(ctx)
//	})
//
// Backoff exposes the same delay schedule for callers that reschedule work
// instead of sleeping, such as the task queue.
package resilience
