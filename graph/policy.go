package graph

import (
	"math"
	"math/rand"
	"time"
)

// ExecutorPolicy configures runtime behaviour for one executor.
//
// Policies are declared by executors implementing PolicyProvider. Fields
// left zero fall back to the run's defaults.
type ExecutorPolicy struct {
	// Timeout bounds each handler invocation. Zero defers to
	// WithDefaultHandlerTimeout.
	Timeout time.Duration

	// Retry re-runs a failed handler invocation within the same superstep.
	// If nil, failures are reported on the first attempt.
	Retry *RetryPolicy
}

// PolicyProvider is implemented by executors that declare an ExecutorPolicy.
type PolicyProvider interface {
	Policy() ExecutorPolicy
}

// RetryPolicy defines automatic retry configuration for transient handler
// failures.
//
// Every attempt gets a fresh WorkflowContext. Messages, events, outputs,
// requests and state updates of an attempt that is retried are dropped;
// only the final attempt's effects reach the barrier.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// Must be >= 1. A value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between attempts.
	BaseDelay time.Duration

	// MaxDelay caps the exponential component. Zero means no cap.
	MaxDelay time.Duration

	// Retryable reports whether a handler error is worth another attempt.
	// If nil, all errors are considered non-retryable.
	Retryable func(error) bool
}

// Validate checks if the RetryPolicy configuration is valid.
// Returns ErrInvalidRetryPolicy if any constraint is violated:
//   - MaxAttempts must be >= 1
//   - If both MaxDelay and BaseDelay are > 0, then MaxDelay must be >= BaseDelay
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// shouldRetry reports whether attempt (1-based) failing with err gets
// another attempt.
func (rp *RetryPolicy) shouldRetry(attempt int, err error) bool {
	if rp == nil || rp.Retryable == nil || attempt >= rp.MaxAttempts {
		return false
	}
	return rp.Retryable(err)
}

// getRetryPolicy returns the executor's retry policy, or nil.
func getRetryPolicy(executor Executor) *RetryPolicy {
	if p, ok := executor.(PolicyProvider); ok {
		return p.Policy().Retry
	}
	return nil
}

// computeBackoff calculates the delay before the next attempt:
//
//	delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
//
// attempt is zero-based (0 = first retry). A zero base yields no delay.
// Without a maxDelay the exponential component saturates instead of
// overflowing.
//
// Example delays with base=1s, maxDelay=30s:
//   - attempt 0: 1-2s
//   - attempt 1: 2-3s
//   - attempt 2: 4-5s
//   - attempt 10: 30-31s (capped)
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}

	limit := time.Duration(math.MaxInt64) - base
	if maxDelay > 0 && maxDelay < limit {
		limit = maxDelay
	}
	exponentialDelay := base
	for i := 0; i < attempt && exponentialDelay < limit; i++ {
		if exponentialDelay > limit/2 {
			exponentialDelay = limit
			break
		}
		exponentialDelay *= 2
	}
	if exponentialDelay > limit {
		exponentialDelay = limit
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}

	return exponentialDelay + jitter
}
