package core

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultBackoffCeiling caps retry delays no matter how far a policy's
// exponential curve has grown.
const DefaultBackoffCeiling = time.Hour

// retryJitter spreads retries of similarly-scheduled tasks by up to ±20%.
const retryJitter = 0.2

// Decide is the retry coordinator: given a task's policy and the number of
// the attempt that just failed (starting at 1), it either schedules a
// retry after a backoff delay or declares the chain exhausted. A nil
// policy exhausts after the first attempt.
func Decide(policy *RetryPolicy, attempt int) RetryDecision {
	if policy == nil || policy.MaxAttempts <= 0 || attempt >= policy.MaxAttempts {
		return RetryDecision{}
	}
	return RetryDecision{Retry: true, Delay: retryDelay(policy, attempt, retryJitter)}
}

// ValidateRetryPolicy rejects unusable retry parameters at task creation.
func ValidateRetryPolicy(p *RetryPolicy) error {
	if p == nil {
		return nil
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max attempts must be at least 1")
	}
	if p.BaseBackoff <= 0 {
		return fmt.Errorf("retry policy: base backoff must be positive")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry policy: multiplier must be at least 1")
	}
	return nil
}

// retryDelay steps an exponential backoff to the given attempt:
// base * multiplier^(attempt-1), randomized by the given factor, clamped
// to the ceiling even after randomization. A zero factor yields the exact
// curve.
func retryDelay(policy *RetryPolicy, attempt int, randomization float64) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.BaseBackoff
	b.Multiplier = policy.Multiplier
	b.MaxInterval = DefaultBackoffCeiling
	b.RandomizationFactor = randomization
	b.MaxElapsedTime = 0
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.Reset()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > DefaultBackoffCeiling {
		d = DefaultBackoffCeiling
	}
	return d
}
