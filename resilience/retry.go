// Package resilience provides the backoff and circuit-breaking primitives
// the Step Runner leans on. It mirrors the shape of the
// gomind framework's resilience package (a DefaultConfig constructor, a
// context-aware Retry loop, classifiable errors) generalized to the
// engine's RetryPolicy schema instead of a single hard-coded strategy.
package resilience

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kaironflow/opscore/core"
)

// Delay computes the backoff duration before retry attempt n (1-indexed)
// for the given strategy, exactly matching the Step Runner contract:
//
//	linear:      min(baseDelay * n, maxDelay)
//	exponential: min(baseDelay * 2^(n-1), maxDelay)
//	custom:      baseDelay * 1.5^(n-1) from github.com/cenkalti/backoff/v5's
//	             ExponentialBackOff with randomization off, capped at
//	             maxDelay (a baseDelay <= 0 is treated as 10ms)
//
// A maxDelay of zero or less disables the cap.
func Delay(strategy core.BackoffStrategy, base, max time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	var d time.Duration
	switch strategy {
	case core.BackoffLinear:
		d = base * time.Duration(n)
	case core.BackoffExponential:
		d = time.Duration(float64(base) * math.Pow(2, float64(n-1)))
	case core.BackoffCustom:
		d = customDelay(base, max, n)
	default:
		d = base * time.Duration(n)
	}
	if max > 0 && d > max {
		d = max
	}
	if d < 0 {
		d = 0
	}
	return d
}

// customDelay implements the "implementation-defined deterministic
// function" the spec allows for BackoffCustom: it drives cenkalti/backoff's
// exponential generator forward n steps deterministically (no randomness),
// which gives callers a curve distinct from plain exponential without
// introducing nondeterminism into retry timing tests.
func customDelay(base, max time.Duration, n int) time.Duration {
	if base <= 0 {
		base = 10 * time.Millisecond
	}
	eb := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(base),
		backoff.WithMaxInterval(max),
		backoff.WithMultiplier(1.5),
		backoff.WithRandomizationFactor(0),
	)
	var d time.Duration
	for i := 0; i < n; i++ {
		next := eb.NextBackOff()
		if next == backoff.Stop {
			d = max
			break
		}
		d = next
	}
	return d
}

// Classifier decides whether a given error should count toward a
// RetryPolicy's retryableErrors match. DefaultClassifier compares the
// error's string form against policy.RetryableErrors; this indirection exists so
// callers with richer error taxonomies (wrapped errors, typed codes) can
// substitute their own.
type Classifier func(err error, retryableErrors []string) bool

// DefaultClassifier matches err.Error() against the retryableErrors list
// verbatim.
func DefaultClassifier(err error, retryableErrors []string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, r := range retryableErrors {
		if r == msg {
			return true
		}
	}
	return false
}

// Run executes fn up to policy.MaxAttempts+1 times total, sleeping
// Delay(...) between attempts, stopping early on ctx cancellation or a
// non-retryable error. It returns the last error (nil on eventual success)
// and the number of attempts made.
func Run(ctx context.Context, policy core.RetryPolicy, classify Classifier, fn func(attempt int) error) (int, error) {
	if classify == nil {
		classify = DefaultClassifier
	}
	var lastErr error
	maxAttempts := policy.MaxAttempts + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return attempt - 1, ctx.Err()
		default:
		}

		err := fn(attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}
		if !classify(err, policy.RetryableErrors) {
			return attempt, lastErr
		}

		d := Delay(policy.BackoffStrategy, policy.BaseDelay, policy.MaxDelay, attempt)
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return maxAttempts, lastErr
}
