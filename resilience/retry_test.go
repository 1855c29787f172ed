package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaironflow/opscore/core"
)

func TestDelayLinear(t *testing.T) {
	base := 10 * time.Millisecond
	assert.Equal(t, 10*time.Millisecond, Delay(core.BackoffLinear, base, time.Second, 1))
	assert.Equal(t, 30*time.Millisecond, Delay(core.BackoffLinear, base, time.Second, 3))
}

func TestDelayExponential(t *testing.T) {
	base := 10 * time.Millisecond
	assert.Equal(t, 10*time.Millisecond, Delay(core.BackoffExponential, base, time.Second, 1))
	assert.Equal(t, 20*time.Millisecond, Delay(core.BackoffExponential, base, time.Second, 2))
	assert.Equal(t, 40*time.Millisecond, Delay(core.BackoffExponential, base, time.Second, 3))
}

func TestDelayClampsToMax(t *testing.T) {
	base := 100 * time.Millisecond
	d := Delay(core.BackoffExponential, base, 150*time.Millisecond, 5)
	assert.Equal(t, 150*time.Millisecond, d)
}

func TestDelayCustomIsDeterministic(t *testing.T) {
	base := 10 * time.Millisecond
	d1 := Delay(core.BackoffCustom, base, time.Second, 3)
	d2 := Delay(core.BackoffCustom, base, time.Second, 3)
	assert.Equal(t, d1, d2)
	assert.Greater(t, d1, time.Duration(0))
}

func TestDefaultClassifierMatchesExactMessage(t *testing.T) {
	err := errors.New("transient failure")
	assert.True(t, DefaultClassifier(err, []string{"transient failure"}))
	assert.False(t, DefaultClassifier(err, []string{"other"}))
	assert.False(t, DefaultClassifier(nil, []string{"transient failure"}))
}

func TestRunSucceedsFirstAttempt(t *testing.T) {
	policy := core.RetryPolicy{MaxAttempts: 3, BackoffStrategy: core.BackoffLinear, BaseDelay: time.Millisecond}
	attempts, err := Run(context.Background(), policy, nil, func(attempt int) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	policy := core.RetryPolicy{MaxAttempts: 3, BackoffStrategy: core.BackoffLinear, BaseDelay: time.Millisecond, RetryableErrors: []string{"not yet"}}
	calls := 0
	_, err := Run(context.Background(), policy, DefaultClassifier, func(attempt int) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRunStopsOnNonRetryableError(t *testing.T) {
	policy := core.RetryPolicy{MaxAttempts: 5, BackoffStrategy: core.BackoffLinear, BaseDelay: time.Millisecond, RetryableErrors: []string{"retry-me"}}
	calls := 0
	attempts, err := Run(context.Background(), policy, DefaultClassifier, func(attempt int) error {
		calls++
		return errors.New("fatal")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestRunExhaustsMaxAttempts(t *testing.T) {
	policy := core.RetryPolicy{MaxAttempts: 2, BackoffStrategy: core.BackoffLinear, BaseDelay: time.Millisecond, RetryableErrors: []string{"boom"}}
	calls := 0
	attempts, err := Run(context.Background(), policy, DefaultClassifier, func(attempt int) error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
}

func TestRunRespectsContextCancellation(t *testing.T) {
	policy := core.RetryPolicy{MaxAttempts: 5, BackoffStrategy: core.BackoffLinear, BaseDelay: 50 * time.Millisecond, RetryableErrors: []string{"retry"}}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := Run(ctx, policy, DefaultClassifier, func(attempt int) error {
		calls++
		return errors.New("retry")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunZeroMaxAttemptsNeverRetries(t *testing.T) {
	policy := core.RetryPolicy{MaxAttempts: 0, BackoffStrategy: core.BackoffLinear, BaseDelay: time.Millisecond}
	calls := 0
	_, err := Run(context.Background(), policy, DefaultClassifier, func(attempt int) error {
		calls++
		return errors.New("fails")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
