package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateBackoff_ExponentialGrowth(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
	})

	assert.Equal(t, 100*time.Millisecond, policy.CalculateBackoff(0))
	assert.Equal(t, 200*time.Millisecond, policy.CalculateBackoff(1))
	assert.Equal(t, 400*time.Millisecond, policy.CalculateBackoff(2))
	assert.Equal(t, time.Second, policy.CalculateBackoff(5), "backoff is capped")
}

func TestCalculateBackoff_JitterStaysBounded(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	})

	for i := 0; i < 50; i++ {
		backoff := policy.CalculateBackoff(0)
		assert.GreaterOrEqual(t, backoff, 100*time.Millisecond)
		assert.Less(t, backoff, 125*time.Millisecond)
	}
}

func TestExecuteWithRetry_SucceedsAfterFailure(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	})

	calls := 0
	err := policy.ExecuteWithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteWithRetry_ExhaustsBudget(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	})

	boom := errors.New("boom")
	calls := 0
	err := policy.ExecuteWithRetry(context.Background(), func() error {
		calls++
		return boom
	})

	assert.Equal(t, 2, calls, "one initial attempt plus one retry")
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, boom)
}

func TestExecuteWithRetry_StopsOnCancellation(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		MaxRetries:     5,
		InitialBackoff: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := policy.ExecuteWithRetry(ctx, func() error {
		calls++
		return errors.New("transient")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "cancellation interrupts the backoff wait")
}

func TestNewRetryPolicy_FillsDefaults(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{})
	cfg := policy.Config()
	assert.Equal(t, 100*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 5*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)
}
