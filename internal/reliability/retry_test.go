package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with jitter enabled", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxRetries())
		assert.True(t, eb.Jitter)
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			retry, delay := eb.ShouldRetry(i, errSend)
			assert.True(t, retry)
			assert.Greater(t, delay, time.Duration(0))
		}

		retry, delay := eb.ShouldRetry(3, errSend)
		assert.False(t, retry)
		assert.Zero(t, delay)
	})

	t.Run("NextDelay grows and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{3, 800 * time.Millisecond},
			{10, 10 * time.Second},
		}

		for _, tt := range tests {
			assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt), "attempt %d", tt.attempt)
		}
	})

	t.Run("jitter stays within fifteen percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, time.Minute, 2.0, 5)

		for i := 0; i < 100; i++ {
			d := eb.NextDelay(0)
			assert.GreaterOrEqual(t, d, 850*time.Millisecond)
			assert.LessOrEqual(t, d, 1150*time.Millisecond)
		}
	})
}

func TestFixedDelay(t *testing.T) {
	fd := NewFixedDelay(50*time.Millisecond, 2)

	retry, delay := fd.ShouldRetry(1, errSend)
	assert.True(t, retry)
	assert.Equal(t, 50*time.Millisecond, delay)

	retry, _ = fd.ShouldRetry(2, errSend)
	assert.False(t, retry)

	retry, _ = NewFixedDelay(0, 0).ShouldRetry(0, errSend)
	assert.False(t, retry)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds on first attempt", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, NewFixedDelay(0, 3), func() error {
			calls++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries until success", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 3), func() error {
			calls++
			if calls < 3 {
				return errSend
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns last error when exhausted", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, NewFixedDelay(0, 2), func() error {
			calls++
			return fmt.Errorf("attempt %d: %w", calls, errSend)
		})

		assert.ErrorIs(t, err, errSend)
		assert.EqualError(t, err, "attempt 3: send failed")
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, NewFixedDelay(0, 5), func() error {
			calls++
			return Permanent(errSend)
		})

		assert.ErrorIs(t, err, errSend)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops when context is cancelled during delay", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		calls := 0

		err := Retry(cctx, NewFixedDelay(time.Hour, 5), func() error {
			calls++
			cancel()
			return errSend
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})

	t.Run("does not call fn with a done context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		called := false
		err := Retry(cctx, NewFixedDelay(0, 5), func() error {
			called = true
			return nil
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})

	t.Run("does not retry an open circuit", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithTimeout(time.Hour))
		calls := 0

		err := Retry(ctx, NewFixedDelay(0, 5), func() error {
			return cb.Execute(ctx, func() error {
				calls++
				return errSend
			})
		})

		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.Equal(t, 1, calls)
	})
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"plain", errSend, true},
		{"permanent", Permanent(errSend), false},
		{"wrapped permanent", fmt.Errorf("batch: %w", Permanent(errSend)), false},
		{"explicitly retryable", RetryableError{Err: errSend, Retryable: true}, true},
		{"cancelled", context.Canceled, false},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), false},
		{"open circuit", &CircuitBreakerError{State: StateOpen, NextRetry: time.Now().Add(time.Hour)}, false},
		{"expired open circuit", &CircuitBreakerError{State: StateOpen, NextRetry: time.Now().Add(-time.Second)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryableError(tt.err))
		})
	}

	assert.Nil(t, Permanent(nil))
	assert.True(t, errors.Is(Permanent(errSend), errSend))
}
