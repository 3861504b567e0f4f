package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fatalError struct{ msg string }

func (e fatalError) Error() string      { return e.msg }
func (e fatalError) IsRetryable() bool  { return false }

func TestExponentialBackoff(t *testing.T) {
	t.Run("delay doubles per attempt and caps", func(t *testing.T) {
		policy := NewExponentialBackoff(100*time.Millisecond, 500*time.Millisecond, 2.0, 10)

		assert.Equal(t, 100*time.Millisecond, policy.NextDelay(0))
		assert.Equal(t, 200*time.Millisecond, policy.NextDelay(1))
		assert.Equal(t, 400*time.Millisecond, policy.NextDelay(2))
		assert.Equal(t, 500*time.Millisecond, policy.NextDelay(3))
		assert.Equal(t, 500*time.Millisecond, policy.NextDelay(8))
	})

	t.Run("stops after max attempts", func(t *testing.T) {
		policy := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 3)

		retry, _ := policy.ShouldRetry(2, errors.New("transient"))
		assert.True(t, retry)

		retry, _ = policy.ShouldRetry(3, errors.New("transient"))
		assert.False(t, retry)
	})

	t.Run("respects non-retryable errors", func(t *testing.T) {
		policy := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 3)

		retry, _ := policy.ShouldRetry(0, fatalError{msg: "validation failed"})
		assert.False(t, retry)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		policy := NewFixedDelay(time.Millisecond, 5)
		attempts := 0

		err := Retry(context.Background(), policy, func() error {
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("returns last error when exhausted", func(t *testing.T) {
		policy := NewFixedDelay(time.Millisecond, 2)
		attempts := 0

		err := Retry(context.Background(), policy, func() error {
			attempts++
			return errors.New("still failing")
		})

		assert.EqualError(t, err, "still failing")
		assert.Equal(t, 3, attempts) // initial attempt plus two retries
	})

	t.Run("stops immediately on fatal error", func(t *testing.T) {
		policy := NewFixedDelay(time.Millisecond, 5)
		attempts := 0

		err := Retry(context.Background(), policy, func() error {
			attempts++
			return fatalError{msg: "fatal"}
		})

		assert.Error(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("honours context cancellation", func(t *testing.T) {
		policy := NewFixedDelay(time.Hour, 5)
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- Retry(ctx, policy, func() error { return errors.New("transient") })
		}()

		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("retry did not stop on cancellation")
		}
	})
}
