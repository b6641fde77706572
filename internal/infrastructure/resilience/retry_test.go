package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Millisecond},
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
		{4, 50 * time.Millisecond},
		{10, 50 * time.Millisecond},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: 0.2}

	for i := 0; i < 100; i++ {
		d := b.Delay(1)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestRetry(t *testing.T) {
	fast := Backoff{Attempts: 4, Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}
	retryable := func(err error) bool { return errors.Is(err, errUnavailable) }

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		var retried []int
		err := Retry(context.Background(), fast, retryable,
			func(attempt int, err error, wait time.Duration) { retried = append(retried, attempt) },
			func() error {
				calls++
				if calls < 3 {
					return errUnavailable
				}
				return nil
			})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []int{1, 2}, retried)
	})

	t.Run("gives up at the attempt ceiling", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast, retryable, nil, func() error {
			calls++
			return errUnavailable
		})
		assert.ErrorIs(t, err, errUnavailable)
		assert.Equal(t, 4, calls)
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast, retryable, nil, func() error {
			calls++
			return errValidation
		})
		assert.ErrorIs(t, err, errValidation)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops when context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		slow := Backoff{Attempts: 5, Initial: time.Hour, Max: time.Hour, Multiplier: 1}
		calls := 0
		err := Retry(ctx, slow, nil, func(int, error, time.Duration) { cancel() }, func() error {
			calls++
			return errUnavailable
		})
		assert.ErrorIs(t, err, errUnavailable)
		assert.Equal(t, 1, calls)
	})
}
