package resilience

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff describes bounded exponential backoff between attempts.
type Backoff struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps any single delay.
	Max time.Duration
	// Multiplier grows the delay after each failed attempt.
	Multiplier float64
	// Jitter randomizes each delay by up to this fraction in either direction.
	Jitter float64
}

// DefaultBackoff returns four attempts starting at 50ms, doubling, capped at 1s.
func DefaultBackoff() Backoff {
	return Backoff{
		Attempts:   4,
		Initial:    50 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Delay returns the wait before attempt n+1, where n counts from 1.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(b.Initial)
	for i := 1; i < n; i++ {
		d *= mult
		if b.Max > 0 && d >= float64(b.Max) {
			d = float64(b.Max)
			break
		}
	}

	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Retry calls fn until it succeeds, returns an error retryable rejects, the
// attempt budget runs out, or ctx is done. The last error is returned.
// onRetry, when non-nil, is told about every failed attempt that will be
// retried.
func Retry(ctx context.Context, b Backoff, retryable func(error) bool, onRetry func(attempt int, err error, wait time.Duration), fn func() error) error {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts || (retryable != nil && !retryable(err)) {
			return err
		}

		wait := b.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
