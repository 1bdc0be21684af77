package retry

import (
	"context"
	"errors"
	"time"

	"golang.org/x/exp/rand"
)

var ErrExhausted = errors.New("retry attempts exhausted")

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Backoff returns the pause before attempt n (n >= 1 is the first retry):
// BaseDelay doubled per attempt, capped at MaxDelay, with equal jitter so the
// result lies in [d/2, d].
func (p Policy) Backoff(n int, rng *rand.Rand) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rng.Int63n(int64(half)+1))
}

// Do runs fn until it returns a result retryable reports false for, the
// attempts run out, or ctx ends. The last value and error are returned; when
// attempts run out the error wraps ErrExhausted.
func Do[T any](ctx context.Context, p Policy, retryable func(T, error) bool, fn func(attempt int) (T, error)) (T, error) {
	rng := rand.New(rand.NewSource(uint64(time.Now().UnixNano())))

	var (
		v   T
		err error
	)
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.Backoff(attempt, rng))
			select {
			case <-ctx.Done():
				timer.Stop()
				return v, ctx.Err()
			case <-timer.C:
			}
		}
		v, err = fn(attempt)
		if !retryable(v, err) {
			return v, err
		}
	}
	if err == nil {
		err = ErrExhausted
	} else {
		err = errors.Join(ErrExhausted, err)
	}
	return v, err
}
