package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond}
	rng := rand.New(rand.NewSource(1))

	tests := []struct {
		attempt int
		ceiling time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
		{4, 80 * time.Millisecond},
		{5, 100 * time.Millisecond},
		{9, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			d := p.Backoff(tt.attempt, rng)
			assert.GreaterOrEqual(t, d, tt.ceiling/2)
			assert.LessOrEqual(t, d, tt.ceiling)
		}
	}
}

func TestDo(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: time.Microsecond, MaxDelay: time.Millisecond}
	errBusy := errors.New("busy")
	retryable := func(_ int, err error) bool { return errors.Is(err, errBusy) }

	t.Run("succeeds after retries", func(t *testing.T) {
		calls := 0
		v, err := Do(context.Background(), p, retryable, func(attempt int) (int, error) {
			calls++
			if attempt < 2 {
				return 0, errBusy
			}
			return 7, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 7, v)
		assert.Equal(t, 3, calls)
	})

	t.Run("final error is not retried", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		_, err := Do(context.Background(), p, retryable, func(int) (int, error) {
			calls++
			return 0, boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("exhausted", func(t *testing.T) {
		calls := 0
		_, err := Do(context.Background(), p, retryable, func(int) (int, error) {
			calls++
			return 0, errBusy
		})
		assert.ErrorIs(t, err, ErrExhausted)
		assert.ErrorIs(t, err, errBusy)
		assert.Equal(t, 4, calls)
	})

	t.Run("context cancelled between attempts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		_, err := Do(ctx, Policy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}, retryable, func(int) (int, error) {
			cancel()
			return 0, errBusy
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
