package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Factor: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{500, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoffDelayWithJitter(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second, Factor: 2, Jitter: 0.5}

	assert.Equal(t, 2*time.Second, b.DelayWithJitter(1, 0))
	assert.Equal(t, time.Second, b.DelayWithJitter(1, 1))
	assert.Equal(t, 1500*time.Millisecond, b.DelayWithJitter(1, 0.5))
}

func TestRetryOnConflict(t *testing.T) {
	fast := Backoff{Base: time.Millisecond, Max: time.Millisecond, Factor: 2}

	t.Run("retries busy errors", func(t *testing.T) {
		calls := 0
		err := RetryOnConflict(context.Background(), fast, 3, "test", func() error {
			calls++
			if calls < 3 {
				return errors.New("SQLITE_BUSY: database busy")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns other errors immediately", func(t *testing.T) {
		calls := 0
		boom := errors.New("constraint failed")
		err := RetryOnConflict(context.Background(), fast, 3, "test", func() error {
			calls++
			return boom
		})
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		calls := 0
		err := RetryOnConflict(context.Background(), fast, 2, "test", func() error {
			calls++
			return errors.New("database is locked")
		})
		require.Error(t, err)
		assert.True(t, IsSQLiteConflictError(err))
		assert.Equal(t, 2, calls)
	})
}
