package connect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 4, want: 8 * time.Second},
		{attempt: 5, want: 16 * time.Second},
		{attempt: 40, want: 16 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func noWait(t *testing.T) {
	t.Helper()
	backoff = func(int) time.Duration { return time.Millisecond }
	t.Cleanup(func() { backoff = Backoff })
}

func TestRetry(t *testing.T) {
	noWait(t)
	refused := errors.New("connection refused")

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), "postgres", 3, func(context.Context) error {
			calls++
			if calls < 3 {
				return refused
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after the last attempt", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), "redis", 2, func(context.Context) error {
			calls++
			return refused
		})
		assert.ErrorIs(t, err, refused)
		assert.ErrorContains(t, err, "connect to redis after 2 attempts")
		assert.Equal(t, 2, calls)
	})

	t.Run("non-positive attempts means one try", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), "redis", 0, func(context.Context) error {
			calls++
			return refused
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops when the context ends", func(t *testing.T) {
		backoff = func(int) time.Duration { return time.Hour }
		ctx, cancel := context.WithCancel(context.Background())
		err := Retry(ctx, "postgres", 5, func(context.Context) error {
			cancel()
			return refused
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
