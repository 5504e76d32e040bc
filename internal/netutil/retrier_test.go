package netutil

import (
	"context"
	"errors"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrier_Do(t *testing.T) {
	r := NewRetrier(10*time.Millisecond, 200*time.Millisecond, 2)
	failUntil := func(n int) (RetryFunc, *int) {
		calls := 0
		return func() error {
			calls++
			if calls >= n {
				return nil
			}
			return errors.New("foo")
		}, &calls
	}

	t.Run("should retry", func(t *testing.T) {
		f, calls := failUntil(3)
		require.NoError(t, r.Do(context.Background(), f))
		assert.Equal(t, 3, *calls)
	})

	t.Run("if retry reaches threshold should error", func(t *testing.T) {
		f, _ := failUntil(1000)
		err := r.Do(context.Background(), f)
		assert.Equal(t, ErrThresholdReached, pkgerrors.Cause(err))
	})

	t.Run("should stop when context is done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		f, calls := failUntil(1000)
		assert.Equal(t, context.Canceled, r.Do(ctx, f))
		assert.Equal(t, 1, *calls)
	})

	t.Run("should return whitelisted errors if any instead of retry", func(t *testing.T) {
		bar := errors.New("bar")
		wR := NewRetrier(50*time.Millisecond, time.Second, 2).WithErrWhitelist(bar)
		calls := 0
		err := wR.Do(context.Background(), func() error {
			calls++
			return pkgerrors.Wrap(bar, "wrapped")
		})
		assert.Equal(t, bar, pkgerrors.Cause(err))
		assert.Equal(t, 1, calls)
	})
}
