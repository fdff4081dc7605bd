package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/knowledgecore/types"
)

func fastPolicy(maxRetries int) *Policy {
	return &Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetrySucceedsAfterTransientErrors(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return types.NewError(types.ErrProviderError, "rate blip")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnTerminalError(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(5), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return types.NewError(types.ErrProviderRejected, "content policy")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "terminal errors must not be retried")
	assert.Equal(t, types.ErrProviderRejected, types.GetErrorCode(err))
}

func TestRetryExhaustsAttempts(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(2), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return types.NewError(types.ErrStoreTimeout, "slow backend")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls) // 1 initial + 2 retries
	assert.True(t, errors.Is(err, err)) // wrapped chain intact
	assert.Equal(t, types.ErrStoreTimeout, types.GetErrorCode(err))
}

func TestRetryHonorsContextCancel(t *testing.T) {
	p := fastPolicy(5)
	p.InitialDelay = 50 * time.Millisecond
	r := NewBackoffRetryer(p, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, func() error {
		calls++
		return types.NewError(types.ErrProviderTimeout, "timeout")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateDelayBounded(t *testing.T) {
	p := &Policy{
		MaxRetries:   10,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     80 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	}
	r := NewBackoffRetryer(p, zap.NewNop()).(*backoffRetryer)

	assert.Equal(t, 10*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 20*time.Millisecond, r.calculateDelay(2))
	assert.Equal(t, 40*time.Millisecond, r.calculateDelay(3))
	assert.Equal(t, 80*time.Millisecond, r.calculateDelay(4))
	assert.Equal(t, 80*time.Millisecond, r.calculateDelay(8), "delay must be capped at MaxDelay")
}
