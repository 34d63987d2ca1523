package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDelayDoublesAndCaps(t *testing.T) {
	policy := Policy{Attempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}

	assert.Equal(t, 10*time.Millisecond, policy.Delay(1))
	assert.Equal(t, 20*time.Millisecond, policy.Delay(2))
	assert.Equal(t, 40*time.Millisecond, policy.Delay(3))
	assert.Equal(t, 50*time.Millisecond, policy.Delay(4))
	assert.Equal(t, 50*time.Millisecond, policy.Delay(30))
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3, BaseDelay: time.Millisecond}, nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoReportsExhaustion(t *testing.T) {
	cause := errors.New("down")
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 2, BaseDelay: time.Millisecond}, nil, func(context.Context) error {
		calls++
		return cause
	})
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 2, calls)
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5, BaseDelay: time.Millisecond}, func(err error) bool {
		return !errors.Is(err, permanent)
	}, func(context.Context) error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.False(t, IsExhausted(err))
	assert.Equal(t, 1, calls)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 5, BaseDelay: time.Hour}, nil, func(context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
