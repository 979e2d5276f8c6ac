package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsEventually(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryRespectsMaxAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), Policy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 2}, func() error {
		attempts++
		return errors.New("always fails")
	})
	require.Error(t, err)
	assert.LessOrEqual(t, attempts, 3) // first attempt + at most 2 retries
	assert.GreaterOrEqual(t, attempts, 1)
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0
	err := Retry(ctx, DefaultPolicy(), func() error {
		attempts++
		return errors.New("fails")
	})
	require.Error(t, err)
	assert.LessOrEqual(t, attempts, 1)
}

func TestTickerProducesGrowingDelays(t *testing.T) {
	ticker := NewTicker(Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond})
	first := ticker.Next()
	second := ticker.Next()
	assert.Greater(t, first, time.Duration(0))
	assert.GreaterOrEqual(t, second, first)
}

func TestTickerReset(t *testing.T) {
	ticker := NewTicker(Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond})
	_ = ticker.Next()
	_ = ticker.Next()
	ticker.Reset()
	resetFirst := ticker.Next()
	assert.Less(t, resetFirst, 50*time.Millisecond)
}
