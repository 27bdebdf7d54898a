package startup_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/startup"
	"github.com/fetcharr/fetcharr/internal/testutil"
)

func fastRetryConfig() startup.RetryConfig {
	return startup.RetryConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		MaxAttempts:  3,
		Multiplier:   2.0,
	}
}

func TestWithRetrySucceedsAfterNetworkErrors(t *testing.T) {
	calls := 0
	err := startup.WithRetry(context.Background(), "dial-indexer", fastRetryConfig(), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("dial tcp 10.0.0.1:443: connection refused")
		}
		return nil
	}, testutil.NewTestLogger(t))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryNonNetworkErrorFailsFast(t *testing.T) {
	calls := 0
	boom := errors.New("invalid api key")
	err := startup.WithRetry(context.Background(), "dial-indexer", fastRetryConfig(), func() error {
		calls++
		return boom
	}, testutil.NewTestLogger(t))

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := startup.WithRetry(context.Background(), "dial-indexer", fastRetryConfig(), func() error {
		calls++
		return fmt.Errorf("i/o timeout")
	}, testutil.NewTestLogger(t))

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := startup.WithRetry(ctx, "dial-indexer", fastRetryConfig(), func() error {
		return fmt.Errorf("connection reset")
	}, testutil.NewTestLogger(t))

	require.ErrorIs(t, err, context.Canceled)
}

func TestIsNetworkError(t *testing.T) {
	assert.False(t, startup.IsNetworkError(nil))
	assert.False(t, startup.IsNetworkError(errors.New("schema violation")))
	assert.True(t, startup.IsNetworkError(errors.New("dial tcp 1.2.3.4: connection refused")))
	assert.True(t, startup.IsNetworkError(&net.DNSError{Err: "no such host", Name: "tracker.example"}))
}
