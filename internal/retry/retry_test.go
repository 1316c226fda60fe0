package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	policy := Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxAttempts: 5}
	attempts := 0

	err := Do(context.Background(), policy, nil, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	policy := Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxAttempts: 3}
	attempts := 0

	err := Do(context.Background(), policy, nil, func() error {
		attempts++
		return errors.New("always fails")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoHonorsShouldRetry(t *testing.T) {
	policy := Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxAttempts: 5}
	attempts := 0
	permanentErr := errors.New("404 not found")

	err := Do(context.Background(), policy, func(err error) bool {
		return err != permanentErr
	}, func() error {
		attempts++
		return permanentErr
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	policy := Policy{InitialInterval: 50 * time.Millisecond, MaxInterval: time.Second, MaxAttempts: 10}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Do(ctx, policy, nil, func() error {
		attempts++
		return errors.New("fails")
	})

	assert.Error(t, err)
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusForbidden, false},
		{http.StatusOK, true},
	}
	for _, tc := range cases {
		got := IsRetryable(&HTTPStatusError{StatusCode: tc.status})
		assert.Equalf(t, tc.retryable, got, "status %d", tc.status)
	}
}

func TestIsRetryableNetworkErrors(t *testing.T) {
	assert.True(t, IsRetryable(syscall.ECONNRESET))
	assert.True(t, IsRetryable(syscall.ECONNREFUSED))
	assert.True(t, IsRetryable(syscall.EPIPE))
	assert.True(t, IsRetryable(&net.DNSError{IsTimeout: true}))
	assert.False(t, IsRetryable(&net.DNSError{IsTimeout: false, IsTemporary: false}))
	assert.True(t, IsRetryable(errors.New("totally unrecognized error")))
}

func TestDoAppliesRetryAfterOverride(t *testing.T) {
	policy := Policy{InitialInterval: time.Hour, MaxInterval: time.Hour, MaxAttempts: 3}
	attempts := 0
	start := time.Now()
	wantDelay := 20 * time.Millisecond

	err := Do(context.Background(), policy, nil, func() error {
		attempts++
		if attempts == 1 {
			return &RetryAfter{Err: errors.New("slow down"), Delay: wantDelay}
		}
		return nil
	})

	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.GreaterOrEqual(t, elapsed, wantDelay)
	assert.Less(t, elapsed, time.Hour)
}
