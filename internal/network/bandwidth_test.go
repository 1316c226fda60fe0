package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWaitIsFastWhenUnlimited(t *testing.T) {
	bm := NewBandwidthManager()
	start := time.Now()
	err := bm.Wait(context.Background(), "normal", 10_000_000)
	assert.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitThrottlesUnderLimit(t *testing.T) {
	bm := NewBandwidthManager()
	bm.SetLimit(100) // 100 bytes/sec, burst 100

	start := time.Now()
	err := bm.Wait(context.Background(), "normal", 100)
	assert.NoError(t, err)
	// first call should consume the burst instantly
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	start = time.Now()
	err = bm.Wait(context.Background(), "normal", 100)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	bm := NewBandwidthManager()
	bm.SetLimit(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := bm.Wait(ctx, "normal", 1_000_000)
	assert.Error(t, err)
}
