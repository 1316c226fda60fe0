// Package network provides global bandwidth shaping for download segments.
package network

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// BandwidthManager paces byte consumption against a global token bucket,
// with zero overhead when no limit is set.
type BandwidthManager struct {
	globalLimiter *rate.Limiter
	limitEnabled  atomic.Bool
}

// NewBandwidthManager creates a manager with no limit.
func NewBandwidthManager() *BandwidthManager {
	return &BandwidthManager{
		globalLimiter: rate.NewLimiter(rate.Inf, 0),
	}
}

// SetLimit updates the global speed limit in bytes per second.
// 0 means unlimited.
func (bm *BandwidthManager) SetLimit(bytesPerSec int) {
	if bytesPerSec <= 0 {
		bm.limitEnabled.Store(false)
		bm.globalLimiter.SetLimit(rate.Inf)
		return
	}
	bm.limitEnabled.Store(true)
	bm.globalLimiter.SetLimit(rate.Limit(bytesPerSec))
	// Allow a 1s burst. Stamping the burst change at the zero time makes
	// the next Wait refill the bucket to that full burst instead of
	// starting from empty.
	bm.globalLimiter.SetBurstAt(time.Time{}, bytesPerSec)
}

// Wait blocks until n bytes can be consumed under the current limit.
// priority is "high", "normal", or "low"; low-priority callers pay a
// small artificial delay after acquiring tokens so high-priority
// downloads get first pick of a constrained budget. Returns immediately
// if no limit is set.
func (bm *BandwidthManager) Wait(ctx context.Context, priority string, n int) error {
	if !bm.limitEnabled.Load() {
		return nil
	}

	if err := bm.globalLimiter.WaitN(ctx, n); err != nil {
		return err
	}

	if priority == "low" {
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
