// Package retry provides the exponential backoff policy used by segment
// fetchers.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures retry timing for a single failing operation.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

// DefaultPolicy mirrors the segment fetcher's retry budget: start at 1s,
// double up to a 30s ceiling, give up after 5 attempts.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		MaxAttempts:     5,
	}
}

// newBackOff builds a cenkalti/backoff exponential strategy from Policy,
// capped to MaxAttempts tries.
func (p Policy) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.25 // each delay lands in [0.75, 1.25] of its nominal value
	return backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1))
}

// overrideBackOff substitutes a pending Retry-After delay for the next
// computed backoff interval, then falls back to the wrapped policy.
type overrideBackOff struct {
	backoff.BackOff
	next time.Duration
}

func (b *overrideBackOff) NextBackOff() time.Duration {
	if b.next > 0 {
		d := b.next
		b.next = 0
		return d
	}
	return b.BackOff.NextBackOff()
}

// RetryAfter wraps an error with a server-specified delay, read from a
// response's Retry-After header, that should override the computed
// backoff for the next attempt. Do unwraps it transparently before
// handing the error to shouldRetry.
type RetryAfter struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfter) Error() string { return e.Err.Error() }
func (e *RetryAfter) Unwrap() error { return e.Err }

// HTTPStatusError wraps an unexpected HTTP response status for retry
// classification by IsRetryable.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return http.StatusText(e.StatusCode)
}

// IsRetryable classifies err per the taxonomy in spec.md §4.3: transient
// network errors (connection reset/refused, broken pipe, timeouts,
// temporary DNS failures), HTTP 408/429/5xx, and anything unrecognized
// default to retryable. Any other 4xx is not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return true
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		sc := statusErr.StatusCode
		if sc == http.StatusRequestTimeout || sc == http.StatusTooManyRequests || sc >= 500 {
			return true
		}
		return sc < 400
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return true
}

// Do runs op until it succeeds, returns a non-retryable error, ctx is
// cancelled, or the attempt budget is exhausted. An error wrapped in
// RetryAfter overrides the next computed delay before being unwrapped
// and passed to shouldRetry. shouldRetry decides whether an error is
// worth another attempt; a nil shouldRetry retries every error.
func Do(ctx context.Context, policy Policy, shouldRetry func(error) bool, op func() error) error {
	override := &overrideBackOff{BackOff: policy.newBackOff()}
	b := backoff.WithContext(override, ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var ra *RetryAfter
		if errors.As(err, &ra) {
			override.next = ra.Delay
			err = ra.Err
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// NextDelay reports the backoff's next wait after n prior attempts,
// without jitter and without consuming an attempt.
func NextDelay(policy Policy, attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.InitialInterval
	eb.MaxInterval = policy.MaxInterval
	eb.Multiplier = 2
	eb.RandomizationFactor = 0

	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = eb.NextBackOff()
	}
	return d
}
