// Package fetcher drives the HTTP range request for a single download
// segment: pacing its reads against a shared bandwidth budget, retrying
// transient failures, and reporting progress on a typed event channel.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tachyonengine/internal/filearena"
	"tachyonengine/internal/retry"
)

// BufferSize is the read chunk size used for both the network read and the
// rate-limiter token request.
const BufferSize = 32 * 1024

// ErrLinkExpired indicates the server rejected a ranged request with 403,
// most often because the signed URL expired between probe and fetch.
var ErrLinkExpired = errors.New("link expired or access denied")

// ErrStalled indicates a fetch made no forward progress for the
// configured stall window and was aborted.
var ErrStalled = errors.New("segment fetch stalled")

// ErrRangeNotSupported indicates a server returned 200 to a ranged
// request for a download planned with more than one segment — the
// server stopped honoring Range mid-session. The engine must replan to
// a single segment; SegmentFetcher never retries this itself, since
// refetching a sub-range from a 200 response would silently corrupt
// the segment's byte offset.
var ErrRangeNotSupported = errors.New("server did not honor range request for a multi-segment download")

var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, BufferSize)
		return &b
	},
}

// Plan describes one segment fetch: the absolute byte range to request
// and how much of it is already on disk from a previous attempt.
type Plan struct {
	SegmentID      int
	StartByte      int64
	EndByte        int64
	AlreadyWritten int64 // bytes already at disk offset StartByte.. from a prior attempt
	SoleSegment    bool  // true when this is the download's only planned segment
}

// RequestOptions carries the per-download request shaping applied to
// every segment fetch of that download.
type RequestOptions struct {
	UserAgent string
	Referrer  string
	Headers   map[string]string
	Cookies   []*http.Cookie
	Priority  string // high, normal, low — forwarded to the bandwidth limiter
}

// BandwidthLimiter paces byte consumption against a shared speed budget,
// optionally favoring higher-priority callers when the budget is tight.
type BandwidthLimiter interface {
	Wait(ctx context.Context, priority string, n int) error
}

// SegmentFetcher fetches one byte range of a URL into a filearena.Arena,
// pacing reads against a shared BandwidthLimiter and retrying transient
// failures with exponential backoff.
type SegmentFetcher struct {
	client       *http.Client
	limiter      BandwidthLimiter
	retryPolicy  retry.Policy
	stallTimeout time.Duration
}

// NewSegmentFetcher builds a fetcher sharing client and limiter across all
// segments of a download (and, for limiter, across all downloads).
func NewSegmentFetcher(client *http.Client, limiter BandwidthLimiter, policy retry.Policy, stallTimeout time.Duration) *SegmentFetcher {
	return &SegmentFetcher{client: client, limiter: limiter, retryPolicy: policy, stallTimeout: stallTimeout}
}

// Fetch drives one segment to completion, emitting Events on events as it
// progresses. It blocks until the segment completes, fails permanently, or
// ctx is cancelled. events is never closed by Fetch — the caller owns it.
func (f *SegmentFetcher) Fetch(ctx context.Context, url string, opts RequestOptions, plan Plan, arena *filearena.Arena, events chan<- Event) error {
	written := plan.AlreadyWritten

	err := retry.Do(ctx, f.retryPolicy, func(err error) bool {
		if errors.Is(err, ErrLinkExpired) || errors.Is(err, ErrRangeNotSupported) {
			return false
		}
		return retry.IsRetryable(err)
	}, func() error {
		n, attemptErr := f.attempt(ctx, url, opts, plan, written, arena, events)
		written += n
		return attemptErr
	})

	if err != nil {
		events <- Event{Kind: EventError, SegmentID: plan.SegmentID, Err: err}
		return err
	}
	events <- Event{Kind: EventDone, SegmentID: plan.SegmentID}
	return nil
}

// attempt performs a single ranged GET starting from alreadyWritten bytes
// into the segment, returning the number of new bytes written before any
// error.
func (f *SegmentFetcher) attempt(ctx context.Context, url string, opts RequestOptions, plan Plan, alreadyWritten int64, arena *filearena.Arena, events chan<- Event) (int64, error) {
	start := plan.StartByte + alreadyWritten
	if start > plan.EndByte {
		return 0, nil // segment already fully on disk
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build segment request: %w", err)
	}
	applyRequestOptions(req, opts)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, plan.EndByte))

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return 0, ErrLinkExpired
	}
	if resp.StatusCode == http.StatusOK {
		if !plan.SoleSegment {
			return 0, ErrRangeNotSupported
		}
	} else if resp.StatusCode != http.StatusPartialContent {
		var statusErr error = &retry.HTTPStatusError{StatusCode: resp.StatusCode}
		if d := retryAfterDelay(resp); d > 0 {
			statusErr = &retry.RetryAfter{Err: statusErr, Delay: d}
		}
		return 0, statusErr
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lastProgress atomic.Int64
	lastProgress.Store(time.Now().UnixNano())
	watchdogDone := make(chan struct{})
	go f.watchStall(attemptCtx, &lastProgress, cancel, watchdogDone)
	defer func() { <-watchdogDone }()

	bufPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufPtr)
	buf := *bufPtr

	offset := start
	var written int64

	for {
		if err := f.limiter.Wait(attemptCtx, opts.Priority, BufferSize); err != nil {
			if attemptCtx.Err() != nil && ctx.Err() == nil {
				return written, ErrStalled
			}
			return written, err
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := arena.WriteAt(buf[:n], offset); werr != nil {
				return written, fmt.Errorf("write segment data: %w", werr)
			}
			offset += int64(n)
			written += int64(n)
			lastProgress.Store(time.Now().UnixNano())
			events <- Event{Kind: EventProgress, SegmentID: plan.SegmentID, BytesWritten: int64(n)}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			if attemptCtx.Err() != nil && ctx.Err() == nil {
				return written, ErrStalled
			}
			return written, readErr
		}
		if offset > plan.EndByte {
			return written, nil
		}
	}
}

// watchStall cancels attemptCtx if no read has landed for stallTimeout,
// signalling the caller to retry the segment from its new on-disk offset.
func (f *SegmentFetcher) watchStall(ctx context.Context, lastProgress *atomic.Int64, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	if f.stallTimeout <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(f.stallTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, lastProgress.Load())
			if time.Since(last) > f.stallTimeout {
				cancel()
				return
			}
		}
	}
}

// retryAfterDelay reads a Retry-After header (seconds or HTTP-date) off
// resp, returning how long to wait from now, or 0 if absent or already
// past.
func retryAfterDelay(resp *http.Response) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs > 0 {
			return time.Duration(secs) * time.Second
		}
		return 0
	}
	if when, err := http.ParseTime(v); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

func applyRequestOptions(req *http.Request, opts RequestOptions) {
	ua := opts.UserAgent
	if ua == "" {
		ua = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Connection", "keep-alive")
	if opts.Referrer != "" {
		req.Header.Set("Referer", opts.Referrer)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	for _, c := range opts.Cookies {
		req.AddCookie(c)
	}
}
