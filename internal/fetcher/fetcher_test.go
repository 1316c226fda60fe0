package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyonengine/internal/filearena"
	"tachyonengine/internal/retry"
)

type unlimitedLimiter struct{}

func (unlimitedLimiter) Wait(ctx context.Context, priority string, n int) error {
	return ctx.Err()
}

func TestFetchWritesExpectedRange(t *testing.T) {
	body := []byte("0123456789abcdef")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 4-9/16")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[4:10])
	}))
	defer srv.Close()

	dir := t.TempDir()
	arena, err := filearena.Allocate(filepath.Join(dir, "out.bin"), 16)
	require.NoError(t, err)
	defer arena.Close()

	f := NewSegmentFetcher(srv.Client(), unlimitedLimiter{}, retry.DefaultPolicy(), time.Second)
	events := make(chan Event, 32)

	err = f.Fetch(context.Background(), srv.URL, RequestOptions{}, Plan{SegmentID: 0, StartByte: 4, EndByte: 9}, arena, events)
	require.NoError(t, err)

	var gotDone bool
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventDone {
				gotDone = true
			}
		default:
			goto checked
		}
	}
checked:
	assert.True(t, gotDone)
}

func TestFetchDetectsLinkExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	dir := t.TempDir()
	arena, err := filearena.Allocate(filepath.Join(dir, "out.bin"), 10)
	require.NoError(t, err)
	defer arena.Close()

	policy := retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxAttempts: 3}
	f := NewSegmentFetcher(srv.Client(), unlimitedLimiter{}, policy, time.Second)
	events := make(chan Event, 32)

	err = f.Fetch(context.Background(), srv.URL, RequestOptions{}, Plan{SegmentID: 0, StartByte: 0, EndByte: 9}, arena, events)
	assert.ErrorIs(t, err, ErrLinkExpired)
}

func TestFetchResumesFromAlreadyWritten(t *testing.T) {
	body := []byte("0123456789")
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Header().Set("Content-Range", "bytes 5-9/10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[5:10])
	}))
	defer srv.Close()

	dir := t.TempDir()
	arena, err := filearena.Allocate(filepath.Join(dir, "out.bin"), 10)
	require.NoError(t, err)
	defer arena.Close()

	f := NewSegmentFetcher(srv.Client(), unlimitedLimiter{}, retry.DefaultPolicy(), time.Second)
	events := make(chan Event, 32)

	err = f.Fetch(context.Background(), srv.URL, RequestOptions{}, Plan{SegmentID: 0, StartByte: 0, EndByte: 9, AlreadyWritten: 5}, arena, events)
	require.NoError(t, err)
	assert.Equal(t, "bytes=5-9", gotRange)
}

func TestFetchDetectsRangeNotSupportedOnMultiSegmentDownload(t *testing.T) {
	body := []byte("0123456789abcdef")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Server silently stopped honoring Range: it returns the whole
		// body with a 200 even though this segment asked for bytes 4-9.
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	arena, err := filearena.Allocate(filepath.Join(dir, "out.bin"), 16)
	require.NoError(t, err)
	defer arena.Close()

	policy := retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxAttempts: 3}
	f := NewSegmentFetcher(srv.Client(), unlimitedLimiter{}, policy, time.Second)
	events := make(chan Event, 32)

	err = f.Fetch(context.Background(), srv.URL, RequestOptions{}, Plan{SegmentID: 0, StartByte: 4, EndByte: 9, SoleSegment: false}, arena, events)
	assert.ErrorIs(t, err, ErrRangeNotSupported)
}

func TestFetchAcceptsOKResponseForSoleSegment(t *testing.T) {
	body := []byte("0123456789abcdef")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	arena, err := filearena.Allocate(filepath.Join(dir, "out.bin"), 16)
	require.NoError(t, err)
	defer arena.Close()

	f := NewSegmentFetcher(srv.Client(), unlimitedLimiter{}, retry.DefaultPolicy(), time.Second)
	events := make(chan Event, 32)

	err = f.Fetch(context.Background(), srv.URL, RequestOptions{}, Plan{SegmentID: 0, StartByte: 0, EndByte: 15, SoleSegment: true}, arena, events)
	assert.NoError(t, err)
}

func TestFetchHonorsRetryAfterOnTooManyRequests(t *testing.T) {
	body := []byte("0123456789")
	var requests int
	start := time.Now()
	var firstAttempt time.Time
	var secondAttempt time.Time

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			firstAttempt = time.Now()
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		secondAttempt = time.Now()
		w.Header().Set("Content-Range", "bytes 0-9/10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	arena, err := filearena.Allocate(filepath.Join(dir, "out.bin"), 10)
	require.NoError(t, err)
	defer arena.Close()

	// A large initial interval proves any wait came from Retry-After, not
	// the policy's own backoff.
	policy := retry.Policy{InitialInterval: time.Minute, MaxInterval: time.Minute, MaxAttempts: 3}
	f := NewSegmentFetcher(srv.Client(), unlimitedLimiter{}, policy, time.Second)
	events := make(chan Event, 32)

	err = f.Fetch(context.Background(), srv.URL, RequestOptions{}, Plan{SegmentID: 0, StartByte: 0, EndByte: 9, SoleSegment: true}, arena, events)
	require.NoError(t, err)
	require.Equal(t, 2, requests)
	assert.GreaterOrEqual(t, secondAttempt.Sub(firstAttempt), time.Second)
	assert.Less(t, secondAttempt.Sub(start), time.Minute)
}
