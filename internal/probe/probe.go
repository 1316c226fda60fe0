// Package probe determines a URL's download metadata — size, filename,
// range support, and cache validators — before the engine plans segments.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vfaronov/httpheader"
)

// ErrAccessDenied indicates the server rejected the probe with 401/403,
// typically meaning the download link has expired or needs fresh
// credentials.
var ErrAccessDenied = errors.New("access denied by server")

// Result carries everything the engine needs to plan a download.
type Result struct {
	Size         int64
	Filename     string
	Mime         string
	StatusCode   int
	AcceptRanges bool
	ETag         string
	LastModified string
	RetryAfter   time.Duration
}

// Options configures a probe request.
type Options struct {
	Headers  map[string]string
	Cookies  []*http.Cookie
	Referrer string
	UserAgent string
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Probe determines size, filename, and range support for a URL. It tries
// HEAD first since it transfers no body; servers that reject or
// misreport HEAD (common for CDNs and auth-gated links) are retried with
// a ranged GET for bytes 0-0. Probing fails open: if both attempts error
// out at the transport level, the caller should fall back to an
// unprobed single-stream download rather than refusing outright. Both
// attempts share one 15s timeout.
func Probe(ctx context.Context, client *http.Client, url string, opts Options) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := newRequest(ctx, http.MethodHead, url, opts)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode < 400 && resp.ContentLength >= 0 {
			return resultFromResponse(resp), nil
		}
		resp.Body.Close()
	}

	req, err = newRequest(ctx, http.MethodGet, url, opts)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err = client.Do(req)
	if err != nil {
		return &Result{AcceptRanges: false}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrAccessDenied
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("probe %s: server returned %d", url, resp.StatusCode)
	}

	result := resultFromResponse(resp)
	if resp.StatusCode == http.StatusPartialContent {
		result.AcceptRanges = true
		cr := resp.Header.Get("Content-Range")
		if i := strings.LastIndex(cr, "/"); i >= 0 {
			if total, err := strconv.ParseInt(strings.TrimSpace(cr[i+1:]), 10, 64); err == nil && total > 0 {
				result.Size = total
			}
		}
	}
	return result, nil
}

func newRequest(ctx context.Context, method, url string, opts Options) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "identity")
	if opts.Referrer != "" {
		req.Header.Set("Referer", opts.Referrer)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	for _, c := range opts.Cookies {
		req.AddCookie(c)
	}
	return req, nil
}

func resultFromResponse(resp *http.Response) *Result {
	_, filename, _ := httpheader.ContentDisposition(resp.Header)
	if filename == "" {
		filename = filepath.Base(resp.Request.URL.Path)
		if filename == "." || filename == "/" || filename == "" {
			filename = "download"
		}
	}

	acceptRanges := false
	for _, unit := range strings.Split(resp.Header.Get("Accept-Ranges"), ",") {
		if strings.EqualFold(strings.TrimSpace(unit), "bytes") {
			acceptRanges = true
			break
		}
	}

	size := resp.ContentLength
	if size < 0 {
		size = 0
	}

	retryAfter := time.Duration(0)
	if v := strings.TrimSpace(resp.Header.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			if secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		} else if when, err := http.ParseTime(v); err == nil && time.Until(when) > 0 {
			retryAfter = time.Until(when)
		}
	}

	mimeType := resp.Header.Get("Content-Type")
	if idx := strings.Index(mimeType, ";"); idx >= 0 {
		mimeType = mimeType[:idx]
	}

	return &Result{
		Size:         size,
		Filename:     filename,
		Mime:         strings.TrimSpace(mimeType),
		StatusCode:   resp.StatusCode,
		AcceptRanges: acceptRanges,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		RetryAfter:   retryAfter,
	}
}
