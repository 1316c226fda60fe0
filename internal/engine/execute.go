package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tachyonengine/internal/fetcher"
	"tachyonengine/internal/filearena"
	"tachyonengine/internal/probe"
	"tachyonengine/internal/storage"
)

// emaAlpha weights the most recent speed sample against the running
// average; higher values track bursts more closely at the cost of
// jitter in the reported ETA.
const emaAlpha = 0.3

// progressTickInterval is how often the monitor loop recomputes speed,
// persists progress, and emits an EventProgress.
const progressTickInterval = 500 * time.Millisecond

// runDownload drives one download from probe through verification. It
// is run on its own goroutine by dispatchLoop and never returns an error
// directly — failures are persisted to storage and reported via events.
func (e *Engine) runDownload(d *storage.Download) {
	e.logger.Info("starting download", "id", d.ID, "url", d.URL)

	ctx, cancel := context.WithCancel(context.Background())
	e.active.Store(d.ID, &activeDownload{cancel: cancel})
	defer e.active.Delete(d.ID)
	defer e.progressCache.Delete(d.ID)
	defer cancel()

	headers := unmarshalHeaders(d.Headers)
	opts := probe.Options{
		Headers:   headers,
		Referrer:  d.Referrer,
		UserAgent: e.effectiveUserAgent(""),
	}

	result, err := probe.Probe(ctx, e.httpClient, d.URL, opts)
	if err != nil {
		if errors.Is(err, probe.ErrAccessDenied) {
			e.pauseNeedsAuth(d, "access denied while probing URL")
			return
		}
		e.failDownload(d, fmt.Sprintf("probe failed: %v", err))
		return
	}

	d.TotalSize = result.Size
	d.Resumable = result.AcceptRanges
	if !d.Resumable {
		d.Threads = 1
	}
	d.ETag = result.ETag
	d.LastModified = result.LastModified
	if d.Mime == "" {
		d.Mime = result.Mime
	}

	savePath, err := e.resolveSavePath(d, result)
	if err != nil {
		e.failDownload(d, fmt.Sprintf("resolve save path: %v", err))
		return
	}
	d.SavePath = savePath
	d.Filename = filepath.Base(savePath)

	if result.Size > 0 {
		if err := filearena.CheckFreeSpace(filepath.Dir(savePath), result.Size); err != nil {
			e.failDownload(d, err.Error())
			return
		}
	}

	segments, err := e.store.GetSegments(d.ID)
	if err != nil {
		e.failDownload(d, fmt.Sprintf("load segments: %v", err))
		return
	}
	fresh := len(segments) == 0
	if fresh {
		segments = planSegments(result.Size, d.Threads, result.AcceptRanges)
		if err := e.store.ReplaceSegments(d.ID, segments); err != nil {
			e.failDownload(d, fmt.Sprintf("save segment plan: %v", err))
			return
		}
	}

	var arena *filearena.Arena
	if fresh {
		arena, err = filearena.Allocate(savePath, result.Size)
	} else {
		arena, err = filearena.OpenForResume(savePath)
	}
	if err != nil {
		e.failDownload(d, fmt.Sprintf("prepare destination file: %v", err))
		return
	}
	defer arena.Close()

	d.Status = "downloading"
	if err := e.store.UpdateDownload(*d); err != nil {
		e.logger.Warn("failed to persist downloading status", "id", d.ID, "error", err)
	}
	e.emit(Event{Kind: EventStarted, DownloadID: d.ID, TotalSize: d.TotalSize})

	sf := fetcher.NewSegmentFetcher(e.httpClient, e.bandwidth, e.retryPolicy, e.stallTimeout)
	fetchOpts := fetcher.RequestOptions{
		UserAgent: e.effectiveUserAgent(""),
		Referrer:  d.Referrer,
		Headers:   headers,
		Priority:  d.Priority,
	}

	events := make(chan fetcher.Event, 64)
	pending := make(map[int]storage.Segment, len(segments))
	var initialBytes int64
	for _, seg := range segments {
		if seg.Status != "completed" {
			pending[seg.Index] = seg
		}
		initialBytes += seg.DownloadedBytes
	}

	soleSegment := len(segments) == 1
	for i := range segments {
		seg := segments[i]
		if seg.Status == "completed" {
			continue
		}
		go func(seg storage.Segment) {
			plan := fetcher.Plan{
				SegmentID:      seg.Index,
				StartByte:      seg.StartByte,
				EndByte:        seg.EndByte,
				AlreadyWritten: seg.DownloadedBytes,
				SoleSegment:    soleSegment,
			}
			_ = sf.Fetch(ctx, d.URL, fetchOpts, plan, arena, events)
		}(seg)
	}

	outcome := e.monitor(ctx, d, arena, events, pending, initialBytes)
	switch outcome {
	case outcomeCancelled:
		d.Status = "cancelled"
		_ = e.store.UpdateDownload(*d)
		e.emit(Event{Kind: EventCancelled, DownloadID: d.ID})
	case outcomePaused:
		d.Status = "paused"
		_ = e.store.UpdateDownload(*d)
		e.emit(Event{Kind: EventPaused, DownloadID: d.ID})
	case outcomeNeedsAuth:
		e.pauseNeedsAuth(d, "link expired (HTTP 403)")
	case outcomeError:
		// failDownload already called by monitor via the error event path.
	case outcomeRangeNotSupported:
		e.replanSingleSegment(d)
	case outcomeCompleted:
		e.finishDownload(ctx, d, arena)
	}
}

type downloadOutcome int

const (
	outcomeCompleted downloadOutcome = iota
	outcomePaused
	outcomeCancelled
	outcomeNeedsAuth
	outcomeError
	outcomeRangeNotSupported
)

// replanSingleSegment discards a multi-segment download's segment plan
// and requeues it as a single, non-resumable segment after a server
// stops honoring Range mid-session (fetcher.ErrRangeNotSupported).
func (e *Engine) replanSingleSegment(d *storage.Download) {
	e.logger.Warn("server stopped honoring range requests, replanning to a single segment", "id", d.ID)
	d.Threads = 1
	d.Resumable = false
	d.DownloadedBytes = 0
	if err := e.store.ReplaceSegments(d.ID, nil); err != nil {
		e.failDownload(d, fmt.Sprintf("replan segments: %v", err))
		return
	}
	if err := e.store.UpdateDownload(*d); err != nil {
		e.failDownload(d, fmt.Sprintf("persist replanned download: %v", err))
		return
	}
	if err := e.store.UpdateDownloadStatus(d.ID, "queued"); err != nil {
		e.failDownload(d, fmt.Sprintf("requeue after replan: %v", err))
		return
	}
	e.queue.Push(d)
	e.notifyActivity()
}

// monitor aggregates per-segment fetcher events into download-level
// progress, persists it periodically, and decides the terminal outcome.
func (e *Engine) monitor(ctx context.Context, d *storage.Download, arena *filearena.Arena, events <-chan fetcher.Event, pending map[int]storage.Segment, initialBytes int64) downloadOutcome {
	downloaded := initialBytes
	lastPersisted := initialBytes
	lastTick := time.Now()
	var emaSpeed float64
	emaSeeded := false

	ticker := time.NewTicker(progressTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.store.UpdateDownloadProgress(d.ID, downloaded)
			e.flushSegments(d.ID, pending)
			if val, ok := e.active.Load(d.ID); ok {
				if intent, _ := val.(*activeDownload).intent.Load().(string); intent == "cancel" {
					return outcomeCancelled
				}
			}
			return outcomePaused

		case ev, ok := <-events:
			if !ok {
				continue
			}
			switch ev.Kind {
			case fetcher.EventProgress:
				downloaded += ev.BytesWritten
				if seg, found := pending[ev.SegmentID]; found {
					seg.DownloadedBytes += ev.BytesWritten
					pending[ev.SegmentID] = seg
				}
			case fetcher.EventDone:
				finished := pending[ev.SegmentID]
				delete(pending, ev.SegmentID)
				e.store.UpdateSegmentProgress(segmentRowID(d.ID, ev.SegmentID, e), finished.DownloadedBytes, "completed")
				if len(pending) == 0 {
					e.flushSegments(d.ID, pending)
					return outcomeCompleted
				}
			case fetcher.EventError:
				if errors.Is(ev.Err, fetcher.ErrLinkExpired) {
					return outcomeNeedsAuth
				}
				if errors.Is(ev.Err, fetcher.ErrRangeNotSupported) {
					return outcomeRangeNotSupported
				}
				e.flushSegments(d.ID, pending)
				e.failDownload(d, fmt.Sprintf("segment %d failed: %v", ev.SegmentID, ev.Err))
				return outcomeError
			}

		case <-ticker.C:
			now := time.Now()
			elapsed := now.Sub(lastTick).Seconds()
			if elapsed > 0 {
				instSpeed := float64(downloaded-lastPersisted) / elapsed
				if emaSeeded {
					emaSpeed = emaAlpha*instSpeed + (1-emaAlpha)*emaSpeed
				} else {
					emaSpeed = instSpeed // seed with the first sample
					emaSeeded = true
				}
				lastPersisted = downloaded
				lastTick = now
			}
			var eta float64
			if emaSpeed > 0 && d.TotalSize > 0 {
				eta = float64(d.TotalSize-downloaded) / emaSpeed
			}
			e.store.UpdateDownloadProgress(d.ID, downloaded)
			e.flushSegments(d.ID, pending)
			e.stats.UpdateCurrentSpeed(int64(emaSpeed))
			e.progressCache.Store(d.ID, progressSample{speedBps: emaSpeed, etaSeconds: eta})
			e.emit(Event{
				Kind:            EventProgress,
				DownloadID:      d.ID,
				DownloadedBytes: downloaded,
				TotalSize:       d.TotalSize,
				SpeedBps:        emaSpeed,
				ETASeconds:      eta,
			})
		}
	}
}

// flushSegments coalesces the in-memory segment progress map into a
// single storage write, avoiding one DB round trip per chunk.
func (e *Engine) flushSegments(downloadID string, pending map[int]storage.Segment) {
	if len(pending) == 0 {
		return
	}
	rows, err := e.store.GetSegments(downloadID)
	if err != nil {
		return
	}
	byIndex := make(map[int]uint, len(rows))
	for _, r := range rows {
		byIndex[r.Index] = r.ID
	}
	batch := make([]storage.Segment, 0, len(pending))
	for idx, seg := range pending {
		id, ok := byIndex[idx]
		if !ok {
			continue
		}
		batch = append(batch, storage.Segment{ID: id, DownloadedBytes: seg.DownloadedBytes, Status: "active"})
	}
	if len(batch) > 0 {
		_ = e.store.BulkUpdateSegments(batch)
	}
}

func segmentRowID(downloadID string, index int, e *Engine) uint {
	rows, err := e.store.GetSegments(downloadID)
	if err != nil {
		return 0
	}
	for _, r := range rows {
		if r.Index == index {
			return r.ID
		}
	}
	return 0
}

// finishDownload verifies the completed file's size and, if a checksum
// was supplied, its hash. A mismatch renames the file with a .corrupted
// suffix and marks the download errored rather than completed.
func (e *Engine) finishDownload(ctx context.Context, d *storage.Download, arena *filearena.Arena) {
	d.Status = "verifying"
	_ = e.store.UpdateDownload(*d)
	e.emit(Event{Kind: EventVerifying, DownloadID: d.ID})

	if d.TotalSize > 0 {
		if err := arena.VerifySize(d.TotalSize); err != nil {
			e.failDownload(d, err.Error())
			return
		}
	}
	arena.Close()

	enabled := true
	if s, err := e.store.GetString("enable_integrity_check"); err == nil && s == "false" {
		enabled = false
	}

	if enabled && d.ChecksumValue != "" {
		if err := e.verifier.Verify(d.SavePath, d.ChecksumType, d.ChecksumValue); err != nil {
			corrupted := d.SavePath + ".corrupted"
			_ = os.Rename(d.SavePath, corrupted)
			e.failDownload(d, fmt.Sprintf("integrity check failed: %v", err))
			return
		}
	}

	now := time.Now()
	d.Status = "completed"
	d.DownloadedBytes = d.TotalSize
	d.CompletedAt = now.UnixMilli()
	_ = e.store.UpdateDownload(*d)

	_ = e.store.IncrementDailyBytes(d.TotalSize)
	_ = e.store.IncrementDailyFiles()

	if e.auditor != nil {
		e.auditor.Log("download_completed", d.ID, d.SavePath)
	}
	e.logger.Info("download completed", "id", d.ID, "path", d.SavePath)
	e.emit(Event{Kind: EventCompleted, DownloadID: d.ID, DownloadedBytes: d.TotalSize, TotalSize: d.TotalSize})
	e.clearRetryAttempts(d.ID)
}

func (e *Engine) pauseNeedsAuth(d *storage.Download, reason string) {
	d.Status = StatusNeedsAuth
	d.LastError = reason
	_ = e.store.UpdateDownload(*d)
	e.logger.Warn("link expired, pausing for refresh", "id", d.ID)
	e.emit(Event{Kind: EventNeedsAuth, DownloadID: d.ID, Message: reason})
}

// resolveSavePath turns a download's requested directory/filename into
// a concrete, collision-free path, deferring to the organizer if one is
// wired and falling back to the probe-reported filename otherwise.
func (e *Engine) resolveSavePath(d *storage.Download, result *probe.Result) (string, error) {
	filename := d.Filename
	if filename == "" {
		filename = result.Filename
	}
	if filename == "" {
		filename = "download"
	}

	destDir := d.SavePath
	if destDir == "" {
		destDir = "."
	}

	if e.organizer != nil {
		return e.organizer.Resolve(destDir, filename)
	}

	path := filepath.Join(destDir, filename)
	return findAvailablePath(path), nil
}

// findAvailablePath appends a numeric suffix until it finds a path that
// doesn't already exist on disk.
func findAvailablePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := path[:len(path)-len(ext)]
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
