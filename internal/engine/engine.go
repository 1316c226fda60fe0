// Package engine orchestrates downloads end to end: probing a URL,
// planning segments, dispatching fetches, verifying the result, and
// reporting lifecycle events to anything listening on Events().
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tachyonengine/internal/analytics"
	"tachyonengine/internal/config"
	"tachyonengine/internal/filearena"
	"tachyonengine/internal/fsorganize"
	"tachyonengine/internal/integrity"
	"tachyonengine/internal/network"
	"tachyonengine/internal/queue"
	"tachyonengine/internal/retry"
	"tachyonengine/internal/storage"
)

// GenericUserAgent is sent on every request unless a custom one is set
// with SetUserAgent or overridden per-download.
const GenericUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"

// StatusNeedsAuth marks a download paused because the server rejected a
// ranged request with 403, most often a signed URL that expired mid-flight.
const StatusNeedsAuth = "needs_auth"

// EventBufferSize bounds how many unconsumed events the engine will hold.
// Once the buffer is full, emit drops each new event, whatever its kind,
// rather than blocking a download's supervisor goroutine on a slow listener.
const EventBufferSize = 512

// Engine is the core download orchestrator.
type Engine struct {
	logger     *slog.Logger
	store      *storage.Storage
	httpClient *http.Client

	queue    *queue.Queue
	admitter *queue.Admitter

	bandwidth *network.BandwidthManager
	verifier  *integrity.FileVerifier
	stats     *analytics.Manager

	retryPolicy  retry.Policy
	stallTimeout time.Duration

	organizer organizer
	auditor   auditor

	events        chan Event
	active        sync.Map // map[string]*activeDownload
	progressCache sync.Map // map[string]progressSample
	activityCh    chan struct{}

	workerMutex      sync.Mutex
	maxConcurrent    int
	runningDownloads int

	userAgentMu sync.RWMutex
	userAgent   string

	defaultThreadsMu sync.RWMutex
	defaultThreads   int

	autoRetryMu     sync.RWMutex
	autoRetryFailed bool
	retryMu         sync.Mutex
	retryAttempts   map[string]int
}

// organizer resolves a destination path for a new download, implemented
// by internal/fsorganize. With a nil organizer, resolveSavePath joins the
// requested directory and filename itself and adds a _N suffix on collision.
type organizer interface {
	Resolve(destDir, filename string) (string, error)
}

// auditor records security-relevant download lifecycle events,
// implemented by internal/audit. A nil auditor is a silent no-op.
type auditor interface {
	Log(action, downloadID, detail string)
}

type activeDownload struct {
	cancel context.CancelFunc
	intent atomic.Value // string: "pause" or "cancel"
}

// DownloadProgress is a read-only snapshot of one active download's
// state, pulled by internal/progresspump rather than pushed per event.
type DownloadProgress struct {
	ID              string
	Status          string
	Filename        string
	DownloadedBytes int64
	TotalSize       int64
	SpeedBps        float64
	ETASeconds      float64
}

type progressSample struct {
	speedBps   float64
	etaSeconds float64
}

// activeStatuses are the download states ProgressPump and the dashboard
// care about; terminal states (completed, cancelled) drop out of the
// snapshot once persisted.
var activeStatuses = []string{"pending", "queued", "downloading", "paused", "verifying", StatusNeedsAuth}

// Snapshot returns the current progress of every non-terminal download,
// for ProgressPump's periodic broadcast.
func (e *Engine) Snapshot() []DownloadProgress {
	downloads, err := e.store.ListDownloads()
	if err != nil {
		e.logger.Error("snapshot: list downloads failed", "error", err)
		return nil
	}

	active := make(map[string]bool, len(activeStatuses))
	for _, s := range activeStatuses {
		active[s] = true
	}

	result := make([]DownloadProgress, 0, len(downloads))
	for _, d := range downloads {
		if !active[d.Status] {
			continue
		}
		p := DownloadProgress{
			ID:              d.ID,
			Status:          d.Status,
			Filename:        d.Filename,
			DownloadedBytes: d.DownloadedBytes,
			TotalSize:       d.TotalSize,
		}
		if val, ok := e.progressCache.Load(d.ID); ok {
			sample := val.(progressSample)
			p.SpeedBps = sample.speedBps
			p.ETASeconds = sample.etaSeconds
		}
		result = append(result, p)
	}
	return result
}

// NewEngine builds an Engine with a connection-reusing HTTP client and
// starts its dispatch loop.
func NewEngine(logger *slog.Logger, store *storage.Storage) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}

	q := queue.NewQueue()
	defaultDownloadDir, err := os.UserHomeDir()
	if err != nil {
		defaultDownloadDir = "."
	} else {
		defaultDownloadDir = filepath.Join(defaultDownloadDir, "Downloads")
	}

	e := &Engine{
		logger:         logger,
		store:          store,
		httpClient:     &http.Client{Transport: transport, Timeout: 0},
		queue:          q,
		admitter:       queue.NewAdmitter(logger, q),
		bandwidth:      network.NewBandwidthManager(),
		verifier:       integrity.NewFileVerifier(),
		stats:          analytics.NewManager(store, func() (string, error) { return defaultDownloadDir, nil }),
		retryPolicy:    retry.DefaultPolicy(),
		stallTimeout:   45 * time.Second,
		organizer:      fsorganize.New(),
		events:         make(chan Event, EventBufferSize),
		activityCh:     make(chan struct{}, 1),
		maxConcurrent:   5,
		defaultThreads:  4,
		autoRetryFailed: true,
		retryAttempts:   make(map[string]int),
	}

	go e.dispatchLoop()
	return e
}

// SetOrganizer wires a destination-path resolver, used when Add is given
// a bare directory rather than a full file path.
func (e *Engine) SetOrganizer(o organizer) { e.organizer = o }

// SetAuditor wires a security audit sink.
func (e *Engine) SetAuditor(a auditor) { e.auditor = a }

// Events returns the channel the engine publishes lifecycle events to.
// It is never closed; callers should select on it alongside their own
// shutdown signal.
func (e *Engine) Events() <-chan Event { return e.events }

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("event channel full, dropping event", "kind", ev.Kind, "download_id", ev.DownloadID)
	}
}

// GetStorage returns the underlying storage instance.
func (e *Engine) GetStorage() *storage.Storage { return e.store }

// GetStats returns the analytics manager.
func (e *Engine) GetStats() *analytics.Manager { return e.stats }

// Activity signals every time a download is added, resumed, or
// scheduled, so progresspump can wake from an idle wait without
// polling.
func (e *Engine) Activity() <-chan struct{} { return e.activityCh }

func (e *Engine) notifyActivity() {
	select {
	case e.activityCh <- struct{}{}:
	default:
	}
}

// GetUserAgent returns the engine-wide custom User-Agent, if any.
func (e *Engine) GetUserAgent() string {
	e.userAgentMu.RLock()
	defer e.userAgentMu.RUnlock()
	return e.userAgent
}

// SetUserAgent overrides the User-Agent sent on every request that
// doesn't specify its own.
func (e *Engine) SetUserAgent(ua string) {
	e.userAgentMu.Lock()
	e.userAgent = ua
	e.userAgentMu.Unlock()
	e.logger.Info("user-agent updated", "user_agent", ua)
}

func (e *Engine) effectiveUserAgent(override string) string {
	if override != "" {
		return override
	}
	if ua := e.GetUserAgent(); ua != "" {
		return ua
	}
	return GenericUserAgent
}

// SetDefaultThreads sets the segment count used for new downloads that
// don't request a specific thread count.
func (e *Engine) SetDefaultThreads(n int) {
	if n < 1 {
		n = 1
	}
	if n > MaxSegments {
		n = MaxSegments
	}
	e.defaultThreadsMu.Lock()
	e.defaultThreads = n
	e.defaultThreadsMu.Unlock()
}

func (e *Engine) getDefaultThreads() int {
	e.defaultThreadsMu.RLock()
	defer e.defaultThreadsMu.RUnlock()
	return e.defaultThreads
}

// SetMaxConcurrent caps how many downloads run at once, clamped to
// [1, 10].
func (e *Engine) SetMaxConcurrent(n int) {
	e.workerMutex.Lock()
	defer e.workerMutex.Unlock()
	if n < 1 {
		n = 1
	}
	if n > 10 {
		n = 10
	}
	e.maxConcurrent = n
	e.queue.Broadcast()
}

// SetGlobalLimit sets the engine-wide download speed limit in bytes per
// second. 0 means unlimited.
func (e *Engine) SetGlobalLimit(bytesPerSec int) { e.bandwidth.SetLimit(bytesPerSec) }

// SetHostLimit caps concurrent downloads from domain. 0 means unlimited.
func (e *Engine) SetHostLimit(domain string, limit int) { e.admitter.SetHostLimit(domain, limit) }

// GetHostLimit returns the configured cap for domain, or 0 if unlimited.
func (e *Engine) GetHostLimit(domain string) int { return e.admitter.GetHostLimit(domain) }

// Apply pushes a Settings snapshot into the engine's live tunables. The
// composition root calls this once at startup and again whenever the
// user changes a setting.
func (e *Engine) Apply(s config.Settings) {
	e.SetMaxConcurrent(s.MaxConcurrentDownloads)
	e.SetDefaultThreads(s.ThreadsPerDownload)
	e.SetGlobalLimit(int(s.GlobalSpeedLimitBps))
	e.setAutoRetryFailed(s.AutoRetryFailed)
	_ = e.store.SetString("enable_integrity_check", strconv.FormatBool(s.EnableIntegrityCheck))
}

func (e *Engine) setAutoRetryFailed(enabled bool) {
	e.autoRetryMu.Lock()
	e.autoRetryFailed = enabled
	e.autoRetryMu.Unlock()
}

func (e *Engine) getAutoRetryFailed() bool {
	e.autoRetryMu.RLock()
	defer e.autoRetryMu.RUnlock()
	return e.autoRetryFailed
}

// maxRetryBackoff caps the auto-retry delay regardless of attempt count.
const maxRetryBackoff = 60 * time.Second

// retryBackoffBase is the base delay for auto-retry's exponential
// backoff, var rather than const so tests can shrink it.
var retryBackoffBase = 5 * time.Second

// scheduleAutoRetry requeues a failed download after an exponential
// backoff (retryBackoffBase * 2^attempt, capped at maxRetryBackoff),
// tracking attempt counts in memory so they reset across process
// restarts.
func (e *Engine) scheduleAutoRetry(downloadID string) {
	e.retryMu.Lock()
	attempt := e.retryAttempts[downloadID]
	e.retryAttempts[downloadID] = attempt + 1
	e.retryMu.Unlock()

	delay := retryBackoffBase * (1 << attempt)
	if delay > maxRetryBackoff {
		delay = maxRetryBackoff
	}

	time.AfterFunc(delay, func() {
		if err := e.Resume(downloadID); err != nil {
			e.logger.Warn("auto-retry failed to requeue download", "id", downloadID, "error", err)
		}
	})
}

func (e *Engine) clearRetryAttempts(downloadID string) {
	e.retryMu.Lock()
	delete(e.retryAttempts, downloadID)
	e.retryMu.Unlock()
}

// AddParams describes a new download request.
type AddParams struct {
	URL           string
	Referrer      string
	SaveDir       string // destination directory; combined with a resolved filename
	Filename      string // explicit filename override; empty lets probe/organizer decide
	Headers       map[string]string
	Cookies       []*http.Cookie
	Priority      string // high, normal, low; defaults to normal
	Threads       int    // 0 uses the engine default
	UserAgent     string
	ChecksumValue string
	ChecksumType  string
}

// Add creates a queued download row, queues it, and returns the created
// record. The supervisor probes the URL and resolves the final save path
// only once it is dispatched, so Add never blocks on the network.
func (e *Engine) Add(p AddParams) (storage.Download, error) {
	if p.URL == "" {
		return storage.Download{}, fmt.Errorf("empty URL")
	}
	priority := p.Priority
	if priority != "high" && priority != "normal" && priority != "low" {
		priority = "normal"
	}
	threads := p.Threads
	if threads <= 0 {
		threads = e.getDefaultThreads()
	}

	headers, _ := marshalHeaders(p.Headers)

	d := storage.Download{
		ID:            uuid.New().String(),
		URL:           p.URL,
		Referrer:      p.Referrer,
		Filename:      p.Filename,
		SavePath:      p.SaveDir,
		Status:        "queued",
		Threads:       threads,
		Priority:      priority,
		QueueOrder:    e.queue.NextOrder(),
		ChecksumValue: p.ChecksumValue,
		ChecksumType:  p.ChecksumType,
		Headers:       headers,
		CreatedAt:     time.Now().UnixMilli(),
	}

	if err := e.store.InsertDownload(d, nil); err != nil {
		return storage.Download{}, fmt.Errorf("save download: %w", err)
	}

	e.queue.Push(&d)
	e.notifyActivity()
	e.emit(Event{Kind: EventQueued, DownloadID: d.ID})
	return d, nil
}

// Pause cancels an active download's in-flight fetches, leaving
// completed segment bytes on disk so Resume can pick up where it left
// off. Pausing a download that isn't running just marks it paused.
func (e *Engine) Pause(id string) error {
	if val, ok := e.active.Load(id); ok {
		ad := val.(*activeDownload)
		ad.intent.Store("pause")
		ad.cancel()
		return nil
	}

	if e.queue.Remove(id) {
		return e.store.UpdateDownloadStatus(id, "paused")
	}

	d, err := e.store.GetDownload(id)
	if err != nil {
		return ErrNotFound
	}
	if d.Status != "downloading" && d.Status != "queued" && d.Status != "pending" {
		return ErrInvalidState
	}
	return e.store.UpdateDownloadStatus(id, "paused")
}

// Resume re-queues a paused, errored, needs-auth, or cancelled download.
func (e *Engine) Resume(id string) error {
	d, err := e.store.GetDownload(id)
	if err != nil {
		return ErrNotFound
	}
	resumable := map[string]bool{"paused": true, "error": true, StatusNeedsAuth: true, "cancelled": true}
	if !resumable[d.Status] {
		return ErrInvalidState
	}

	d.Status = "queued"
	d.LastError = ""
	if err := e.store.UpdateDownloadStatus(id, "queued"); err != nil {
		return err
	}
	e.queue.Push(&d)
	e.notifyActivity()
	e.emit(Event{Kind: EventResumed, DownloadID: id})
	return nil
}

// Retry resets a failed or needs-auth download's progress and re-queues
// it from scratch, used when the underlying URL has changed or the
// server rejected all resume attempts.
func (e *Engine) Retry(id, newURL string) error {
	d, err := e.store.GetDownload(id)
	if err != nil {
		return ErrNotFound
	}
	if newURL != "" {
		d.URL = newURL
	}
	d.Status = "queued"
	d.LastError = ""
	d.DownloadedBytes = 0
	if err := e.store.UpdateDownload(d); err != nil {
		return err
	}
	if err := e.store.ReplaceSegments(id, nil); err != nil {
		return err
	}
	e.queue.Push(&d)
	e.emit(Event{Kind: EventQueued, DownloadID: id})
	return nil
}

// Cancel stops an active download and marks it cancelled rather than
// paused. The partial file and segment rows are left in place; Resume
// continues from them and Retry starts over.
func (e *Engine) Cancel(id string) error {
	if val, ok := e.active.Load(id); ok {
		ad := val.(*activeDownload)
		ad.intent.Store("cancel")
		ad.cancel()
	} else {
		e.queue.Remove(id)
	}
	if err := e.store.UpdateDownloadStatus(id, "cancelled"); err != nil {
		return err
	}
	e.emit(Event{Kind: EventCancelled, DownloadID: id})
	return nil
}

// Remove cancels (if active) and deletes a download's record and
// segments. It does not delete the partial file on disk.
func (e *Engine) Remove(id string) error {
	if val, ok := e.active.Load(id); ok {
		ad := val.(*activeDownload)
		ad.cancel()
	}
	e.queue.Remove(id)
	e.clearRetryAttempts(id)
	return e.store.DeleteDownload(id)
}

// RecoverInterruptedDownloads moves any download left in a running state
// by an unclean shutdown to paused, so it can be resumed deliberately
// rather than silently continuing with a stale file handle.
func (e *Engine) RecoverInterruptedDownloads() {
	downloads, err := e.store.ListActiveDownloads()
	if err != nil {
		e.logger.Error("failed to recover interrupted downloads", "error", err)
		return
	}
	for _, d := range downloads {
		if d.Status == "downloading" || d.Status == "pending" {
			if err := e.store.UpdateDownloadStatus(d.ID, "paused"); err != nil {
				e.logger.Error("failed to pause interrupted download", "id", d.ID, "error", err)
				continue
			}
			e.logger.Info("recovered interrupted download", "id", d.ID, "filename", d.Filename)
			continue
		}
		if d.Status == "queued" {
			e.queue.Push(&d)
		}
	}
}

// SetPriority reorders a still-queued download and persists its new
// priority bucket. A no-op (not an error) if the download isn't
// currently queued — e.g. it's already running or terminal.
func (e *Engine) SetPriority(id, priority string) error {
	if priority != "high" && priority != "normal" && priority != "low" {
		return fmt.Errorf("invalid priority %q", priority)
	}
	if !e.queue.SetPriority(id, priority) {
		return nil
	}
	d, err := e.store.GetDownload(id)
	if err != nil {
		return err
	}
	d.Priority = priority
	return e.store.UpdateDownload(d)
}

// PauseAll pauses every active or queued download.
func (e *Engine) PauseAll() error {
	downloads, err := e.store.ListActiveDownloads()
	if err != nil {
		return err
	}
	for _, d := range downloads {
		if err := e.Pause(d.ID); err != nil && err != ErrInvalidState {
			e.logger.Warn("pauseAll: failed to pause download", "id", d.ID, "error", err)
		}
	}
	return nil
}

// ResumeAll re-queues every persisted paused download.
func (e *Engine) ResumeAll() error {
	downloads, err := e.store.ListDownloadsByStatus("paused", 0)
	if err != nil {
		return err
	}
	for _, d := range downloads {
		if err := e.Resume(d.ID); err != nil {
			e.logger.Warn("resumeAll: failed to resume download", "id", d.ID, "error", err)
		}
	}
	return nil
}

// Clear drops every download still waiting in the dispatch queue,
// marking each paused rather than leaving it queued with nothing
// tracking it.
func (e *Engine) Clear() error {
	for _, d := range e.queue.Clear() {
		if err := e.store.UpdateDownloadStatus(d.ID, "paused"); err != nil {
			e.logger.Warn("clear: failed to persist paused status", "id", d.ID, "error", err)
		}
	}
	return nil
}

// Stats reports the dispatch queue's current pending/active/total counts.
func (e *Engine) Stats() queue.Stats {
	e.workerMutex.Lock()
	active := e.runningDownloads
	e.workerMutex.Unlock()
	return e.queue.Stats(active)
}

// EnqueueScheduled satisfies scheduler.Enqueuer: it loads a download by
// ID and pushes it onto the dispatch queue, used by the scheduler when a
// scheduled trigger fires.
func (e *Engine) EnqueueScheduled(downloadID string) error {
	d, err := e.store.GetDownload(downloadID)
	if err != nil {
		return err
	}
	if err := e.store.UpdateDownloadStatus(downloadID, "queued"); err != nil {
		return err
	}
	d.Status = "queued"
	e.queue.Push(&d)
	e.notifyActivity()
	e.emit(Event{Kind: EventQueued, DownloadID: downloadID})
	return nil
}

// Shutdown cancels all active downloads, waits briefly for their
// supervisors to unwind, and checkpoints the database.
func (e *Engine) Shutdown() error {
	e.logger.Info("engine shutting down")

	e.active.Range(func(_, value interface{}) bool {
		value.(*activeDownload).cancel()
		return true
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		e.workerMutex.Lock()
		count := e.runningDownloads
		e.workerMutex.Unlock()
		if count == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := e.store.Checkpoint(); err != nil {
		e.logger.Error("failed to checkpoint db", "error", err)
		return err
	}
	e.logger.Info("engine shutdown complete")
	return nil
}

// dispatchLoop pulls eligible downloads from the admitter and spawns a
// supervisor goroutine for each, respecting the global concurrency cap.
func (e *Engine) dispatchLoop() {
	for {
		e.workerMutex.Lock()
		active := e.runningDownloads
		max := e.maxConcurrent
		e.workerMutex.Unlock()

		d := e.admitter.Next(active, max)
		if d == nil {
			e.queue.Wait()
			continue
		}

		e.workerMutex.Lock()
		e.runningDownloads++
		e.workerMutex.Unlock()
		e.admitter.OnStarted(d)

		go func(d *storage.Download) {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("supervisor panic recovered", "id", d.ID, "panic", r)
					e.failDownload(d, fmt.Sprintf("internal error: %v", r))
				}
				e.workerMutex.Lock()
				e.runningDownloads--
				e.workerMutex.Unlock()
				e.admitter.OnCompleted(d)
				e.queue.Signal()
			}()
			e.runDownload(d)
		}(d)
	}
}

func (e *Engine) failDownload(d *storage.Download, reason string) {
	d.Status = "error"
	d.LastError = reason
	_ = e.store.UpdateDownload(*d)
	e.logger.Error("download failed", "id", d.ID, "reason", reason)
	if e.auditor != nil {
		e.auditor.Log("download_failed", d.ID, reason)
	}
	e.emit(Event{Kind: EventError, DownloadID: d.ID, Message: reason})
	if e.getAutoRetryFailed() {
		e.scheduleAutoRetry(d.ID)
	}
}

func marshalHeaders(h map[string]string) (string, error) {
	if len(h) == 0 {
		return "", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	var h map[string]string
	_ = json.Unmarshal([]byte(s), &h)
	return h
}

// CheckFreeSpace exposes the filearena preflight check so callers can
// validate a destination before calling Add.
func CheckFreeSpace(dir string, size int64) error { return filearena.CheckFreeSpace(dir, size) }
