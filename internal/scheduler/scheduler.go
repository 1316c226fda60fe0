// Package scheduler fires future and recurring triggers that enqueue a
// download, and optionally shuts the engine down once its triggered work
// completes.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tachyonengine/internal/storage"
)

// Enqueuer is the subset of engine behavior the scheduler needs: turning
// a due Schedule into a running or queued download.
type Enqueuer interface {
	EnqueueScheduled(downloadID string) error
}

// Scheduler polls storage for due schedules and dispatches them.
type Scheduler struct {
	logger    *slog.Logger
	store     *storage.Storage
	enqueuer  Enqueuer
	interval  time.Duration
	onShutdown func()

	mu      sync.Mutex
	cancel  context.CancelFunc
}

// New builds a Scheduler that checks for due schedules every interval.
// onShutdown, if non-nil, is invoked when a schedule flagged AutoShutdown
// fires and its download completes, after a 60s grace period — wired to
// the engine's own shutdown.
func New(logger *slog.Logger, store *storage.Storage, enqueuer Enqueuer, interval time.Duration, onShutdown func()) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{logger: logger, store: store, enqueuer: enqueuer, interval: interval, onShutdown: onShutdown}
}

// Run blocks, polling for due schedules until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// Stop ends the scheduler's polling loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) tick() {
	schedules, err := s.store.ListEnabledSchedules()
	if err != nil {
		if s.logger != nil {
			s.logger.Error("list schedules failed", "error", err)
		}
		return
	}

	now := time.Now().UnixMilli()
	for _, sched := range schedules {
		if sched.ScheduledTime > now {
			continue
		}
		if now-sched.ScheduledTime > (5 * time.Minute).Milliseconds() {
			// Too late to fire: a one-shot is disabled and a recurring
			// schedule moves to its next future occurrence.
			next, stillEnabled := nextOccurrence(sched)
			if err := s.store.UpdateScheduleNextRun(sched.ID, next, stillEnabled); err != nil && s.logger != nil {
				s.logger.Error("update schedule failed", "id", sched.ID, "error", err)
			}
			continue
		}
		s.fire(sched)
	}
}

func (s *Scheduler) fire(sched storage.Schedule) {
	if s.logger != nil {
		s.logger.Info("schedule fired", "id", sched.ID, "download_id", sched.DownloadID)
	}

	if err := s.enqueuer.EnqueueScheduled(sched.DownloadID); err != nil {
		if s.logger != nil {
			s.logger.Error("scheduled enqueue failed", "download_id", sched.DownloadID, "error", err)
		}
	}

	next, stillEnabled := nextOccurrence(sched)
	if err := s.store.UpdateScheduleNextRun(sched.ID, next, stillEnabled); err != nil && s.logger != nil {
		s.logger.Error("update schedule failed", "id", sched.ID, "error", err)
	}

	if sched.AutoShutdown && s.onShutdown != nil {
		go s.watchForShutdown(sched.DownloadID)
	}
}

// nextOccurrence advances a recurring schedule to its first occurrence
// after now, or disables a one-shot.
func nextOccurrence(sched storage.Schedule) (int64, bool) {
	var step int64
	switch sched.Repeat {
	case "daily":
		step = int64(24 * time.Hour / time.Millisecond)
	case "weekly":
		step = int64(7 * 24 * time.Hour / time.Millisecond)
	default:
		return sched.ScheduledTime, false
	}
	next := sched.ScheduledTime + step
	if now := time.Now().UnixMilli(); next <= now {
		next += ((now-next)/step + 1) * step
	}
	return next, true
}

// watchForShutdown polls every 5s until downloadID completes, then waits
// a 60s grace period and invokes the configured shutdown hook. If the
// download ends in error or is cancelled, the watch stops without
// invoking the hook. Used for "download then quit" triggers.
func (s *Scheduler) watchForShutdown(downloadID string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		d, err := s.store.GetDownload(downloadID)
		if err != nil {
			return
		}
		switch d.Status {
		case "completed":
			time.Sleep(60 * time.Second)
			s.onShutdown()
			return
		case "error", "cancelled":
			return
		}
	}
}
