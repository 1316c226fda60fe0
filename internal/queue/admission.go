package queue

import (
	"log/slog"
	"sync"

	"tachyonengine/internal/storage"
)

// Admitter picks the next eligible download from a Queue, subject to a
// global concurrency cap and per-host concurrency limits.
type Admitter struct {
	logger        *slog.Logger
	queue         *Queue
	hostLimits    map[string]int // domain -> max concurrent
	activePerHost map[string]int // domain -> currently running
	mu            sync.Mutex
}

func NewAdmitter(logger *slog.Logger, q *Queue) *Admitter {
	return &Admitter{
		logger:        logger,
		queue:         q,
		hostLimits:    make(map[string]int),
		activePerHost: make(map[string]int),
	}
}

// SetHostLimit caps concurrent downloads from domain. 0 means unlimited.
func (a *Admitter) SetHostLimit(domain string, limit int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hostLimits[domain] = limit
}

// GetHostLimit returns the configured cap for domain, or 0 if unlimited.
func (a *Admitter) GetHostLimit(domain string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hostLimits[domain]
}

// OnStarted records that a download from d's host is now running.
func (a *Admitter) OnStarted(d *storage.Download) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activePerHost[extractDomain(d.URL)]++
}

// OnCompleted records that a download from d's host has stopped running
// (successfully, by error, or by cancellation) and wakes the queue so a
// newly free host slot can be considered.
func (a *Admitter) OnCompleted(d *storage.Download) {
	a.mu.Lock()
	domain := extractDomain(d.URL)
	if a.activePerHost[domain] > 0 {
		a.activePerHost[domain]--
	}
	a.mu.Unlock()
	a.queue.Broadcast()
}

// Next returns the next download eligible to start given activeCount
// currently running against maxConcurrent, respecting per-host limits.
// Eligible downloads may be skipped over (picked out of order) when an
// earlier-queued download's host is at its limit; this is a deliberate
// scheduling choice, not a bug — see the queue's priority ordering for
// the escape hatch (bump priority to jump ahead regardless of host).
func (a *Admitter) Next(activeCount, maxConcurrent int) *storage.Download {
	if activeCount >= maxConcurrent {
		return nil
	}

	for _, d := range a.queue.Snapshot() {
		domain := extractDomain(d.URL)
		a.mu.Lock()
		limit := a.hostLimits[domain]
		active := a.activePerHost[domain]
		a.mu.Unlock()

		if limit > 0 && active >= limit {
			continue
		}
		if a.queue.Remove(d.ID) {
			return d
		}
	}
	return nil
}
