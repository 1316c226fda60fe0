// Package progresspump periodically pulls a progress snapshot from the
// engine and broadcasts it to subscribers, backing off to no activity at
// all while the engine's snapshot is empty (it lists every non-terminal
// download, queued and paused ones included) and to a slower cadence
// while no subscriber reports itself visible.
package progresspump

import (
	"context"
	"sync"
	"time"

	"tachyonengine/internal/engine"
)

// VisibleInterval is the tick period while at least one subscriber has
// called SetVisible(id, true) — e.g. a foreground window.
const VisibleInterval = 100 * time.Millisecond

// BackgroundInterval is the tick period while no subscriber is visible.
const BackgroundInterval = 500 * time.Millisecond

// Snapshotter is the subset of Engine the pump depends on.
type Snapshotter interface {
	Snapshot() []engine.DownloadProgress
	Activity() <-chan struct{}
}

// Pump periodically broadcasts engine.DownloadProgress snapshots to
// subscriber channels. The zero value is not usable; construct with New.
type Pump struct {
	engine Snapshotter

	mu          sync.Mutex
	subscribers map[int]chan []engine.DownloadProgress
	visible     map[int]bool
	nextID      int
}

// New creates a Pump reading snapshots from eng.
func New(eng Snapshotter) *Pump {
	return &Pump{
		engine:      eng,
		subscribers: make(map[int]chan []engine.DownloadProgress),
		visible:     make(map[int]bool),
	}
}

// Subscribe registers a new listener and returns its ID (for
// Unsubscribe/SetVisible) and a channel that receives the latest
// snapshot on every tick. The channel is buffered 1; a slow consumer
// just sees a coalesced, slightly stale snapshot rather than blocking
// the pump.
func (p *Pump) Subscribe() (int, <-chan []engine.DownloadProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	ch := make(chan []engine.DownloadProgress, 1)
	p.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a listener.
func (p *Pump) Unsubscribe(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subscribers, id)
	delete(p.visible, id)
}

// SetVisible marks whether a subscriber is currently rendering progress
// on screen, controlling whether the pump runs at VisibleInterval or
// BackgroundInterval.
func (p *Pump) SetVisible(id int, visible bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if visible {
		p.visible[id] = true
	} else {
		delete(p.visible, id)
	}
}

func (p *Pump) anyVisible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.visible) > 0
}

func (p *Pump) broadcast(snapshot []engine.DownloadProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subscribers {
		select {
		case ch <- snapshot:
		default:
			// drain the stale pending snapshot and replace it, rather
			// than drop this tick entirely
			select {
			case <-ch:
			default:
			}
			ch <- snapshot
		}
	}
}

// Run drives the pump until ctx is cancelled. While the engine reports
// no active downloads, Run blocks on Activity() rather than polling.
func (p *Pump) Run(ctx context.Context) {
	for {
		snapshot := p.engine.Snapshot()
		if len(snapshot) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-p.engine.Activity():
				continue
			}
		}

		p.broadcast(snapshot)

		interval := BackgroundInterval
		if p.anyVisible() {
			interval = VisibleInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-p.engine.Activity():
		case <-time.After(interval):
		}
	}
}
