package progresspump

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyonengine/internal/engine"
)

type fakeEngine struct {
	snapshots chan []engine.DownloadProgress
	current   []engine.DownloadProgress
	activity  chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{activity: make(chan struct{}, 1)}
}

func (f *fakeEngine) Snapshot() []engine.DownloadProgress { return f.current }
func (f *fakeEngine) Activity() <-chan struct{}           { return f.activity }

func (f *fakeEngine) setActive(dp []engine.DownloadProgress) {
	f.current = dp
	select {
	case f.activity <- struct{}{}:
	default:
	}
}

func TestPumpIdlesWithNoActiveDownloads(t *testing.T) {
	fe := newFakeEngine()
	p := New(fe)
	_, ch := p.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	go p.Run(ctx)

	select {
	case snap := <-ch:
		t.Fatalf("expected no broadcast while idle, got %v", snap)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPumpBroadcastsOnActivity(t *testing.T) {
	fe := newFakeEngine()
	p := New(fe)
	_, ch := p.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	fe.setActive([]engine.DownloadProgress{{ID: "dl-1", Status: "downloading"}})

	select {
	case snap := <-ch:
		require.Len(t, snap, 1)
		assert.Equal(t, "dl-1", snap[0].ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestSetVisibleTracksSubscribers(t *testing.T) {
	fe := newFakeEngine()
	p := New(fe)
	id, _ := p.Subscribe()

	assert.False(t, p.anyVisible())
	p.SetVisible(id, true)
	assert.True(t, p.anyVisible())
	p.SetVisible(id, false)
	assert.False(t, p.anyVisible())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	fe := newFakeEngine()
	p := New(fe)
	id, ch := p.Subscribe()
	p.Unsubscribe(id)

	p.broadcast([]engine.DownloadProgress{{ID: "dl-1"}})
	select {
	case <-ch:
		t.Fatal("unsubscribed channel should not receive broadcasts")
	default:
	}
}
