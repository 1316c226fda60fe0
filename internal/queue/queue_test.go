package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tachyonengine/internal/storage"
)

func TestQueueOrdersByPriorityThenQueueOrder(t *testing.T) {
	q := NewQueue()
	q.Push(&storage.Download{ID: "a", Priority: "normal", QueueOrder: 1})
	q.Push(&storage.Download{ID: "b", Priority: "high", QueueOrder: 2})
	q.Push(&storage.Download{ID: "c", Priority: "low", QueueOrder: 3})
	q.Push(&storage.Download{ID: "d", Priority: "normal", QueueOrder: 0})

	snapshot := q.Snapshot()
	ids := make([]string, len(snapshot))
	for i, d := range snapshot {
		ids[i] = d.ID
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, ids)
}

func TestQueueRemove(t *testing.T) {
	q := NewQueue()
	q.Push(&storage.Download{ID: "a", Priority: "normal"})
	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))
	assert.Equal(t, 0, q.Len())
}

func TestQueueMoveToFirstAndLast(t *testing.T) {
	q := NewQueue()
	q.Push(&storage.Download{ID: "a", Priority: "normal", QueueOrder: 1})
	q.Push(&storage.Download{ID: "b", Priority: "normal", QueueOrder: 2})
	q.Push(&storage.Download{ID: "c", Priority: "normal", QueueOrder: 3})

	assert.True(t, q.MoveToFirst("c"))
	snapshot := q.Snapshot()
	assert.Equal(t, "c", snapshot[0].ID)

	assert.True(t, q.MoveToLast("c"))
	snapshot = q.Snapshot()
	assert.Equal(t, "c", snapshot[len(snapshot)-1].ID)
}

func TestAdmitterRespectsHostLimit(t *testing.T) {
	q := NewQueue()
	a := NewAdmitter(nil, q)
	a.SetHostLimit("example.com", 1)

	d1 := &storage.Download{ID: "1", URL: "http://example.com/a", Priority: "normal"}
	d2 := &storage.Download{ID: "2", URL: "http://example.com/b", Priority: "normal", QueueOrder: 1}
	d3 := &storage.Download{ID: "3", URL: "http://other.com/c", Priority: "normal", QueueOrder: 2}
	q.Push(d1)
	q.Push(d2)
	q.Push(d3)

	first := a.Next(0, 10)
	assert.Equal(t, "1", first.ID)
	a.OnStarted(first)

	// example.com is now at its limit of 1, so other.com's download should
	// be admitted ahead of example.com's second queued item.
	next := a.Next(1, 10)
	assert.Equal(t, "3", next.ID)

	a.OnCompleted(first)
	next = a.Next(1, 10)
	assert.Equal(t, "2", next.ID)
}

func TestAdmitterRespectsGlobalConcurrency(t *testing.T) {
	q := NewQueue()
	a := NewAdmitter(nil, q)
	q.Push(&storage.Download{ID: "1", Priority: "normal"})

	assert.Nil(t, a.Next(5, 5))
}

func TestQueueSetPriorityReordersAndReportsMissing(t *testing.T) {
	q := NewQueue()
	q.Push(&storage.Download{ID: "a", Priority: "low", QueueOrder: 1})
	q.Push(&storage.Download{ID: "b", Priority: "normal", QueueOrder: 2})

	assert.True(t, q.SetPriority("a", "high"))
	snapshot := q.Snapshot()
	assert.Equal(t, "a", snapshot[0].ID)

	assert.False(t, q.SetPriority("missing", "high"))
}

func TestQueueClearDrainsAndReturnsItems(t *testing.T) {
	q := NewQueue()
	q.Push(&storage.Download{ID: "a", Priority: "normal"})
	q.Push(&storage.Download{ID: "b", Priority: "normal"})

	drained := q.Clear()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, q.Len())
}

func TestQueueStatsSumsPendingAndActive(t *testing.T) {
	q := NewQueue()
	q.Push(&storage.Download{ID: "a", Priority: "normal"})
	q.Push(&storage.Download{ID: "b", Priority: "normal"})

	stats := q.Stats(3)
	assert.Equal(t, Stats{Pending: 2, Active: 3, Size: 5}, stats)
}
