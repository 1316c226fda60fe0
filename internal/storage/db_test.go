package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStorageAt(filepath.Join(dir, "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndGetDownload(t *testing.T) {
	s := newTestStorage(t)

	d := Download{
		ID:        "dl-1",
		URL:       "http://example.com/file.bin",
		Filename:  "file.bin",
		TotalSize: 3000,
		Status:    "pending",
		Threads:   3,
		CreatedAt: 1000,
	}
	segments := []Segment{
		{Index: 0, StartByte: 0, EndByte: 999, Status: "pending"},
		{Index: 1, StartByte: 1000, EndByte: 1999, Status: "pending"},
		{Index: 2, StartByte: 2000, EndByte: 2999, Status: "pending"},
	}

	require.NoError(t, s.InsertDownload(d, segments))

	got, err := s.GetDownload("dl-1")
	require.NoError(t, err)
	assert.Equal(t, "file.bin", got.Filename)
	assert.Equal(t, int64(3000), got.TotalSize)

	storedSegments, err := s.GetSegments("dl-1")
	require.NoError(t, err)
	require.Len(t, storedSegments, 3)
	assert.Equal(t, int64(0), storedSegments[0].StartByte)
	assert.Equal(t, int64(2999), storedSegments[2].EndByte)
}

func TestUpdateDownloadProgressAndStatus(t *testing.T) {
	s := newTestStorage(t)
	d := Download{ID: "dl-2", URL: "http://example.com/a", Status: "downloading", CreatedAt: 1}
	require.NoError(t, s.InsertDownload(d, nil))

	require.NoError(t, s.UpdateDownloadProgress("dl-2", 512))
	require.NoError(t, s.UpdateDownloadStatus("dl-2", "completed"))

	got, err := s.GetDownload("dl-2")
	require.NoError(t, err)
	assert.Equal(t, int64(512), got.DownloadedBytes)
	assert.Equal(t, "completed", got.Status)
}

func TestListDownloadsByStatus(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.InsertDownload(Download{ID: "a", Status: "downloading", CreatedAt: 1}, nil))
	require.NoError(t, s.InsertDownload(Download{ID: "b", Status: "paused", CreatedAt: 2}, nil))
	require.NoError(t, s.InsertDownload(Download{ID: "c", Status: "downloading", CreatedAt: 3}, nil))

	active, err := s.ListDownloadsByStatus("downloading", 0)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestDeleteDownloadCascadesSegments(t *testing.T) {
	s := newTestStorage(t)
	d := Download{ID: "dl-3", Status: "completed", CreatedAt: 1}
	segments := []Segment{{Index: 0, StartByte: 0, EndByte: 99}}
	require.NoError(t, s.InsertDownload(d, segments))

	require.NoError(t, s.DeleteDownload("dl-3"))

	_, err := s.GetDownload("dl-3")
	assert.Error(t, err)

	remaining, err := s.GetSegments("dl-3")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestBulkUpdateSegments(t *testing.T) {
	s := newTestStorage(t)
	d := Download{ID: "dl-4", Status: "downloading", CreatedAt: 1}
	segments := []Segment{
		{Index: 0, StartByte: 0, EndByte: 99, Status: "active"},
		{Index: 1, StartByte: 100, EndByte: 199, Status: "active"},
	}
	require.NoError(t, s.InsertDownload(d, segments))

	stored, err := s.GetSegments("dl-4")
	require.NoError(t, err)
	require.Len(t, stored, 2)

	stored[0].DownloadedBytes = 100
	stored[0].Status = "completed"
	stored[1].DownloadedBytes = 50
	require.NoError(t, s.BulkUpdateSegments(stored))

	after, err := s.GetSegments("dl-4")
	require.NoError(t, err)
	assert.Equal(t, int64(100), after[0].DownloadedBytes)
	assert.Equal(t, "completed", after[0].Status)
	assert.Equal(t, int64(50), after[1].DownloadedBytes)
}

func TestAppSettingsStringList(t *testing.T) {
	s := newTestStorage(t)

	require.NoError(t, s.SetStringList("blocked_domains", []string{"ads.example.com", "tracker.example.net"}))

	list, err := s.GetStringList("blocked_domains")
	require.NoError(t, err)
	assert.Equal(t, []string{"ads.example.com", "tracker.example.net"}, list)

	empty, err := s.GetStringList("never_set")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDailyStatsAccumulate(t *testing.T) {
	s := newTestStorage(t)

	require.NoError(t, s.IncrementDailyBytes(1000))
	require.NoError(t, s.IncrementDailyBytes(500))
	require.NoError(t, s.IncrementDailyFiles())

	total, err := s.GetTotalLifetimeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(1500), total)

	files, err := s.GetTotalLifetimeFiles()
	require.NoError(t, err)
	assert.Equal(t, int64(1), files)
}

func TestScheduleLifecycle(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.InsertDownload(Download{ID: "dl-5", Status: "pending", CreatedAt: 1}, nil))

	sched, err := s.InsertSchedule(Schedule{DownloadID: "dl-5", ScheduledTime: 5000, Repeat: "daily", Enabled: true})
	require.NoError(t, err)
	require.NotZero(t, sched.ID)

	list, err := s.ListEnabledSchedules()
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.UpdateScheduleNextRun(sched.ID, 5000+86400000, true))
	list, err = s.ListEnabledSchedules()
	require.NoError(t, err)
	assert.Equal(t, int64(5000+86400000), list[0].ScheduledTime)

	require.NoError(t, s.DeleteSchedule(sched.ID))
	list, err = s.ListEnabledSchedules()
	require.NoError(t, err)
	assert.Empty(t, list)
}
