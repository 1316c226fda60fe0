package analytics

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyonengine/internal/storage"
)

func mockDownloadPathFn() (string, error) {
	return "/tmp/downloads", nil
}

func TestManagerTracksLifetimeAndDailyStats(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewStorageAt(filepath.Join(dir, "engine.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.IncrementDailyBytes(1024))
	require.NoError(t, store.IncrementDailyFiles())

	m := NewManager(store, mockDownloadPathFn)

	bytes, err := m.GetLifetimeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(1024), bytes)

	files, err := m.GetLifetimeFiles()
	require.NoError(t, err)
	assert.Equal(t, int64(1), files)

	daily, err := m.GetDailyHistory(7)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(daily), 7)
}

func TestManagerReportsDiskUsage(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewStorageAt(filepath.Join(dir, "engine.db"))
	require.NoError(t, err)
	defer store.Close()

	m := NewManager(store, func() (string, error) { return dir, nil })
	usage := m.GetDiskUsage()
	assert.GreaterOrEqual(t, usage.Percent, 0.0)
	assert.LessOrEqual(t, usage.Percent, 100.0)
}

func TestManagerCurrentSpeed(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewStorageAt(filepath.Join(dir, "engine.db"))
	require.NoError(t, err)
	defer store.Close()

	m := NewManager(store, mockDownloadPathFn)
	m.UpdateCurrentSpeed(5000)
	assert.Equal(t, int64(5000), m.GetCurrentSpeed())
}
