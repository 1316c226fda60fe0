// Package analytics reports throughput history and disk usage for the
// download directory, backed by the storage package's daily-stat rows.
package analytics

import (
	"path/filepath"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/disk"

	"tachyonengine/internal/storage"
)

// DiskUsage summarizes free/used space on the download volume.
type DiskUsage struct {
	UsedGB  float64 `json:"used_gb"`
	FreeGB  float64 `json:"free_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

// Snapshot is a point-in-time view of lifetime and recent stats.
type Snapshot struct {
	TotalDownloadedBytes int64            `json:"total_downloaded_bytes"`
	TotalFiles           int64            `json:"total_files"`
	DailyHistory         map[string]int64 `json:"daily_history"`
	DiskUsage            DiskUsage        `json:"disk_usage"`
	CurrentSpeedBps      int64            `json:"current_speed_bps"`
}

// Manager aggregates per-download progress into the daily stats table
// and reports lifetime/disk analytics on demand.
type Manager struct {
	store          *storage.Storage
	currentSpeed   int64 // atomic, bytes/sec across all active downloads
	downloadPathFn func() (string, error)
}

// NewManager creates a Manager. downloadPathFn resolves the directory
// whose volume GetDiskUsage should report on.
func NewManager(store *storage.Storage, downloadPathFn func() (string, error)) *Manager {
	return &Manager{store: store, downloadPathFn: downloadPathFn}
}

// UpdateCurrentSpeed records the instantaneous aggregate download speed.
func (m *Manager) UpdateCurrentSpeed(bytesPerSec int64) {
	atomic.StoreInt64(&m.currentSpeed, bytesPerSec)
}

// GetCurrentSpeed returns the last recorded aggregate speed.
func (m *Manager) GetCurrentSpeed() int64 {
	return atomic.LoadInt64(&m.currentSpeed)
}

// GetLifetimeBytes returns total bytes downloaded across all time.
func (m *Manager) GetLifetimeBytes() (int64, error) {
	return m.store.GetTotalLifetimeBytes()
}

// GetLifetimeFiles returns total files completed across all time.
func (m *Manager) GetLifetimeFiles() (int64, error) {
	return m.store.GetTotalLifetimeFiles()
}

// GetDailyHistory returns the last days of throughput, keyed by
// YYYY-MM-DD.
func (m *Manager) GetDailyHistory(days int) (map[string]int64, error) {
	stats, err := m.store.GetDailyHistory(days)
	if err != nil {
		return nil, err
	}
	res := make(map[string]int64, len(stats))
	for _, s := range stats {
		res[s.Date] = s.Bytes
	}
	return res, nil
}

// GetDiskUsage reports free/used space on the volume backing the
// configured download directory.
func (m *Manager) GetDiskUsage() DiskUsage {
	if m.downloadPathFn == nil {
		return DiskUsage{}
	}
	path, err := m.downloadPathFn()
	if err != nil {
		return DiskUsage{}
	}

	volume := filepath.VolumeName(path)
	if volume == "" {
		volume = "/"
	} else {
		volume += string(filepath.Separator)
	}

	usage, err := disk.Usage(volume)
	if err != nil {
		return DiskUsage{}
	}

	const bytesPerGB = 1024 * 1024 * 1024
	return DiskUsage{
		UsedGB:  float64(usage.Used) / bytesPerGB,
		FreeGB:  float64(usage.Free) / bytesPerGB,
		TotalGB: float64(usage.Total) / bytesPerGB,
		Percent: usage.UsedPercent,
	}
}

// GetSnapshot returns the full analytics view in one call.
func (m *Manager) GetSnapshot() Snapshot {
	lifetime, _ := m.GetLifetimeBytes()
	files, _ := m.GetLifetimeFiles()
	daily, _ := m.GetDailyHistory(7)

	return Snapshot{
		TotalDownloadedBytes: lifetime,
		TotalFiles:           files,
		DailyHistory:         daily,
		DiskUsage:            m.GetDiskUsage(),
		CurrentSpeedBps:      m.GetCurrentSpeed(),
	}
}
