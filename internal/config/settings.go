// Package config wraps typed accessors over the storage key/value settings
// table and assembles them into a Settings snapshot the engine's
// composition root reads at startup and on Apply.
package config

import (
	"strconv"

	"tachyonengine/internal/storage"
)

// Keys for AppSettings rows in the database.
const (
	KeyMaxConcurrentDownloads = "max_concurrent_downloads"
	KeyGlobalSpeedLimit       = "global_speed_limit_bps"
	KeyAutoRetryFailed        = "auto_retry_failed"
	KeyThreadsPerDownload     = "threads_per_download"
	KeyEnableIntegrityCheck   = "enable_integrity_check"
	KeyDefaultDownloadDir     = "default_download_dir"
)

// Settings is a snapshot of the tunables the engine reads at construction
// and on every Apply call. Persistence format is intentionally this
// package's concern, not the engine's: callers build one however they
// like (this package's Manager, CLI flags, a future GUI) and hand it to
// the engine.
type Settings struct {
	MaxConcurrentDownloads int
	GlobalSpeedLimitBps    int64
	AutoRetryFailed        bool
	ThreadsPerDownload     int
	EnableIntegrityCheck   bool
	DefaultDownloadDir     string
}

// DefaultSettings returns the engine's out-of-the-box tunables.
func DefaultSettings() Settings {
	return Settings{
		MaxConcurrentDownloads: 5,
		GlobalSpeedLimitBps:    0,
		AutoRetryFailed:        true,
		ThreadsPerDownload:     4,
		EnableIntegrityCheck:   true,
	}
}

// Manager persists Settings fields in the storage key/value table, so a
// CLI or future UI can read/write individual tunables without round
// tripping a full Settings struct.
type Manager struct {
	storage *storage.Storage
}

func NewManager(s *storage.Storage) *Manager {
	return &Manager{storage: s}
}

// Load reads every known key, falling back to DefaultSettings for any
// that is unset or unparsable.
func (m *Manager) Load() Settings {
	defaults := DefaultSettings()

	s := Settings{
		MaxConcurrentDownloads: m.getInt(KeyMaxConcurrentDownloads, defaults.MaxConcurrentDownloads),
		GlobalSpeedLimitBps:    m.getInt64(KeyGlobalSpeedLimit, defaults.GlobalSpeedLimitBps),
		AutoRetryFailed:        m.getBool(KeyAutoRetryFailed, defaults.AutoRetryFailed),
		ThreadsPerDownload:     m.getInt(KeyThreadsPerDownload, defaults.ThreadsPerDownload),
		EnableIntegrityCheck:   m.getBool(KeyEnableIntegrityCheck, defaults.EnableIntegrityCheck),
	}
	if dir, err := m.storage.GetString(KeyDefaultDownloadDir); err == nil && dir != "" {
		s.DefaultDownloadDir = dir
	}
	return s
}

// Save persists every field of s to the settings table.
func (m *Manager) Save(s Settings) error {
	if err := m.storage.SetString(KeyMaxConcurrentDownloads, strconv.Itoa(s.MaxConcurrentDownloads)); err != nil {
		return err
	}
	if err := m.storage.SetString(KeyGlobalSpeedLimit, strconv.FormatInt(s.GlobalSpeedLimitBps, 10)); err != nil {
		return err
	}
	if err := m.storage.SetString(KeyAutoRetryFailed, strconv.FormatBool(s.AutoRetryFailed)); err != nil {
		return err
	}
	if err := m.storage.SetString(KeyThreadsPerDownload, strconv.Itoa(s.ThreadsPerDownload)); err != nil {
		return err
	}
	if err := m.storage.SetString(KeyEnableIntegrityCheck, strconv.FormatBool(s.EnableIntegrityCheck)); err != nil {
		return err
	}
	return m.storage.SetString(KeyDefaultDownloadDir, s.DefaultDownloadDir)
}

func (m *Manager) getInt(key string, fallback int) int {
	val, err := m.storage.GetString(key)
	if err != nil || val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func (m *Manager) getInt64(key string, fallback int64) int64 {
	val, err := m.storage.GetString(key)
	if err != nil || val == "" {
		return fallback
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func (m *Manager) getBool(key string, fallback bool) bool {
	val, err := m.storage.GetString(key)
	if err != nil || val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}
