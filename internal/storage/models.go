package storage

import (
	"gorm.io/gorm"
)

// Download represents a single download task in the database.
//
// Status is one of: pending, queued, downloading, paused, verifying,
// completed, error, cancelled, needs_auth.
type Download struct {
	ID              string         `gorm:"primaryKey" json:"id"`
	URL             string         `json:"url"`
	Referrer        string         `json:"referrer"`
	Filename        string         `json:"filename"`
	SavePath        string         `json:"save_path"`
	Mime            string         `json:"mime"`
	TotalSize       int64          `json:"total_size"`
	DownloadedBytes int64          `json:"downloaded_bytes"`
	Resumable       bool           `json:"resumable"`
	Status          string         `gorm:"index" json:"status"`
	Threads         int            `gorm:"default:1" json:"threads"`
	Priority        string         `gorm:"default:normal;index" json:"priority"` // high, normal, low
	QueueOrder      int            `gorm:"default:0" json:"queue_order"`
	ChecksumValue   string         `json:"checksum_value"`
	ChecksumType    string         `json:"checksum_type"` // md5, sha1, sha256, sha512
	ETag            string         `json:"etag"`
	LastModified    string         `json:"last_modified"`
	Headers         string         `json:"headers"` // JSON-serialized map[string]string
	LastError       string         `json:"last_error"`
	CreatedAt       int64          `gorm:"index" json:"created_at"` // unix millis
	CompletedAt     int64          `json:"completed_at"`            // unix millis, 0 if unset
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Download) TableName() string { return "downloads" }

// Segment is a single byte-range slice of a Download's target file.
//
// For a given download, segments partition [0, TotalSize-1] exactly:
// ordered by Index, contiguous, non-overlapping, StartByte of segment N+1
// equals EndByte+1 of segment N.
type Segment struct {
	ID              uint   `gorm:"primaryKey"`
	DownloadID      string `gorm:"index;uniqueIndex:idx_segment_download_index"`
	Index           int    `gorm:"uniqueIndex:idx_segment_download_index"`
	StartByte       int64
	EndByte         int64
	DownloadedBytes int64
	Status          string `gorm:"default:pending"` // pending, active, paused, completed, error
}

func (Segment) TableName() string { return "segments" }

// Schedule is a future or recurring trigger that enqueues a Download.
type Schedule struct {
	ID            uint   `gorm:"primaryKey"`
	DownloadID    string `gorm:"index"`
	ScheduledTime int64  `gorm:"index"` // unix millis
	Repeat        string `gorm:"default:none"` // none, daily, weekly
	AutoShutdown  bool   `gorm:"column:auto_shutdown"`
	Enabled       bool   `gorm:"default:true"`
}

func (Schedule) TableName() string { return "schedules" }

// DownloadLocation stores saved download destinations with nicknames,
// surfaced to clients as quick-pick save targets.
type DownloadLocation struct {
	Path     string `gorm:"primaryKey" json:"path"`
	Nickname string `json:"nickname"`
}

func (DownloadLocation) TableName() string { return "download_locations" }

// DailyStat tracks daily download throughput for the analytics view.
type DailyStat struct {
	Date  string `gorm:"primaryKey"` // YYYY-MM-DD
	Bytes int64  `gorm:"default:0"`
	Files int64  `gorm:"default:0"`
}

func (DailyStat) TableName() string { return "daily_stats" }

// AppSetting stores a single key/value application setting.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string { return "app_settings" }
