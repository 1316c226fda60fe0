package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage handles all durable state for the engine using SQLite via GORM.
type Storage struct {
	DB *gorm.DB
}

// NewStorage opens (creating if necessary) the SQLite database under the
// user's config directory, enables WAL mode, and migrates the schema.
func NewStorage() (*Storage, error) {
	appData, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}
	return NewStorageAt(filepath.Join(appData, "tachyonengine", "engine.db"))
}

// NewStorageAt opens the database at an explicit path, creating parent
// directories as needed. Used by tests and by callers that override the
// default data directory.
func NewStorageAt(dbPath string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA cache_size=10000;")
	db.Exec("PRAGMA foreign_keys=ON;")

	err = db.AutoMigrate(
		&Download{},
		&Segment{},
		&Schedule{},
		&DownloadLocation{},
		&DailyStat{},
		&AppSetting{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{DB: db}, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint so the main database file reflects
// all committed writes, called before copying or inspecting the file.
func (s *Storage) Checkpoint() error {
	return s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// ============= Downloads =============

// InsertDownload creates a new download row along with its initial segment
// plan, in a single transaction.
func (s *Storage) InsertDownload(d Download, segments []Segment) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&d).Error; err != nil {
			return err
		}
		for i := range segments {
			segments[i].DownloadID = d.ID
		}
		if len(segments) > 0 {
			if err := tx.Create(&segments).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateDownload persists the full set of mutable fields for a download.
func (s *Storage) UpdateDownload(d Download) error {
	return s.DB.Model(&Download{}).Where("id = ?", d.ID).Updates(map[string]interface{}{
		"url":              d.URL,
		"filename":         d.Filename,
		"save_path":        d.SavePath,
		"mime":             d.Mime,
		"total_size":       d.TotalSize,
		"downloaded_bytes": d.DownloadedBytes,
		"resumable":        d.Resumable,
		"status":           d.Status,
		"threads":          d.Threads,
		"priority":         d.Priority,
		"queue_order":      d.QueueOrder,
		"checksum_value":   d.ChecksumValue,
		"checksum_type":    d.ChecksumType,
		"etag":             d.ETag,
		"last_modified":    d.LastModified,
		"headers":          d.Headers,
		"last_error":       d.LastError,
		"completed_at":     d.CompletedAt,
	}).Error
}

// UpdateDownloadStatus updates just the status column.
func (s *Storage) UpdateDownloadStatus(id, status string) error {
	return s.DB.Model(&Download{}).Where("id = ?", id).Update("status", status).Error
}

// UpdateDownloadProgress updates the cumulative byte counter for a
// download, called after each segment flush.
func (s *Storage) UpdateDownloadProgress(id string, downloadedBytes int64) error {
	return s.DB.Model(&Download{}).Where("id = ?", id).Update("downloaded_bytes", downloadedBytes).Error
}

// GetDownload retrieves a single download by ID.
func (s *Storage) GetDownload(id string) (Download, error) {
	var d Download
	err := s.DB.First(&d, "id = ?", id).Error
	return d, err
}

// GetDownloadByURL retrieves the most recently created download for a URL,
// used for duplicate/history detection.
func (s *Storage) GetDownloadByURL(url string) (Download, error) {
	var d Download
	err := s.DB.Where("url = ?", url).Order("created_at desc").First(&d).Error
	return d, err
}

// ListDownloads returns all non-deleted downloads, newest first.
func (s *Storage) ListDownloads() ([]Download, error) {
	var downloads []Download
	err := s.DB.Order("created_at desc").Find(&downloads).Error
	return downloads, err
}

// ListDownloadsByStatus returns downloads filtered by status, optionally
// capped to limit (0 means unlimited).
func (s *Storage) ListDownloadsByStatus(status string, limit int) ([]Download, error) {
	var downloads []Download
	query := s.DB.Where("status = ?", status).Order("priority desc, queue_order asc, created_at asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&downloads).Error
	return downloads, err
}

// ListActiveDownloads returns downloads in a state that should be resumed
// or monitored across an engine restart.
func (s *Storage) ListActiveDownloads() ([]Download, error) {
	var downloads []Download
	err := s.DB.Where("status IN ?", []string{"downloading", "queued", "pending", "verifying"}).
		Order("priority desc, queue_order asc, created_at asc").
		Find(&downloads).Error
	return downloads, err
}

// DeleteDownload soft-deletes a download and hard-deletes its segments and
// schedules in one transaction.
func (s *Storage) DeleteDownload(id string) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Delete(&Segment{}, "download_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().Delete(&Schedule{}, "download_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&Download{}, "id = ?", id).Error
	})
}

// ClearCompleted permanently removes all completed downloads and their
// segments, returning how many downloads were removed.
func (s *Storage) ClearCompleted() (int64, error) {
	var removed int64
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&Download{}).Where("status = ?", "completed").Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Unscoped().Delete(&Segment{}, "download_id IN ?", ids).Error; err != nil {
			return err
		}
		res := tx.Unscoped().Delete(&Download{}, "id IN ?", ids)
		removed = res.RowsAffected
		return res.Error
	})
	return removed, err
}

// ============= Segments =============

// GetSegments returns all segments for a download, ordered by index.
func (s *Storage) GetSegments(downloadID string) ([]Segment, error) {
	var segments []Segment
	err := s.DB.Where("download_id = ?", downloadID).Order("\"index\" asc").Find(&segments).Error
	return segments, err
}

// ReplaceSegments deletes any existing segments for a download and inserts
// a fresh plan, used when a download is retried against a server whose
// range support or size has changed.
func (s *Storage) ReplaceSegments(downloadID string, segments []Segment) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Delete(&Segment{}, "download_id = ?", downloadID).Error; err != nil {
			return err
		}
		if len(segments) == 0 {
			return nil
		}
		for i := range segments {
			segments[i].ID = 0
			segments[i].DownloadID = downloadID
		}
		return tx.Create(&segments).Error
	})
}

// UpdateSegmentProgress updates the downloaded-bytes counter and status of
// a single segment.
func (s *Storage) UpdateSegmentProgress(segmentID uint, downloadedBytes int64, status string) error {
	return s.DB.Model(&Segment{}).Where("id = ?", segmentID).Updates(map[string]interface{}{
		"downloaded_bytes": downloadedBytes,
		"status":           status,
	}).Error
}

// BulkUpdateSegments persists a batch of segment updates in a single
// transaction, used by the engine's download supervisor to coalesce
// frequent writes.
func (s *Storage) BulkUpdateSegments(segments []Segment) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		for _, seg := range segments {
			if err := tx.Model(&Segment{}).Where("id = ?", seg.ID).Updates(map[string]interface{}{
				"downloaded_bytes": seg.DownloadedBytes,
				"status":           seg.Status,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ============= Schedules =============

// InsertSchedule creates a new schedule row.
func (s *Storage) InsertSchedule(sched Schedule) (Schedule, error) {
	err := s.DB.Create(&sched).Error
	return sched, err
}

// ListEnabledSchedules returns all enabled schedules, earliest first.
func (s *Storage) ListEnabledSchedules() ([]Schedule, error) {
	var schedules []Schedule
	err := s.DB.Where("enabled = ?", true).Order("scheduled_time asc").Find(&schedules).Error
	return schedules, err
}

// UpdateScheduleNextRun advances a recurring schedule to its next
// scheduled_time, or disables a one-shot schedule.
func (s *Storage) UpdateScheduleNextRun(id uint, nextTime int64, enabled bool) error {
	return s.DB.Model(&Schedule{}).Where("id = ?", id).Updates(map[string]interface{}{
		"scheduled_time": nextTime,
		"enabled":        enabled,
	}).Error
}

// DeleteSchedule removes a schedule.
func (s *Storage) DeleteSchedule(id uint) error {
	return s.DB.Delete(&Schedule{}, "id = ?", id).Error
}

// ============= Download Locations =============

// AddLocation adds or updates a saved download location.
func (s *Storage) AddLocation(path, nickname string) error {
	loc := DownloadLocation{Path: path, Nickname: nickname}
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"nickname"}),
	}).Create(&loc).Error
}

// GetLocations returns all saved download locations.
func (s *Storage) GetLocations() ([]DownloadLocation, error) {
	var locations []DownloadLocation
	err := s.DB.Find(&locations).Error
	return locations, err
}

// DeleteLocation removes a saved download location.
func (s *Storage) DeleteLocation(path string) error {
	return s.DB.Delete(&DownloadLocation{}, "path = ?", path).Error
}

// ============= Analytics =============

// IncrementDailyBytes adds bytes to today's throughput total.
func (s *Storage) IncrementDailyBytes(bytes int64) error {
	today := time.Now().Format("2006-01-02")
	return s.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"bytes": gorm.Expr("bytes + ?", bytes),
		}),
	}).Create(&DailyStat{Date: today, Bytes: bytes}).Error
}

// IncrementDailyFiles adds a completed-file count to today's stats.
func (s *Storage) IncrementDailyFiles() error {
	today := time.Now().Format("2006-01-02")
	return s.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"files": gorm.Expr("files + 1"),
		}),
	}).Create(&DailyStat{Date: today, Files: 1}).Error
}

// GetTotalLifetimeBytes returns total bytes downloaded all-time.
func (s *Storage) GetTotalLifetimeBytes() (int64, error) {
	var total int64
	err := s.DB.Model(&DailyStat{}).Select("IFNULL(SUM(bytes), 0)").Row().Scan(&total)
	return total, err
}

// GetTotalLifetimeFiles returns total files completed all-time.
func (s *Storage) GetTotalLifetimeFiles() (int64, error) {
	var total int64
	err := s.DB.Model(&DailyStat{}).Select("IFNULL(SUM(files), 0)").Row().Scan(&total)
	return total, err
}

// GetDailyHistory returns the most recent N days of stats, newest first.
func (s *Storage) GetDailyHistory(days int) ([]DailyStat, error) {
	var stats []DailyStat
	err := s.DB.Order("date desc").Limit(days).Find(&stats).Error
	return stats, err
}

// ============= App Settings =============

// GetString retrieves a string setting by key, returning "" if unset.
func (s *Storage) GetString(key string) (string, error) {
	var setting AppSetting
	err := s.DB.First(&setting, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	return setting.Value, err
}

// SetString stores a string setting, overwriting any existing value.
func (s *Storage) SetString(key, value string) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&AppSetting{Key: key, Value: value}).Error
}

// GetStringList retrieves a comma-separated setting as a slice.
func (s *Storage) GetStringList(key string) ([]string, error) {
	val, err := s.GetString(key)
	if err != nil || val == "" {
		return []string{}, err
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			result = append(result, p)
		}
	}
	return result, nil
}

// SetStringList stores a slice as a comma-separated setting.
func (s *Storage) SetStringList(key string, list []string) error {
	return s.SetString(key, strings.Join(list, ","))
}
