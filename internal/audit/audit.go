// Package audit records a durable, append-only log of download lifecycle
// and access events for later inspection.
package audit

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is a single audit record.
type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	DownloadID string    `json:"download_id"`
	Detail     string    `json:"detail"`
}

// Logger appends Entry records to a JSON-lines file and mirrors them to
// the structured logger.
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	logger  *slog.Logger
}

// New opens (creating if necessary) the audit log at path.
func New(logger *slog.Logger, path string) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &Logger{file: f, path: path, logger: logger}, nil
}

// Log appends one entry and mirrors it to the structured logger.
func (l *Logger) Log(action, downloadID, detail string) {
	entry := Entry{
		ID:         uuid.New().String(),
		Timestamp:  time.Now(),
		Action:     action,
		DownloadID: downloadID,
		Detail:     detail,
	}

	l.mu.Lock()
	if l.file != nil {
		if b, err := json.Marshal(entry); err == nil {
			l.file.WriteString(string(b) + "\n")
		}
	}
	l.mu.Unlock()

	l.logger.Info("audit", "action", action, "download_id", downloadID, "detail", detail)
}

// Close releases the underlying file handle.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Recent returns up to limit most-recent entries, newest first.
func (l *Logger) Recent(limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, limit)
	for i := len(lines) - 1; i >= 0 && len(entries) < limit; i-- {
		var e Entry
		if err := json.Unmarshal([]byte(lines[i]), &e); err == nil {
			entries = append(entries, e)
		}
	}
	return entries, nil
}
