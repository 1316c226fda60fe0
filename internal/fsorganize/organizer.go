// Package fsorganize sorts downloads into category subdirectories
// (Images, Videos, Music, ...) by file extension, choosing the
// destination before the download starts.
package fsorganize

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Organizer resolves a collision-free destination path for a new
// download, optionally nesting it under a category subdirectory of
// destDir based on the file's extension.
type Organizer struct {
	enabled bool
}

// New creates an Organizer with smart sorting enabled.
func New() *Organizer {
	return &Organizer{enabled: true}
}

// SetEnabled toggles category sorting. When disabled, Resolve just finds
// a collision-free path directly under destDir.
func (o *Organizer) SetEnabled(enabled bool) { o.enabled = enabled }

// Resolve returns the destination path for filename under destDir,
// appending a numeric suffix if the resulting path already exists.
func (o *Organizer) Resolve(destDir, filename string) (string, error) {
	targetDir := destDir
	if o.enabled {
		targetDir = filepath.Join(destDir, GetCategory(filename))
	}
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return "", fmt.Errorf("create category dir: %w", err)
	}
	return findAvailablePath(filepath.Join(targetDir, filename)), nil
}

// GetCategory returns the category bucket for filename based on its
// extension, defaulting to "Others" for anything unrecognized.
func GetCategory(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".svg":
		return "Images"
	case ".mp4", ".mkv", ".mov", ".avi", ".webm", ".wmv":
		return "Videos"
	case ".mp3", ".wav", ".flac", ".aac", ".ogg", ".m4a":
		return "Music"
	case ".zip", ".rar", ".7z", ".tar", ".gz", ".iso":
		return "Archives"
	case ".pdf", ".docx", ".xlsx", ".pptx", ".txt", ".md":
		return "Documents"
	case ".exe", ".msi", ".dmg", ".pkg", ".deb":
		return "Software"
	default:
		return "Others"
	}
}

// Relocate moves an existing file at currentPath into its category
// subdirectory under baseDir, used for files added before sorting was
// enabled.
func Relocate(baseDir, currentPath string) (string, error) {
	filename := filepath.Base(currentPath)
	targetDir := filepath.Join(baseDir, GetCategory(filename))
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return currentPath, fmt.Errorf("create category dir: %w", err)
	}
	targetPath := findAvailablePath(filepath.Join(targetDir, filename))
	if err := os.Rename(currentPath, targetPath); err != nil {
		return currentPath, fmt.Errorf("move file: %w", err)
	}
	return targetPath, nil
}

func findAvailablePath(basePath string) string {
	if _, err := os.Stat(basePath); os.IsNotExist(err) {
		return basePath
	}
	ext := filepath.Ext(basePath)
	dir := filepath.Dir(basePath)
	nameOnly := strings.TrimSuffix(filepath.Base(basePath), ext)

	for i := 1; i < 1000; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", nameOnly, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%d%s", nameOnly, 9999, ext))
}
