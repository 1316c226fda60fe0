// Package filearena manages on-disk target files for downloads: space
// preflight, pre-allocation, and positional writes for concurrent segments.
package filearena

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/v3/disk"
)

// SafetyBuffer is held back from the free-space check beyond what a
// download itself requires, so the rest of the system keeps breathing room.
const SafetyBuffer = 100 * 1024 * 1024

// Arena owns the on-disk file backing one download and an advisory lock
// file beside it, preventing two engine instances from writing the same
// path concurrently.
type Arena struct {
	path string
	file *os.File
	lock *flock.Flock
}

// CheckFreeSpace returns an error if the volume containing dir has less
// than size+SafetyBuffer bytes free. size of 0 skips the size check and
// only verifies the volume is reachable. An indeterminate result (the
// usage stat itself fails) is not an error: the caller should proceed
// rather than block a download on a preflight check that couldn't run.
func CheckFreeSpace(dir string, size int64) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		return nil
	}
	if size > 0 && int64(usage.Free) < size+SafetyBuffer {
		return fmt.Errorf("disk full: need %d bytes, have %d free", size+SafetyBuffer, usage.Free)
	}
	return nil
}

// Allocate creates (or truncates) the target file at path, pre-allocating
// size bytes, and acquires an exclusive advisory lock on path+".lock".
// size of 0 is used for unknown-length downloads; the file starts empty
// and grows as data arrives.
func Allocate(path string, size int64) (*Arena, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create destination dir: %w", err)
	}
	if err := CheckFreeSpace(filepath.Dir(path), size); err != nil {
		return nil, err
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock for %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s is already being written by another process", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("open destination file: %w", err)
	}
	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			lock.Unlock()
			return nil, fmt.Errorf("pre-allocate %d bytes: %w", size, err)
		}
	}

	return &Arena{path: path, file: f, lock: lock}, nil
}

// OpenForResume reopens an existing partial file without truncating it,
// used when resuming a paused or interrupted download.
func OpenForResume(path string) (*Arena, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock for %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s is already being written by another process", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("reopen destination file: %w", err)
	}
	return &Arena{path: path, file: f, lock: lock}, nil
}

// WriteAt writes b at absolute offset off. Safe to call concurrently for
// disjoint ranges from multiple goroutines — each uses its own syscall
// offset and the kernel serializes overlapping writes to the same fd.
func (a *Arena) WriteAt(b []byte, off int64) (int, error) {
	return a.file.WriteAt(b, off)
}

// Truncate grows or shrinks the backing file to size, used when the true
// content length becomes known only after the transfer starts.
func (a *Arena) Truncate(size int64) error {
	return a.file.Truncate(size)
}

// Sync flushes buffered writes to stable storage.
func (a *Arena) Sync() error {
	return a.file.Sync()
}

// VerifySize returns an error if the file's size on disk does not match
// want, called after a download reports completion.
func (a *Arena) VerifySize(want int64) error {
	info, err := a.file.Stat()
	if err != nil {
		return fmt.Errorf("stat destination file: %w", err)
	}
	if info.Size() != want {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", want, info.Size())
	}
	return nil
}

// Path returns the arena's target file path.
func (a *Arena) Path() string { return a.path }

// Close releases the file handle and the advisory lock.
func (a *Arena) Close() error {
	ferr := a.file.Close()
	lerr := a.lock.Unlock()
	if ferr != nil {
		return ferr
	}
	return lerr
}
