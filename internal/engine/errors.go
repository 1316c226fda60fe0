package engine

import "errors"

var (
	// ErrNotFound is returned when a download ID has no matching record.
	ErrNotFound = errors.New("download not found")
	// ErrInvalidState is returned when an operation doesn't apply to a
	// download's current status (e.g. pausing a completed download).
	ErrInvalidState = errors.New("download is not in a valid state for this operation")
	// ErrAlreadyRunning is returned when Start is called on a download
	// that already has an active supervisor goroutine.
	ErrAlreadyRunning = errors.New("download is already running")
)
