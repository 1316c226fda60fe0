//go:build linux || darwin

package ingress

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
)

// DefaultSocketPath is the Unix domain socket ingress listens on when the
// caller doesn't override it.
const DefaultSocketPath = "/tmp/tachyonengine.sock"

// Listen opens a Unix domain socket at path. If the path is already
// claimed by a live listener (EADDRINUSE), that's a second engine
// instance refusing to start, not a stale leftover — the caller should
// treat it as a startup error. If instead the path exists but nothing
// answers on it (a crash left the socket file behind), it's removed and
// the listen retried once.
func Listen(path string) (net.Listener, error) {
	if path == "" {
		path = DefaultSocketPath
	}

	l, err := net.Listen("unix", path)
	if err == nil {
		return l, nil
	}

	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, err
	}

	if dialErr := probeLiveSocket(path); dialErr == nil {
		return nil, fmt.Errorf("ingress: another instance is already listening on %s", path)
	}

	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return nil, fmt.Errorf("ingress: failed to remove stale socket %s: %w", path, rmErr)
	}

	return net.Listen("unix", path)
}

func probeLiveSocket(path string) error {
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return err
	}
	return conn.Close()
}

