//go:build windows

package ingress

import (
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// DefaultSocketPath is the named pipe ingress listens on when the caller
// doesn't override it.
const DefaultSocketPath = `\\.\pipe\tachyonengine`

// Listen opens a named pipe at path. go-winio's ListenPipe returns an
// in-use error if another instance already owns the pipe name; unlike
// the Unix socket case there's no leftover inode to clean up, so a
// collision always means a live second instance.
func Listen(path string) (net.Listener, error) {
	if path == "" {
		path = DefaultSocketPath
	}

	l, err := winio.ListenPipe(path, &winio.PipeConfig{
		SecurityDescriptor: "D:P(A;;GA;;;AU)",
		MessageMode:        false,
	})
	if err != nil {
		return nil, fmt.Errorf("ingress: listen on pipe %s: %w", path, err)
	}
	return l, nil
}
