// Package ingress exposes a local IPC listener (a Unix domain socket on
// POSIX, a named pipe on Windows) that accepts newline-delimited JSON
// requests for new downloads — the bridge a browser extension or other
// external process uses to hand URLs to an already-running engine.
package ingress

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"

	"tachyonengine/internal/engine"
)

// Request is one line of the ingress protocol: a URL to download, plus
// optional hints the caller (e.g. a browser extension) already has.
type Request struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	Referrer string `json:"referrer,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
	Mime     string `json:"mime,omitempty"`
}

// Response is written back on the same connection after a Request is
// handled, success or not.
type Response struct {
	Success  bool   `json:"success"`
	ID       string `json:"id,omitempty"`
	Filename string `json:"filename,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Bridge accepts connections on a platform Listener and services each
// with the newline-delimited request/response protocol: one request and
// one response per connection.
type Bridge struct {
	logger   *slog.Logger
	listener net.Listener
	addFn    func(engine.AddParams) (string, string, error)
}

// NewBridge wraps an already-open Listener (from Listen, a Unix socket on
// POSIX or a named pipe on Windows) with the request/response protocol. addFn
// performs the actual engine.Add call and returns (id, filename, err).
func NewBridge(logger *slog.Logger, listener net.Listener, addFn func(engine.AddParams) (string, string, error)) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{logger: logger, listener: listener, addFn: addFn}
}

// Serve accepts connections until the listener is closed, handling each
// on its own goroutine. It returns once Accept starts failing, which
// happens when Close is called on the listener.
func (b *Bridge) Serve() error {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return err
		}
		go b.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (b *Bridge) Close() error {
	return b.listener.Close()
}

func (b *Bridge) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := b.handleLine(line)
		if err := writeResponse(conn, resp); err != nil {
			b.logger.Warn("ingress: failed to write response", "error", err)
		}
		return
	}
}

func (b *Bridge) handleLine(line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Response{Success: false, Error: fmt.Sprintf("malformed request: %v", err)}
	}
	if req.URL == "" {
		return Response{Success: false, Error: "url is required"}
	}

	id, filename, err := b.addFn(engine.AddParams{
		URL:      req.URL,
		Referrer: req.Referrer,
		Filename: req.Filename,
	})
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}

	return Response{Success: true, ID: id, Filename: filename}
}

func writeResponse(conn net.Conn, resp Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = conn.Write(b)
	return err
}
