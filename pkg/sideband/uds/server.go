//go:build linux

package uds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/smazurov/sideband/pkg/sideband"
)

// Server hands a descriptor to every client that connects.
type Server struct {
	path   string
	ln     *net.UnixListener
	file   os.FileInfo
	logger *slog.Logger

	mu     sync.Mutex
	served int
}

// Listen binds path, replacing a stale socket file left by a previous run.
func Listen(path string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	ln, err := net.ListenUnix(Network, &net.UnixAddr{Name: path, Net: Network})
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	// Close removes the file itself, and only while it is still ours.
	ln.SetUnlinkOnClose(false)
	fi, err := os.Lstat(path)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &Server{
		path:   path,
		ln:     ln,
		file:   fi,
		logger: logger.With("component", "uds_server", "socket", path),
	}, nil
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

// Served returns how many handles were sent.
func (s *Server) Served() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served
}

// Serve accepts connections until ctx is done or the server is closed. Each
// client receives the handle returned by current at accept time.
func (s *Server) Serve(ctx context.Context, current func() *sideband.NativeHandle) error {
	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()

	s.logger.Info("Serving sideband handle")
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.handle(conn, current())
	}
}

func (s *Server) handle(conn *net.UnixConn, h *sideband.NativeHandle) {
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := Send(conn, h); err != nil {
		s.logger.Warn("Failed to send handle", "error", err)
		return
	}
	s.mu.Lock()
	s.served++
	s.mu.Unlock()
	s.logger.Debug("Handle sent", "handle_id", sideband.HandleID(h))
}

// Close stops accepting and removes the socket file, unless another server
// has since replaced it at the same path.
func (s *Server) Close() error {
	err := s.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if fi, serr := os.Lstat(s.path); serr == nil && os.SameFile(fi, s.file) {
		if rerr := os.Remove(s.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = errors.Join(err, fmt.Errorf("remove socket: %w", rerr))
		}
	}
	return err
}

// Fetch connects to path and receives one handle.
func Fetch(ctx context.Context, path string) (*sideband.NativeHandle, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, Network, path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	conn := c.(*net.UnixConn)
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	return Receive(conn)
}
