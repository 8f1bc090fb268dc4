package jsonrpc

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/common/logger"
)

// Server accepts connections on a unix socket and serves a shared
// handler registry over each.
type Server struct {
	path     string
	listener net.Listener
	logger   *logger.Logger

	handlers map[string]Handler

	// OnConnect, when set, is invoked with each accepted connection
	// before its read loop starts.
	OnConnect func(*Conn)
}

// NewServer creates a server for the given socket path.
func NewServer(path string, log *logger.Logger) *Server {
	return &Server{
		path:     path,
		logger:   log.WithFields(zap.String("component", "jsonrpc"), zap.String("socket", path)),
		handlers: make(map[string]Handler),
	}
}

// Handle registers a method served on every accepted connection.
func (s *Server) Handle(method string, h Handler) {
	s.handlers[method] = h
}

// Listen binds the unix socket. A stale socket file from a previous run
// is removed first. The socket is made world-writable because the peer
// process runs under a different unix user.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o666); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = ln
	return nil
}

// Serve accepts connections until the listener closes or ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		conn := NewConn(nc, s.logger)
		for method, h := range s.handlers {
			conn.Handle(method, h)
		}
		if s.OnConnect != nil {
			s.OnConnect(conn)
		}
		go func() {
			if err := conn.Serve(ctx); err != nil {
				s.logger.Debug("connection closed", zap.Error(err))
			}
		}()
	}
}

// Close stops accepting and removes the socket file.
func (s *Server) Close() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

// Dial connects to a unix socket and starts the connection's read loop.
func Dial(ctx context.Context, path string, log *logger.Logger) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	conn := NewConn(nc, log)
	go func() { _ = conn.Serve(ctx) }()
	return conn, nil
}

// WaitForSocket polls until the socket file exists and accepts
// connections, or the timeout elapses. The poll interval matches how
// quickly a freshly spawned peer binds its socket.
func WaitForSocket(ctx context.Context, path string, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			nc, err := net.DialTimeout("unix", path, interval)
			if err == nil {
				nc.Close()
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("socket %s not ready after %s", path, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
