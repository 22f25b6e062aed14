package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"shuttle/internal/dispatch"
	"shuttle/internal/history"
	"shuttle/internal/logging"
	"shuttle/internal/protocol"
)

// Backend bundles everything the request router operates on.
type Backend struct {
	Store   *dispatch.Store
	History *history.Store // nil when the journal is disabled
	// DefaultPollTimeout applies when poll_task omits timeout_ms.
	DefaultPollTimeout time.Duration
	// RequestShutdown asks the daemon to begin a graceful stop. Called at
	// most once, never from under a lock.
	RequestShutdown func()
}

// Server accepts connections on a Unix socket, frames the byte stream into
// line-delimited JSON records, and routes requests to handlers. One failing
// request never terminates the process; oversized or malformed records are
// rejected as protocol errors.
type Server struct {
	path     string
	backend  Backend
	logger   *slog.Logger
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.Mutex
	conns  map[uint64]net.Conn
	nextID atomic.Uint64

	shutdownOnce sync.Once
}

// NewServer binds the socket at path with owner-only permissions. The caller
// is responsible for stale-socket handling before this point.
func NewServer(ctx context.Context, path string, backend Backend, logger *slog.Logger) (*Server, error) {
	if backend.Store == nil {
		return nil, errors.New("ipc server requires a dispatch store")
	}
	if backend.DefaultPollTimeout <= 0 {
		backend.DefaultPollTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:     path,
		backend:  backend,
		logger:   logging.NewComponentLogger(logger, "ipc"),
		listener: listener,
		ctx:      serverCtx,
		cancel:   cancel,
		conns:    make(map[uint64]net.Conn),
	}, nil
}

// Path returns the bound socket path.
func (s *Server) Path() string { return s.path }

// Serve starts accepting connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String(logging.FieldSocket, s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"))
				continue
			}
			connID := s.nextID.Add(1)
			s.trackConn(connID, conn)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConn(connID, conn)
			}()
		}
	}()
}

func (s *Server) trackConn(id uint64, conn net.Conn) {
	s.connMu.Lock()
	s.conns[id] = conn
	s.connMu.Unlock()
}

func (s *Server) dropConn(id uint64) {
	s.connMu.Lock()
	delete(s.conns, id)
	s.connMu.Unlock()
}

func (s *Server) handleConn(connID uint64, conn net.Conn) {
	defer func() {
		conn.Close()
		s.dropConn(connID)
		s.backend.Store.ConnClosed(connID)
	}()

	connCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxRecordBytes)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(encoder, protocol.Fail("", protocol.CodeInvalidParams, "malformed request record"))
			continue
		}

		resp := s.route(connCtx, connID, req)
		if !s.writeResponse(encoder, resp) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		code := protocol.CodeInternal
		message := "read failed"
		if errors.Is(err, bufio.ErrTooLong) {
			code = protocol.CodeInvalidParams
			message = fmt.Sprintf("record exceeds %d bytes", protocol.MaxRecordBytes)
		}
		s.writeResponse(encoder, protocol.Fail("", code, message))
		s.logger.Debug("connection closed on protocol error",
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_protocol_error"))
	}
}

func (s *Server) writeResponse(encoder *json.Encoder, resp protocol.Response) bool {
	if err := encoder.Encode(resp); err != nil {
		s.logger.Debug("write response failed", logging.Error(err))
		return false
	}
	return true
}

// Close stops accepting connections, resolves blocked pollers, waits up to
// grace for in-flight requests, then force-closes stragglers and removes the
// socket file.
func (s *Server) Close(grace time.Duration) {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.backend.Store.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.connMu.Lock()
		for _, conn := range s.conns {
			_ = conn.Close()
		}
		s.connMu.Unlock()
		<-done
	}

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove socket",
			logging.String(logging.FieldSocket, s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually or rerun shuttle stop"))
	}
}
