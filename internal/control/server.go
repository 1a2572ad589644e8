package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/meshadmin/revertit/internal/domain"
)

// Server exposes a domain.ControlSurface over a Unix domain socket
// using a length-prefixed JSON request/response protocol. Only
// connections from the root UID are served; everything else is
// rejected before the request is read.
type Server struct {
	logger  *zap.Logger
	surface domain.ControlSurface
	path    string

	mu       sync.Mutex
	listener net.Listener

	skipAuth bool // set only by tests in this package; production always authenticates
}

// NewServer constructs a Server bound to path. Serve must be called
// to start accepting connections.
func NewServer(logger *zap.Logger, surface domain.ControlSurface, path string) *Server {
	return &Server{logger: logger, surface: surface, path: path}
}

// Serve binds the socket, fixes its permissions, and accepts
// connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale control socket: %w", err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listening on control socket %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("setting control socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("control socket accept failed", zap.Error(err))
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	_ = os.Remove(s.path)
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return
	}
	if !s.skipAuth {
		if err := requireRoot(uc); err != nil {
			s.logger.Warn("rejected control connection from non-root peer", zap.Error(err))
			writeResponse(conn, response{OK: false, Error: domain.ErrControlRequestInvalid.Error()})
			return
		}
	}

	for {
		req, err := readRequest(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("control connection read failed", zap.Error(err))
			}
			return
		}

		resp := s.dispatch(ctx, req)
		if err := writeResponse(conn, resp); err != nil {
			s.logger.Debug("control connection write failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	switch req.Op {
	case opStatus:
		status, err := s.surface.Status(ctx)
		return toResponse(status, err)
	case opListChanges:
		changes, err := s.surface.ListChanges(ctx)
		return toResponse(changes, err)
	case opConfirm:
		err := s.surface.ConfirmChange(ctx, req.Args["change_id"])
		return toResponse(nil, err)
	case opCancel:
		err := s.surface.CancelChange(ctx, req.Args["change_id"])
		return toResponse(nil, err)
	case opSnapshotsList:
		snaps, err := s.surface.ListSnapshots(ctx)
		return toResponse(snaps, err)
	case opSnapshotsCreate:
		id, err := s.surface.CreateSnapshot(ctx, nil, req.Args["description"])
		return toResponse(id, err)
	case opSnapshotsRestore:
		err := s.surface.RestoreSnapshot(ctx, req.Args["snapshot_id"])
		return toResponse(nil, err)
	case opSelfTest:
		report, err := s.surface.SelfTest(ctx)
		return toResponse(report, err)
	default:
		return toResponse(nil, fmt.Errorf("%w: unknown op %q", domain.ErrControlRequestInvalid, req.Op))
	}
}

func toResponse(value any, err error) response {
	if err != nil {
		return response{OK: false, Error: err.Error(), ErrorKind: errorKind(err)}
	}
	return response{OK: true, Value: value}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrChangeNotFound):
		return "change_not_found"
	case errors.Is(err, domain.ErrChangeNotConfirmable):
		return "change_not_confirmable"
	case errors.Is(err, domain.ErrSnapshotNotFound):
		return "snapshot_not_found"
	case errors.Is(err, domain.ErrControlRequestInvalid):
		return "control_request_invalid"
	default:
		return ""
	}
}

// requireRoot reads the peer's credentials via SO_PEERCRED and rejects
// anything but UID 0, matching the root-only posture the control
// surface requires.
func requireRoot(conn *net.UnixConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var ucred *unix.Ucred
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	if sockErr != nil {
		return sockErr
	}
	if ucred.Uid != 0 {
		return fmt.Errorf("%w: peer uid %d is not root", domain.ErrControlRequestInvalid, ucred.Uid)
	}
	return nil
}

func readRequest(r io.Reader) (request, error) {
	buf, err := readFrame(r)
	if err != nil {
		return request{}, err
	}
	var req request
	if err := json.Unmarshal(buf, &req); err != nil {
		return request{}, fmt.Errorf("%w: %v", domain.ErrControlRequestInvalid, err)
	}
	return req, nil
}

func writeResponse(w io.Writer, resp response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return writeFrame(w, data)
}
