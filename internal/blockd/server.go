// Package blockd serves a backend.Backend over the remote volume protocol.
// Each accepted connection is handled on its own goroutine; a connection
// either answers one management request or is bound to one volume handle
// for its whole life.
package blockd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/blockio/internal/backend"
	"github.com/seantiz/blockio/internal/backend/remote"
)

// maxReadLength caps a single read request. Read data travels base64-encoded
// in JSON, so this keeps responses under remote.MaxMessageSize.
const maxReadLength = 8 << 20

// Server accepts connections on a listener and serves volume requests.
type Server struct {
	backend  backend.Backend
	listener net.Listener
	log      logrus.FieldLogger

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// New creates a server for b on listener.
func New(b backend.Backend, listener net.Listener, log logrus.FieldLogger) *Server {
	return &Server{
		backend:  b,
		listener: listener,
		log:      log,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections until the listener is closed. It returns nil
// after Close.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			defer s.forget(conn)
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) forget(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Close stops accepting, drops open connections and waits for their
// handlers to release their handles.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	err := s.listener.Close()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// handleConnection serves one connection until the peer closes it or sends
// close on a bound handle.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	log := s.log.WithField("remote", conn.RemoteAddr().String())

	var req remote.Request
	if err := remote.ReadMessage(conn, &req); err != nil {
		log.WithError(err).Warn("read request")
		return
	}

	switch req.Op {
	case remote.OpOpenRead, remote.OpOpenWrite:
		s.serveHandle(conn, &req, log)
	default:
		resp := s.manage(context.Background(), &req)
		if resp.Code != "" {
			log.WithFields(logrus.Fields{"op": req.Op, "code": resp.Code}).Warn(resp.Error)
		}
		send(conn, resp, log)
	}
}

// manage answers a request that is not bound to a handle.
func (s *Server) manage(ctx context.Context, req *remote.Request) remote.Response {
	switch req.Op {
	case remote.OpCapabilities:
		caps := s.backend.Capabilities()
		return remote.Response{Capabilities: &caps}

	case remote.OpCreatePool:
		pc, ok := s.backend.(backend.PoolCreator)
		if !ok {
			return remote.ErrorResponse(fmt.Errorf("backend %s cannot create pools", s.backend.Capabilities().Name))
		}
		if err := pc.CreatePool(ctx, req.Pool); err != nil {
			return remote.ErrorResponse(err)
		}

	case remote.OpCreateImage:
		features, err := backend.ParseFeatures(req.Features)
		if err != nil {
			return remote.Response{Code: remote.CodeBadRequest, Error: err.Error()}
		}
		if err := s.backend.CreateImage(ctx, req.Pool, req.Image, req.Size, features); err != nil {
			return remote.ErrorResponse(err)
		}

	case remote.OpCreateSnapshot:
		snap, ok := s.backend.(backend.Snapshotter)
		if !ok {
			return remote.ErrorResponse(backend.ErrSnapshotsUnsupported)
		}
		if err := snap.CreateSnapshot(ctx, req.Pool, req.Image, req.Snapshot); err != nil {
			return remote.ErrorResponse(err)
		}

	default:
		return remote.Response{Code: remote.CodeBadRequest, Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
	return remote.Response{}
}

// serveHandle opens the handle named by the first request and then serves
// size, read, write and close requests against it.
func (s *Server) serveHandle(conn net.Conn, open *remote.Request, log logrus.FieldLogger) {
	ctx := context.Background()
	log = log.WithFields(logrus.Fields{"pool": open.Pool, "image": open.Image, "snapshot": open.Snapshot})

	var (
		h   backend.Handle
		err error
	)
	if open.Op == remote.OpOpenRead {
		h, err = s.backend.OpenReadHandle(ctx, open.Pool, open.Image, open.Snapshot)
	} else {
		h, err = s.backend.OpenWriteHandle(ctx, open.Pool, open.Image)
	}
	if err != nil {
		log.WithError(err).Warn("open handle")
		send(conn, remote.ErrorResponse(err), log)
		return
	}
	defer h.Close()

	size, err := h.Size()
	if err != nil {
		send(conn, remote.ErrorResponse(err), log)
		return
	}
	log.WithField("op", open.Op).Debug("handle opened")
	if !send(conn, remote.Response{Size: size}, log) {
		return
	}

	for {
		var req remote.Request
		if err := remote.ReadMessage(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.WithError(err).Warn("read request")
			}
			return
		}

		var resp remote.Response
		switch req.Op {
		case remote.OpSize:
			size, err := h.Size()
			if err != nil {
				resp = remote.ErrorResponse(err)
			} else {
				resp.Size = size
			}
		case remote.OpRead:
			resp = readAt(h, req.Offset, req.Length)
		case remote.OpWrite:
			n, err := h.WriteAt(req.Data, req.Offset)
			if err != nil {
				resp = remote.ErrorResponse(err)
			}
			resp.N = n
		case remote.OpClose:
			log.Debug("handle closed by client")
			send(conn, remote.Response{}, log)
			return
		default:
			resp = remote.Response{Code: remote.CodeBadRequest, Error: fmt.Sprintf("op %q on an open handle", req.Op)}
		}
		if resp.Code != "" {
			log.WithFields(logrus.Fields{"op": req.Op, "offset": req.Offset, "code": resp.Code}).Error(resp.Error)
		}
		if !send(conn, resp, log) {
			return
		}
	}
}

func readAt(h backend.Handle, off int64, length int) remote.Response {
	if length < 0 || length > maxReadLength {
		return remote.Response{Code: remote.CodeBadRequest, Error: fmt.Sprintf("read length %d out of range", length)}
	}
	buf := make([]byte, length)
	n, err := h.ReadAt(buf, off)
	switch {
	case errors.Is(err, io.EOF):
		return remote.Response{Data: buf[:n], EOF: true}
	case err != nil:
		return remote.ErrorResponse(err)
	}
	return remote.Response{Data: buf[:n]}
}

// send writes resp and reports whether the connection is still usable.
func send(conn net.Conn, resp remote.Response, log logrus.FieldLogger) bool {
	if err := remote.WriteMessage(conn, &resp); err != nil {
		log.WithError(err).Warn("write response")
		return false
	}
	return true
}
