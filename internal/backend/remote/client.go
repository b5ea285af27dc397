// Package remote is the client side of the blockd volume protocol:
// length-prefixed JSON frames over TCP, unix sockets or vsock.
package remote

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/blockio/internal/backend"
)

// Compile-time interface satisfaction checks.
var (
	_ backend.Backend     = (*Backend)(nil)
	_ backend.Snapshotter = (*Backend)(nil)
	_ backend.PoolCreator = (*Backend)(nil)
)

// conn carries one request/response exchange at a time.
type conn struct {
	mu sync.Mutex
	c  net.Conn
}

func (c *conn) roundTrip(req *Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	var resp Response
	err := WriteMessage(c.c, req)
	if err == nil {
		err = ReadMessage(c.c, &resp)
	}
	requestDuration.WithLabelValues(req.Op).Observe(time.Since(start).Seconds())
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		requestsTotal.WithLabelValues(req.Op, resultError).Inc()
		return resp, fmt.Errorf("%s: %w", req.Op, err)
	}
	requestsTotal.WithLabelValues(req.Op, resultOK).Inc()
	return resp, nil
}

// Backend talks to a blockd server. Every handle owns one connection;
// management calls use a short-lived connection each.
type Backend struct {
	addr Addr
	caps backend.Capabilities
}

// New parses addr, connects once and records the server's capabilities.
func New(ctx context.Context, addr string) (*Backend, error) {
	a, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	b := &Backend{addr: a}
	resp, err := b.call(ctx, &Request{Op: OpCapabilities})
	if err != nil {
		return nil, err
	}
	if resp.Capabilities == nil {
		return nil, fmt.Errorf("server at %s sent no capabilities", a)
	}
	b.caps = *resp.Capabilities
	b.caps.Name = "remote/" + resp.Capabilities.Name
	return b, nil
}

// connect dials the server and bounds the exchange that follows by ctx's
// deadline. The caller clears the deadline once the connection outlives ctx.
func (b *Backend) connect(ctx context.Context) (*conn, error) {
	c, err := Dial(ctx, b.addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.SetDeadline(deadline); err != nil {
			c.Close()
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}
	return &conn{c: c}, nil
}

func (b *Backend) call(ctx context.Context, req *Request) (Response, error) {
	c, err := b.connect(ctx)
	if err != nil {
		return Response{}, err
	}
	defer c.c.Close()
	return c.roundTrip(req)
}

func (b *Backend) open(ctx context.Context, req *Request, readOnly bool) (backend.Handle, error) {
	c, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := c.roundTrip(req); err != nil {
		c.c.Close()
		return nil, err
	}
	if err := c.c.SetDeadline(time.Time{}); err != nil {
		c.c.Close()
		return nil, fmt.Errorf("clear deadline: %w", err)
	}
	return &handle{conn: c, readOnly: readOnly}, nil
}

func (b *Backend) OpenReadHandle(ctx context.Context, pool, image, snapshot string) (backend.Handle, error) {
	return b.open(ctx, &Request{Op: OpOpenRead, Pool: pool, Image: image, Snapshot: snapshot}, true)
}

func (b *Backend) OpenWriteHandle(ctx context.Context, pool, image string) (backend.Handle, error) {
	return b.open(ctx, &Request{Op: OpOpenWrite, Pool: pool, Image: image}, false)
}

func (b *Backend) CreateImage(ctx context.Context, pool, image string, size int64, features backend.Features) error {
	_, err := b.call(ctx, &Request{
		Op:       OpCreateImage,
		Pool:     pool,
		Image:    image,
		Size:     size,
		Features: features.Names(),
	})
	return err
}

func (b *Backend) CreateSnapshot(ctx context.Context, pool, image, snapshot string) error {
	_, err := b.call(ctx, &Request{Op: OpCreateSnapshot, Pool: pool, Image: image, Snapshot: snapshot})
	return err
}

func (b *Backend) CreatePool(ctx context.Context, pool string) error {
	_, err := b.call(ctx, &Request{Op: OpCreatePool, Pool: pool})
	return err
}

// Capabilities reports the server backend's capabilities as of New.
func (b *Backend) Capabilities() backend.Capabilities {
	return b.caps
}

// Close is a no-op; connections belong to handles.
func (b *Backend) Close() error {
	return nil
}

type handle struct {
	conn     *conn
	readOnly bool
	closed   atomic.Bool
}

func (h *handle) ReadAt(p []byte, off int64) (int, error) {
	if h.closed.Load() {
		return 0, backend.ErrClosed
	}
	resp, err := h.conn.roundTrip(&Request{Op: OpRead, Offset: off, Length: len(p)})
	if err != nil {
		return 0, err
	}
	n := copy(p, resp.Data)
	if resp.EOF {
		return n, io.EOF
	}
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (h *handle) WriteAt(p []byte, off int64) (int, error) {
	if h.closed.Load() {
		return 0, backend.ErrClosed
	}
	if h.readOnly {
		return 0, backend.ErrReadOnly
	}
	resp, err := h.conn.roundTrip(&Request{Op: OpWrite, Offset: off, Data: p})
	return resp.N, err
}

func (h *handle) Size() (int64, error) {
	if h.closed.Load() {
		return 0, backend.ErrClosed
	}
	resp, err := h.conn.roundTrip(&Request{Op: OpSize})
	if err != nil {
		return 0, err
	}
	return resp.Size, nil
}

func (h *handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return backend.ErrClosed
	}
	_, err := h.conn.roundTrip(&Request{Op: OpClose})
	if cerr := h.conn.c.Close(); err == nil {
		err = cerr
	}
	return err
}
