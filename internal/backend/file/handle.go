package file

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/seantiz/blockio/internal/backend"
)

type handle struct {
	f        *os.File
	size     int64
	readOnly bool
	closed   atomic.Bool
}

func (h *handle) ReadAt(p []byte, off int64) (int, error) {
	if h.closed.Load() {
		return 0, backend.ErrClosed
	}
	return h.f.ReadAt(p, off)
}

func (h *handle) WriteAt(p []byte, off int64) (int, error) {
	if h.closed.Load() {
		return 0, backend.ErrClosed
	}
	if h.readOnly {
		return 0, backend.ErrReadOnly
	}
	if off < 0 || off+int64(len(p)) > h.size {
		return 0, fmt.Errorf("%w: write of %d bytes at %d exceeds size %d", backend.ErrOutOfRange, len(p), off, h.size)
	}
	return h.f.WriteAt(p, off)
}

func (h *handle) Size() (int64, error) {
	if h.closed.Load() {
		return 0, backend.ErrClosed
	}
	return h.size, nil
}

func (h *handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return backend.ErrClosed
	}
	return h.f.Close()
}
