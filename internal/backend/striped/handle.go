package striped

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/seantiz/blockio/internal/backend"
)

// handle is an open image head or snapshot. Handle methods carry no context,
// so object store calls run with context.Background().
type handle struct {
	backend    *Backend
	pool       string
	image      string
	snapshot   string
	size       int64
	objectSize int
	readOnly   bool
	lock       *sync.Mutex // nil for read-only handles
	closed     atomic.Bool
}

func (h *handle) key(idx uint64) ObjectKey {
	return ObjectKey{Pool: h.pool, Image: h.image, Snapshot: h.snapshot, Index: idx}
}

// ReadAt reads from the objects covering [off, off+len(p)). Unwritten
// objects and missing tails of short objects read as zeros.
func (h *handle) ReadAt(p []byte, off int64) (int, error) {
	if h.closed.Load() {
		return 0, backend.ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: %d", backend.ErrOutOfRange, off)
	}
	if off >= h.size {
		return 0, io.EOF
	}

	want := len(p)
	if remain := h.size - off; int64(want) > remain {
		want = int(remain)
	}

	ctx := context.Background()
	objSize := int64(h.objectSize)
	n := 0
	for n < want {
		pos := off + int64(n)
		idx := uint64(pos / objSize)
		within := int(pos % objSize)
		span := min(h.objectSize-within, want-n)

		data, err := h.backend.store.GetObject(ctx, h.key(idx))
		if err != nil {
			return n, fmt.Errorf("read object %d: %w", idx, err)
		}
		dst := p[n : n+span]
		copied := 0
		if within < len(data) {
			copied = copy(dst, data[within:])
		}
		clear(dst[copied:])
		n += span
	}

	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes p at off. Whole objects are replaced directly; partial
// objects go through a read-modify-write cycle under the image lock.
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

	ctx := context.Background()
	objSize := int64(h.objectSize)
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		idx := uint64(pos / objSize)
		within := int(pos % objSize)
		span := min(h.objectSize-within, len(p)-n)
		src := p[n : n+span]

		if within == 0 && span == h.objectSize {
			if err := h.backend.store.PutObject(ctx, h.key(idx), src); err != nil {
				return n, fmt.Errorf("write object %d: %w", idx, err)
			}
		} else if err := h.patchObject(ctx, idx, within, src); err != nil {
			return n, err
		}
		n += span
	}
	return n, nil
}

func (h *handle) patchObject(ctx context.Context, idx uint64, within int, src []byte) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	old, err := h.backend.store.GetObject(ctx, h.key(idx))
	if err != nil {
		return fmt.Errorf("read object %d: %w", idx, err)
	}
	obj := make([]byte, max(len(old), within+len(src)))
	copy(obj, old)
	copy(obj[within:], src)
	if err := h.backend.store.PutObject(ctx, h.key(idx), obj); err != nil {
		return fmt.Errorf("write object %d: %w", idx, err)
	}
	return nil
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
	return nil
}
