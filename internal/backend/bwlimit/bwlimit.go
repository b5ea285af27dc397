// Package bwlimit wraps a backend so that its handles share read and write
// bandwidth budgets.
package bwlimit

import (
	"context"

	"github.com/juju/ratelimit"

	"github.com/seantiz/blockio/internal/backend"
)

// Compile-time interface satisfaction checks.
var (
	_ backend.Backend     = (*Backend)(nil)
	_ backend.Snapshotter = (*Backend)(nil)
	_ backend.PoolCreator = (*Backend)(nil)
)

// Backend limits the bytes per second moved through the handles it opens.
// All handles opened from one Backend draw from the same buckets.
type Backend struct {
	backend.Backend
	readLimit  *ratelimit.Bucket
	writeLimit *ratelimit.Bucket
}

// New wraps b. A non-positive rate leaves that direction unlimited.
func New(b backend.Backend, readBytesPerSec, writeBytesPerSec int64) *Backend {
	bw := &Backend{Backend: b}
	if readBytesPerSec > 0 {
		// leave headroom for protocol overhead below the link
		bw.readLimit = ratelimit.NewBucketWithRate(float64(readBytesPerSec)*0.85, readBytesPerSec)
	}
	if writeBytesPerSec > 0 {
		bw.writeLimit = ratelimit.NewBucketWithRate(float64(writeBytesPerSec)*0.85, writeBytesPerSec)
	}
	return bw
}

func (b *Backend) OpenReadHandle(ctx context.Context, pool, image, snapshot string) (backend.Handle, error) {
	h, err := b.Backend.OpenReadHandle(ctx, pool, image, snapshot)
	if err != nil {
		return nil, err
	}
	return &limitedHandle{Handle: h, read: b.readLimit, write: b.writeLimit}, nil
}

func (b *Backend) OpenWriteHandle(ctx context.Context, pool, image string) (backend.Handle, error) {
	h, err := b.Backend.OpenWriteHandle(ctx, pool, image)
	if err != nil {
		return nil, err
	}
	return &limitedHandle{Handle: h, read: b.readLimit, write: b.writeLimit}, nil
}

// CreateSnapshot forwards to the wrapped backend when it takes snapshots.
func (b *Backend) CreateSnapshot(ctx context.Context, pool, image, snapshot string) error {
	s, ok := b.Backend.(backend.Snapshotter)
	if !ok {
		return backend.ErrSnapshotsUnsupported
	}
	return s.CreateSnapshot(ctx, pool, image, snapshot)
}

// CreatePool forwards to the wrapped backend when its pools are created
// explicitly.
func (b *Backend) CreatePool(ctx context.Context, pool string) error {
	p, ok := b.Backend.(backend.PoolCreator)
	if !ok {
		return backend.ErrPoolsUnsupported
	}
	return p.CreatePool(ctx, pool)
}

type limitedHandle struct {
	backend.Handle
	read  *ratelimit.Bucket
	write *ratelimit.Bucket
}

func (h *limitedHandle) ReadAt(p []byte, off int64) (int, error) {
	n, err := h.Handle.ReadAt(p, off)
	if h.read != nil && n > 0 {
		h.read.Wait(int64(n))
	}
	return n, err
}

func (h *limitedHandle) WriteAt(p []byte, off int64) (int, error) {
	if h.write != nil {
		h.write.Wait(int64(len(p)))
	}
	return h.Handle.WriteAt(p, off)
}
