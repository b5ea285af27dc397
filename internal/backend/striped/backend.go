package striped

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/seantiz/blockio/internal/backend"
)

// Compile-time interface satisfaction checks.
var (
	_ backend.Backend     = (*Backend)(nil)
	_ backend.Snapshotter = (*Backend)(nil)
	_ backend.PoolCreator = (*Backend)(nil)
)

// Option configures a Backend.
type Option func(*Backend)

// WithObjectSize sets the object size used for images created through this
// backend. Existing images keep the size recorded in their metadata.
func WithObjectSize(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.objectSize = n
		}
	}
}

// Backend implements backend.Backend over an ObjectStore.
type Backend struct {
	name       string
	store      ObjectStore
	objectSize int

	mu         sync.Mutex
	imageLocks map[string]*sync.Mutex
}

// New creates a striped backend named name over store.
func New(name string, store ObjectStore, opts ...Option) *Backend {
	b := &Backend{
		name:       name,
		store:      store,
		objectSize: DefaultObjectSize,
		imageLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// imageLock returns the mutex serializing read-modify-write cycles and
// snapshot creation on pool/image.
func (b *Backend) imageLock(pool, image string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := pool + "/" + image
	l, ok := b.imageLocks[key]
	if !ok {
		l = &sync.Mutex{}
		b.imageLocks[key] = l
	}
	return l
}

func (b *Backend) lookup(ctx context.Context, pool, image string) (ImageInfo, error) {
	ok, err := b.store.PoolExists(ctx, pool)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("check pool %s: %w", pool, err)
	}
	if !ok {
		return ImageInfo{}, fmt.Errorf("%w: %s", backend.ErrPoolNotFound, pool)
	}
	info, err := b.store.GetImage(ctx, pool, image)
	if err != nil {
		return ImageInfo{}, err
	}
	return info, nil
}

// OpenReadHandle opens a read-only handle on the head or a snapshot.
func (b *Backend) OpenReadHandle(ctx context.Context, pool, image, snapshot string) (backend.Handle, error) {
	info, err := b.lookup(ctx, pool, image)
	if err != nil {
		return nil, err
	}
	size := info.Size
	if snapshot != "" {
		snapSize, ok := info.Snapshots[snapshot]
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s@%s", backend.ErrVolumeNotFound, pool, image, snapshot)
		}
		size = snapSize
	}
	return &handle{
		backend:    b,
		pool:       pool,
		image:      image,
		snapshot:   snapshot,
		size:       size,
		objectSize: info.ObjectSize,
		readOnly:   true,
	}, nil
}

// OpenWriteHandle opens a writable handle on the image head.
func (b *Backend) OpenWriteHandle(ctx context.Context, pool, image string) (backend.Handle, error) {
	info, err := b.lookup(ctx, pool, image)
	if err != nil {
		return nil, err
	}
	return &handle{
		backend:    b,
		pool:       pool,
		image:      image,
		size:       info.Size,
		objectSize: info.ObjectSize,
		lock:       b.imageLock(pool, image),
	}, nil
}

// CreateImage records metadata for a new sparse image.
func (b *Backend) CreateImage(ctx context.Context, pool, image string, size int64, features backend.Features) error {
	if size < 0 {
		return fmt.Errorf("create image %s/%s: negative size %d", pool, image, size)
	}
	_, err := b.lookup(ctx, pool, image)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s/%s", backend.ErrVolumeExists, pool, image)
	case !errors.Is(err, backend.ErrVolumeNotFound):
		return err
	}
	return b.store.PutImage(ctx, ImageInfo{
		Pool:       pool,
		Image:      image,
		Size:       size,
		ObjectSize: b.objectSize,
		Features:   uint64(features),
	})
}

// CreatePool creates an empty pool.
func (b *Backend) CreatePool(ctx context.Context, pool string) error {
	return b.store.CreatePool(ctx, pool)
}

// CreateSnapshot copies the written objects of the image head into a new
// snapshot.
func (b *Backend) CreateSnapshot(ctx context.Context, pool, image, snapshot string) error {
	l := b.imageLock(pool, image)
	l.Lock()
	defer l.Unlock()

	info, err := b.lookup(ctx, pool, image)
	if err != nil {
		return err
	}
	if _, ok := info.Snapshots[snapshot]; ok {
		return fmt.Errorf("%w: %s/%s@%s", backend.ErrVolumeExists, pool, image, snapshot)
	}

	indexes, err := b.store.ListObjects(ctx, pool, image, "")
	if err != nil {
		return fmt.Errorf("list objects: %w", err)
	}
	for _, idx := range indexes {
		data, err := b.store.GetObject(ctx, ObjectKey{Pool: pool, Image: image, Index: idx})
		if err != nil {
			return fmt.Errorf("read object %d: %w", idx, err)
		}
		if data == nil {
			continue
		}
		key := ObjectKey{Pool: pool, Image: image, Snapshot: snapshot, Index: idx}
		if err := b.store.PutObject(ctx, key, data); err != nil {
			return fmt.Errorf("copy object %d: %w", idx, err)
		}
	}

	if info.Snapshots == nil {
		info.Snapshots = make(map[string]int64)
	}
	info.Snapshots[snapshot] = info.Size
	return b.store.PutImage(ctx, info)
}

// Capabilities reports snapshot support and concurrent writes; writes to
// disjoint ranges are serialized per object by the image lock.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:             b.name,
		Snapshots:        true,
		ConcurrentWrites: true,
	}
}

// Close closes the underlying object store.
func (b *Backend) Close() error {
	return b.store.Close()
}
