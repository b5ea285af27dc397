package backend

import (
	"context"
	"errors"
	"io"
)

// Errors returned by backends. Implementations wrap these so callers can
// test with errors.Is.
var (
	ErrPoolNotFound   = errors.New("pool not found")
	ErrVolumeNotFound = errors.New("image or snapshot not found")
	ErrVolumeExists   = errors.New("image already exists")
	ErrPoolExists     = errors.New("pool already exists")
	ErrReadOnly       = errors.New("handle is read-only")
	ErrOutOfRange     = errors.New("offset out of range")
	ErrClosed         = errors.New("handle is closed")

	ErrSnapshotsUnsupported = errors.New("backend does not support snapshots")
	ErrPoolsUnsupported     = errors.New("backend does not create pools")
)

// Backend is the interface every volume backend (memory, file, sqlite, redis,
// remote) implements.
type Backend interface {
	// OpenReadHandle opens a read-only handle on pool/image, at snapshot when
	// snapshot is non-empty. Handles returned by separate calls must be usable
	// concurrently and independently.
	OpenReadHandle(ctx context.Context, pool, image, snapshot string) (Handle, error)

	// OpenWriteHandle opens a writable handle on the head of pool/image.
	OpenWriteHandle(ctx context.Context, pool, image string) (Handle, error)

	// CreateImage creates a new zero-filled image of the given size.
	CreateImage(ctx context.Context, pool, image string, size int64, features Features) error

	// Capabilities reports what this backend supports.
	Capabilities() Capabilities

	// Close releases the backend's connections. Handles must be closed first.
	Close() error
}

// Handle is an open session on one volume. It follows io.ReaderAt and
// io.WriterAt semantics.
type Handle interface {
	io.ReaderAt

	// WriteAt writes p at off and returns the number of bytes accepted.
	// Read-only handles return ErrReadOnly.
	WriteAt(p []byte, off int64) (int, error)

	// Size returns the size of the volume in bytes.
	Size() (int64, error)

	Close() error
}

// Snapshotter is implemented by backends that can take point-in-time
// snapshots of an image.
type Snapshotter interface {
	CreateSnapshot(ctx context.Context, pool, image, snapshot string) error
}

// PoolCreator is implemented by backends whose pools are created explicitly.
type PoolCreator interface {
	CreatePool(ctx context.Context, pool string) error
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Name string `json:"name"`

	// Snapshots is true when read handles may be opened at a snapshot.
	Snapshots bool `json:"snapshots"`

	// ConcurrentWrites is true when offset-disjoint WriteAt calls may be
	// issued concurrently through one write handle.
	ConcurrentWrites bool `json:"concurrent_writes"`
}
