// Package striped implements backend.Backend on top of a flat object store.
// An image is cut into fixed-size objects; an object that was never written
// reads back as zeros, so images are sparse.
package striped

import (
	"context"
	"fmt"
)

// DefaultObjectSize is the object size used for new images.
const DefaultObjectSize = 64 << 10

// ImageInfo is the metadata kept for one image.
type ImageInfo struct {
	Pool       string           `json:"pool"`
	Image      string           `json:"image"`
	Size       int64            `json:"size"`
	ObjectSize int              `json:"object_size"`
	Features   uint64           `json:"features"`
	Snapshots  map[string]int64 `json:"snapshots,omitempty"`
}

// ObjectKey addresses one object. An empty Snapshot is the image head.
type ObjectKey struct {
	Pool     string
	Image    string
	Snapshot string
	Index    uint64
}

// String renders the key as pool/image@snapshot/index.
func (k ObjectKey) String() string {
	return fmt.Sprintf("%s/%s@%s/%016x", k.Pool, k.Image, k.Snapshot, k.Index)
}

// ObjectStore is the persistence layer under a striped backend.
type ObjectStore interface {
	// PoolExists reports whether pool has been created.
	PoolExists(ctx context.Context, pool string) (bool, error)

	// CreatePool creates pool, returning backend.ErrPoolExists if present.
	CreatePool(ctx context.Context, pool string) error

	// GetImage returns image metadata or backend.ErrVolumeNotFound.
	GetImage(ctx context.Context, pool, image string) (ImageInfo, error)

	// PutImage creates or replaces image metadata.
	PutImage(ctx context.Context, info ImageInfo) error

	// GetObject returns the object's bytes, or nil with no error when the
	// object was never written.
	GetObject(ctx context.Context, key ObjectKey) ([]byte, error)

	// PutObject stores data under key. The store must not retain data.
	PutObject(ctx context.Context, key ObjectKey, data []byte) error

	// ListObjects returns the indexes of written objects of an image head
	// (snapshot == "") or snapshot.
	ListObjects(ctx context.Context, pool, image, snapshot string) ([]uint64, error)

	Close() error
}
