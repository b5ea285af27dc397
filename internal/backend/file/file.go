// Package file keeps volumes as sparse files on a local filesystem. Each pool
// is a directory under the root; an image is <image>.img with a JSON sidecar
// <image>.json, and a snapshot is a full copy named <image>@<snapshot>.img.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/seantiz/blockio/internal/backend"
)

// Compile-time interface satisfaction checks.
var (
	_ backend.Backend     = (*Backend)(nil)
	_ backend.Snapshotter = (*Backend)(nil)
	_ backend.PoolCreator = (*Backend)(nil)
)

// sidecar is the JSON metadata stored next to every image file.
type sidecar struct {
	Features  []string `json:"features"`
	Snapshots []string `json:"snapshots,omitempty"`
}

// Backend implements backend.Backend on a directory tree.
type Backend struct {
	root string

	// mu serializes sidecar updates and snapshot copies.
	mu sync.Mutex
}

// New returns a file backend rooted at root, creating the directory if needed.
func New(root string) (*Backend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create root %s: %w", root, err)
	}
	return &Backend{root: root}, nil
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\@`)
}

func (b *Backend) poolDir(pool string) (string, error) {
	if !validName(pool) {
		return "", fmt.Errorf("%w: invalid pool name %q", backend.ErrPoolNotFound, pool)
	}
	dir := filepath.Join(b.root, pool)
	st, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !st.IsDir()) {
		return "", fmt.Errorf("%w: %s", backend.ErrPoolNotFound, pool)
	}
	if err != nil {
		return "", fmt.Errorf("stat pool %s: %w", pool, err)
	}
	return dir, nil
}

func imagePath(dir, image, snapshot string) string {
	if snapshot != "" {
		return filepath.Join(dir, image+"@"+snapshot+".img")
	}
	return filepath.Join(dir, image+".img")
}

func sidecarPath(dir, image string) string {
	return filepath.Join(dir, image+".json")
}

func readSidecar(dir, image string) (sidecar, error) {
	var sc sidecar
	raw, err := os.ReadFile(sidecarPath(dir, image))
	if errors.Is(err, fs.ErrNotExist) {
		return sc, nil
	}
	if err != nil {
		return sc, fmt.Errorf("read sidecar of %s: %w", image, err)
	}
	if err := json.Unmarshal(raw, &sc); err != nil {
		return sc, fmt.Errorf("decode sidecar of %s: %w", image, err)
	}
	return sc, nil
}

func writeSidecar(dir, image string, sc sidecar) error {
	raw, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	tmp := sidecarPath(dir, image) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write sidecar of %s: %w", image, err)
	}
	return os.Rename(tmp, sidecarPath(dir, image))
}

func (b *Backend) open(pool, image, snapshot string, flag int) (*handle, error) {
	dir, err := b.poolDir(pool)
	if err != nil {
		return nil, err
	}
	if !validName(image) || (snapshot != "" && !validName(snapshot)) {
		return nil, fmt.Errorf("%w: %s/%s@%s", backend.ErrVolumeNotFound, pool, image, snapshot)
	}
	f, err := os.OpenFile(imagePath(dir, image, snapshot), flag, 0)
	if errors.Is(err, fs.ErrNotExist) {
		ref := pool + "/" + image
		if snapshot != "" {
			ref += "@" + snapshot
		}
		return nil, fmt.Errorf("%w: %s", backend.ErrVolumeNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat image: %w", err)
	}
	return &handle{f: f, size: st.Size(), readOnly: flag == os.O_RDONLY}, nil
}

// OpenReadHandle opens the image file, or the snapshot copy, read-only.
func (b *Backend) OpenReadHandle(_ context.Context, pool, image, snapshot string) (backend.Handle, error) {
	return b.open(pool, image, snapshot, os.O_RDONLY)
}

// OpenWriteHandle opens the image file for writing.
func (b *Backend) OpenWriteHandle(_ context.Context, pool, image string) (backend.Handle, error) {
	return b.open(pool, image, "", os.O_RDWR)
}

// CreateImage creates a sparse file of the given size and its sidecar.
func (b *Backend) CreateImage(_ context.Context, pool, image string, size int64, features backend.Features) error {
	dir, err := b.poolDir(pool)
	if err != nil {
		return err
	}
	if !validName(image) {
		return fmt.Errorf("invalid image name %q", image)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.OpenFile(imagePath(dir, image, ""), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s/%s", backend.ErrVolumeExists, pool, image)
	}
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return fmt.Errorf("size image: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close image: %w", err)
	}
	return writeSidecar(dir, image, sidecar{Features: features.Names()})
}

// CreatePool creates the pool directory.
func (b *Backend) CreatePool(_ context.Context, pool string) error {
	if !validName(pool) {
		return fmt.Errorf("invalid pool name %q", pool)
	}
	err := os.Mkdir(filepath.Join(b.root, pool), 0o755)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s", backend.ErrPoolExists, pool)
	}
	return err
}

// CreateSnapshot copies the image file to its snapshot name.
func (b *Backend) CreateSnapshot(_ context.Context, pool, image, snapshot string) error {
	dir, err := b.poolDir(pool)
	if err != nil {
		return err
	}
	if !validName(snapshot) {
		return fmt.Errorf("invalid snapshot name %q", snapshot)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	src, err := os.Open(imagePath(dir, image, ""))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s/%s", backend.ErrVolumeNotFound, pool, image)
	}
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(imagePath(dir, image, snapshot), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s/%s@%s", backend.ErrVolumeExists, pool, image, snapshot)
	}
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy snapshot: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}

	sc, err := readSidecar(dir, image)
	if err != nil {
		return err
	}
	sc.Snapshots = append(sc.Snapshots, snapshot)
	return writeSidecar(dir, image, sc)
}

// Capabilities reports snapshot support; pwrite on disjoint ranges is safe
// to issue concurrently.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:             "file",
		Snapshots:        true,
		ConcurrentWrites: true,
	}
}

// Close is a no-op; files are closed with their handles.
func (b *Backend) Close() error {
	return nil
}
