// Package memory provides an in-process object store for the striped
// backend. Contents live for the lifetime of the process; it backs tests and
// the e2e test server.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/seantiz/blockio/internal/backend"
	"github.com/seantiz/blockio/internal/backend/striped"
)

var _ striped.ObjectStore = (*Store)(nil)

// Store is a map-backed striped.ObjectStore safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	pools   map[string]bool
	images  map[string]striped.ImageInfo
	objects map[striped.ObjectKey][]byte
}

// NewStore creates an empty store with the given pools already created.
func NewStore(pools ...string) *Store {
	s := &Store{
		pools:   make(map[string]bool),
		images:  make(map[string]striped.ImageInfo),
		objects: make(map[striped.ObjectKey][]byte),
	}
	for _, p := range pools {
		s.pools[p] = true
	}
	return s
}

// New returns a striped backend named "memory" over a fresh Store.
func New(pools ...string) *striped.Backend {
	return striped.New("memory", NewStore(pools...))
}

func imageKey(pool, image string) string {
	return pool + "/" + image
}

func (s *Store) PoolExists(_ context.Context, pool string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pools[pool], nil
}

func (s *Store) CreatePool(_ context.Context, pool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pools[pool] {
		return fmt.Errorf("%w: %s", backend.ErrPoolExists, pool)
	}
	s.pools[pool] = true
	return nil
}

func (s *Store) GetImage(_ context.Context, pool, image string) (striped.ImageInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.images[imageKey(pool, image)]
	if !ok {
		return striped.ImageInfo{}, fmt.Errorf("%w: %s/%s", backend.ErrVolumeNotFound, pool, image)
	}
	info.Snapshots = maps.Clone(info.Snapshots)
	return info, nil
}

func (s *Store) PutImage(_ context.Context, info striped.ImageInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info.Snapshots = maps.Clone(info.Snapshots)
	s.images[imageKey(info.Pool, info.Image)] = info
	return nil
}

func (s *Store) GetObject(_ context.Context, key striped.ObjectKey) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, nil
	}
	return slices.Clone(data), nil
}

func (s *Store) PutObject(_ context.Context, key striped.ObjectKey, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = slices.Clone(data)
	return nil
}

func (s *Store) ListObjects(_ context.Context, pool, image, snapshot string) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var indexes []uint64
	for k := range s.objects {
		if k.Pool == pool && k.Image == image && k.Snapshot == snapshot {
			indexes = append(indexes, k.Index)
		}
	}
	slices.Sort(indexes)
	return indexes, nil
}

func (s *Store) Close() error {
	return nil
}
