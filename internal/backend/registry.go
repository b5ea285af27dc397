package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownScheme is returned by Resolve for a scheme with no registered
// backend.
var ErrUnknownScheme = errors.New("no backend registered for scheme")

// BackendInfo pairs a registered scheme with the backend's capabilities.
type BackendInfo struct {
	Scheme       string       `json:"scheme"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds registered backends keyed by the volume reference scheme
// that selects them.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend to the registry under the given scheme.
func (r *Registry) Register(scheme string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[scheme] = b
}

// Resolve returns the backend registered for scheme.
func (r *Registry) Resolve(scheme string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[scheme]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownScheme, scheme)
	}
	return b, nil
}

// List returns information about all registered backends, sorted by scheme
// for a stable API response.
func (r *Registry) List() []BackendInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]BackendInfo, 0, len(r.backends))
	for scheme, b := range r.backends {
		infos = append(infos, BackendInfo{
			Scheme:       scheme,
			Capabilities: b.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Scheme < infos[j].Scheme
	})
	return infos
}

// Close closes every registered backend and returns the joined errors.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for scheme, b := range r.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s backend: %w", scheme, err))
		}
	}
	return errors.Join(errs...)
}
