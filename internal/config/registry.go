package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tan-res-space/rag-interface/internal/store"
)

// ErrBackendNotRegistered is returned by [Registry.CreateStore] when no
// factory has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: storage backend not registered")

// StoreFactory opens a storage backend.
type StoreFactory func(ctx context.Context, cfg StorageConfig) (store.Store, error)

// Registry maps storage backend names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stores map[StorageBackend]StoreFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{stores: make(map[StorageBackend]StoreFactory)}
}

// RegisterStore registers a storage factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterStore(name StorageBackend, factory StoreFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[name] = factory
}

// Backends lists the registered backend names in sorted order.
func (r *Registry) Backends() []StorageBackend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StorageBackend, 0, len(r.stores))
	for name := range r.stores {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// CreateStore opens the backend named by cfg.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered for it.
func (r *Registry) CreateStore(ctx context.Context, cfg StorageConfig) (store.Store, error) {
	r.mu.RLock()
	factory, ok := r.stores[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.Backend)
	}
	s, err := factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: open %s store: %w", cfg.Backend, err)
	}
	return s, nil
}
