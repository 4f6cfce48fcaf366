// Package registry maps configured engine, provider and warehouse names to
// the factories that build them. Driver packages register themselves from
// init, so a binary supports exactly the drivers it imports.
package registry

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tablemirror/pkg/config"
	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/objectstore"
	"github.com/ajitpratap0/tablemirror/pkg/source"
	"github.com/ajitpratap0/tablemirror/pkg/warehouse"
)

// SourceFactory creates a source reader for a database engine.
type SourceFactory func(ctx context.Context, cfg config.DatabaseConnection, logger *zap.Logger) (source.Reader, error)

// ObjectStoreFactory creates an object storage gateway for a provider.
type ObjectStoreFactory func(ctx context.Context, cfg config.CloudConfig, logger *zap.Logger) (objectstore.Gateway, error)

// WarehouseFactory creates a warehouse client. cloud is nil when the
// replication has no object storage.
type WarehouseFactory func(ctx context.Context, cfg config.WarehouseConfig, cloud *config.CloudConfig, logger *zap.Logger) (warehouse.Client, error)

// Registry holds the registered factories.
type Registry struct {
	sources    map[string]SourceFactory
	stores     map[string]ObjectStoreFactory
	warehouses map[string]WarehouseFactory
	mu         sync.RWMutex
}

var global = New()

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sources:    make(map[string]SourceFactory),
		stores:     make(map[string]ObjectStoreFactory),
		warehouses: make(map[string]WarehouseFactory),
	}
}

// Global returns the registry drivers register into.
func Global() *Registry { return global }

// RegisterSource registers a source factory.
func (r *Registry) RegisterSource(engine string, factory SourceFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[engine]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "source engine %s already registered", engine)
	}
	r.sources[engine] = factory
	return nil
}

// RegisterObjectStore registers an object store factory.
func (r *Registry) RegisterObjectStore(provider string, factory ObjectStoreFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.stores[provider]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "object store %s already registered", provider)
	}
	r.stores[provider] = factory
	return nil
}

// RegisterWarehouse registers a warehouse factory.
func (r *Registry) RegisterWarehouse(kind string, factory WarehouseFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.warehouses[kind]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "warehouse %s already registered", kind)
	}
	r.warehouses[kind] = factory
	return nil
}

// OpenSource creates a reader for the configured engine.
func (r *Registry) OpenSource(ctx context.Context, cfg config.DatabaseConnection, logger *zap.Logger) (source.Reader, error) {
	r.mu.RLock()
	factory, ok := r.sources[cfg.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "source engine %s not found", cfg.Engine)
	}
	return factory(ctx, cfg, logger)
}

// OpenObjectStore creates a gateway for the configured provider.
func (r *Registry) OpenObjectStore(ctx context.Context, cfg config.CloudConfig, logger *zap.Logger) (objectstore.Gateway, error) {
	r.mu.RLock()
	factory, ok := r.stores[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "object store %s not found", cfg.Provider)
	}
	return factory(ctx, cfg, logger)
}

// OpenWarehouse creates a client for the configured warehouse.
func (r *Registry) OpenWarehouse(ctx context.Context, cfg config.WarehouseConfig, cloud *config.CloudConfig, logger *zap.Logger) (warehouse.Client, error) {
	r.mu.RLock()
	factory, ok := r.warehouses[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "warehouse %s not found", cfg.Type)
	}
	return factory(ctx, cfg, cloud, logger)
}

// Names lists the registered names per kind, sorted.
func (r *Registry) Names() (sources, stores, warehouses []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.sources), keys(r.stores), keys(r.warehouses)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RegisterSource registers into the global registry.
func RegisterSource(engine string, factory SourceFactory) error {
	return global.RegisterSource(engine, factory)
}

// RegisterObjectStore registers into the global registry.
func RegisterObjectStore(provider string, factory ObjectStoreFactory) error {
	return global.RegisterObjectStore(provider, factory)
}

// RegisterWarehouse registers into the global registry.
func RegisterWarehouse(kind string, factory WarehouseFactory) error {
	return global.RegisterWarehouse(kind, factory)
}
