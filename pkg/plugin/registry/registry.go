// Package registry manages plugin type registration and adapter instantiation
package registry

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/relaymesh/relay-agent/pkg/errors"
	"github.com/relaymesh/relay-agent/pkg/logger"
	"github.com/relaymesh/relay-agent/pkg/plugin"
)

// Registry maps plugin type ids to descriptors. Registration is last-wins:
// registering an id again replaces the previous descriptor.
type Registry struct {
	plugins map[string]plugin.Descriptor
	mu      sync.RWMutex
	logger  *zap.Logger
}

// Global registry instance, populated by adapter init functions
var globalRegistry = New()

// New creates an empty registry
func New() *Registry {
	return &Registry{
		plugins: make(map[string]plugin.Descriptor),
		logger:  logger.Get().With(zap.String("component", "plugin_registry")),
	}
}

// Register adds or replaces a plugin descriptor
func (r *Registry) Register(desc plugin.Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[desc.Metadata.ID]; exists {
		r.logger.Info("plugin type replaced", zap.String("plugin", desc.Metadata.ID))
	} else {
		r.logger.Info("plugin type registered", zap.String("plugin", desc.Metadata.ID))
	}
	r.plugins[desc.Metadata.ID] = desc
}

// Get returns the descriptor for a plugin type
func (r *Registry) Get(id string) (plugin.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.plugins[id]
	return desc, ok
}

// Create instantiates an adapter for a configured source
func (r *Registry) Create(pluginType, sourceID string, creds plugin.Credentials) (plugin.Source, error) {
	desc, ok := r.Get(pluginType)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "unknown plugin type: %s", pluginType)
	}
	return desc.New(sourceID, creds), nil
}

// Has reports whether a plugin type is registered
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.plugins[id]
	return ok
}

// List returns all registered descriptors ordered by id
func (r *Registry) List() []plugin.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descs := make([]plugin.Descriptor, 0, len(r.plugins))
	for _, d := range r.plugins {
		descs = append(descs, d)
	}
	sort.Slice(descs, func(i, j int) bool {
		return descs[i].Metadata.ID < descs[j].Metadata.ID
	})
	return descs
}

// Types returns the registered plugin type ids, sorted
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		types = append(types, id)
	}
	sort.Strings(types)
	return types
}

// Clear removes all registered plugins (mainly for testing)
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = make(map[string]plugin.Descriptor)
}

// Global registry functions

// Register adds a descriptor to the global registry
func Register(desc plugin.Descriptor) {
	globalRegistry.Register(desc)
}

// Default returns the global registry instance
func Default() *Registry {
	return globalRegistry
}
