// Package providers maintains the registry of ProviderDriver builders
// (local, aws, gcp). Provider packages register themselves via Register in
// an init function; import a provider package for its side effect.
package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/nimbuscall/nimbuscall/internal/engine/config"
	"github.com/nimbuscall/nimbuscall/internal/engine/driver"
	"github.com/nimbuscall/nimbuscall/internal/engine/logging"
)

// Builder constructs a driver.Driver from a Config. Each provider package
// supplies one and registers it under its provider name.
type Builder func(ctx context.Context, cfg config.Config, log logging.Logger) (driver.Driver, error)

// Registry maps provider names to their builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// DefaultRegistry is the global provider registry every provider package
// registers itself with.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a builder under name.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// Build constructs the driver registered under cfg.Provider.
func (r *Registry) Build(ctx context.Context, cfg config.Config, log logging.Logger) (driver.Driver, error) {
	r.mu.RLock()
	builder, ok := r.builders[cfg.Provider]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("nimbuscall: unknown provider %q (registered: %v)", cfg.Provider, r.Names())
	}
	return builder(ctx, cfg, log)
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// Build constructs a driver using the default registry.
func Build(ctx context.Context, cfg config.Config, log logging.Logger) (driver.Driver, error) {
	return DefaultRegistry.Build(ctx, cfg, log)
}
