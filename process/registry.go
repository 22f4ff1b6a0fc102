package process

import (
	"fmt"
	"sort"
	"sync"
)

// TypeRegistry maps stable process type identifiers to their factories.
// Checkpoints record the type id; reconstruction resolves it here.
type TypeRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		factories: make(map[string]Factory),
	}
}

// Register binds a type id to its factory. Registering an id twice is an
// error: silently replacing a factory would change what checkpoints
// reconstruct into.
func (r *TypeRegistry) Register(typeID string, factory Factory) error {
	if typeID == "" {
		return fmt.Errorf("type id is empty")
	}
	if factory == nil {
		return fmt.Errorf("factory for %q is nil", typeID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[typeID]; exists {
		return fmt.Errorf("type %q is already registered", typeID)
	}
	r.factories[typeID] = factory
	return nil
}

// Resolve returns the factory registered under the type id.
func (r *TypeRegistry) Resolve(typeID string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[typeID]
	if !ok {
		return nil, fmt.Errorf("no factory registered for type %q", typeID)
	}
	return factory, nil
}

// Types returns the registered type ids in sorted order.
func (r *TypeRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for id := range r.factories {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// defaultRegistry backs the package-level registration helpers.
var defaultRegistry = NewTypeRegistry()

// Register binds a type id to its factory in the default registry.
func Register(typeID string, factory Factory) error {
	return defaultRegistry.Register(typeID, factory)
}

// MustRegister is Register that panics on error, for package init blocks.
func MustRegister(typeID string, factory Factory) {
	if err := Register(typeID, factory); err != nil {
		panic(err)
	}
}

// Resolve looks the type id up in the default registry.
func Resolve(typeID string) (Factory, error) {
	return defaultRegistry.Resolve(typeID)
}

// DefaultRegistry returns the process-wide registry used by the
// package-level helpers.
func DefaultRegistry() *TypeRegistry {
	return defaultRegistry
}
