package proc

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps backend names to backend factories. It is populated
// explicitly by the program and consulted once, when a Process is created.
type Registry struct {
	mu        sync.Mutex
	factories map[string]BackendFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]BackendFactory)}
}

// Register adds a backend factory under name.
func (r *Registry) Register(name string, f BackendFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		return fmt.Errorf("backend %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Lookup returns the factory registered under name.
func (r *Registry) Lookup(name string) (BackendFactory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	return f, nil
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
