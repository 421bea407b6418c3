package backend

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Factory constructs a backend from the daemon logger. Implementations read
// their own configuration from the environment.
type Factory func(logger *slog.Logger) (Backend, error)

// Registry maps backend names to factories. Main registers the compiled-in
// implementations and resolves the one named by configuration.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under the given name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Resolve constructs the backend registered under name.
func (r *Registry) Resolve(name string, logger *slog.Logger) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("backend %q is not registered (known: %v)", name, r.Names())
	}
	return f(logger)
}

// Names returns the registered backend names, sorted for stable messages.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
