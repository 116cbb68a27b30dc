package provider

import (
	"fmt"
	"slices"
	"sync"
)

// Registry manages named LLM providers. The zero value is not usable; create
// one with NewRegistry and hand it to the components that need it.
type Registry struct {
	providers map[string]Provider
	fallback  string
	mu        sync.RWMutex
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register registers a provider. The first registered provider becomes the default.
func (r *Registry) Register(name string, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = provider
	if r.fallback == "" {
		r.fallback = name
	}
}

// SetDefault selects the provider returned by Default.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("provider '%s' not found", name)
	}
	r.fallback = name
	return nil
}

// Get retrieves a provider by name
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider '%s' not found", name)
	}

	return provider, nil
}

// Default returns the default provider.
func (r *Registry) Default() (Provider, error) {
	r.mu.RLock()
	name := r.fallback
	r.mu.RUnlock()
	if name == "" {
		return nil, fmt.Errorf("no providers registered")
	}
	return r.Get(name)
}

// Has checks if a provider is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// List returns all registered provider names in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
