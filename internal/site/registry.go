package site

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages the collection of loaded sites
type Registry struct {
	mu    sync.RWMutex
	sites map[string]*Site
}

// NewRegistry creates a new site registry
func NewRegistry(sites map[string]*Site) *Registry {
	return &Registry{
		sites: sites,
	}
}

// Get retrieves a site by name
func (r *Registry) Get(name string) (*Site, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.sites[name]
	if !exists {
		return nil, fmt.Errorf("site '%s' not found", name)
	}

	return s, nil
}

// Resolve returns the named site, or the only configured site when name is empty.
func (r *Registry) Resolve(name string) (*Site, error) {
	if name != "" {
		return r.Get(name)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	switch len(r.sites) {
	case 0:
		return nil, fmt.Errorf("no sites configured")
	case 1:
		for _, s := range r.sites {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%d sites configured, use --site to pick one", len(r.sites))
}

// List returns all site names in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sites))
	for name := range r.sites {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Count returns the number of sites
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sites)
}
