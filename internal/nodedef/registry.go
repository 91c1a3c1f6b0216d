package nodedef

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog resolves type tags to definitions.
type Catalog interface {
	Lookup(typ string) (Definition, bool)
}

// Registry maps type tags to their definitions.
// It is safe for concurrent reads; Register should only be called at startup.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition. Panics on duplicate type to surface misconfiguration early.
func (r *Registry) Register(d Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[d.Type()]; exists {
		panic(fmt.Sprintf("nodedef registry: duplicate type %q", d.Type()))
	}
	r.defs[d.Type()] = d
}

// Lookup returns the definition for the given type.
func (r *Registry) Lookup(typ string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[typ]
	return d, ok
}

// Get is Lookup with an error for unknown types.
func (r *Registry) Get(typ string) (Definition, error) {
	d, ok := r.Lookup(typ)
	if !ok {
		return nil, fmt.Errorf("no definition registered for node type %q", typ)
	}
	return d, nil
}

// Types returns all registered type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for k := range r.defs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
