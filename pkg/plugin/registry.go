package plugin

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

// Priority constants for plugin registration.
// Higher priority values override lower priority plugins with the same
// signature and category.
const (
	// PriorityDefault is the default priority for plugins.
	// Public/reference implementations should use this priority.
	PriorityDefault = 0

	// PriorityOverride is used by private implementations to override
	// public plugins. Private plugins should use this priority to ensure
	// they take precedence over the default implementation.
	PriorityOverride = 100
)

// Registry holds the compiled-in plugin descriptors. It is the trusted root
// of plugin resolution: descriptors registered here are never safety
// scanned. It supports priority-based override, allowing private
// implementations to replace public ones at compile time through import
// ordering.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Descriptor
	order   []string
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Descriptor),
		order:   make([]string, 0),
	}
}

// Register adds a descriptor to the registry. The signature is normalized
// first. If a descriptor with the same signature and category already
// exists, the one with higher priority wins. If priorities are equal, the
// later registration wins.
func (r *Registry) Register(d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d.Signature = NormalizeSignature(string(d.Signature))
	if d.Signature == "" {
		return fmt.Errorf("plugin signature cannot be empty")
	}
	if !d.Category.Valid() {
		return fmt.Errorf("plugin %s: unknown category %q", d.Signature, d.Category)
	}
	if d.Factory == nil {
		return fmt.Errorf("plugin %s: factory cannot be nil", d.Signature)
	}
	if d.Module == "" {
		d.Module = "builtin"
	}

	key := d.Kind()
	existing, exists := r.plugins[key]
	if exists {
		if d.Priority < existing.Priority {
			log.Printf("Plugin %q registration skipped (priority %d < existing %d)",
				key, d.Priority, existing.Priority)
			return nil
		}
		log.Printf("Plugin %q being overridden (priority %d -> %d)",
			key, existing.Priority, d.Priority)
	}

	r.plugins[key] = d
	if !exists {
		r.order = append(r.order, key)
	}
	return nil
}

// Get returns the descriptor for a signature and category, or nil if none
// is registered. The signature is normalized before lookup.
func (r *Registry) Get(category Category, signature Signature) *Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := string(category) + "/" + string(NormalizeSignature(string(signature)))
	d, ok := r.plugins[key]
	if !ok {
		return nil
	}
	return &d
}

// List returns all registered descriptors sorted by category, then
// signature, for stable iteration.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Descriptor, 0, len(r.plugins))
	for _, key := range r.order {
		result = append(result, r.plugins[key])
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Category != result[j].Category {
			return result[i].Category < result[j].Category
		}
		return result[i].Signature < result[j].Signature
	})
	return result
}

// Names returns the registration keys ("category/SIGNATURE") in
// registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// Clear removes all registered descriptors. Useful for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.plugins = make(map[string]Descriptor)
	r.order = make([]string, 0)
}

// Global registry instance
var globalRegistry = NewRegistry()

// Register adds a descriptor to the global registry.
// This is typically called from init() functions in plugin packages.
func Register(d Descriptor) error {
	return globalRegistry.Register(d)
}

// MustRegister registers with the global registry and panics on error.
// Intended for init() use where a bad descriptor is a programming error.
func MustRegister(d Descriptor) {
	if err := globalRegistry.Register(d); err != nil {
		panic(err)
	}
}

// Get returns a descriptor from the global registry.
func Get(category Category, signature Signature) *Descriptor {
	return globalRegistry.Get(category, signature)
}

// List returns all descriptors from the global registry.
func List() []Descriptor {
	return globalRegistry.List()
}

// Names returns all registration keys from the global registry.
func Names() []string {
	return globalRegistry.Names()
}

// Default returns the global registry itself, for wiring into the resolver.
func Default() *Registry {
	return globalRegistry
}

// ClearGlobal clears the global registry. Useful for testing.
func ClearGlobal() {
	globalRegistry.Clear()
}
