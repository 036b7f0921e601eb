// Package leak tracks long-lived objects a module owns so the host can tell
// whether releasing the module's load unit will actually reclaim memory.
//
// Modules register their long-lived objects and cleanup hooks with a
// Registry while they are constructed. At unload the Protector inventories
// the registry, keeps only weak references to the tracked objects, runs the
// cleanup hooks and afterwards answers whether any tracked object is still
// reachable. The answer is advisory; it never blocks an unload.
package leak

import (
	"sync"
	"weak"
)

// Clearer is a cache or table a module wants emptied at unload.
type Clearer interface {
	Clear()
}

// ClearerFunc adapts a function to Clearer.
type ClearerFunc func()

func (f ClearerFunc) Clear() { f() }

type reference struct {
	name  string
	alive func() bool
}

type cleaner struct {
	name string
	fn   func() error
}

// Registry is the resource registry a module fills at construction time.
// It never holds strong references to tracked objects.
type Registry struct {
	module string

	mu       sync.Mutex
	refs     []reference
	cleaners []cleaner
}

// NewRegistry returns an empty registry for module.
func NewRegistry(module string) *Registry {
	return &Registry{module: module}
}

// Module returns the module the registry belongs to.
func (r *Registry) Module() string {
	return r.module
}

// Track records a weak reference to obj under name. Typical candidates are
// singletons, caches and subscriber lists the module created.
func Track[T any](r *Registry, name string, obj *T) {
	if r == nil || obj == nil {
		return
	}
	wp := weak.Make(obj)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = append(r.refs, reference{
		name:  name,
		alive: func() bool { return wp.Value() != nil },
	})
}

// OnUnload registers a cleanup hook, e.g. detaching from an event source.
// Hooks run in registration order when the module is unloaded.
func (r *Registry) OnUnload(name string, fn func() error) {
	if r == nil || fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleaners = append(r.cleaners, cleaner{name: name, fn: fn})
}

// RegisterCache registers a cache to be cleared at unload.
func (r *Registry) RegisterCache(name string, c Clearer) {
	if c == nil {
		return
	}
	r.OnUnload(name, func() error {
		c.Clear()
		return nil
	})
}

// Len returns the number of tracked references.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs)
}

func (r *Registry) snapshot() ([]reference, []cleaner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := make([]reference, len(r.refs))
	copy(refs, r.refs)
	cleaners := make([]cleaner, len(r.cleaners))
	copy(cleaners, r.cleaners)
	return refs, cleaners
}
