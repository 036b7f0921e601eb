// Package registry provides the concurrent-read, single-writer map the host
// uses as its live module registry.
package registry

import (
	"errors"
	"slices"
	"sync"
	"time"
)

// Static errors for registry package
var (
	ErrAlreadyRegistered = errors.New("entry already registered")
	ErrNotFound          = errors.New("entry not found")
	ErrEmptyName         = errors.New("entry name cannot be empty")
)

// Entry is one registered value with its bookkeeping. AccessCount and
// AccessedAt only change through Use.
type Entry[V any] struct {
	Name         string
	Value        V
	RegisteredAt time.Time
	AccessedAt   time.Time
	AccessCount  int64
}

// Registry maps names to values and remembers an ordering. Reads may run
// concurrently with each other and with a single writer.
type Registry[V any] struct {
	mu      sync.RWMutex
	entries map[string]*Entry[V]
	order   []string
}

// New creates an empty registry.
func New[V any]() *Registry[V] {
	return &Registry[V]{entries: make(map[string]*Entry[V])}
}

// Register adds value under name at the end of the ordering.
func (r *Registry[V]) Register(name string, value V) error {
	if name == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return ErrAlreadyRegistered
	}
	now := time.Now()
	r.entries[name] = &Entry[V]{
		Name:         name,
		Value:        value,
		RegisteredAt: now,
		AccessedAt:   now,
	}
	r.order = append(r.order, name)
	return nil
}

// Unregister removes name and returns its value.
func (r *Registry[V]) Unregister(name string) (V, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[name]
	if !exists {
		var zero V
		return zero, ErrNotFound
	}
	delete(r.entries, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	return entry.Value, nil
}

// Get returns the value registered under name.
func (r *Registry[V]) Get(name string) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[name]
	if !exists {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

// Use is Get that also records an access on the entry.
func (r *Registry[V]) Use(name string) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[name]
	if !exists {
		var zero V
		return zero, false
	}
	entry.AccessCount++
	entry.AccessedAt = time.Now()
	return entry.Value, true
}

// Lookup returns a copy of the entry registered under name.
func (r *Registry[V]) Lookup(name string) (Entry[V], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[name]
	if !exists {
		return Entry[V]{}, false
	}
	return *entry, true
}

// Exists reports whether name is registered.
func (r *Registry[V]) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.entries[name]
	return exists
}

// Len returns the number of entries.
func (r *Registry[V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Names returns the registered names in order.
func (r *Registry[V]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Values returns a snapshot of the values in order.
func (r *Registry[V]) Values() []V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	values := make([]V, 0, len(r.order))
	for _, name := range r.order {
		values = append(values, r.entries[name].Value)
	}
	return values
}

// Reorder sorts the ordering to follow names. Registered names missing
// from names keep their relative order after the listed ones.
func (r *Registry[V]) Reorder(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rank := make(map[string]int, len(names))
	for i, name := range names {
		if _, dup := rank[name]; !dup {
			rank[name] = i
		}
	}
	slices.SortStableFunc(r.order, func(a, b string) int {
		ra, okA := rank[a]
		rb, okB := rank[b]
		switch {
		case okA && okB:
			return ra - rb
		case okA:
			return -1
		case okB:
			return 1
		default:
			return 0
		}
	})
}
