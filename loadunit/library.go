package loadunit

import (
	"slices"
	"sync"
)

// Origin tells where a resolved library came from.
type Origin int

const (
	// OriginPrivate is a copy shipped with the module itself.
	OriginPrivate Origin = iota
	// OriginShared is a library already loaded by the host.
	OriginShared
)

func (o Origin) String() string {
	switch o {
	case OriginPrivate:
		return "private"
	case OriginShared:
		return "shared"
	default:
		return "unknown"
	}
}

// Library is a resolved dependency of a module.
type Library struct {
	Name    string
	Version string
	// Path is set for private libraries and for shared libraries backed by a file.
	Path   string
	Origin Origin
	// Value carries an in-process implementation for shared libraries.
	Value any
}

// SharedLibraries is the host's inventory of libraries every unit may fall
// back to.
type SharedLibraries interface {
	Lookup(name string) (*Library, bool)
}

// SharedSet is a concurrency-safe SharedLibraries.
type SharedSet struct {
	mu   sync.RWMutex
	libs map[string]*Library
}

// NewSharedSet returns a set pre-filled with libs.
func NewSharedSet(libs ...Library) *SharedSet {
	s := &SharedSet{libs: make(map[string]*Library)}
	for _, lib := range libs {
		s.Add(lib)
	}
	return s
}

// Add registers lib, replacing any library with the same name.
func (s *SharedSet) Add(lib Library) {
	lib.Origin = OriginShared
	s.mu.Lock()
	defer s.mu.Unlock()
	s.libs[lib.Name] = &lib
}

// Lookup implements SharedLibraries.
func (s *SharedSet) Lookup(name string) (*Library, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lib, ok := s.libs[name]
	if !ok {
		return nil, false
	}
	cp := *lib
	return &cp, true
}

// Names returns the registered library names in sorted order.
func (s *SharedSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.libs))
	for name := range s.libs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
