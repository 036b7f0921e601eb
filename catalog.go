package modhost

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/GoCodeAlone/modhost/leak"
	"github.com/GoCodeAlone/modhost/loadunit"
)

// FactoryContext is handed to a Factory when a module is instantiated.
type FactoryContext struct {
	// Unit is the module's load unit; use it to resolve libraries.
	Unit *loadunit.Unit
	// Manifest is the module's manifest, nil for in-process images.
	Manifest *loadunit.Manifest
	// Resources is the module's resource registry. Register long-lived
	// objects and cleanup hooks here so they can be checked at unload.
	Resources *leak.Registry
	// Logger is the host logger.
	Logger Logger
}

// Factory constructs a module.
type Factory func(fc *FactoryContext) (Module, error)

// HostImage is an image linked into the host process. Its entries name
// factories in the same catalog.
type HostImage struct {
	Name    string
	Entries []string
}

// Catalog holds the factories and in-process images the host can load.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
	images    []HostImage
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// DefaultCatalog is used by the package-level registration helpers and by
// hosts built without an explicit catalog.
var DefaultCatalog = NewCatalog()

// RegisterFactory registers a factory in DefaultCatalog.
func RegisterFactory(key string, f Factory) error {
	return DefaultCatalog.RegisterFactory(key, f)
}

// RegisterImage registers an in-process image in DefaultCatalog.
func RegisterImage(name string, entries ...string) {
	DefaultCatalog.RegisterImage(name, entries...)
}

// RegisterFactory registers f under key.
func (c *Catalog) RegisterFactory(key string, f Factory) error {
	if key == "" || f == nil {
		return fmt.Errorf("catalog: factory key and function are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.factories[key]; exists {
		return fmt.Errorf("%w: %s", ErrFactoryRegistered, key)
	}
	c.factories[key] = f
	return nil
}

// RegisterImage registers an in-process image exposing entries. Registering
// the same name again replaces the earlier image.
func (c *Catalog) RegisterImage(name string, entries ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img := HostImage{Name: name, Entries: slices.Clone(entries)}
	for i, existing := range c.images {
		if existing.Name == name {
			c.images[i] = img
			return
		}
	}
	c.images = append(c.images, img)
}

// Factory returns the factory registered under key.
func (c *Catalog) Factory(key string) (Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[key]
	return f, ok
}

// Images returns the in-process images in registration order.
func (c *Catalog) Images() []HostImage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]HostImage, len(c.images))
	for i, img := range c.images {
		out[i] = HostImage{Name: img.Name, Entries: slices.Clone(img.Entries)}
	}
	return out
}

// Keys returns the registered factory keys in sorted order.
func (c *Catalog) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.factories))
}

// ManifestModule is a declarative module built from a manifest alone.
type ManifestModule struct {
	manifest *loadunit.Manifest
}

// NewManifestModule wraps m as a Module.
func NewManifestModule(m *loadunit.Manifest) *ManifestModule {
	return &ManifestModule{manifest: m}
}

func (m *ManifestModule) Name() string           { return m.manifest.Name }
func (m *ManifestModule) Version() string        { return m.manifest.Version }
func (m *ManifestModule) Description() string    { return m.manifest.Description }
func (m *ManifestModule) Dependencies() []string { return slices.Clone(m.manifest.Dependencies) }

func (m *ManifestModule) DependencyModules() []ModuleDependency {
	return dependenciesFromManifest(m.manifest)
}

func (m *ManifestModule) Metadata() map[string]string {
	return maps.Clone(m.manifest.Metadata)
}

// Manifest returns the underlying manifest.
func (m *ManifestModule) Manifest() *loadunit.Manifest {
	return m.manifest
}

func dependenciesFromManifest(m *loadunit.Manifest) []ModuleDependency {
	deps := make([]ModuleDependency, 0, len(m.DependencyModules))
	for _, d := range m.DependencyModules {
		deps = append(deps, ModuleDependency{
			ModuleName:   d.ModuleName,
			VersionRange: d.VersionRange,
			IsRequired:   !d.Optional,
		})
	}
	return deps
}
