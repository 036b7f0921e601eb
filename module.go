// Package modhost hosts a dynamically discovered, version-checked and
// hot-reloadable set of modules inside a long-running process.
//
// Modules are linked into the host binary and exposed through factories
// registered in a Catalog. Module images on disk are manifest files that
// name a factory entry, a version, dependencies and private libraries; a
// manifest without an entry describes a declarative module built from the
// manifest alone. Each module lives in its own load unit (see package
// loadunit) that can be released independently of the host.
//
// Basic usage:
//
//	modhost.RegisterFactory("billing", billing.New)
//	host, err := modhost.NewHost(cfg, modhost.WithHostLogger(logger))
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := host.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer host.Stop(context.Background())
package modhost

import "context"

// Module represents a named, versioned unit of loadable behavior.
// A module is immutable once instantiated; replacing it means unloading it
// and loading a new instance.
type Module interface {
	// Name returns the identifier of the module. It must be unique among
	// the currently loaded modules.
	Name() string

	// Version returns the semantic version of the module, e.g. "1.4.2".
	// An unparsable version fails every version-dependent check.
	Version() string

	// Description returns a human-readable summary.
	Description() string

	// Dependencies returns the legacy, name-only dependency declarations.
	// They are checked for presence only.
	Dependencies() []string

	// DependencyModules returns versioned dependency declarations.
	DependencyModules() []ModuleDependency

	// Metadata returns free-form string metadata.
	Metadata() map[string]string
}

// ModuleDependency is a versioned dependency declaration.
type ModuleDependency struct {
	// ModuleName is the name of the module depended upon.
	ModuleName string `json:"moduleName" yaml:"moduleName" toml:"moduleName"`

	// VersionRange constrains acceptable versions, e.g. "^1.2.0" or ">=2.0.0".
	// Empty or "*" accepts any version.
	VersionRange string `json:"versionRange,omitempty" yaml:"versionRange,omitempty" toml:"versionRange,omitempty"`

	// IsRequired marks a dependency whose absence fails validation.
	// Missing optional dependencies only produce warnings.
	IsRequired bool `json:"isRequired" yaml:"isRequired" toml:"isRequired"`
}

// Startable is implemented by modules that run background work once loaded.
type Startable interface {
	Start(ctx context.Context) error
}

// Stoppable is implemented by modules that must release work before unload.
type Stoppable interface {
	Stop(ctx context.Context) error
}

// dependencyNames returns the union of legacy and versioned dependency names
// in declaration order, legacy first.
func dependencyNames(m Module) []string {
	seen := make(map[string]bool)
	var names []string
	for _, dep := range m.Dependencies() {
		if dep == "" || seen[dep] {
			continue
		}
		seen[dep] = true
		names = append(names, dep)
	}
	for _, dep := range m.DependencyModules() {
		if dep.ModuleName == "" || seen[dep.ModuleName] {
			continue
		}
		seen[dep.ModuleName] = true
		names = append(names, dep.ModuleName)
	}
	return names
}
