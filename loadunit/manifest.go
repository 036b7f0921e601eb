package loadunit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"
)

// Manifest describes a module image on disk.
//
// YAML example:
//
//	name: Billing
//	version: 1.4.0
//	entry: billing
//	dependencies: [Core]
//	dependencyModules:
//	  - moduleName: Ledger
//	    versionRange: ^2.1.0
//	libraries:
//	  - name: rates
//	    version: 3.0.0
//	    path: lib/rates.json
//
// HCL uses blocks for dependencies and libraries:
//
//	name    = "Billing"
//	version = "1.4.0"
//	dependency "Ledger" {
//	  range = "^2.1.0"
//	}
//	library "rates" {
//	  path = "lib/rates.json"
//	}
type Manifest struct {
	Name              string            `json:"name" yaml:"name" toml:"name" hcl:"name"`
	Version           string            `json:"version" yaml:"version" toml:"version" hcl:"version"`
	Description       string            `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty" hcl:"description,optional"`
	Entry             string            `json:"entry,omitempty" yaml:"entry,omitempty" toml:"entry,omitempty" hcl:"entry,optional"`
	Dependencies      []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty" toml:"dependencies,omitempty" hcl:"dependencies,optional"`
	DependencyModules []DependencySpec  `json:"dependencyModules,omitempty" yaml:"dependencyModules,omitempty" toml:"dependencyModules,omitempty" hcl:"dependency,block"`
	Metadata          map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty" toml:"metadata,omitempty" hcl:"metadata,optional"`
	Libraries         []LibrarySpec     `json:"libraries,omitempty" yaml:"libraries,omitempty" toml:"libraries,omitempty" hcl:"library,block"`
}

// DependencySpec is a versioned dependency as written in a manifest.
// Dependencies are required unless marked optional.
type DependencySpec struct {
	ModuleName   string `json:"moduleName" yaml:"moduleName" toml:"moduleName" hcl:"name,label"`
	VersionRange string `json:"versionRange,omitempty" yaml:"versionRange,omitempty" toml:"versionRange,omitempty" hcl:"range,optional"`
	Optional     bool   `json:"optional,omitempty" yaml:"optional,omitempty" toml:"optional,omitempty" hcl:"optional,optional"`
}

// LibrarySpec declares a private library shipped next to the manifest.
// Path is resolved relative to the manifest directory.
type LibrarySpec struct {
	Name    string `json:"name" yaml:"name" toml:"name" hcl:"name,label"`
	Version string `json:"version,omitempty" yaml:"version,omitempty" toml:"version,omitempty" hcl:"version,optional"`
	Path    string `json:"path" yaml:"path" toml:"path" hcl:"path"`
}

// Declarative reports whether the manifest names no factory entry and
// therefore describes a module built from the manifest alone.
func (m *Manifest) Declarative() bool {
	return strings.TrimSpace(m.Entry) == ""
}

// ReadManifest reads and parses the manifest at path.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return ParseManifest(path, data)
}

// IsManifestPath reports whether path has an extension ParseManifest
// accepts. Editor swap and backup files such as Billing.Module.yaml.swp
// do not.
func IsManifestPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".toml", ".hcl":
		return true
	}
	return false
}

// ParseManifest parses manifest data. The format is chosen from the file
// extension of path: .yaml, .yml, .json, .toml or .hcl.
func ParseManifest(path string, data []byte) (*Manifest, error) {
	var m Manifest
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidManifest, path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidManifest, path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidManifest, path, err)
		}
	case ".hcl":
		file, diags := hclparse.NewParser().ParseHCL(data, path)
		if diags.HasErrors() {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidManifest, path, diags)
		}
		if diags = gohcl.DecodeBody(file.Body, nil, &m); diags.HasErrors() {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidManifest, path, diags)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidManifest, path, err)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	m.Name = strings.TrimSpace(m.Name)
	m.Version = strings.TrimSpace(m.Version)
	if m.Name == "" {
		return errMissingName
	}
	if m.Version == "" {
		return errMissingVersion
	}
	for _, dep := range m.DependencyModules {
		if strings.TrimSpace(dep.ModuleName) == "" {
			return errUnnamedDependency
		}
	}
	for _, lib := range m.Libraries {
		if lib.Name == "" || lib.Path == "" {
			return fmt.Errorf("%w: %q", errIncompleteLibrary, lib.Name)
		}
	}
	return nil
}
