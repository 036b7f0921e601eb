package modhost

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/GoCodeAlone/modhost/loadunit"
)

// ModuleSuffix is stripped from manifest file names to derive module names:
// Billing.Module.yaml names the module Billing.
const ModuleSuffix = ".Module"

// CandidateImage is a loadable image found by a DiscoveryStrategy.
// File system candidates carry a manifest and the load unit it was read
// into; in-process candidates carry the factory entries to instantiate.
type CandidateImage struct {
	Name       string
	SourcePath string
	Entries    []string
	Manifest   *loadunit.Manifest
	Unit       *loadunit.Unit
}

// DiscoveryStrategy produces candidate images.
type DiscoveryStrategy interface {
	Discover(ctx context.Context) ([]CandidateImage, error)
}

// ModuleNameFromPath derives a module name from a manifest path by dropping
// the directory, the extension and the ModuleSuffix.
func ModuleNameFromPath(path string) string {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if len(name) > len(ModuleSuffix) && strings.EqualFold(name[len(name)-len(ModuleSuffix):], ModuleSuffix) {
		name = name[:len(name)-len(ModuleSuffix)]
	}
	return name
}

// FileSystemStrategy discovers manifests in directories.
type FileSystemStrategy struct {
	Paths         []string
	FilePattern   string
	Recursive     bool
	Filter        func(path string) bool
	ExcludedNames []string

	// Shared is consulted by each candidate's load unit after its private
	// libraries.
	Shared      loadunit.SharedLibraries
	UnitOptions []loadunit.Option
	Logger      Logger
}

// NewFileSystemStrategy builds a strategy from the discovery settings of cfg.
func NewFileSystemStrategy(cfg *Config, shared loadunit.SharedLibraries, logger Logger, opts ...loadunit.Option) *FileSystemStrategy {
	return &FileSystemStrategy{
		Paths:         slices.Clone(cfg.Paths),
		FilePattern:   cfg.FilePattern,
		Recursive:     cfg.RecursiveSearch,
		ExcludedNames: slices.Clone(cfg.ExcludedNames),
		Shared:        shared,
		UnitOptions:   opts,
		Logger:        logger,
	}
}

// Discover walks every path. A missing directory is logged and skipped; a
// manifest that cannot be read is logged and skipped.
func (s *FileSystemStrategy) Discover(ctx context.Context) ([]CandidateImage, error) {
	logger := loggerOrNop(s.Logger)
	pattern := s.FilePattern
	if pattern == "" {
		pattern = "*" + ModuleSuffix + ".*"
	}

	var candidates []CandidateImage
	for _, root := range s.Paths {
		info, err := os.Stat(root)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				logger.Warn("Module search path does not exist", "path", root)
				continue
			}
			return nil, err
		}
		if !info.IsDir() {
			logger.Warn("Module search path is not a directory", "path", root)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				logger.Warn("Cannot read module search path", "path", path, "error", walkErr)
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if path != root && !s.Recursive {
					return fs.SkipDir
				}
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if c, ok := s.candidate(ctx, path, pattern, logger); ok {
				candidates = append(candidates, c)
			}
			return nil
		})
		if err != nil {
			releaseCandidates(candidates)
			return nil, err
		}
	}
	return candidates, nil
}

func (s *FileSystemStrategy) candidate(ctx context.Context, path, pattern string, logger Logger) (CandidateImage, bool) {
	base := filepath.Base(path)
	if ok, _ := filepath.Match(pattern, base); !ok || !loadunit.IsManifestPath(base) {
		return CandidateImage{}, false
	}
	if s.Filter != nil && !s.Filter(path) {
		return CandidateImage{}, false
	}
	name := ModuleNameFromPath(path)
	if s.excluded(base, name) {
		logger.Debug("Skipping excluded module file", "path", path)
		return CandidateImage{}, false
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	unit := loadunit.New(name, abs, s.Shared, s.UnitOptions...)
	img, err := unit.LoadFromPath(abs)
	if err != nil {
		logger.Warn("Skipping unreadable module manifest", "path", abs, "error", err)
		unit.Unload(ctx, 0)
		return CandidateImage{}, false
	}
	if img.Manifest.Name != name && s.excluded(img.Manifest.Name) {
		logger.Debug("Skipping excluded module", "module", img.Manifest.Name, "path", abs)
		unit.Unload(ctx, 0)
		return CandidateImage{}, false
	}

	c := CandidateImage{
		Name:       img.Manifest.Name,
		SourcePath: abs,
		Manifest:   img.Manifest,
		Unit:       unit,
	}
	if img.Manifest.Entry != "" {
		c.Entries = []string{img.Manifest.Entry}
	}
	return c, true
}

func (s *FileSystemStrategy) excluded(names ...string) bool {
	return listedFold(s.ExcludedNames, names...)
}

// DefaultSystemPrefixes name catalog images that are never loaded.
var DefaultSystemPrefixes = []string{"runtime/", "internal/", "golang.org/", "std/"}

// HostInventoryStrategy discovers images registered in a Catalog.
type HostInventoryStrategy struct {
	Catalog        *Catalog
	SystemPrefixes []string
	Logger         Logger
}

// Discover returns every catalog image that is not a system image and
// exposes at least one registered factory.
func (s *HostInventoryStrategy) Discover(ctx context.Context) ([]CandidateImage, error) {
	logger := loggerOrNop(s.Logger)
	catalog := s.Catalog
	if catalog == nil {
		catalog = DefaultCatalog
	}
	prefixes := s.SystemPrefixes
	if prefixes == nil {
		prefixes = DefaultSystemPrefixes
	}

	var candidates []CandidateImage
	for _, img := range catalog.Images() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if hasAnyPrefix(img.Name, prefixes) {
			logger.Debug("Skipping system image", "image", img.Name)
			continue
		}
		entries := slices.DeleteFunc(img.Entries, func(key string) bool {
			_, ok := catalog.Factory(key)
			return !ok
		})
		if len(entries) == 0 {
			logger.Debug("Skipping image without module factories", "image", img.Name)
			continue
		}
		candidates = append(candidates, CandidateImage{Name: img.Name, Entries: entries})
	}
	return candidates, nil
}

func hasAnyPrefix(name string, prefixes []string) bool {
	return slices.ContainsFunc(prefixes, func(p string) bool {
		return p != "" && strings.HasPrefix(name, p)
	})
}

// MergeCandidates concatenates candidate lists, keeping the first of any
// candidates that share a source path (or, without one, a name). Dropped
// duplicates are returned so their load units can be released.
func MergeCandidates(lists ...[]CandidateImage) (merged, duplicates []CandidateImage) {
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, c := range list {
			key := candidateKey(c)
			if seen[key] {
				duplicates = append(duplicates, c)
				continue
			}
			seen[key] = true
			merged = append(merged, c)
		}
	}
	return merged, duplicates
}

func candidateKey(c CandidateImage) string {
	if c.SourcePath == "" {
		return "name:" + c.Name
	}
	path, err := filepath.Abs(c.SourcePath)
	if err != nil {
		path = c.SourcePath
	}
	return "path:" + filepath.Clean(path)
}

// releaseCandidates releases the load units of candidates that will not be
// loaded. Units that were never leased release immediately.
func releaseCandidates(candidates []CandidateImage) {
	for _, c := range candidates {
		if c.Unit != nil {
			c.Unit.Unload(context.Background(), 0)
		}
	}
}
