// Package feeders provides configuration feeders for the host: file feeders
// for YAML, TOML and JSON documents and an environment feeder for
// prefixed overrides.
package feeders

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
)

// ForFile returns the file feeder matching the extension of path.
func ForFile(path string) (config.Feeder, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return feeder.Yaml{Path: path}, nil
	case ".toml":
		return feeder.Toml{Path: path}, nil
	case ".json":
		return feeder.Json{Path: path}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}
