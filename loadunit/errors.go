package loadunit

import "errors"

// Static errors for the loadunit package
var (
	ErrNotFound          = errors.New("library not found")
	ErrNotActive         = errors.New("load unit is not active")
	ErrInvalidManifest   = errors.New("invalid module manifest")
	ErrUnsupportedFormat = errors.New("unsupported manifest format")

	errMissingName       = errors.New("manifest name is required")
	errMissingVersion    = errors.New("manifest version is required")
	errUnnamedDependency = errors.New("dependency without module name")
	errIncompleteLibrary = errors.New("library requires name and path")
)
