package feeders

import "errors"

// Static error definitions for feeders
var (
	// ErrEnvInvalidStructure indicates that the provided structure is not valid for environment variable processing
	ErrEnvInvalidStructure = errors.New("env: invalid structure")
	// ErrEnvEmptyPrefixAndSuffix indicates that both prefix and suffix cannot be empty
	ErrEnvEmptyPrefixAndSuffix = errors.New("env: prefix or suffix cannot be empty")
	// ErrFieldCannotBeSet indicates an unexported or otherwise unsettable field
	ErrFieldCannotBeSet = errors.New("field cannot be set")
	// ErrUnsupportedFormat indicates a config file with an unknown extension
	ErrUnsupportedFormat = errors.New("unsupported config file format")
)
