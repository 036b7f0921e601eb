package modhost

import (
	"errors"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/modhost/lifecycle"
)

// Host errors
var (
	// Dependency resolution errors
	ErrMissingDependency  = errors.New("required dependency is missing")
	ErrVersionMismatch    = errors.New("dependency version does not satisfy range")
	ErrInvalidVersion     = errors.New("invalid semantic version")
	ErrInvalidRange       = errors.New("invalid version range")
	ErrCircularDependency = errors.New("circular dependency detected")

	// Instantiation errors
	ErrInstantiationFailure = errors.New("module instantiation failed")
	ErrUnknownFactory       = errors.New("no factory registered for entry")
	ErrFactoryRegistered    = errors.New("factory already registered")
	ErrDuplicateModule      = errors.New("module with the same name is already present")
	ErrNilModule            = errors.New("factory returned a nil module")
	ErrModuleNotAllowed     = errors.New("module is not in the enabled modules list")
	ErrModuleExcluded       = errors.New("module is in the excluded names list")

	// Orchestration errors
	ErrModuleNotFound    = errors.New("module not found")
	ErrUnloadTimeout     = errors.New("load unit was not released before the timeout")
	ErrReloadCircuitOpen = errors.New("reload circuit open after consecutive failures")
	ErrLoadCancelled     = errors.New("load cancelled")

	// Lifecycle errors
	ErrInvalidTransition = lifecycle.ErrInvalidTransition

	// Configuration errors
	ErrConfigNil                 = errors.New("config is nil")
	ErrConfigNotPointer          = errors.New("config must be a pointer")
	ErrConfigNotStruct           = errors.New("config must be a struct")
	ErrUnsupportedTypeForDefault = errors.New("unsupported type for default value")
	ErrUnsupportedConfigFormat   = errors.New("unsupported config file format")
)

// DependencyError is the structured cause of a load that failed dependency
// or version validation.
type DependencyError struct {
	Result *CompatibilityResult
}

func (e *DependencyError) Error() string {
	if e.Result == nil || len(e.Result.Errors) == 0 {
		return "module dependency validation failed"
	}
	msgs := make([]string, 0, len(e.Result.Errors))
	for _, issue := range e.Result.Errors {
		msgs = append(msgs, issue.Message)
	}
	return "module dependency validation failed: " + strings.Join(msgs, "; ")
}

// Unwrap exposes the sentinel of every validation error so errors.Is works
// for each kind present in the result.
func (e *DependencyError) Unwrap() []error {
	if e.Result == nil {
		return nil
	}
	seen := make(map[error]bool)
	var errs []error
	for _, issue := range e.Result.Errors {
		sentinel := issue.Kind.sentinel()
		if sentinel != nil && !seen[sentinel] {
			seen[sentinel] = true
			errs = append(errs, sentinel)
		}
	}
	return errs
}

// CircularDependencyError names the module where a dependency cycle was
// detected, along with the path that led back to it.
type CircularDependencyError struct {
	Module string
	Path   []string
}

func (e *CircularDependencyError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("%s: %s", ErrCircularDependency, e.Module)
	}
	return fmt.Sprintf("%s: %s (%s)", ErrCircularDependency, e.Module, strings.Join(e.Path, " -> "))
}

func (e *CircularDependencyError) Unwrap() error {
	return ErrCircularDependency
}

// InstantiationError records a candidate that could not be turned into a
// module. It is logged and skipped, never fatal to a load.
type InstantiationError struct {
	Entry      string
	SourcePath string
	Err        error
}

func (e *InstantiationError) Error() string {
	target := e.Entry
	if e.SourcePath != "" {
		target = fmt.Sprintf("%s (%s)", e.Entry, e.SourcePath)
	}
	return fmt.Sprintf("%s: %s: %v", ErrInstantiationFailure, target, e.Err)
}

func (e *InstantiationError) Unwrap() []error {
	return []error{ErrInstantiationFailure, e.Err}
}
