package modhost

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// IssueKind classifies a compatibility error or warning.
type IssueKind int

const (
	// IssueMissingDependency is a required dependency that is not present.
	IssueMissingDependency IssueKind = iota
	// IssueOptionalDependencyMissing is an optional dependency that is not present.
	IssueOptionalDependencyMissing
	// IssueVersionMismatch is a present dependency outside the declared range.
	IssueVersionMismatch
	// IssueInvalidVersion is a dependency whose version cannot be parsed.
	IssueInvalidVersion
	// IssueInvalidRange is a version range that cannot be parsed.
	IssueInvalidRange
)

func (k IssueKind) String() string {
	switch k {
	case IssueMissingDependency:
		return "MissingDependency"
	case IssueOptionalDependencyMissing:
		return "OptionalDependencyMissing"
	case IssueVersionMismatch:
		return "VersionMismatch"
	case IssueInvalidVersion:
		return "InvalidVersion"
	case IssueInvalidRange:
		return "InvalidRange"
	default:
		return "Unknown"
	}
}

// MarshalText renders the kind as its name.
func (k IssueKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k IssueKind) sentinel() error {
	switch k {
	case IssueMissingDependency:
		return ErrMissingDependency
	case IssueVersionMismatch:
		return ErrVersionMismatch
	case IssueInvalidVersion:
		return ErrInvalidVersion
	case IssueInvalidRange:
		return ErrInvalidRange
	default:
		return nil
	}
}

// CompatibilityIssue is one error or warning found during validation.
type CompatibilityIssue struct {
	ModuleName      string    `json:"moduleName"`
	DependencyName  string    `json:"dependencyName"`
	Kind            IssueKind `json:"kind"`
	Message         string    `json:"message"`
	RequiredVersion string    `json:"requiredVersion,omitempty"`
	ActualVersion   string    `json:"actualVersion,omitempty"`
}

// CompatibilityResult is the outcome of ValidateCompatibility. It is
// compatible iff it has no errors; warnings never block loading.
type CompatibilityResult struct {
	IsCompatible bool                 `json:"isCompatible"`
	Errors       []CompatibilityIssue `json:"errors,omitempty"`
	Warnings     []CompatibilityIssue `json:"warnings,omitempty"`
}

// Summary joins all error messages, one per line.
func (r *CompatibilityResult) Summary() string {
	if r.IsCompatible {
		return "all module dependencies are satisfied"
	}
	lines := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		lines = append(lines, e.Message)
	}
	return strings.Join(lines, "\n")
}

// Err returns a *DependencyError when the result is not compatible.
func (r *CompatibilityResult) Err() error {
	if r.IsCompatible {
		return nil
	}
	return &DependencyError{Result: r}
}

// ValidateCompatibility checks the declared dependencies of every module
// against the other modules in the set.
func ValidateCompatibility(modules []Module) *CompatibilityResult {
	byName := make(map[string]Module, len(modules))
	for _, m := range modules {
		byName[m.Name()] = m
	}

	result := &CompatibilityResult{}
	for _, m := range modules {
		validateModule(result, m, byName)
	}

	result.IsCompatible = len(result.Errors) == 0
	return result
}

// validateModule appends the issues of m's declarations to result.
func validateModule(result *CompatibilityResult, m Module, byName map[string]Module) {
	versioned := make(map[string]bool)
	for _, dep := range m.DependencyModules() {
		versioned[dep.ModuleName] = true
		checkDependency(result, m, dep, byName)
	}
	for _, name := range m.Dependencies() {
		if name == "" || versioned[name] {
			continue
		}
		if _, ok := byName[name]; !ok {
			result.Errors = append(result.Errors, CompatibilityIssue{
				ModuleName:     m.Name(),
				DependencyName: name,
				Kind:           IssueMissingDependency,
				Message:        fmt.Sprintf("Module '%s' requires '%s' which is not loaded", m.Name(), name),
			})
		}
	}
}

func checkDependency(result *CompatibilityResult, m Module, dep ModuleDependency, byName map[string]Module) {
	target, ok := byName[dep.ModuleName]
	if !ok {
		issue := CompatibilityIssue{
			ModuleName:      m.Name(),
			DependencyName:  dep.ModuleName,
			RequiredVersion: dep.VersionRange,
		}
		if dep.IsRequired {
			issue.Kind = IssueMissingDependency
			issue.Message = fmt.Sprintf("Module '%s' requires '%s' which is not loaded", m.Name(), dep.ModuleName)
			result.Errors = append(result.Errors, issue)
		} else {
			issue.Kind = IssueOptionalDependencyMissing
			issue.Message = fmt.Sprintf("Optional dependency '%s' of module '%s' is not loaded", dep.ModuleName, m.Name())
			result.Warnings = append(result.Warnings, issue)
		}
		return
	}

	if issue, ok := checkRange(m.Name(), dep, target.Version()); !ok {
		result.Errors = append(result.Errors, issue)
	}
}

// checkRange reports whether actual satisfies the dependency range. An
// unparsable range or version fails closed.
func checkRange(module string, dep ModuleDependency, actual string) (CompatibilityIssue, bool) {
	issue := CompatibilityIssue{
		ModuleName:      module,
		DependencyName:  dep.ModuleName,
		RequiredVersion: dep.VersionRange,
		ActualVersion:   actual,
	}
	if isAnyVersion(dep.VersionRange) {
		return issue, true
	}

	constraint, err := semver.NewConstraint(dep.VersionRange)
	if err != nil {
		issue.Kind = IssueInvalidRange
		issue.Message = fmt.Sprintf("Module '%s' declares invalid version range '%s' for '%s': %v",
			module, dep.VersionRange, dep.ModuleName, err)
		return issue, false
	}
	version, err := semver.NewVersion(actual)
	if err != nil {
		issue.Kind = IssueInvalidVersion
		issue.Message = fmt.Sprintf("Module '%s' requires '%s' %s but its version '%s' is not a valid semantic version",
			module, dep.ModuleName, dep.VersionRange, actual)
		return issue, false
	}
	if !constraint.Check(version) {
		issue.Kind = IssueVersionMismatch
		issue.Message = fmt.Sprintf("Module '%s' requires '%s' version %s, but version %s is loaded",
			module, dep.ModuleName, dep.VersionRange, actual)
		return issue, false
	}
	return issue, true
}

func isAnyVersion(r string) bool {
	r = strings.TrimSpace(r)
	return r == "" || r == "*"
}

// SatisfiesRange reports whether version satisfies versionRange. Invalid
// input never satisfies.
func SatisfiesRange(version, versionRange string) bool {
	_, ok := checkRange("", ModuleDependency{VersionRange: versionRange}, version)
	return ok
}

// ValidVersion reports whether v parses as a semantic version.
func ValidVersion(v string) bool {
	_, err := semver.NewVersion(v)
	return err == nil
}
