// Package health defines module health reports, their aggregation into a
// system report and a scheduled health monitor.
package health

import (
	"time"
)

// Status is the health verdict of a module or the whole host.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
	// StatusNoModules is only used for system reports of an empty host.
	StatusNoModules
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusNoModules:
		return "no-modules"
	default:
		return "unknown"
	}
}

// MarshalText renders the status as its name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Severity grades a failed check.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText renders the severity as its name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Check is the outcome of one named check.
type Check struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Severity Severity      `json:"severity"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Issue is a failed check worth reporting.
type Issue struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// ModuleReport is the health of one module.
type ModuleReport struct {
	Module    string    `json:"module"`
	Status    Status    `json:"status"`
	Issues    []Issue   `json:"issues,omitempty"`
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checkedAt"`
}

// NewModuleReport derives the module status from checks: Unhealthy if any
// failed check is critical, Degraded if any failed check is a warning,
// Healthy otherwise. Failed checks of any severity become issues.
func NewModuleReport(module string, checks []Check) *ModuleReport {
	report := &ModuleReport{
		Module:    module,
		Status:    StatusHealthy,
		Checks:    checks,
		CheckedAt: time.Now(),
	}
	for _, c := range checks {
		if c.Passed {
			continue
		}
		report.Issues = append(report.Issues, Issue{Check: c.Name, Severity: c.Severity, Message: c.Message})
		switch c.Severity {
		case SeverityCritical:
			report.Status = StatusUnhealthy
		case SeverityWarning:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

// SystemReport aggregates module reports.
type SystemReport struct {
	Overall   Status          `json:"overall"`
	Total     int             `json:"total"`
	Healthy   int             `json:"healthy"`
	Degraded  int             `json:"degraded"`
	Unhealthy int             `json:"unhealthy"`
	Modules   []*ModuleReport `json:"modules"`
	CheckedAt time.Time       `json:"checkedAt"`
}

// Aggregate builds a system report: NoModules when empty, otherwise the
// worst module status.
func Aggregate(reports []*ModuleReport) *SystemReport {
	sys := &SystemReport{
		Overall:   StatusHealthy,
		Total:     len(reports),
		Modules:   reports,
		CheckedAt: time.Now(),
	}
	if len(reports) == 0 {
		sys.Overall = StatusNoModules
		return sys
	}
	for _, r := range reports {
		switch r.Status {
		case StatusHealthy:
			sys.Healthy++
		case StatusDegraded:
			sys.Degraded++
			if sys.Overall == StatusHealthy {
				sys.Overall = StatusDegraded
			}
		case StatusUnhealthy:
			sys.Unhealthy++
			sys.Overall = StatusUnhealthy
		}
	}
	return sys
}

// Module returns the report for name, or nil.
func (s *SystemReport) Module(name string) *ModuleReport {
	for _, r := range s.Modules {
		if r.Module == name {
			return r
		}
	}
	return nil
}
