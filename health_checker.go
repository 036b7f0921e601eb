package modhost

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/modhost/health"
	"github.com/GoCodeAlone/modhost/leak"
	"github.com/GoCodeAlone/modhost/lifecycle"
)

// Health check names
const (
	CheckState        = "state"
	CheckDependencies = "dependencies"
	CheckMemory       = "memory"
	CheckVersion      = "version"
)

// StateSource reports lifecycle states. *lifecycle.Tracker implements it.
type StateSource interface {
	State(name string) (lifecycle.State, bool)
}

// HealthChecker evaluates loaded modules.
type HealthChecker struct {
	source    ModuleSource
	states    StateSource
	protector *leak.Protector
	logger    Logger
}

// NewHealthChecker creates a checker over the modules of source.
func NewHealthChecker(source ModuleSource, states StateSource, protector *leak.Protector, logger Logger) *HealthChecker {
	return &HealthChecker{
		source:    source,
		states:    states,
		protector: protector,
		logger:    loggerOrNop(logger),
	}
}

// CheckHealth checks every loaded module and aggregates the results.
func (h *HealthChecker) CheckHealth(ctx context.Context) *health.SystemReport {
	modules := h.source.List()
	reports := make([]*health.ModuleReport, 0, len(modules))
	for _, m := range modules {
		if ctx.Err() != nil {
			break
		}
		reports = append(reports, h.CheckModule(ctx, m))
	}
	report := health.Aggregate(reports)
	h.logger.Debug("Health check complete", "overall", report.Overall, "modules", report.Total)
	return report
}

// CheckModule runs the state, dependency, memory and version checks on m.
func (h *HealthChecker) CheckModule(ctx context.Context, m Module) *health.ModuleReport {
	checks := []health.Check{
		timed(func() health.Check { return h.checkState(m) }),
		timed(func() health.Check { return h.checkDependencies(m) }),
		timed(func() health.Check { return h.checkMemory(m) }),
		timed(func() health.Check { return h.checkVersion(m) }),
	}
	return health.NewModuleReport(m.Name(), checks)
}

func timed(fn func() health.Check) health.Check {
	start := time.Now()
	c := fn()
	c.Duration = time.Since(start)
	return c
}

func (h *HealthChecker) checkState(m Module) health.Check {
	c := health.Check{Name: CheckState, Severity: health.SeverityCritical}
	if h.states == nil {
		c.Passed = true
		return c
	}
	state, ok := h.states.State(m.Name())
	if !ok {
		c.Message = "module has no lifecycle state"
		return c
	}
	switch state {
	case lifecycle.StateLoaded, lifecycle.StateStarting, lifecycle.StateStarted,
		lifecycle.StateStopping, lifecycle.StateStopped:
		c.Passed = true
		c.Severity = health.SeverityInfo
		c.Message = "module is " + state.String()
	default:
		c.Message = "module is in state " + state.String()
	}
	return c
}

func (h *HealthChecker) checkDependencies(m Module) health.Check {
	byName := make(map[string]Module)
	for _, other := range h.source.List() {
		byName[other.Name()] = other
	}
	result := &CompatibilityResult{}
	validateModule(result, m, byName)

	c := health.Check{Name: CheckDependencies, Passed: true, Severity: health.SeverityInfo}
	switch {
	case len(result.Errors) > 0:
		c.Passed = false
		c.Severity = health.SeverityCritical
		c.Message = joinIssues(result.Errors)
	case len(result.Warnings) > 0:
		c.Passed = false
		c.Message = joinIssues(result.Warnings)
	}
	return c
}

func joinIssues(issues []CompatibilityIssue) string {
	msgs := make([]string, len(issues))
	for i, issue := range issues {
		msgs[i] = issue.Message
	}
	return strings.Join(msgs, "; ")
}

func (h *HealthChecker) checkMemory(m Module) health.Check {
	c := health.Check{Name: CheckMemory, Passed: true, Severity: health.SeverityWarning}
	if h.protector == nil {
		return c
	}
	info := h.protector.MemoryInfo(m.Name())
	if !info.CanBeSafelyUnloaded {
		c.Passed = false
		c.Message = fmt.Sprintf("%d of %d tracked references from unloaded instances are still alive: %s",
			info.AliveReferences, info.TrackedReferences,
			strings.Join(h.protector.AliveReferenceNames(m.Name()), ", "))
	}
	return c
}

func (h *HealthChecker) checkVersion(m Module) health.Check {
	c := health.Check{Name: CheckVersion, Passed: true, Severity: health.SeverityWarning}
	if !ValidVersion(m.Version()) {
		c.Passed = false
		c.Message = fmt.Sprintf("version '%s' is not a valid semantic version", m.Version())
	}
	return c
}
