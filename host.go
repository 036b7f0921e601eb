package modhost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/modhost/health"
	"github.com/GoCodeAlone/modhost/leak"
	"github.com/GoCodeAlone/modhost/lifecycle"
)

// HostOption configures a Host.
type HostOption func(*hostOptions)

type hostOptions struct {
	logger     Logger
	loaderOpts []LoaderOption
}

// WithHostLogger sets the logger shared by every host component.
func WithHostLogger(logger Logger) HostOption {
	return func(o *hostOptions) { o.logger = logger }
}

// WithLoaderOptions passes options to the host's loader.
func WithLoaderOptions(opts ...LoaderOption) HostOption {
	return func(o *hostOptions) { o.loaderOpts = append(o.loaderOpts, opts...) }
}

// Host wires a loader, lifecycle manager, health checker, watcher and
// monitor from one Config.
type Host struct {
	cfg       *Config
	logger    Logger
	loader    *Loader
	lifecycle *LifecycleManager
	checker   *HealthChecker
	watcher   *HotReloadWatcher
	monitor   *health.Monitor

	mu      sync.Mutex
	running atomic.Bool
}

// NewHost builds a host. A nil cfg uses DefaultConfig.
func NewHost(cfg *Config, opts ...HostOption) (*Host, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o hostOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := loggerOrNop(o.logger)

	loader := NewLoader(cfg, append([]LoaderOption{WithLogger(logger)}, o.loaderOpts...)...)
	h := &Host{
		cfg:       cfg,
		logger:    logger,
		loader:    loader,
		lifecycle: NewLifecycleManager(loader, loader.States(), logger),
		checker:   NewHealthChecker(loader, loader.States(), loader.Protector(), logger),
	}
	if cfg.Watch.Enabled {
		h.watcher = NewHotReloadWatcher(loader, cfg.watchConfig(), logger, WithWatcherSubject(loader.ObserverSet))
	}
	h.monitor = health.NewMonitor(h.checker.CheckHealth,
		health.WithHistorySize(cfg.Health.HistorySize),
		health.WithLogger(logger))
	h.monitor.SetCallback(h.onHealthChanged)

	loader.States().Changes.Subscribe(func(c lifecycle.StateChange) {
		data := map[string]any{"module": c.Module, "from": c.From.String(), "to": c.To.String()}
		if c.Err != nil {
			data["error"] = c.Err.Error()
		}
		loader.emit(EventTypeModuleStateChanged, data)
	})
	loader.Events().Reloaded.Subscribe(h.onReloaded)
	return h, nil
}

// Start loads the configured modules, starts them in load order and starts
// the watcher and monitor when configured.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running.Load() {
		return nil
	}

	result := h.loader.Load(ctx)
	if !result.Success {
		return result.Err
	}
	if err := h.lifecycle.StartAll(ctx); err != nil {
		return err
	}
	if h.watcher != nil {
		if err := h.watcher.Start(ctx); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
	}
	if h.cfg.Health.Schedule != "" {
		if err := h.monitor.Start(ctx, h.cfg.Health.Schedule); err != nil {
			return fmt.Errorf("start health monitor: %w", err)
		}
	}
	h.running.Store(true)
	h.logger.Info("Module host started", "modules", result.OrderedModules, "duration", result.Duration)
	return nil
}

// Stop stops the monitor and watcher, stops every module in reverse load
// order and unloads them.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.monitor.Stop()
	if h.watcher != nil {
		h.watcher.Stop()
	}
	stopErr := h.lifecycle.StopAll(ctx)
	unloadErr := h.loader.UnloadAll(ctx, h.cfg.UnloadTimeout)
	h.running.Store(false)
	h.logger.Info("Module host stopped")
	return errors.Join(stopErr, unloadErr)
}

// onReloaded starts a reloaded module when the host is running.
func (h *Host) onReloaded(e ModuleReloaded) {
	if !h.running.Load() {
		return
	}
	if err := h.lifecycle.StartModule(context.Background(), e.Name); err != nil {
		h.logger.Error("Reloaded module failed to start", "module", e.Name, "error", err)
	}
}

func (h *Host) onHealthChanged(previous, current health.Status, report *health.SystemReport) {
	h.logger.Info("Module health changed", "from", previous, "to", current)
	h.loader.emit(EventTypeHealthChanged, map[string]any{
		"from":      previous.String(),
		"to":        current.String(),
		"unhealthy": report.Unhealthy,
		"degraded":  report.Degraded,
	})
}

// Loader returns the host's loader.
func (h *Host) Loader() *Loader { return h.loader }

// Lifecycle returns the host's lifecycle manager.
func (h *Host) Lifecycle() *LifecycleManager { return h.lifecycle }

// Watcher returns the hot-reload watcher, nil when watching is disabled.
func (h *Host) Watcher() *HotReloadWatcher { return h.watcher }

// Monitor returns the health monitor.
func (h *Host) Monitor() *health.Monitor { return h.monitor }

// List returns the loaded modules in load order.
func (h *Host) List() []Module { return h.loader.List() }

// Get returns the loaded module called name.
func (h *Host) Get(name string) (Module, bool) { return h.loader.Get(name) }

// CheckHealth checks every loaded module.
func (h *Host) CheckHealth(ctx context.Context) *health.SystemReport {
	return h.checker.CheckHealth(ctx)
}

// Graph returns the dependency graph of the loaded modules.
func (h *Host) Graph() Graph {
	return BuildGraph(h.loader.List())
}

// DependencyStatus describes one declared dependency of a module.
type DependencyStatus struct {
	Name          string `json:"name"`
	Range         string `json:"range,omitempty"`
	Required      bool   `json:"required"`
	Present       bool   `json:"present"`
	ActualVersion string `json:"actualVersion,omitempty"`
	Satisfied     bool   `json:"satisfied"`
}

// Diagnostics is a detailed view of one loaded module.
type Diagnostics struct {
	Name         string               `json:"name"`
	Version      string               `json:"version"`
	Description  string               `json:"description,omitempty"`
	State        lifecycle.State      `json:"-"`
	StateName    string               `json:"state"`
	Health       *health.ModuleReport `json:"health"`
	Memory       leak.MemoryInfo      `json:"memory"`
	Dependencies []DependencyStatus   `json:"dependencies,omitempty"`
	SourcePath   string               `json:"sourcePath,omitempty"`
	LoadedAt     time.Time            `json:"loadedAt"`
	Leases       int                  `json:"leases"`
	Acquisitions int64                `json:"acquisitions"`
	LastAcquired time.Time            `json:"lastAcquired,omitempty"`
}

// Diagnostics returns the state, health, memory and dependency status of
// the module called name.
func (h *Host) Diagnostics(ctx context.Context, name string) (*Diagnostics, error) {
	rec, ok := h.loader.Record(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	m := rec.Module
	state := h.lifecycle.State(name)

	d := &Diagnostics{
		Name:        m.Name(),
		Version:     m.Version(),
		Description: m.Description(),
		State:       state,
		StateName:   state.String(),
		Health:      h.checker.CheckModule(ctx, m),
		Memory:      h.loader.Protector().MemoryInfo(name),
		SourcePath:  rec.SourcePath,
		LoadedAt:    rec.LoadedAt,
		Leases:      rec.Unit.Leases(),
	}
	d.Acquisitions, d.LastAcquired, _ = h.loader.Acquisitions(name)

	required := make(map[string]ModuleDependency)
	for _, dep := range m.DependencyModules() {
		required[dep.ModuleName] = dep
	}
	for _, depName := range dependencyNames(m) {
		dep, versioned := required[depName]
		if !versioned {
			dep = ModuleDependency{ModuleName: depName, IsRequired: true}
		}
		status := DependencyStatus{Name: depName, Range: dep.VersionRange, Required: dep.IsRequired}
		if target, ok := h.loader.Get(depName); ok {
			status.Present = true
			status.ActualVersion = target.Version()
			status.Satisfied = SatisfiesRange(target.Version(), dep.VersionRange)
		}
		d.Dependencies = append(d.Dependencies, status)
	}
	return d, nil
}
