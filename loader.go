package modhost

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/GoCodeAlone/modhost/leak"
	"github.com/GoCodeAlone/modhost/lifecycle"
	"github.com/GoCodeAlone/modhost/loadunit"
	"github.com/GoCodeAlone/modhost/registry"
)

const loaderEventSource = "modhost.loader"

// LoadUnitRecord is the registry entry of a loaded module.
type LoadUnitRecord struct {
	Module     Module
	Unit       *loadunit.Unit
	SourcePath string
	LoadedAt   time.Time
	Resources  *leak.Registry

	// entry is the catalog key the module was built from, empty for
	// declarative modules.
	entry string
}

// LoadResult is the outcome of Loader.Load.
type LoadResult struct {
	Success        bool
	ErrorMessage   string
	OrderedModules []string
	Duration       time.Duration
	// Err is the structured cause of a failed load: a *DependencyError, a
	// *CircularDependencyError or a context error wrapped in ErrLoadCancelled.
	Err error
	// Skipped holds the candidates that could not be instantiated. Skips
	// never fail a load.
	Skipped []error
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the loader logger.
func WithLogger(logger Logger) LoaderOption {
	return func(l *Loader) { l.logger = loggerOrNop(logger) }
}

// WithCatalog sets the factory catalog. DefaultCatalog is used otherwise.
func WithCatalog(c *Catalog) LoaderOption {
	return func(l *Loader) { l.catalog = c }
}

// WithStrategies replaces the strategies built from the configuration.
func WithStrategies(strategies ...DiscoveryStrategy) LoaderOption {
	return func(l *Loader) { l.strategies = strategies }
}

// WithSharedLibraries sets the libraries every load unit can fall back to.
func WithSharedLibraries(shared loadunit.SharedLibraries) LoaderOption {
	return func(l *Loader) { l.shared = shared }
}

// WithUnitOptions sets options applied to every load unit the loader creates.
func WithUnitOptions(opts ...loadunit.Option) LoaderOption {
	return func(l *Loader) { l.unitOpts = opts }
}

// WithProtector sets the leak protector that inventories unloaded modules.
func WithProtector(p *leak.Protector) LoaderOption {
	return func(l *Loader) { l.protector = p }
}

// WithStateTracker shares a lifecycle tracker with the loader.
func WithStateTracker(t *lifecycle.Tracker) LoaderOption {
	return func(l *Loader) { l.states = t }
}

// Loader discovers, validates, orders and registers modules, and unloads
// and reloads them. Load, Unload, UnloadAll and Reload are serialized;
// queries may run concurrently with them.
type Loader struct {
	*ObserverSet

	cfg        *Config
	logger     Logger
	catalog    *Catalog
	strategies []DiscoveryStrategy
	shared     loadunit.SharedLibraries
	unitOpts   []loadunit.Option
	protector  *leak.Protector
	states     *lifecycle.Tracker
	events     *Events

	gate        sync.Mutex
	live        *registry.Registry[*LoadUnitRecord]
	hostEntries map[string]string
}

// NewLoader creates a loader. A nil cfg uses DefaultConfig.
func NewLoader(cfg *Config, opts ...LoaderOption) *Loader {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	l := &Loader{
		cfg:         cfg,
		logger:      NopLogger(),
		catalog:     DefaultCatalog,
		live:        registry.New[*LoadUnitRecord](),
		hostEntries: make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.protector == nil {
		l.protector = leak.NewProtector(l.logger)
	}
	if l.states == nil {
		l.states = lifecycle.NewTracker()
	}
	if l.strategies == nil {
		l.strategies = DefaultStrategies(cfg, l.catalog, l.shared, l.logger, l.unitOpts...)
	}
	l.events = newEvents(l.logger)
	l.ObserverSet = NewObserverSet(loaderEventSource, l.logger)
	return l
}

// DefaultStrategies returns the strategies described by cfg: the file
// system when paths are configured, the catalog when
// IncludeLoadedAssemblies is set.
func DefaultStrategies(cfg *Config, catalog *Catalog, shared loadunit.SharedLibraries, logger Logger, opts ...loadunit.Option) []DiscoveryStrategy {
	var strategies []DiscoveryStrategy
	if len(cfg.Paths) > 0 {
		strategies = append(strategies, NewFileSystemStrategy(cfg, shared, logger, opts...))
	}
	if cfg.IncludeLoadedAssemblies {
		strategies = append(strategies, &HostInventoryStrategy{
			Catalog:        catalog,
			SystemPrefixes: cfg.SystemPrefixes,
			Logger:         logger,
		})
	}
	return strategies
}

// Events returns the loader's listener lists.
func (l *Loader) Events() *Events { return l.events }

// Protector returns the leak protector used on unload.
func (l *Loader) Protector() *leak.Protector { return l.protector }

// States returns the lifecycle tracker.
func (l *Loader) States() *lifecycle.Tracker { return l.states }

// Config returns the loader configuration.
func (l *Loader) Config() *Config { return l.cfg }

// Get returns the loaded module called name.
func (l *Loader) Get(name string) (Module, bool) {
	rec, ok := l.live.Get(name)
	if !ok {
		return nil, false
	}
	return rec.Module, true
}

// List returns the loaded modules in load order.
func (l *Loader) List() []Module {
	records := l.live.Values()
	modules := make([]Module, len(records))
	for i, rec := range records {
		modules[i] = rec.Module
	}
	return modules
}

// Order returns the names of the loaded modules in load order.
func (l *Loader) Order() []string {
	return l.live.Names()
}

// Record returns a copy of the registry entry for name.
func (l *Loader) Record(name string) (LoadUnitRecord, bool) {
	rec, ok := l.live.Get(name)
	if !ok {
		return LoadUnitRecord{}, false
	}
	return *rec, true
}

// Acquire returns the module called name with a lease on its load unit.
// The unit cannot be released until release is called.
func (l *Loader) Acquire(name string) (Module, func(), error) {
	rec, ok := l.live.Use(name)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	release, err := rec.Unit.Acquire()
	if err != nil {
		return nil, nil, err
	}
	return rec.Module, release, nil
}

// Acquisitions returns how many times name was acquired since it was
// loaded and when it was last acquired.
func (l *Loader) Acquisitions(name string) (count int64, last time.Time, ok bool) {
	entry, ok := l.live.Lookup(name)
	if !ok {
		return 0, time.Time{}, false
	}
	if entry.AccessCount == 0 {
		return 0, time.Time{}, true
	}
	return entry.AccessCount, entry.AccessedAt, true
}

// Load discovers candidates, instantiates them, validates the combined set
// of loaded and new modules and registers the new ones in dependency order.
// A failure in validation or ordering registers nothing.
func (l *Loader) Load(ctx context.Context) *LoadResult {
	l.gate.Lock()
	defer l.gate.Unlock()
	return l.load(ctx)
}

type pendingModule struct {
	record  *LoadUnitRecord
	started time.Time
}

func (l *Loader) load(ctx context.Context) *LoadResult {
	start := time.Now()
	result := &LoadResult{}
	fail := func(err error) *LoadResult {
		result.Err = err
		result.ErrorMessage = err.Error()
		result.Duration = time.Since(start)
		l.logger.Error("Module load failed", "error", err)
		l.emit(EventTypeLoadFailed, map[string]any{"error": err.Error()})
		return result
	}

	candidates, err := l.discover(ctx)
	if err != nil {
		return fail(cancelled(err))
	}

	pending, skipped := l.instantiate(ctx, candidates)
	result.Skipped = skipped
	if err := ctx.Err(); err != nil {
		l.discard(pending)
		return fail(cancelled(err))
	}

	all := l.List()
	byName := make(map[string]*pendingModule, len(pending))
	for _, p := range pending {
		all = append(all, p.record.Module)
		byName[p.record.Module.Name()] = p
	}

	compat := ValidateCompatibility(all)
	for _, w := range compat.Warnings {
		l.logger.Warn("Module dependency warning", "module", w.ModuleName, "dependency", w.DependencyName, "message", w.Message)
	}
	if !compat.IsCompatible {
		l.discard(pending)
		return fail(compat.Err())
	}

	ordered, err := ResolveLoadOrder(all)
	if err != nil {
		l.discard(pending)
		return fail(err)
	}
	order := ModuleNames(ordered)
	l.logger.Debug("Resolved module load order", "order", order)

	for i, name := range order {
		p, isNew := byName[name]
		if !isNew {
			continue
		}
		if err := ctx.Err(); err != nil {
			var rest []*pendingModule
			for _, n := range order[i:] {
				if q, ok := byName[n]; ok {
					rest = append(rest, q)
				}
			}
			l.discard(rest)
			l.live.Reorder(order)
			result.OrderedModules = l.Order()
			return fail(cancelled(err))
		}
		if err := l.register(p); err != nil {
			l.logger.Error("Failed to register module", "module", name, "error", err)
			l.discard([]*pendingModule{p})
		}
	}

	l.live.Reorder(order)
	result.Success = true
	result.OrderedModules = l.Order()
	result.Duration = time.Since(start)
	l.logger.Info("Modules loaded", "count", len(pending), "total", l.live.Len(), "duration", result.Duration)
	return result
}

func cancelled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrLoadCancelled, err)
	}
	return err
}

func (l *Loader) discover(ctx context.Context) ([]CandidateImage, error) {
	var lists [][]CandidateImage
	for _, s := range l.strategies {
		found, err := s.Discover(ctx)
		if err != nil {
			for _, list := range lists {
				releaseCandidates(list)
			}
			return nil, err
		}
		lists = append(lists, found)
	}
	merged, duplicates := MergeCandidates(lists...)
	releaseCandidates(duplicates)
	return merged, nil
}

// instantiate turns candidates into pending modules. Modules that are
// already loaded are not built again.
func (l *Loader) instantiate(ctx context.Context, candidates []CandidateImage) ([]*pendingModule, []error) {
	var (
		pending []*pendingModule
		skipped []error
		seen    = make(map[string]bool)
	)
	skip := func(c CandidateImage, entry string, err error) {
		ie := &InstantiationError{Entry: entry, SourcePath: c.SourcePath, Err: err}
		l.logger.Warn("Skipping module candidate", "entry", entry, "path", c.SourcePath, "error", err)
		skipped = append(skipped, ie)
	}
	accept := func(p *pendingModule) bool {
		name := p.record.Module.Name()
		if seen[name] {
			skip(CandidateImage{SourcePath: p.record.SourcePath}, name, fmt.Errorf("%w: %s", ErrDuplicateModule, name))
			return false
		}
		seen[name] = true
		pending = append(pending, p)
		return true
	}

	for i, c := range candidates {
		if ctx.Err() != nil {
			releaseCandidates(candidates[i:])
			break
		}

		if c.Manifest != nil {
			name := c.Manifest.Name
			if !l.admits(name) {
				releaseCandidates([]CandidateImage{c})
				continue
			}
			if l.live.Exists(name) {
				l.logger.Debug("Module already loaded", "module", name)
				releaseCandidates([]CandidateImage{c})
				continue
			}
			p, err := l.build(c, c.Manifest.Entry, c.Unit)
			if err != nil {
				skip(c, c.Manifest.Entry, err)
				releaseCandidates([]CandidateImage{c})
				continue
			}
			if !accept(p) {
				l.discard([]*pendingModule{p})
			}
			continue
		}

		// Catalog keys name their module for the allow-list, so disabled
		// entries are never built. The built name is checked again.
		for _, entry := range c.Entries {
			if name, ok := l.hostEntries[entry]; ok && l.live.Exists(name) {
				continue
			}
			if !l.admits(entry) {
				continue
			}
			unit := loadunit.New(entry, "", l.shared, l.unitOpts...)
			p, err := l.build(c, entry, unit)
			if err != nil {
				skip(c, entry, err)
				unit.Unload(context.Background(), 0)
				continue
			}
			name := p.record.Module.Name()
			switch {
			case !l.admits(name):
				l.discard([]*pendingModule{p})
			case l.live.Exists(name):
				l.logger.Debug("Module already loaded", "module", name, "entry", entry)
				l.discard([]*pendingModule{p})
			case !accept(p):
				l.discard([]*pendingModule{p})
			}
		}
	}
	return pending, skipped
}

// admits reports whether name passes the EnabledModules allow-list and is
// not listed in ExcludedNames.
func (l *Loader) admits(name string) bool {
	switch {
	case !l.cfg.IsModuleEnabled(name):
		l.logger.Debug("Module skipped", "module", name, "error", ErrModuleNotAllowed)
		return false
	case l.cfg.IsExcluded(name):
		l.logger.Debug("Module skipped", "module", name, "error", ErrModuleExcluded)
		return false
	}
	return true
}

// build instantiates one module. An empty entry builds a declarative module
// from the manifest.
func (l *Loader) build(c CandidateImage, entry string, unit *loadunit.Unit) (p *pendingModule, err error) {
	name := entry
	if c.Manifest != nil {
		name = c.Manifest.Name
	}
	l.events.Loading.Emit(ModuleLoading{Name: name, SourcePath: c.SourcePath})
	l.emit(EventTypeModuleLoading, map[string]any{"module": name, "sourcePath": c.SourcePath})

	started := time.Now()
	resources := leak.NewRegistry(name)

	var module Module
	if entry == "" {
		module = NewManifestModule(c.Manifest)
	} else {
		factory, ok := l.catalog.Factory(entry)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFactory, entry)
		}
		module, err = callFactory(factory, &FactoryContext{
			Unit:      unit,
			Manifest:  c.Manifest,
			Resources: resources,
			Logger:    l.logger,
		})
		if err != nil {
			return nil, err
		}
	}
	if module == nil {
		return nil, ErrNilModule
	}

	return &pendingModule{
		record: &LoadUnitRecord{
			Module:     module,
			Unit:       unit,
			SourcePath: c.SourcePath,
			Resources:  resources,
			entry:      entry,
		},
		started: started,
	}, nil
}

func callFactory(f Factory, fc *FactoryContext) (m Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("factory panicked: %v", r)
		}
	}()
	return f(fc)
}

func (l *Loader) register(p *pendingModule) error {
	rec := p.record
	name := rec.Module.Name()
	rec.LoadedAt = time.Now()
	if err := l.live.Register(name, rec); err != nil {
		return err
	}
	if err := l.states.Transition(name, lifecycle.StateLoaded, nil); err != nil {
		l.logger.Warn("Unexpected lifecycle state on load", "module", name, "error", err)
	}
	if rec.entry != "" && rec.SourcePath == "" {
		l.hostEntries[rec.entry] = name
	}

	d := time.Since(p.started)
	l.logger.Info("Module loaded", "module", name, "version", rec.Module.Version(), "source", rec.SourcePath, "duration", d)
	l.events.Loaded.Emit(ModuleLoaded{Name: name, Module: rec.Module, Duration: d})
	l.emit(EventTypeModuleLoaded, map[string]any{
		"module":     name,
		"version":    rec.Module.Version(),
		"sourcePath": rec.SourcePath,
		"durationMs": d.Milliseconds(),
	})
	return nil
}

// discard releases the units of pending modules that will not be
// registered. Their cleanup hooks run so factories that started work do not
// leak it.
func (l *Loader) discard(pending []*pendingModule) {
	scratch := leak.NewProtector(l.logger)
	for _, p := range pending {
		name := p.record.Module.Name()
		scratch.PrepareUnload(name, p.record.Resources)
		scratch.Forget(name)
		p.record.Unit.Unload(context.Background(), 0)
	}
}

// Unload releases the module called name and reports whether its load unit
// was released within timeout (Config.UnloadTimeout when <= 0). A module
// whose unit is not released stays registered and may be unloaded again.
func (l *Loader) Unload(ctx context.Context, name string, timeout time.Duration) bool {
	l.gate.Lock()
	defer l.gate.Unlock()
	ok, _ := l.unload(ctx, name, timeout)
	return ok
}

func (l *Loader) unload(ctx context.Context, name string, timeout time.Duration) (bool, error) {
	rec, ok := l.live.Get(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	if timeout <= 0 {
		timeout = l.cfg.UnloadTimeout
	}

	l.logger.Info("Unloading module", "module", name)
	l.events.Unloading.Emit(ModuleUnloading{Name: name})
	l.emit(EventTypeModuleUnloading, map[string]any{"module": name})

	if err := stopModule(ctx, l.states, l.logger, rec.Module); err != nil {
		l.logger.Warn("Module did not stop cleanly before unload", "module", name, "error", err)
	}
	if rec.Unit.State() != loadunit.StateTimedOut {
		l.protector.PrepareUnload(name, rec.Resources)
	}

	if !rec.Unit.Unload(ctx, timeout) {
		err := fmt.Errorf("%w: %s after %s", ErrUnloadTimeout, name, timeout)
		l.logger.Warn("Module load unit not released", "module", name, "leases", rec.Unit.Leases(), "error", err)
		l.events.UnloadFailed.Emit(ModuleUnloadFailed{Name: name, Leases: rec.Unit.Leases(), Cause: err})
		l.emit(EventTypeModuleUnloadFailed, map[string]any{"module": name, "error": err.Error()})
		return false, err
	}

	if _, err := l.live.Unregister(name); err != nil {
		return false, err
	}
	if err := l.states.Transition(name, lifecycle.StateUnloaded, nil); err != nil {
		l.logger.Debug("Lifecycle state not updated on unload", "module", name, "error", err)
	}
	l.states.Remove(name)
	if rec.entry != "" {
		delete(l.hostEntries, rec.entry)
	}

	l.logger.Info("Module unloaded", "module", name)
	l.emit(EventTypeModuleUnloaded, map[string]any{"module": name})
	return true, nil
}

// UnloadAll unloads every module in reverse load order. Each module is
// attempted; the failures are joined.
func (l *Loader) UnloadAll(ctx context.Context, timeout time.Duration) error {
	l.gate.Lock()
	defer l.gate.Unlock()

	var errs []error
	for _, name := range slices.Backward(l.live.Names()) {
		if _, err := l.unload(ctx, name, timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reload unloads name, waits for Config.ReloadSettleDelay, loads and
// returns the new instance. A module that is not loaded is loaded fresh; one
// the configuration does not admit fails with ErrModuleNotAllowed or
// ErrModuleExcluded.
func (l *Loader) Reload(ctx context.Context, name string) (Module, error) {
	l.gate.Lock()
	defer l.gate.Unlock()

	fail := func(cause error) (Module, error) {
		l.logger.Error("Module reload failed", "module", name, "error", cause)
		l.events.ReloadFailed.Emit(ModuleReloadFailed{Name: name, Cause: cause})
		l.emit(EventTypeModuleReloadFailed, map[string]any{"module": name, "error": cause.Error()})
		return nil, cause
	}

	switch {
	case !l.cfg.IsModuleEnabled(name):
		return fail(fmt.Errorf("%w: %s", ErrModuleNotAllowed, name))
	case l.cfg.IsExcluded(name):
		return fail(fmt.Errorf("%w: %s", ErrModuleExcluded, name))
	}

	if l.live.Exists(name) {
		if ok, err := l.unload(ctx, name, l.cfg.UnloadTimeout); !ok {
			return fail(err)
		}
	} else {
		l.logger.Debug("Module not loaded, loading fresh", "module", name)
	}

	if d := l.cfg.ReloadSettleDelay; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fail(cancelled(ctx.Err()))
		}
	}

	result := l.load(ctx)
	if !result.Success {
		return fail(result.Err)
	}
	m, ok := l.Get(name)
	if !ok {
		return fail(fmt.Errorf("%w: %s after reload", ErrModuleNotFound, name))
	}

	l.logger.Info("Module reloaded", "module", name, "version", m.Version())
	l.events.Reloaded.Emit(ModuleReloaded{Name: name, Module: m})
	l.emit(EventTypeModuleReloaded, map[string]any{"module": name, "version": m.Version()})
	return m, nil
}
