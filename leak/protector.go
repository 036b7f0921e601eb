package leak

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Logger is the subset of the host logger the protector needs.
type Logger interface {
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// MemoryInfo summarizes the tracked references of one module.
type MemoryInfo struct {
	ModuleName          string    `json:"moduleName"`
	TrackedReferences   int       `json:"trackedReferences"`
	AliveReferences     int       `json:"aliveReferences"`
	CanBeSafelyUnloaded bool      `json:"canBeSafelyUnloaded"`
	InventoriedAt       time.Time `json:"inventoriedAt,omitzero"`
}

func (m MemoryInfo) String() string {
	return fmt.Sprintf("Module: %s, Tracked: %d, Alive: %d, Safe to unload: %t",
		m.ModuleName, m.TrackedReferences, m.AliveReferences, m.CanBeSafelyUnloaded)
}

type moduleRefs struct {
	refs          []reference
	inventoriedAt time.Time
}

// Protector keeps weak references to the objects of unloaded modules.
type Protector struct {
	logger Logger

	mu      sync.Mutex
	modules map[string]*moduleRefs
}

// NewProtector creates a protector. A nil logger discards output.
func NewProtector(logger Logger) *Protector {
	if logger == nil {
		logger = discard{}
	}
	return &Protector{
		logger:  logger,
		modules: make(map[string]*moduleRefs),
	}
}

// PrepareUnload inventories the tracked references of the module's registry
// and runs its cleanup hooks. A failing or panicking hook is logged and the
// remaining hooks still run. Calling it again for the same module adds the
// registry's references to those already tracked.
func (p *Protector) PrepareUnload(name string, reg *Registry) {
	if reg == nil {
		p.mu.Lock()
		if _, ok := p.modules[name]; !ok {
			p.modules[name] = &moduleRefs{inventoriedAt: time.Now()}
		}
		p.mu.Unlock()
		return
	}

	refs, cleaners := reg.snapshot()

	p.mu.Lock()
	entry, ok := p.modules[name]
	if !ok {
		entry = &moduleRefs{}
		p.modules[name] = entry
	}
	entry.refs = append(entry.refs, refs...)
	entry.inventoriedAt = time.Now()
	p.mu.Unlock()

	for _, c := range cleaners {
		if err := runCleaner(c); err != nil {
			p.logger.Warn("Could not clear module resource", "module", name, "resource", c.name, "error", err)
			continue
		}
		p.logger.Debug("Cleared module resource", "module", name, "resource", c.name)
	}
}

func runCleaner(c cleaner) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.fn()
}

// CanUnloadSafely reports whether no tracked object of the module is still
// reachable. Modules that were never inventoried are safe.
func (p *Protector) CanUnloadSafely(name string) bool {
	return p.MemoryInfo(name).CanBeSafelyUnloaded
}

// MemoryInfo re-scans the module's weak references, pruning collected ones.
func (p *Protector) MemoryInfo(name string) MemoryInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := MemoryInfo{ModuleName: name}
	entry, ok := p.modules[name]
	if !ok {
		info.CanBeSafelyUnloaded = true
		return info
	}

	info.TrackedReferences = len(entry.refs)
	entry.refs = slices.DeleteFunc(entry.refs, func(r reference) bool { return !r.alive() })
	info.AliveReferences = len(entry.refs)
	info.CanBeSafelyUnloaded = info.AliveReferences == 0
	info.InventoriedAt = entry.inventoriedAt
	return info
}

// AliveReferenceNames lists the names of tracked objects still reachable.
func (p *Protector) AliveReferenceNames(name string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.modules[name]
	if !ok {
		return nil
	}
	var names []string
	for _, r := range entry.refs {
		if r.alive() {
			names = append(names, r.name)
		}
	}
	return names
}

// Forget drops everything tracked for the module.
func (p *Protector) Forget(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.modules, name)
}

// Modules returns the names of inventoried modules in sorted order.
func (p *Protector) Modules() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.modules))
	for name := range p.modules {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

type discard struct{}

func (discard) Warn(string, ...any)  {}
func (discard) Debug(string, ...any) {}
