// Package loadunit provides the per-module isolated load unit.
//
// Go cannot unmap compiled code, so a unit is a reference-counted handle
// around everything the host holds for one module: its parsed image, its
// private library resolutions and the leases handed out to callers.
// Unloading a unit refuses new leases, drops the host's own lease and waits,
// bounded by a timeout, until every outstanding lease has been released.
// Each wait step requests a garbage collection so objects owned by the
// module can be reclaimed. A released unit never becomes active again;
// replacing a module means building a new unit.
package loadunit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// Defaults for Unload.
const (
	DefaultUnloadTimeout = 30 * time.Second
	DefaultPollInterval  = 50 * time.Millisecond
)

// State is the unload state of a unit.
type State int

const (
	// StateActive units resolve libraries and hand out leases.
	StateActive State = iota
	// StateUnloading units wait for outstanding leases.
	StateUnloading
	// StateReleased units have no leases left. Terminal.
	StateReleased
	// StateTimedOut units did not release in time; Unload may be retried.
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateUnloading:
		return "unloading"
	case StateReleased:
		return "released"
	case StateTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// Image is a module image read into a unit.
type Image struct {
	Name       string
	SourcePath string
	Manifest   *Manifest
	LoadedAt   time.Time
}

// Unit is an independently releasable loading domain for one module.
type Unit struct {
	name       string
	sourcePath string
	shared     SharedLibraries

	pollInterval time.Duration
	collect      func()

	mu      sync.Mutex
	state   State
	leases  int
	image   *Image
	private map[string]LibrarySpec
	baseDir string
}

// Option configures a Unit.
type Option func(*Unit)

// WithPollInterval sets the wait step used by Unload.
func WithPollInterval(d time.Duration) Option {
	return func(u *Unit) {
		if d > 0 {
			u.pollInterval = d
		}
	}
}

// WithCollector replaces the reclamation pass run at each Unload step.
// The default is runtime.GC.
func WithCollector(fn func()) Option {
	return func(u *Unit) {
		if fn != nil {
			u.collect = fn
		}
	}
}

// New creates an active unit. The unit starts with one lease held by the
// host itself; Unload drops it.
func New(name, sourcePath string, shared SharedLibraries, opts ...Option) *Unit {
	u := &Unit{
		name:         name,
		sourcePath:   sourcePath,
		shared:       shared,
		pollInterval: DefaultPollInterval,
		collect:      runtime.GC,
		state:        StateActive,
		leases:       1,
		private:      make(map[string]LibrarySpec),
	}
	if sourcePath != "" {
		u.baseDir = filepath.Dir(sourcePath)
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Name returns the unit name.
func (u *Unit) Name() string { return u.name }

// SourcePath returns the path the unit was created for, empty for
// in-process images.
func (u *Unit) SourcePath() string { return u.sourcePath }

// State returns the current unload state.
func (u *Unit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Leases returns the number of outstanding leases, including the host's own
// lease while the unit is active.
func (u *Unit) Leases() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.leases
}

// Image returns the image loaded into the unit, or nil.
func (u *Unit) Image() *Image {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.image
}

// LoadFromPath reads the manifest at path into the unit and records its
// private libraries.
func (u *Unit) LoadFromPath(path string) (*Image, error) {
	manifest, err := ReadManifest(path)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, u.name, u.state)
	}

	u.baseDir = filepath.Dir(path)
	clear(u.private)
	for _, lib := range manifest.Libraries {
		u.private[lib.Name] = lib
	}
	u.image = &Image{
		Name:       manifest.Name,
		SourcePath: path,
		Manifest:   manifest,
		LoadedAt:   time.Now(),
	}
	return u.image, nil
}

// Resolve finds a library for the unit: a private copy declared in the
// unit's manifest first, then the host's shared libraries.
func (u *Unit) Resolve(name string) (*Library, error) {
	u.mu.Lock()
	if u.state != StateActive {
		state := u.state
		u.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, u.name, state)
	}
	spec, hasPrivate := u.private[name]
	baseDir := u.baseDir
	u.mu.Unlock()

	if hasPrivate {
		path := spec.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		if _, err := os.Stat(path); err == nil {
			return &Library{Name: spec.Name, Version: spec.Version, Path: path, Origin: OriginPrivate}, nil
		}
	}

	if u.shared != nil {
		if lib, ok := u.shared.Lookup(name); ok {
			return lib, nil
		}
	}

	return nil, fmt.Errorf("%w: %s (unit %s)", ErrNotFound, name, u.name)
}

// Acquire takes a lease on the unit. The returned release function is
// idempotent. Leases keep an unloading unit from being released.
func (u *Unit) Acquire() (func(), error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, u.name, u.state)
	}
	u.leases++

	var once sync.Once
	return func() {
		once.Do(func() {
			u.mu.Lock()
			u.leases--
			u.mu.Unlock()
		})
	}, nil
}

// Unload marks the unit for release and waits until every lease is gone.
// It returns false when timeout (DefaultUnloadTimeout when <= 0) elapses or
// ctx is cancelled first; the unit is then TimedOut and Unload may be called
// again. Unloading a released unit reports true.
func (u *Unit) Unload(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultUnloadTimeout
	}

	u.mu.Lock()
	switch u.state {
	case StateReleased:
		u.mu.Unlock()
		return true
	case StateActive:
		u.leases--
	}
	u.state = StateUnloading
	u.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(u.pollInterval)
	defer ticker.Stop()

	for {
		if u.tryRelease() {
			return true
		}
		u.collect()
		if u.tryRelease() {
			return true
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			u.markTimedOut()
			return false
		case <-ctx.Done():
			u.markTimedOut()
			return false
		}
	}
}

func (u *Unit) tryRelease() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == StateReleased {
		return true
	}
	if u.leases > 0 {
		return false
	}
	u.state = StateReleased
	u.image = nil
	clear(u.private)
	return true
}

func (u *Unit) markTimedOut() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == StateUnloading {
		u.state = StateTimedOut
	}
}
