package modhost

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/GoCodeAlone/modhost/loadunit"
)

// Watcher defaults, used when the corresponding WatchConfig value is <= 0.
const (
	DefaultWatchSettleDelay       = 500 * time.Millisecond
	DefaultWatchCooldown          = 2 * time.Second
	DefaultMaxConsecutiveFailures = 3
	DefaultWatchRestartDelay      = time.Second
)

var errWatcherRunning = errors.New("hot reload watcher: already running")

// Reloader reloads and unloads modules by name. *Loader implements it.
type Reloader interface {
	Reload(ctx context.Context, name string) (Module, error)
	Unload(ctx context.Context, name string, timeout time.Duration) bool
}

// WatcherOption configures a HotReloadWatcher.
type WatcherOption func(*HotReloadWatcher)

// WithWatcherSubject publishes watcher CloudEvents through s.
func WithWatcherSubject(s *ObserverSet) WatcherOption {
	return func(w *HotReloadWatcher) { w.subject = s }
}

type watchedModule struct {
	failures   int
	lastReload time.Time
	inFlight   bool
}

// HotReloadWatcher reloads modules when their manifests change on disk.
// Bursts of changes to one file are debounced into a single reload, reloads
// of one module are spaced by a cooldown, and a module whose reloads keep
// failing is no longer reloaded until ResetFailures is called.
type HotReloadWatcher struct {
	reloader Reloader
	cfg      WatchConfig
	logger   Logger
	subject  *ObserverSet

	mu      sync.Mutex
	modules map[string]*watchedModule
	timers  map[string]*time.Timer
	fsw     *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewHotReloadWatcher creates a watcher that calls reloader for changes
// under cfg.Paths matching cfg.FilePattern.
func NewHotReloadWatcher(reloader Reloader, cfg WatchConfig, logger Logger, opts ...WatcherOption) *HotReloadWatcher {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultWatchSettleDelay
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultWatchCooldown
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultWatchRestartDelay
	}
	if cfg.FilePattern == "" {
		cfg.FilePattern = "*" + ModuleSuffix + ".*"
	}

	w := &HotReloadWatcher{
		reloader: reloader,
		cfg:      cfg,
		logger:   loggerOrNop(logger),
		modules:  make(map[string]*watchedModule),
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. Paths that do not exist are logged and skipped.
// Watching stops when ctx is cancelled or Stop is called.
func (w *HotReloadWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return errWatcherRunning
	}

	fsw, err := w.openWatcher()
	if err != nil {
		return err
	}

	w.fsw = fsw
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.watchLoop(w.ctx, fsw, w.done)

	w.logger.Info("Hot reload watcher started", "paths", w.cfg.Paths, "pattern", w.cfg.FilePattern)
	return nil
}

// Stop stops watching and cancels pending reloads. It is idempotent.
func (w *HotReloadWatcher) Stop() {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return
	}
	w.cancel()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	done := w.done
	w.cancel = nil
	w.mu.Unlock()

	<-done
	w.logger.Info("Hot reload watcher stopped")
}

// ResetFailures clears the failure count of name, closing its circuit.
func (w *HotReloadWatcher) ResetFailures(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if m, ok := w.modules[name]; ok {
		m.failures = 0
	}
}

// FailureCount returns the consecutive reload failures of name.
func (w *HotReloadWatcher) FailureCount(name string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if m, ok := w.modules[name]; ok {
		return m.failures
	}
	return 0
}

// IsCircuitOpen reports whether reloads of name are suppressed.
func (w *HotReloadWatcher) IsCircuitOpen(name string) bool {
	return w.FailureCount(name) >= w.cfg.MaxConsecutiveFailures
}

// LastReload returns the time of the last successful reload of name.
func (w *HotReloadWatcher) LastReload(name string) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if m, ok := w.modules[name]; ok && !m.lastReload.IsZero() {
		return m.lastReload, true
	}
	return time.Time{}, false
}

func (w *HotReloadWatcher) openWatcher() (*fsnotify.Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, root := range w.cfg.Paths {
		if _, err := os.Stat(root); err != nil {
			w.logger.Warn("Watch path unavailable", "path", root, "error", err)
			continue
		}
		if err := w.addTree(fsw, root); err != nil {
			w.logger.Warn("Failed to watch path", "path", root, "error", err)
		}
	}
	return fsw, nil
}

func (w *HotReloadWatcher) addTree(fsw *fsnotify.Watcher, root string) error {
	if !w.cfg.Recursive {
		return fsw.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
}

func (w *HotReloadWatcher) watchLoop(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer func() { _ = fsw.Close() }()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error, restarting", "error", err, "delay", w.cfg.RestartDelay)
			_ = fsw.Close()

			next, ok := w.restart(ctx)
			if !ok {
				return
			}
			fsw = next
		}
	}
}

// restart waits RestartDelay and opens a new watcher, retrying until it
// succeeds or ctx is done.
func (w *HotReloadWatcher) restart(ctx context.Context) (*fsnotify.Watcher, bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(w.cfg.RestartDelay):
		}

		fsw, err := w.openWatcher()
		if err != nil {
			w.logger.Error("File watcher restart failed", "error", err)
			continue
		}
		w.mu.Lock()
		w.fsw = fsw
		w.mu.Unlock()
		w.logger.Info("File watcher restarted")
		return fsw, true
	}
}

func (w *HotReloadWatcher) currentWatcher() *fsnotify.Watcher {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fsw
}

func (w *HotReloadWatcher) handleEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) && w.cfg.Recursive {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if fsw := w.currentWatcher(); fsw != nil {
				_ = w.addTree(fsw, event.Name)
			}
			return
		}
	}

	base := filepath.Base(event.Name)
	if ok, _ := filepath.Match(w.cfg.FilePattern, base); !ok || !loadunit.IsManifestPath(base) {
		return
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.handleRemoved(event.Name)
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		w.schedule(event.Name)
	}
}

// schedule (re)starts the settle timer of path.
func (w *HotReloadWatcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel == nil {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.cfg.SettleDelay, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.reload(ModuleNameFromPath(path))
	})
}

func (w *HotReloadWatcher) handleRemoved(path string) {
	name := ModuleNameFromPath(path)

	w.mu.Lock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
	delete(w.modules, name)
	ctx := w.ctx
	w.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	w.logger.Info("Module file removed, unloading", "module", name, "path", path)
	if !w.reloader.Unload(ctx, name, 0) {
		w.logger.Warn("Module not unloaded after file removal", "module", name)
	}
}

func (w *HotReloadWatcher) reload(name string) {
	w.mu.Lock()
	m, ok := w.modules[name]
	if !ok {
		m = &watchedModule{}
		w.modules[name] = m
	}
	switch failures := m.failures; {
	case failures >= w.cfg.MaxConsecutiveFailures:
		w.mu.Unlock()
		w.logger.Warn("Hot reload suppressed", "module", name, "failures", failures, "error", ErrReloadCircuitOpen)
		return
	case m.inFlight:
		w.mu.Unlock()
		w.logger.Debug("Hot reload already in progress", "module", name)
		return
	case !m.lastReload.IsZero() && time.Since(m.lastReload) < w.cfg.Cooldown:
		w.mu.Unlock()
		w.logger.Debug("Hot reload within cooldown, ignoring change", "module", name)
		return
	}
	m.inFlight = true
	ctx := w.ctx
	w.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	w.logger.Info("Hot reloading module", "module", name)
	_, err := w.reloader.Reload(ctx, name)

	w.mu.Lock()
	m.inFlight = false
	if err == nil {
		m.failures = 0
		m.lastReload = time.Now()
		w.mu.Unlock()
		w.logger.Info("Hot reload succeeded", "module", name)
		return
	}
	m.failures++
	failures := m.failures
	w.mu.Unlock()

	w.logger.Error("Hot reload failed", "module", name, "failures", failures, "error", err)
	if failures >= w.cfg.MaxConsecutiveFailures {
		w.logger.Error("Hot reload circuit opened", "module", name, "error", ErrReloadCircuitOpen)
		if w.subject != nil {
			w.subject.emit(EventTypeReloadCircuitOpen, map[string]any{"module": name, "failures": failures})
		}
	}
}
