package modhost

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockReloader struct {
	mock.Mock
}

func (m *mockReloader) Reload(ctx context.Context, name string) (Module, error) {
	args := m.Called(ctx, name)
	mod, _ := args.Get(0).(Module)
	return mod, args.Error(1)
}

func (m *mockReloader) Unload(ctx context.Context, name string, timeout time.Duration) bool {
	return m.Called(ctx, name, timeout).Bool(0)
}

func fastWatchConfig(dir string) WatchConfig {
	return WatchConfig{
		Paths:                  []string{dir},
		FilePattern:            "*.Module.*",
		SettleDelay:            40 * time.Millisecond,
		Cooldown:               time.Hour,
		MaxConsecutiveFailures: 3,
		RestartDelay:           20 * time.Millisecond,
	}
}

func startWatcher(t *testing.T, r Reloader, cfg WatchConfig) *HotReloadWatcher {
	t.Helper()
	w := NewHotReloadWatcher(r, cfg, nil)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func TestHotReloadWatcher(t *testing.T) {
	t.Run("should collapse a burst of writes into one reload", func(t *testing.T) {
		dir := t.TempDir()
		r := &mockReloader{}
		r.On("Reload", mock.Anything, "Billing").Return(newTestModule("Billing", "1.0.0"), nil).Once()
		w := startWatcher(t, r, fastWatchConfig(dir))

		path := filepath.Join(dir, "Billing.Module.yaml")
		for range 5 {
			w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
			time.Sleep(5 * time.Millisecond)
		}

		assert.Eventually(t, func() bool {
			_, ok := w.LastReload("Billing")
			return ok
		}, time.Second, 10*time.Millisecond)
		time.Sleep(100 * time.Millisecond)
		r.AssertNumberOfCalls(t, "Reload", 1)
	})

	t.Run("should ignore changes within the cooldown", func(t *testing.T) {
		dir := t.TempDir()
		r := &mockReloader{}
		r.On("Reload", mock.Anything, "Billing").Return(newTestModule("Billing", "1.0.0"), nil)
		w := startWatcher(t, r, fastWatchConfig(dir))

		w.reload("Billing")
		w.reload("Billing")
		r.AssertNumberOfCalls(t, "Reload", 1)
	})

	t.Run("should open the circuit after consecutive failures and reset it", func(t *testing.T) {
		dir := t.TempDir()
		r := &mockReloader{}
		r.On("Reload", mock.Anything, "Billing").Return(nil, errors.New("bad image")).Times(3)
		w := startWatcher(t, r, fastWatchConfig(dir))

		for range 5 {
			w.reload("Billing")
		}
		r.AssertNumberOfCalls(t, "Reload", 3)
		assert.Equal(t, 3, w.FailureCount("Billing"))
		assert.True(t, w.IsCircuitOpen("Billing"))

		w.ResetFailures("Billing")
		assert.False(t, w.IsCircuitOpen("Billing"))
		r.On("Reload", mock.Anything, "Billing").Return(newTestModule("Billing", "1.0.1"), nil).Once()
		w.reload("Billing")
		r.AssertNumberOfCalls(t, "Reload", 4)
		assert.Zero(t, w.FailureCount("Billing"))
	})

	t.Run("should reset the failure count on success", func(t *testing.T) {
		dir := t.TempDir()
		cfg := fastWatchConfig(dir)
		cfg.Cooldown = time.Nanosecond
		r := &mockReloader{}
		r.On("Reload", mock.Anything, "Billing").Return(nil, errors.New("bad image")).Twice()
		r.On("Reload", mock.Anything, "Billing").Return(newTestModule("Billing", "1.0.0"), nil).Once()
		w := startWatcher(t, r, cfg)

		w.reload("Billing")
		w.reload("Billing")
		assert.Equal(t, 2, w.FailureCount("Billing"))
		w.reload("Billing")
		assert.Zero(t, w.FailureCount("Billing"))
	})

	t.Run("should unload a module whose file is removed", func(t *testing.T) {
		dir := t.TempDir()
		r := &mockReloader{}
		r.On("Unload", mock.Anything, "Billing", time.Duration(0)).Return(true).Twice()
		w := startWatcher(t, r, fastWatchConfig(dir))

		w.handleEvent(fsnotify.Event{Name: filepath.Join(dir, "Billing.Module.yaml"), Op: fsnotify.Remove})
		w.handleEvent(fsnotify.Event{Name: filepath.Join(dir, "Billing.Module.json"), Op: fsnotify.Rename})
		r.AssertExpectations(t)
	})

	t.Run("should cancel a pending reload when the file is removed", func(t *testing.T) {
		dir := t.TempDir()
		r := &mockReloader{}
		r.On("Unload", mock.Anything, "Billing", time.Duration(0)).Return(true).Once()
		w := startWatcher(t, r, fastWatchConfig(dir))

		path := filepath.Join(dir, "Billing.Module.yaml")
		w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
		w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Remove})
		time.Sleep(100 * time.Millisecond)
		r.AssertNotCalled(t, "Reload", mock.Anything, "Billing")
	})

	t.Run("should ignore files that do not match the pattern", func(t *testing.T) {
		dir := t.TempDir()
		r := &mockReloader{}
		w := startWatcher(t, r, fastWatchConfig(dir))

		w.handleEvent(fsnotify.Event{Name: filepath.Join(dir, "notes.txt"), Op: fsnotify.Write})
		time.Sleep(100 * time.Millisecond)
		r.AssertNotCalled(t, "Reload", mock.Anything, mock.Anything)
	})

	t.Run("should ignore editor swap and backup files", func(t *testing.T) {
		dir := t.TempDir()
		r := &mockReloader{}
		w := startWatcher(t, r, fastWatchConfig(dir))

		for _, name := range []string{"Billing.Module.yaml.swp", "Billing.Module.yaml~", "Billing.Module.json.bak"} {
			path := filepath.Join(dir, name)
			w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Create})
			w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Remove})
		}
		time.Sleep(100 * time.Millisecond)
		r.AssertNotCalled(t, "Reload", mock.Anything, mock.Anything)
		r.AssertNotCalled(t, "Unload", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("should keep reloading after the file watcher is restarted", func(t *testing.T) {
		dir := t.TempDir()
		r := &mockReloader{}
		r.On("Reload", mock.Anything, "Audit").Return(newTestModule("Audit", "1.0.0"), nil)
		w := startWatcher(t, r, fastWatchConfig(dir))

		old := w.currentWatcher()
		require.NotNil(t, old)
		old.Errors <- errors.New("event queue overflow")

		assert.Eventually(t, func() bool {
			current := w.currentWatcher()
			return current != nil && current != old
		}, 2*time.Second, 10*time.Millisecond)

		writeFile(t, dir, "Audit.Module.yaml", "name: Audit\nversion: 1.0.0\n")
		assert.Eventually(t, func() bool {
			_, ok := w.LastReload("Audit")
			return ok
		}, 2*time.Second, 20*time.Millisecond)
	})

	t.Run("should react to real file changes", func(t *testing.T) {
		dir := t.TempDir()
		r := &mockReloader{}
		r.On("Reload", mock.Anything, "Audit").Return(newTestModule("Audit", "1.0.0"), nil)
		w := startWatcher(t, r, fastWatchConfig(dir))

		writeFile(t, dir, "Audit.Module.yaml", "name: Audit\nversion: 1.0.0\n")
		assert.Eventually(t, func() bool {
			_, ok := w.LastReload("Audit")
			return ok
		}, 2*time.Second, 20*time.Millisecond)
	})

	t.Run("should refuse to start twice", func(t *testing.T) {
		w := startWatcher(t, &mockReloader{}, fastWatchConfig(t.TempDir()))
		assert.Error(t, w.Start(context.Background()))
		w.Stop()
		w.Stop()
	})
}

func TestHotReloadWatcher_Defaults(t *testing.T) {
	w := NewHotReloadWatcher(&mockReloader{}, WatchConfig{}, nil)
	assert.Equal(t, DefaultWatchSettleDelay, w.cfg.SettleDelay)
	assert.Equal(t, DefaultWatchCooldown, w.cfg.Cooldown)
	assert.Equal(t, DefaultMaxConsecutiveFailures, w.cfg.MaxConsecutiveFailures)
	assert.Equal(t, DefaultWatchRestartDelay, w.cfg.RestartDelay)
	assert.Equal(t, "*.Module.*", w.cfg.FilePattern)
}

func TestHotReloadWatcher_DefaultTimingCollapsesEdits(t *testing.T) {
	dir := t.TempDir()
	r := &mockReloader{}
	r.On("Reload", mock.Anything, "Billing").Return(newTestModule("Billing", "1.0.0"), nil)
	w := startWatcher(t, r, WatchConfig{Paths: []string{dir}})

	path := filepath.Join(dir, "Billing.Module.yaml")
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
	time.Sleep(DefaultWatchSettleDelay)
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})

	assert.Eventually(t, func() bool {
		_, ok := w.LastReload("Billing")
		return ok
	}, 2*time.Second, 20*time.Millisecond)
	time.Sleep(DefaultWatchSettleDelay + 200*time.Millisecond)
	r.AssertNumberOfCalls(t, "Reload", 1)
}
