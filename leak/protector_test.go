package leak

import (
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type singleton struct {
	buf  [64]byte
	next *singleton
}

type recordingLogger struct {
	warnings []string
}

func (l *recordingLogger) Warn(msg string, _ ...any) { l.warnings = append(l.warnings, msg) }
func (l *recordingLogger) Debug(string, ...any)      {}

func collected(p *Protector, name string) func() bool {
	return func() bool {
		runtime.GC()
		return p.CanUnloadSafely(name)
	}
}

func TestProtector_CanUnloadSafely(t *testing.T) {
	t.Run("should be safe with zero alive references", func(t *testing.T) {
		p := NewProtector(nil)
		p.PrepareUnload("Empty", NewRegistry("Empty"))

		info := p.MemoryInfo("Empty")
		assert.True(t, info.CanBeSafelyUnloaded)
		assert.Zero(t, info.AliveReferences)
		assert.True(t, p.CanUnloadSafely("Unknown"))
	})

	t.Run("should flip while a strong reference survives", func(t *testing.T) {
		p := NewProtector(nil)
		reg := NewRegistry("Cache")
		obj := &singleton{}
		Track(reg, "cache", obj)
		p.PrepareUnload("Cache", reg)

		info := p.MemoryInfo("Cache")
		assert.False(t, info.CanBeSafelyUnloaded)
		assert.Equal(t, 1, info.TrackedReferences)
		assert.Equal(t, 1, info.AliveReferences)
		assert.Equal(t, []string{"cache"}, p.AliveReferenceNames("Cache"))
		runtime.KeepAlive(obj)

		obj = nil
		assert.Eventually(t, collected(p, "Cache"), 2*time.Second, 10*time.Millisecond)
		assert.Zero(t, p.MemoryInfo("Cache").TrackedReferences, "collected references are pruned")
	})

	t.Run("should not keep tracked objects alive", func(t *testing.T) {
		p := NewProtector(nil)
		reg := NewRegistry("Transient")
		func() {
			Track(reg, "a", &singleton{})
			Track(reg, "b", &singleton{next: &singleton{}})
		}()
		p.PrepareUnload("Transient", reg)

		assert.Eventually(t, collected(p, "Transient"), 2*time.Second, 10*time.Millisecond)
	})
}

func TestProtector_PrepareUnload(t *testing.T) {
	t.Run("should clear registered caches and run hooks in order", func(t *testing.T) {
		var calls []string
		reg := NewRegistry("Events")
		reg.RegisterCache("lookup", ClearerFunc(func() { calls = append(calls, "lookup") }))
		reg.OnUnload("subscribers", func() error {
			calls = append(calls, "subscribers")
			return nil
		})

		NewProtector(nil).PrepareUnload("Events", reg)
		assert.Equal(t, []string{"lookup", "subscribers"}, calls)
	})

	t.Run("should log hooks that fail and keep going", func(t *testing.T) {
		logger := &recordingLogger{}
		var ran bool
		reg := NewRegistry("Broken")
		reg.OnUnload("fails", func() error { return errors.New("busy") })
		reg.OnUnload("panics", func() error { panic("boom") })
		reg.OnUnload("works", func() error {
			ran = true
			return nil
		})

		NewProtector(logger).PrepareUnload("Broken", reg)
		assert.True(t, ran)
		require.Len(t, logger.warnings, 2)
	})

	t.Run("should forget a module", func(t *testing.T) {
		p := NewProtector(nil)
		p.PrepareUnload("A", nil)
		assert.Equal(t, []string{"A"}, p.Modules())
		p.Forget("A")
		assert.Empty(t, p.Modules())
	})
}

func TestMemoryInfo_String(t *testing.T) {
	info := MemoryInfo{ModuleName: "A", TrackedReferences: 2, AliveReferences: 1}
	assert.Equal(t, "Module: A, Tracked: 2, Alive: 1, Safe to unload: false", info.String())
}
