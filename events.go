package modhost

import (
	"time"

	"github.com/GoCodeAlone/modhost/lifecycle"
)

// ModuleLoading is emitted before a module is instantiated.
type ModuleLoading struct {
	Name       string
	SourcePath string
}

// ModuleLoaded is emitted after a module is registered. Duration covers
// instantiation through registration.
type ModuleLoaded struct {
	Name     string
	Module   Module
	Duration time.Duration
}

// ModuleUnloading is emitted before a module's load unit is released.
type ModuleUnloading struct {
	Name string
}

// ModuleUnloadFailed is emitted when a module's load unit was not released
// within the unload timeout. The module stays registered.
type ModuleUnloadFailed struct {
	Name   string
	Leases int
	Cause  error
}

// ModuleReloaded is emitted when a reload registered the module again.
type ModuleReloaded struct {
	Name   string
	Module Module
}

// ModuleReloadFailed is emitted when a reload did not bring the module back.
type ModuleReloadFailed struct {
	Name  string
	Cause error
}

// Events holds the listener lists of a Loader. Listeners run synchronously
// on the goroutine performing the operation, in subscription order, and
// must not block.
type Events struct {
	Loading      lifecycle.Listeners[ModuleLoading]
	Loaded       lifecycle.Listeners[ModuleLoaded]
	Unloading    lifecycle.Listeners[ModuleUnloading]
	UnloadFailed lifecycle.Listeners[ModuleUnloadFailed]
	Reloaded     lifecycle.Listeners[ModuleReloaded]
	ReloadFailed lifecycle.Listeners[ModuleReloadFailed]
}

func newEvents(logger Logger) *Events {
	e := &Events{}
	onPanic := func(id lifecycle.ListenerID, r any) {
		logger.Error("Module event listener panicked", "listener", id, "panic", r)
	}
	e.Loading.OnPanic = onPanic
	e.Loaded.OnPanic = onPanic
	e.Unloading.OnPanic = onPanic
	e.UnloadFailed.OnPanic = onPanic
	e.Reloaded.OnPanic = onPanic
	e.ReloadFailed.OnPanic = onPanic
	return e
}
