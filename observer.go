// Package modhost provides Observer pattern interfaces for event-driven communication.
// Orchestrator, lifecycle, watcher and health events are also published as
// CloudEvents so external systems can consume them.
package modhost

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer defines the interface for objects that want to be notified of events.
type Observer interface {
	// OnEvent is called when an event occurs that the observer is interested in.
	// Observers should handle events quickly.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for this observer.
	ObserverID() string
}

// Subject defines the interface for objects that can be observed.
type Subject interface {
	// RegisterObserver adds an observer. If eventTypes is empty, the
	// observer receives all events.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer. It is idempotent.
	UnregisterObserver(observer Observer) error

	// NotifyObservers sends an event to all interested observers.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error

	// GetObservers returns information about registered observers.
	GetObservers() []ObserverInfo
}

// ObserverInfo provides information about a registered observer.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// EventType constants for host events, in reverse domain notation.
const (
	// Orchestrator events
	EventTypeModuleLoading      = "com.modhost.module.loading"
	EventTypeModuleLoaded       = "com.modhost.module.loaded"
	EventTypeModuleUnloading    = "com.modhost.module.unloading"
	EventTypeModuleUnloaded     = "com.modhost.module.unloaded"
	EventTypeModuleUnloadFailed = "com.modhost.module.unload_failed"
	EventTypeModuleReloaded     = "com.modhost.module.reloaded"
	EventTypeModuleReloadFailed = "com.modhost.module.reload_failed"
	EventTypeLoadFailed         = "com.modhost.load.failed"

	// Lifecycle events
	EventTypeModuleStateChanged = "com.modhost.module.state_changed"

	// Watcher events
	EventTypeReloadCircuitOpen = "com.modhost.watcher.circuit_open"

	// Health events
	EventTypeHealthChanged = "com.modhost.health.changed"
)

// FunctionalObserver adapts a function to Observer.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer backed by handler.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{
		id:      id,
		handler: handler,
	}
}

// OnEvent implements Observer.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements Observer.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}
