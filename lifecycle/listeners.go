// Package lifecycle provides synchronous event listener lists and per-module
// lifecycle state tracking.
package lifecycle

import (
	"fmt"
	"sync"
)

// ListenerID identifies a subscription.
type ListenerID uint64

type listener[E any] struct {
	id ListenerID
	fn func(E)
}

// Listeners is an ordered list of callbacks for one event type. Emit calls
// every callback synchronously on the caller's goroutine, in subscription
// order. Emissions are serialized so two events never interleave.
//
// Callbacks may subscribe or unsubscribe from inside a callback; the change
// applies to the next emission.
type Listeners[E any] struct {
	mu        sync.Mutex
	emitMu    sync.Mutex
	next      ListenerID
	listeners []listener[E]

	// OnPanic, when set, receives panics raised by callbacks. The remaining
	// callbacks still run.
	OnPanic func(id ListenerID, recovered any)
}

// Subscribe appends fn and returns its id.
func (l *Listeners[E]) Subscribe(fn func(E)) ListenerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.listeners = append(l.listeners, listener[E]{id: l.next, fn: fn})
	return l.next
}

// Unsubscribe removes the callback with id and reports whether it existed.
func (l *Listeners[E]) Unsubscribe(id ListenerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, ln := range l.listeners {
		if ln.id == id {
			l.listeners = append(l.listeners[:i:i], l.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of subscribed callbacks.
func (l *Listeners[E]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.listeners)
}

// Emit delivers event to every callback.
func (l *Listeners[E]) Emit(event E) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()

	l.mu.Lock()
	snapshot := make([]listener[E], len(l.listeners))
	copy(snapshot, l.listeners)
	onPanic := l.OnPanic
	l.mu.Unlock()

	for _, ln := range snapshot {
		l.call(ln, event, onPanic)
	}
}

func (l *Listeners[E]) call(ln listener[E], event E, onPanic func(ListenerID, any)) {
	defer func() {
		if r := recover(); r != nil {
			if onPanic == nil {
				panic(fmt.Sprintf("lifecycle listener %d panicked: %v", ln.id, r))
			}
			onPanic(ln.id, r)
		}
	}()
	ln.fn(event)
}
