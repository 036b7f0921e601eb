package lifecycle

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"
)

// Static errors for lifecycle package
var (
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrUnknownModule     = errors.New("module has no lifecycle state")
)

// State is the lifecycle state of a loaded module.
type State int

const (
	StateUnknown State = iota
	StateLoaded
	StateStarting
	StateStarted
	StateStopping
	StateStopped
	StateUnloaded
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateUnloaded:
		return "unloaded"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// IsTransitional reports whether the state is on its way to another state.
func (s State) IsTransitional() bool {
	return s == StateStarting || s == StateStopping
}

// transitions lists the states reachable from each state.
var transitions = map[State][]State{
	StateUnknown:  {StateLoaded},
	StateLoaded:   {StateStarting, StateStopped, StateUnloaded, StateError},
	StateStarting: {StateStarted, StateError},
	StateStarted:  {StateStopping, StateError},
	StateStopping: {StateStopped, StateError},
	StateStopped:  {StateStarting, StateUnloaded, StateError},
	StateError:    {StateStarting, StateStopping, StateStopped, StateUnloaded},
	StateUnloaded: {StateLoaded},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateChange is emitted on every successful transition.
type StateChange struct {
	Module string
	From   State
	To     State
	At     time.Time
	Err    error
}

// Tracker holds the lifecycle state of every known module.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]State

	// Changes receives a StateChange after each transition.
	Changes Listeners[StateChange]
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[string]State)}
}

// State returns the state of module.
func (t *Tracker) State(module string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[module]
	return s, ok
}

// Transition moves module to state to. cause is attached to the emitted
// change, typically for StateError.
func (t *Tracker) Transition(module string, to State, cause error) error {
	t.mu.Lock()
	from := t.states[module]
	if !CanTransition(from, to) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, module, from, to)
	}
	t.states[module] = to
	t.mu.Unlock()

	t.Changes.Emit(StateChange{Module: module, From: from, To: to, At: time.Now(), Err: cause})
	return nil
}

// Remove forgets module.
func (t *Tracker) Remove(module string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, module)
}

// Snapshot returns a copy of all states.
func (t *Tracker) Snapshot() map[string]State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.states)
}
