package modhost

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/GoCodeAlone/modhost/lifecycle"
)

// ModuleSource lists loaded modules in load order.
type ModuleSource interface {
	List() []Module
	Get(name string) (Module, bool)
}

// LifecycleManager starts and stops loaded modules and records their state.
type LifecycleManager struct {
	modules ModuleSource
	states  *lifecycle.Tracker
	logger  Logger
}

// NewLifecycleManager creates a manager over modules. states is shared with
// the loader so loads and unloads appear in the same history.
func NewLifecycleManager(modules ModuleSource, states *lifecycle.Tracker, logger Logger) *LifecycleManager {
	return &LifecycleManager{
		modules: modules,
		states:  states,
		logger:  loggerOrNop(logger),
	}
}

// State returns the lifecycle state of name, StateUnknown if it has none.
func (m *LifecycleManager) State(name string) lifecycle.State {
	s, _ := m.states.State(name)
	return s
}

// StartModule starts name. Starting a started module is a no-op. A module
// that fails to start is left in the error state.
func (m *LifecycleManager) StartModule(ctx context.Context, name string) error {
	mod, ok := m.modules.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	if m.State(name) == lifecycle.StateStarted {
		return nil
	}

	if err := m.states.Transition(name, lifecycle.StateStarting, nil); err != nil {
		return err
	}
	if s, ok := mod.(Startable); ok {
		if err := s.Start(ctx); err != nil {
			_ = m.states.Transition(name, lifecycle.StateError, err)
			m.logger.Error("Module failed to start", "module", name, "error", err)
			return fmt.Errorf("start %s: %w", name, err)
		}
	}
	if err := m.states.Transition(name, lifecycle.StateStarted, nil); err != nil {
		return err
	}
	m.logger.Info("Module started", "module", name)
	return nil
}

// StopModule stops name if it is running. Stopping a module that is not
// running is a no-op.
func (m *LifecycleManager) StopModule(ctx context.Context, name string) error {
	mod, ok := m.modules.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return stopModule(ctx, m.states, m.logger, mod)
}

// RestartModule stops and starts name.
func (m *LifecycleManager) RestartModule(ctx context.Context, name string) error {
	if err := m.StopModule(ctx, name); err != nil {
		return err
	}
	return m.StartModule(ctx, name)
}

// StartAll starts modules in load order and stops at the first failure.
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	for _, mod := range m.modules.List() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.StartModule(ctx, mod.Name()); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops modules in reverse load order. Every module is attempted;
// the errors are joined.
func (m *LifecycleManager) StopAll(ctx context.Context) error {
	var errs []error
	for _, mod := range slices.Backward(m.modules.List()) {
		if err := stopModule(ctx, m.states, m.logger, mod); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// stopModule stops mod when it is started or failed.
func stopModule(ctx context.Context, states *lifecycle.Tracker, logger Logger, mod Module) error {
	name := mod.Name()
	state, _ := states.State(name)
	if state != lifecycle.StateStarted && state != lifecycle.StateError {
		return nil
	}

	if err := states.Transition(name, lifecycle.StateStopping, nil); err != nil {
		return err
	}
	if s, ok := mod.(Stoppable); ok {
		if err := s.Stop(ctx); err != nil {
			_ = states.Transition(name, lifecycle.StateError, err)
			logger.Error("Module failed to stop", "module", name, "error", err)
			return fmt.Errorf("stop %s: %w", name, err)
		}
	}
	if err := states.Transition(name, lifecycle.StateStopped, nil); err != nil {
		return err
	}
	logger.Info("Module stopped", "module", name)
	return nil
}
