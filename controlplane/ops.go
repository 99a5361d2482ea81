package controlplane

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/GoCodeAlone/modplane"
	"github.com/GoCodeAlone/modplane/dependency"
	"github.com/GoCodeAlone/modplane/flagstore"
	"github.com/GoCodeAlone/modplane/mode"
)

// lock acquires the locks for an operation on id and returns the release
// function.
func (cp *ControlPlane) lock(id string) func() {
	if cp.hasConflicts(id) {
		cp.opMu.Lock()
		return cp.opMu.Unlock
	}
	cp.opMu.RLock()
	cp.mu.Lock()
	l, ok := cp.locks[id]
	if !ok {
		l = &sync.Mutex{}
		cp.locks[id] = l
	}
	cp.mu.Unlock()
	l.Lock()
	return func() {
		l.Unlock()
		cp.opMu.RUnlock()
	}
}

// hasConflicts reports whether id declares a conflict or is the target of
// one.
func (cp *ControlPlane) hasConflicts(id string) bool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	for otherID, m := range cp.modules {
		for _, d := range m.Dependencies {
			k, err := dependency.ParseKind(d.Kind)
			if err != nil || k != dependency.KindConflicts {
				continue
			}
			if otherID == id || d.ID == id {
				return true
			}
		}
	}
	return false
}

// startModule starts id under its current strategy. Callers hold lock(id).
func (cp *ControlPlane) startModule(ctx context.Context, id string) error {
	if _, ok := cp.module(id); !ok {
		return fmt.Errorf("%w: %s", modplane.ErrModuleNotFound, id)
	}
	if mod, ok := cp.deps.Module(id); !ok || !mod.Enabled {
		return fmt.Errorf("%w: %s", modplane.ErrModuleDisabled, id)
	}
	if err := cp.deps.Check(id); err != nil {
		cp.emitter.Emit(ctx, modplane.EventTypeModuleLoadBlocked, map[string]any{
			"module": id, "error": err.Error(),
		})
		return err
	}
	if running := cp.deps.Conflicts(id); len(running) > 0 {
		return fmt.Errorf("%w: %s conflicts with %v", dependency.ErrConflict, id, running)
	}

	strategy, _ := cp.modes.Current(id)
	var err error
	switch {
	case strategy == mode.StrategyEmbeddedSubprocess && cp.modes.IsActive(id):
		// The process is supervised by the lifecycle manager; an explicit
		// start is what recovers it from ERROR or UNRESPONSIVE.
		err = cp.life.Start(ctx, id)
	case strategy == mode.StrategyEmbeddedSubprocess:
		err = cp.modes.Start(ctx, id)
	default:
		if err = cp.modes.Start(ctx, id); err == nil {
			err = cp.life.Start(ctx, id)
		}
	}
	if err != nil {
		return err
	}
	if err := cp.deps.MarkLoaded(id, true); err != nil {
		return err
	}
	cp.persist(ctx, id)
	return nil
}

// stopModule deactivates id. Callers hold lock(id).
func (cp *ControlPlane) stopModule(ctx context.Context, id string) error {
	if _, ok := cp.module(id); !ok {
		return fmt.Errorf("%w: %s", modplane.ErrModuleNotFound, id)
	}
	err := cp.modes.Stop(ctx, id)
	if lerr := cp.life.Stop(ctx, id); lerr != nil && err == nil {
		err = lerr
	}
	if merr := cp.deps.MarkLoaded(id, false); merr != nil && err == nil {
		err = merr
	}
	cp.persist(ctx, id)
	return err
}

// switchMode moves id to target. The lifecycle descriptor follows the new
// strategy, so an embedded module is supervised and the others are only
// tracked. Callers hold lock(id).
func (cp *ControlPlane) switchMode(ctx context.Context, id string, target mode.Strategy, restart bool) (mode.SwitchResult, error) {
	m, ok := cp.module(id)
	if !ok {
		return mode.SwitchResult{}, fmt.Errorf("%w: %s", modplane.ErrModuleNotFound, id)
	}
	res, err := cp.modes.SwitchMode(ctx, id, target, false)
	if err != nil || !res.Changed {
		return res, err
	}
	if err := cp.life.Stop(ctx, id); err != nil {
		cp.logger.Warn("Lifecycle stop after mode switch failed", "module", id, "error", err)
	}
	if err := cp.life.Register(cp.lifecycleDescriptor(m, target)); err != nil {
		return res, err
	}
	_ = cp.deps.MarkLoaded(id, false)
	cp.persist(ctx, id)

	if !restart {
		return res, nil
	}
	if err := cp.startModule(ctx, id); err != nil {
		cp.emitter.Emit(ctx, modplane.EventTypeModeSwitchFailed, map[string]any{
			"module": id, "from": string(res.From), "to": string(target), "error": err.Error(),
		})
		return res, err
	}
	res.Active = true
	return res, nil
}

// setEnabled flips the enabled flag. Disabling stops a running module
// first. Callers hold lock(id).
func (cp *ControlPlane) setEnabled(ctx context.Context, id string, enabled bool) error {
	if _, ok := cp.module(id); !ok {
		return fmt.Errorf("%w: %s", modplane.ErrModuleNotFound, id)
	}
	if !enabled {
		if err := cp.stopModule(ctx, id); err != nil {
			return err
		}
	}
	if err := cp.deps.SetEnabled(id, enabled); err != nil {
		return err
	}
	cp.mu.Lock()
	m := cp.modules[id]
	m.Enabled = &enabled
	cp.modules[id] = m
	cp.mu.Unlock()

	cp.persist(ctx, id)
	eventType := modplane.EventTypeModuleEnabled
	if !enabled {
		eventType = modplane.EventTypeModuleDisabled
	}
	cp.emitter.Emit(ctx, eventType, map[string]any{"module": id})
	return nil
}

// persist writes the flags of id. Store failures are logged; the runtime
// state stays authoritative.
func (cp *ControlPlane) persist(ctx context.Context, id string) {
	mod, ok := cp.deps.Module(id)
	if !ok {
		return
	}
	strategy, _ := cp.modes.Current(id)
	flags := flagstore.Flags{Enabled: mod.Enabled, Loaded: mod.Loaded, Strategy: string(strategy)}
	if err := cp.store.Put(context.WithoutCancel(ctx), id, flags); err != nil && !errors.Is(err, flagstore.ErrClosed) {
		cp.logger.Warn("Cannot persist module flags", "module", id, "error", err)
	}
}
