package controlplane

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/modplane"
	"github.com/GoCodeAlone/modplane/dependency"
	"github.com/GoCodeAlone/modplane/health"
	"github.com/GoCodeAlone/modplane/lifecycle"
	"github.com/GoCodeAlone/modplane/mode"
)

// ModuleView combines what every manager knows about one module.
type ModuleView struct {
	ID           string                  `json:"id"`
	Name         string                  `json:"name,omitempty"`
	Version      string                  `json:"version"`
	Description  string                  `json:"description,omitempty"`
	Enabled      bool                    `json:"enabled"`
	Loaded       bool                    `json:"loaded"`
	Running      bool                    `json:"running"`
	State        lifecycle.State         `json:"state"`
	Lifecycle    lifecycle.Status        `json:"lifecycle"`
	Mode         mode.Status             `json:"mode"`
	Health       *health.ModuleHealth    `json:"health,omitempty"`
	Dependencies []dependency.Dependency `json:"dependencies"`
	Dependents   []string                `json:"dependents"`
}

// Status returns the combined view of module id.
func (cp *ControlPlane) Status(ctx context.Context, id string) (ModuleView, error) {
	m, ok := cp.module(id)
	if !ok {
		return ModuleView{}, fmt.Errorf("%w: %s", modplane.ErrModuleNotFound, id)
	}
	dm, _ := cp.deps.Module(id)
	ls, err := cp.life.Status(id)
	if err != nil {
		return ModuleView{}, err
	}
	ms, err := cp.modes.Status(ctx, id)
	if err != nil {
		return ModuleView{}, err
	}
	view := ModuleView{
		ID:           id,
		Name:         m.Name,
		Version:      m.Version,
		Description:  m.Description,
		Enabled:      dm.Enabled,
		Loaded:       dm.Loaded,
		Running:      cp.isRunning(id),
		State:        ls.State,
		Lifecycle:    ls,
		Mode:         ms,
		Dependencies: dm.Dependencies,
		Dependents:   cp.deps.Dependents(id),
	}
	if cp.monitor != nil {
		if h, ok := cp.monitor.Snapshot().Modules[id]; ok {
			view.Health = &h
		}
	}
	return view, nil
}

func (cp *ControlPlane) isClosed() bool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.closed
}

// ModuleStatus is Status wrapped for admin surfaces.
func (cp *ControlPlane) ModuleStatus(ctx context.Context, id string) modplane.Result {
	view, err := cp.Status(ctx, id)
	if err != nil {
		return modplane.Failed(err.Error())
	}
	return modplane.OK(fmt.Sprintf("module %s is %s", id, view.State), map[string]any{"module": view})
}

// ListModules reports every registered module.
func (cp *ControlPlane) ListModules(ctx context.Context) modplane.Result {
	ids := cp.Modules()
	data := make(map[string]any, len(ids))
	for _, id := range ids {
		view, err := cp.Status(ctx, id)
		if err != nil {
			return modplane.Failed(err.Error())
		}
		data[id] = view
	}
	return modplane.OK(fmt.Sprintf("%d modules", len(ids)), data)
}

// StartModule starts a module under its current strategy. Starting a
// running module succeeds without side effects; ERROR and UNRESPONSIVE
// modules are started again.
func (cp *ControlPlane) StartModule(ctx context.Context, id string) modplane.Result {
	if cp.isClosed() {
		return modplane.Failed(ErrClosed.Error())
	}
	unlock := cp.lock(id)
	defer unlock()
	if cp.isRunning(id) {
		return modplane.OK(fmt.Sprintf("module %s already running", id), nil)
	}
	return modplane.ResultFromError(cp.startModule(ctx, id), fmt.Sprintf("module %s started", id))
}

// StopModule stops a module. Running dependents are reported but not
// stopped.
func (cp *ControlPlane) StopModule(ctx context.Context, id string) modplane.Result {
	if cp.isClosed() {
		return modplane.Failed(ErrClosed.Error())
	}
	unlock := cp.lock(id)
	defer unlock()
	if err := cp.stopModule(ctx, id); err != nil {
		return modplane.Failed(err.Error())
	}
	return modplane.OK(fmt.Sprintf("module %s stopped", id), cp.dependentsData(id))
}

// RestartModule stops and starts a module gracefully.
func (cp *ControlPlane) RestartModule(ctx context.Context, id string) modplane.Result {
	if cp.isClosed() {
		return modplane.Failed(ErrClosed.Error())
	}
	unlock := cp.lock(id)
	defer unlock()
	if err := cp.stopModule(ctx, id); err != nil {
		return modplane.Failed(err.Error())
	}
	return modplane.ResultFromError(cp.startModule(ctx, id), fmt.Sprintf("module %s restarted", id))
}

// SwitchMode moves a module to another execution strategy. target accepts
// the strategy aliases of the configuration. With restart the module is
// started under target.
func (cp *ControlPlane) SwitchMode(ctx context.Context, id, target string, restart bool) modplane.Result {
	if cp.isClosed() {
		return modplane.Failed(ErrClosed.Error())
	}
	strategy, err := mode.ParseStrategy(target)
	if err != nil {
		return modplane.Failed(fmt.Errorf("%w: %w", ErrInvalidMode, err).Error())
	}
	unlock := cp.lock(id)
	defer unlock()

	res, err := cp.switchMode(ctx, id, strategy, restart)
	data := map[string]any{"switch": res}
	if err != nil {
		return modplane.Result{Success: false, Message: err.Error(), Data: data}
	}
	if !res.Changed {
		return modplane.OK(fmt.Sprintf("module %s already runs as %s", id, strategy), data)
	}
	return modplane.OK(fmt.Sprintf("module %s switched from %s to %s", id, res.From, res.To), data)
}

// EnableModule allows a module to be loaded. It does not start it.
func (cp *ControlPlane) EnableModule(ctx context.Context, id string) modplane.Result {
	if cp.isClosed() {
		return modplane.Failed(ErrClosed.Error())
	}
	unlock := cp.lock(id)
	defer unlock()
	return modplane.ResultFromError(cp.setEnabled(ctx, id, true), fmt.Sprintf("module %s enabled", id))
}

// DisableModule stops a module and prevents it from loading. The module
// stays registered.
func (cp *ControlPlane) DisableModule(ctx context.Context, id string) modplane.Result {
	if cp.isClosed() {
		return modplane.Failed(ErrClosed.Error())
	}
	unlock := cp.lock(id)
	defer unlock()
	if err := cp.setEnabled(ctx, id, false); err != nil {
		return modplane.Failed(err.Error())
	}
	return modplane.OK(fmt.Sprintf("module %s disabled", id), cp.dependentsData(id))
}

func (cp *ControlPlane) dependentsData(id string) map[string]any {
	var running []string
	for _, d := range cp.deps.Dependents(id) {
		if cp.isRunning(d) {
			running = append(running, d)
		}
	}
	if len(running) == 0 {
		return nil
	}
	return map[string]any{"running_dependents": running}
}

// Plan reports the load plan for targets, or for every enabled module when
// targets is empty, together with the load order and its levels.
func (cp *ControlPlane) Plan(targets []string) modplane.Result {
	if len(targets) == 0 {
		for _, m := range cp.deps.Modules() {
			if m.Enabled {
				targets = append(targets, m.ID)
			}
		}
	}
	plan, err := cp.deps.LoadPlan(targets)
	if err != nil {
		return modplane.Failed(err.Error())
	}
	order, err := cp.deps.ResolveLoadOrder()
	if err != nil {
		return modplane.Failed(err.Error())
	}
	return modplane.OK(fmt.Sprintf("%d loadable, %d blocked", len(plan.Loadable), len(plan.Blocked)), map[string]any{
		"plan":   plan,
		"order":  order,
		"levels": cp.deps.Levels(order),
	})
}

// DependencyReport returns the dependency graph summary.
func (cp *ControlPlane) DependencyReport() modplane.Result {
	report := cp.deps.Report()
	msg := fmt.Sprintf("%d modules", len(report.Modules))
	if len(report.Cycles) > 0 {
		return modplane.Result{Success: false, Message: report.Cycles[0], Data: map[string]any{"report": report}}
	}
	return modplane.OK(msg, map[string]any{"report": report})
}
