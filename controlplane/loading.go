package controlplane

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/modplane/dependency"
)

// LoadReport is the outcome of LoadAll.
type LoadReport struct {
	Order   []string             `json:"order"`
	Levels  [][]string           `json:"levels"`
	Started []string             `json:"started"`
	Skipped []dependency.Blocked `json:"skipped"`
	Failed  []dependency.Blocked `json:"failed"`
}

type loadState struct {
	mu     sync.Mutex
	up     map[string]bool
	report *LoadReport
}

func (s *loadState) skip(id string, reasons ...string) {
	s.mu.Lock()
	s.report.Skipped = append(s.report.Skipped, dependency.Blocked{ID: id, Reasons: reasons})
	s.mu.Unlock()
}

// LoadAll resolves the load order and starts every enabled module level by
// level. Modules of one level start concurrently, bounded by the configured
// load concurrency. A dependency cycle fails the whole batch before
// anything starts. Disabled modules, modules whose required dependencies
// did not come up and modules that cannot load now are skipped with their
// reasons; a failed start never stops unrelated modules from loading.
func (cp *ControlPlane) LoadAll(ctx context.Context) (LoadReport, error) {
	order, err := cp.deps.ResolveLoadOrder()
	if err != nil {
		cp.logger.Error("Load order resolution failed", "error", err)
		return LoadReport{}, err
	}

	report := LoadReport{
		Order:   order,
		Levels:  cp.deps.Levels(order),
		Started: []string{},
		Skipped: []dependency.Blocked{},
		Failed:  []dependency.Blocked{},
	}
	state := &loadState{up: map[string]bool{}, report: &report}

	limit := cp.cfg.Dependency.LoadConcurrency
	if limit <= 0 {
		limit = 1
	}

	for i, level := range report.Levels {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch := cp.admit(level, state)
		cp.logger.Debug("Loading module level", "level", i, "modules", batch)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for _, id := range batch {
			g.Go(func() error {
				unlock := cp.lock(id)
				err := cp.startModule(gctx, id)
				unlock()

				state.mu.Lock()
				defer state.mu.Unlock()
				if err != nil {
					cp.logger.Error("Module failed to load", "module", id, "error", err)
					report.Failed = append(report.Failed, dependency.Blocked{ID: id, Reasons: []string{err.Error()}})
					return nil
				}
				state.up[id] = true
				report.Started = append(report.Started, id)
				return nil
			})
		}
		_ = g.Wait()
	}

	byOrder := func(a, b dependency.Blocked) int { return slices.Index(order, a.ID) - slices.Index(order, b.ID) }
	slices.SortFunc(report.Failed, byOrder)
	slices.SortFunc(report.Skipped, byOrder)
	slices.SortFunc(report.Started, func(a, b string) int { return slices.Index(order, a) - slices.Index(order, b) })

	cp.logger.Info("Modules loaded", "started", len(report.Started), "skipped", len(report.Skipped), "failed", len(report.Failed))
	return report, nil
}

// admit picks the modules of one level that may start: enabled, every
// required dependency up, loadable now and not in conflict with a module
// admitted earlier in the same level.
func (cp *ControlPlane) admit(level []string, state *loadState) []string {
	var batch []string
	for _, id := range level {
		mod, ok := cp.deps.Module(id)
		if !ok {
			continue
		}
		if !mod.Enabled {
			state.skip(id, "disabled")
			continue
		}
		if cp.isRunning(id) {
			state.mu.Lock()
			state.up[id] = true
			state.mu.Unlock()
			continue
		}

		var reasons []string
		for _, dep := range mod.Dependencies {
			switch dep.Kind {
			case dependency.KindRequired:
				state.mu.Lock()
				up := state.up[dep.ModuleID]
				state.mu.Unlock()
				if !up {
					reasons = append(reasons, fmt.Sprintf("required dependency %s is not running", dep.ModuleID))
				}
			case dependency.KindConflicts:
				if slices.Contains(batch, dep.ModuleID) {
					reasons = append(reasons, fmt.Sprintf("conflicts with %s loading in the same batch", dep.ModuleID))
				}
			}
		}
		for _, other := range batch {
			if om, ok := cp.deps.Module(other); ok {
				for _, dep := range om.Dependencies {
					if dep.Kind == dependency.KindConflicts && dep.ModuleID == id {
						reasons = append(reasons, fmt.Sprintf("conflicts with %s loading in the same batch", other))
					}
				}
			}
		}
		if len(reasons) == 0 {
			if ok, why := cp.deps.CanLoad(id); !ok {
				reasons = why
			}
		}
		if len(reasons) > 0 {
			cp.logger.Warn("Module load skipped", "module", id, "reasons", reasons)
			state.skip(id, reasons...)
			continue
		}
		batch = append(batch, id)
	}
	return batch
}
