// Package dependency records modules and their declared relationships,
// computes a load order and decides whether a module can be loaded.
package dependency

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/GoCodeAlone/modplane"
	"github.com/GoCodeAlone/modplane/version"
)

// RunningFunc reports whether a module is currently running. It is consulted
// for CONFLICTS edges. When unset the Loaded mark is used instead.
type RunningFunc func(id string) bool

// Manager owns the module dependency graph.
type Manager struct {
	mu      sync.RWMutex
	modules map[string]*Module
	forward map[string]map[string]struct{}
	reverse map[string]map[string]struct{}
	running RunningFunc

	logger  modplane.Logger
	emitter modplane.Emitter
}

// Option configures a Manager.
type Option func(*Manager)

// WithSubject publishes resolution failures to subject.
func WithSubject(subject modplane.Subject) Option {
	return func(m *Manager) { m.emitter.Subject = subject }
}

// WithRunningFunc sets how CONFLICTS targets are checked for running.
func WithRunningFunc(fn RunningFunc) Option {
	return func(m *Manager) { m.running = fn }
}

// NewManager creates an empty dependency manager.
func NewManager(logger modplane.Logger, opts ...Option) *Manager {
	logger = modplane.OrNop(logger)
	m := &Manager{
		modules: make(map[string]*Module),
		forward: make(map[string]map[string]struct{}),
		reverse: make(map[string]map[string]struct{}),
		logger:  logger,
		emitter: modplane.Emitter{Source: "modplane/dependency", Logger: logger},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetRunningFunc replaces the running check after construction.
func (m *Manager) SetRunningFunc(fn RunningFunc) {
	m.mu.Lock()
	m.running = fn
	m.mu.Unlock()
}

// Register records a module and rebuilds its edges. Registering an existing
// id overwrites it; a changed version is logged as a warning. The enabled
// and loaded marks of an existing registration are kept.
func (m *Manager) Register(id, ver string, deps []Dependency) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty module id", ErrInvalidDependency)
	}
	if len(version.Components(ver)) == 0 {
		return fmt.Errorf("%w: %q for module %s", ErrInvalidModuleVersion, ver, id)
	}
	normalized := make([]Dependency, 0, len(deps))
	for _, dep := range deps {
		if strings.TrimSpace(dep.ModuleID) == "" {
			return fmt.Errorf("%w: module %s declares a dependency without id", ErrInvalidDependency, id)
		}
		kind, err := ParseKind(string(dep.Kind))
		if err != nil {
			return fmt.Errorf("module %s: %w", id, err)
		}
		dep.Kind = kind
		normalized = append(normalized, dep)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	module := &Module{ID: id, Version: ver, Dependencies: normalized, Enabled: true}
	if existing, ok := m.modules[id]; ok {
		if existing.Version != ver {
			m.logger.Warn("Module re-registered with a different version", "module", id, "previous", existing.Version, "version", ver)
		}
		module.Enabled = existing.Enabled
		module.Loaded = existing.Loaded
		for target := range m.forward[id] {
			delete(m.reverse[target], id)
		}
	}
	m.modules[id] = module

	edges := make(map[string]struct{})
	for _, dep := range normalized {
		if dep.Kind == KindConflicts {
			continue
		}
		edges[dep.ModuleID] = struct{}{}
		if m.reverse[dep.ModuleID] == nil {
			m.reverse[dep.ModuleID] = make(map[string]struct{})
		}
		m.reverse[dep.ModuleID][id] = struct{}{}
	}
	m.forward[id] = edges

	m.logger.Info("Registered module", "module", id, "version", ver, "dependencies", len(normalized))
	return nil
}

// IsRegistered reports whether id has been registered.
func (m *Manager) IsRegistered(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.modules[id]
	return ok
}

// Module returns a copy of the registered module.
func (m *Manager) Module(id string) (Module, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mod, ok := m.modules[id]
	if !ok {
		return Module{}, false
	}
	return copyModule(mod), true
}

// Modules returns copies of all registered modules sorted by id.
func (m *Manager) Modules() []Module {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Module, 0, len(m.modules))
	for _, id := range m.sortedIDsLocked() {
		out = append(out, copyModule(m.modules[id]))
	}
	return out
}

// SetEnabled updates the enabled mark.
func (m *Manager) SetEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mod, ok := m.modules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotRegistered, id)
	}
	mod.Enabled = enabled
	return nil
}

// MarkLoaded records whether a module is loaded.
func (m *Manager) MarkLoaded(id string, loaded bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mod, ok := m.modules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotRegistered, id)
	}
	mod.Loaded = loaded
	m.logger.Debug("Module load mark changed", "module", id, "loaded", loaded)
	return nil
}

// Dependents returns the modules that depend on id, sorted.
func (m *Manager) Dependents(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedSet(m.reverse[id])
}

// Dependencies returns the non-conflict dependencies of id, sorted.
func (m *Manager) Dependencies(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedSet(m.forward[id])
}

// CheckCompatibility lists every problem with registering id at ver: a
// changed version of an existing registration, unsatisfied dependencies of
// the existing registration, and dependents whose constraints ver breaks.
// An empty result means compatible.
func (m *Manager) CheckCompatibility(id, ver string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var problems []string
	existing, ok := m.modules[id]
	if ok {
		if existing.Version != ver {
			problems = append(problems, fmt.Sprintf("module %s already registered with version %s, requested %s", id, existing.Version, ver))
		}
		for _, dep := range existing.Dependencies {
			if dep.Kind == KindConflicts || dep.Kind == KindSuggested {
				continue
			}
			target, present := m.modules[dep.ModuleID]
			if !present {
				if dep.Kind == KindRequired {
					problems = append(problems, fmt.Sprintf("required dependency %s not found", dep.ModuleID))
				}
				continue
			}
			if err := checkConstraint(dep, target.Version); err != nil {
				problems = append(problems, err.Error())
			}
		}
	}

	for dependent := range m.reverse[id] {
		mod, present := m.modules[dependent]
		if !present {
			continue
		}
		for _, dep := range mod.Dependencies {
			if dep.ModuleID != id || dep.Kind == KindConflicts || dep.Kind == KindSuggested {
				continue
			}
			if err := checkConstraint(dep, ver); err != nil {
				problems = append(problems, fmt.Sprintf("dependent %s: %s", dependent, err.Error()))
			}
		}
	}
	sort.Strings(problems)
	return problems
}

// ResolveLoadOrder returns every registered module ordered so that each
// module follows all of its dependencies. Dependencies on unregistered
// modules are ignored for ordering. A cycle fails the whole resolution with
// a *CycleError; no partial order is returned.
func (m *Manager) ResolveLoadOrder() ([]string, error) {
	m.mu.RLock()
	order, err := m.resolveLocked()
	m.mu.RUnlock()
	if err != nil {
		m.logger.Error("Dependency resolution failed", "error", err)
		var cycle *CycleError
		if errors.As(err, &cycle) {
			m.emitter.Emit(context.Background(), modplane.EventTypeDependencyCycle, map[string]any{
				"node": cycle.Node,
				"path": cycle.Path,
			})
		}
		return nil, err
	}
	return order, nil
}

// frame is one level of the explicit DFS stack.
type frame struct {
	id   string
	deps []string
	next int
}

func (m *Manager) resolveLocked() ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(m.modules))
	order := make([]string, 0, len(m.modules))

	for _, root := range m.sortedIDsLocked() {
		if state[root] != unvisited {
			continue
		}
		state[root] = visiting
		stack := []*frame{{id: root, deps: sortedSet(m.forward[root])}}

		for len(stack) > 0 {
			top := stack[len(stack)-1]
			if top.next < len(top.deps) {
				dep := top.deps[top.next]
				top.next++
				if _, ok := m.modules[dep]; !ok {
					continue
				}
				switch state[dep] {
				case visiting:
					return nil, cycleFromStack(stack, dep)
				case done:
					continue
				}
				state[dep] = visiting
				stack = append(stack, &frame{id: dep, deps: sortedSet(m.forward[dep])})
				continue
			}
			state[top.id] = done
			order = append(order, top.id)
			stack = stack[:len(stack)-1]
		}
	}
	return order, nil
}

func cycleFromStack(stack []*frame, node string) *CycleError {
	start := 0
	for i, f := range stack {
		if f.id == node {
			start = i
			break
		}
	}
	path := make([]string, 0, len(stack)-start+1)
	for _, f := range stack[start:] {
		path = append(path, f.id)
	}
	path = append(path, node)
	return &CycleError{Node: node, Path: path}
}

// CanLoad reports whether id can be loaded now and, if not, why.
// REQUIRED dependencies must be registered and satisfy their constraint,
// OPTIONAL dependencies are checked only when registered, and CONFLICTS
// targets must not be running. SUGGESTED dependencies are never checked.
func (m *Manager) CanLoad(id string) (bool, []string) {
	problems := m.Check(id)
	if problems == nil {
		return true, nil
	}
	reasons := make([]string, 0)
	for _, err := range unjoin(problems) {
		reasons = append(reasons, err.Error())
	}
	return false, reasons
}

// Check is CanLoad in error form. The returned error joins one wrapped
// sentinel per problem (ErrModuleNotRegistered, ErrMissingDependency,
// ErrVersionMismatch, ErrConflict, version.ErrInvalidConstraint).
func (m *Manager) Check(id string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return errors.Join(m.problemsLocked(id)...)
}

func (m *Manager) problemsLocked(id string) []error {
	mod, ok := m.modules[id]
	if !ok {
		return []error{fmt.Errorf("%w: %s", ErrModuleNotRegistered, id)}
	}
	var problems []error
	for _, dep := range mod.Dependencies {
		target, present := m.modules[dep.ModuleID]
		switch dep.Kind {
		case KindConflicts:
			if present && m.isRunningLocked(target) {
				problems = append(problems, fmt.Errorf("%w: %s conflicts with %s", ErrConflict, id, dep.ModuleID))
			}
		case KindRequired:
			if !present {
				problems = append(problems, fmt.Errorf("%w: %s requires %s", ErrMissingDependency, id, dep.ModuleID))
				continue
			}
			if err := checkConstraint(dep, target.Version); err != nil {
				problems = append(problems, err)
			}
		case KindOptional:
			if !present {
				continue
			}
			if err := checkConstraint(dep, target.Version); err != nil {
				problems = append(problems, err)
			}
		}
	}
	return problems
}

func (m *Manager) isRunningLocked(mod *Module) bool {
	if m.running != nil {
		return m.running(mod.ID)
	}
	return mod.Loaded
}

// Conflicts returns running modules that conflict with id in either direction.
func (m *Manager) Conflicts(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conflictsLocked(id)
}

func (m *Manager) conflictsLocked(id string) []string {
	mod, ok := m.modules[id]
	if !ok {
		return nil
	}
	found := make(map[string]struct{})
	for _, dep := range mod.Dependencies {
		if dep.Kind != KindConflicts {
			continue
		}
		if target, present := m.modules[dep.ModuleID]; present && m.isRunningLocked(target) {
			found[dep.ModuleID] = struct{}{}
		}
	}
	for otherID, other := range m.modules {
		if otherID == id || !m.isRunningLocked(other) {
			continue
		}
		for _, dep := range other.Dependencies {
			if dep.Kind == KindConflicts && dep.ModuleID == id {
				found[otherID] = struct{}{}
			}
		}
	}
	return sortedSet(found)
}

// LoadPlan expands targets to their transitive dependency closure, orders
// the closure by the resolved load order and splits it into modules that can
// load now and modules that are blocked. Unregistered targets are reported as
// blocked. A cycle anywhere in the graph fails the plan.
func (m *Manager) LoadPlan(targets []string) (Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, err := m.resolveLocked()
	if err != nil {
		return Plan{}, err
	}

	needed := make(map[string]struct{})
	stack := slices.Clone(targets)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := needed[id]; seen {
			continue
		}
		needed[id] = struct{}{}
		for dep := range m.forward[id] {
			stack = append(stack, dep)
		}
	}

	plan := Plan{Loadable: []string{}, Blocked: []Blocked{}}
	for _, id := range order {
		if _, ok := needed[id]; !ok {
			continue
		}
		problems := m.problemsLocked(id)
		if len(problems) == 0 {
			plan.Loadable = append(plan.Loadable, id)
			continue
		}
		reasons := make([]string, 0, len(problems))
		for _, p := range problems {
			reasons = append(reasons, p.Error())
		}
		plan.Blocked = append(plan.Blocked, Blocked{ID: id, Reasons: reasons})
	}
	for _, id := range targets {
		if _, ok := m.modules[id]; !ok {
			plan.Blocked = append(plan.Blocked, Blocked{ID: id, Reasons: []string{fmt.Errorf("%w: %s", ErrModuleNotRegistered, id).Error()}})
		}
	}
	return plan, nil
}

// Levels groups a load order into batches. Every module in a batch depends
// only on modules of earlier batches, so a batch may be started concurrently.
func (m *Manager) Levels(order []string) [][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	level := make(map[string]int, len(order))
	var levels [][]string
	for _, id := range order {
		l := 0
		for dep := range m.forward[id] {
			if dl, ok := level[dep]; ok && dl+1 > l {
				l = dl + 1
			}
		}
		level[id] = l
		for len(levels) <= l {
			levels = append(levels, nil)
		}
		levels[l] = append(levels[l], id)
	}
	return levels
}

// Report summarises modules, dependents, cycles and active conflicts.
func (m *Manager) Report() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report := Report{
		Modules:   make(map[string]ModuleReport, len(m.modules)),
		Cycles:    []string{},
		Conflicts: []ConflictReport{},
	}
	for _, id := range m.sortedIDsLocked() {
		mod := m.modules[id]
		report.Modules[id] = ModuleReport{
			Version:      mod.Version,
			Loaded:       mod.Loaded,
			Enabled:      mod.Enabled,
			Dependencies: slices.Clone(mod.Dependencies),
			Dependents:   sortedSet(m.reverse[id]),
		}
		if conflicts := m.conflictsLocked(id); len(conflicts) > 0 {
			report.Conflicts = append(report.Conflicts, ConflictReport{ModuleID: id, ConflictsWith: conflicts})
		}
	}
	if _, err := m.resolveLocked(); err != nil {
		report.Cycles = append(report.Cycles, err.Error())
	}
	return report
}

func (m *Manager) sortedIDsLocked() []string {
	ids := make([]string, 0, len(m.modules))
	for id := range m.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func checkConstraint(dep Dependency, installed string) error {
	ok, err := version.Satisfies(installed, dep.Constraint)
	if err != nil {
		return fmt.Errorf("dependency %s: %w", dep.ModuleID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s version %s does not satisfy %s", ErrVersionMismatch, dep.ModuleID, installed, dep.Constraint)
	}
	return nil
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func copyModule(mod *Module) Module {
	c := *mod
	c.Dependencies = slices.Clone(mod.Dependencies)
	return c
}

// unjoin flattens an errors.Join result.
func unjoin(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
