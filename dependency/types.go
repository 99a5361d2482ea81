package dependency

import (
	"errors"
	"fmt"
	"strings"
)

// Dependency resolution errors. ErrCycle is fatal for a whole resolution
// batch; the remaining errors describe a single module that cannot load yet.
var (
	ErrCycle                = errors.New("dependency cycle detected")
	ErrModuleNotRegistered  = errors.New("module not registered")
	ErrMissingDependency    = errors.New("required dependency not registered")
	ErrVersionMismatch      = errors.New("dependency version does not satisfy constraint")
	ErrConflict             = errors.New("conflicting module is running")
	ErrInvalidDependency    = errors.New("invalid dependency declaration")
	ErrUnknownKind          = errors.New("unknown dependency kind")
	ErrInvalidModuleVersion = errors.New("invalid module version")
)

// Kind classifies a dependency edge.
type Kind string

const (
	KindRequired  Kind = "required"
	KindOptional  Kind = "optional"
	KindConflicts Kind = "conflicts"
	KindSuggested Kind = "suggested"
)

// ParseKind converts a textual kind. The empty string means required.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindRequired:
		return KindRequired, nil
	case KindOptional:
		return KindOptional, nil
	case KindConflicts, "conflict":
		return KindConflicts, nil
	case KindSuggested:
		return KindSuggested, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Dependency is one declared edge from a module to another module.
type Dependency struct {
	ModuleID   string `json:"module_id" yaml:"module_id" toml:"module_id"`
	Constraint string `json:"constraint,omitempty" yaml:"constraint,omitempty" toml:"constraint"`
	Kind       Kind   `json:"kind" yaml:"kind" toml:"kind"`
}

// Requires is shorthand for a required dependency.
func Requires(id, constraint string) Dependency {
	return Dependency{ModuleID: id, Constraint: constraint, Kind: KindRequired}
}

// Module is the dependency view of a registered module.
type Module struct {
	ID           string       `json:"id"`
	Version      string       `json:"version"`
	Dependencies []Dependency `json:"dependencies"`
	Enabled      bool         `json:"enabled"`
	Loaded       bool         `json:"loaded"`
}

// CycleError reports the cycle found during resolution. Path starts and
// ends with Node.
type CycleError struct {
	Node string
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCycle.Error(), strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// Plan is the result of LoadPlan. Both lists follow the resolved load order.
type Plan struct {
	Loadable []string  `json:"loadable"`
	Blocked  []Blocked `json:"blocked"`
}

// Blocked is a module that cannot be loaded now, with the reasons why.
type Blocked struct {
	ID      string   `json:"id"`
	Reasons []string `json:"reasons"`
}

// Report summarises the dependency graph.
type Report struct {
	Modules   map[string]ModuleReport `json:"modules"`
	Cycles    []string                `json:"cycles"`
	Conflicts []ConflictReport        `json:"conflicts"`
}

// ModuleReport is the per-module part of a Report.
type ModuleReport struct {
	Version      string       `json:"version"`
	Loaded       bool         `json:"loaded"`
	Enabled      bool         `json:"enabled"`
	Dependencies []Dependency `json:"dependencies"`
	Dependents   []string     `json:"dependents"`
}

// ConflictReport lists the running modules a module conflicts with.
type ConflictReport struct {
	ModuleID      string   `json:"module_id"`
	ConflictsWith []string `json:"conflicts_with"`
}
