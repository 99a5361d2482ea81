// Package mode switches a module between execution strategies at runtime:
// hosted in this process, run as a child process, or reached as a remote
// service through the registry.
package mode

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/GoCodeAlone/modplane/process"
	"github.com/GoCodeAlone/modplane/registry"
)

// Mode errors
var (
	ErrUnsupportedStrategy = errors.New("unsupported execution strategy")
	ErrSwitchNotPermitted  = errors.New("mode switching not permitted")
	ErrNoBaseURL           = errors.New("external module has no base URL")
	ErrUnknownStrategy     = errors.New("unknown execution strategy")
	ErrNoRegistry          = errors.New("no remote registry configured")
	ErrNoHost              = errors.New("no in-process host configured")
)

// Strategy is how a module's code runs.
type Strategy string

const (
	StrategyInProcess          Strategy = "in_process"
	StrategyEmbeddedSubprocess Strategy = "embedded"
	StrategyExternalService    Strategy = "external"
	// StrategyHybrid marks a module able to run under any strategy. It is
	// never the active strategy.
	StrategyHybrid Strategy = "hybrid"
)

// ParseStrategy accepts the canonical names and the aliases found in
// module configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in_process", "in-process", "inprocess", "local":
		return StrategyInProcess, nil
	case "embedded", "embedded_subprocess", "subprocess":
		return StrategyEmbeddedSubprocess, nil
	case "external", "external_service", "microservice", "remote":
		return StrategyExternalService, nil
	case "hybrid":
		return StrategyHybrid, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Defaults for zero Descriptor durations.
const (
	DefaultStartGrace = 500 * time.Millisecond
	DefaultStopGrace  = 5 * time.Second
)

// Descriptor declares how a module may run.
type Descriptor struct {
	ID              string
	Current         Strategy
	Supported       []Strategy
	SwitchPermitted bool

	// BaseURL and Auth are used by the external strategy. An empty BaseURL
	// falls back to the <ID>_BASE_URL environment variable.
	BaseURL string
	Auth    registry.Auth

	// Command overrides entry-point resolution for the embedded strategy.
	Command []string
	Dir     string
	Env     map[string]string
	Limits  process.Limits

	StartGrace time.Duration
	StopGrace  time.Duration
}

// Supports reports whether target is a valid switch target for d.
func (d Descriptor) Supports(target Strategy) bool {
	if target == StrategyHybrid {
		return false
	}
	if slices.Contains(d.Supported, target) {
		return true
	}
	return slices.Contains(d.Supported, StrategyHybrid)
}

func (d Descriptor) withDefaults() Descriptor {
	if d.Current == "" {
		d.Current = StrategyInProcess
	}
	if len(d.Supported) == 0 {
		d.Supported = []Strategy{d.Current}
	}
	if d.StartGrace <= 0 {
		d.StartGrace = DefaultStartGrace
	}
	if d.StopGrace <= 0 {
		d.StopGrace = DefaultStopGrace
	}
	return d
}

// Status is a point-in-time view of one module's strategy.
type Status struct {
	ID              string     `json:"id"`
	Current         Strategy   `json:"current"`
	Supported       []Strategy `json:"supported"`
	SwitchPermitted bool       `json:"switch_permitted"`
	Active          bool       `json:"active"`
	Healthy         bool       `json:"healthy"`
	PID             int        `json:"pid,omitempty"`
	BaseURL         string     `json:"base_url,omitempty"`
}

// SwitchResult describes a completed (or refused-as-unchanged) switch.
type SwitchResult struct {
	ID      string   `json:"id"`
	From    Strategy `json:"from"`
	To      Strategy `json:"to"`
	Changed bool     `json:"changed"`
	Active  bool     `json:"active"`
}
