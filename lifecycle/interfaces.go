// Package lifecycle owns the runtime state machine of every registered
// module: it starts and stops subprocess or in-process modules, watches
// subprocesses for crashes and restarts them under a bounded policy.
package lifecycle

import (
	"errors"
	"time"

	"github.com/GoCodeAlone/modplane/process"
	"github.com/GoCodeAlone/modplane/restart"
)

// Lifecycle errors
var (
	ErrNoCommand       = errors.New("subprocess module has no command")
	ErrStartSuperseded = errors.New("start superseded by a concurrent stop")
	ErrUnknownKind     = errors.New("unknown module kind")
)

// State is the runtime state of a module.
type State string

const (
	StateStopped      State = "stopped"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateError        State = "error"
	StateUnresponsive State = "unresponsive"
)

// Kind is how a module's code is hosted while it runs.
type Kind string

const (
	KindEmbeddedSubprocess Kind = "embedded_subprocess"
	KindInProcess          Kind = "in_process"
)

// Defaults applied to zero Descriptor fields.
const (
	DefaultMonitorInterval = time.Second
	DefaultStartGrace      = 500 * time.Millisecond
	DefaultStopGrace       = 5 * time.Second
)

// Descriptor is everything the manager needs to run one module.
type Descriptor struct {
	ID           string
	Name         string
	Version      string
	Kind         Kind
	Command      []string
	Dir          string
	Dependencies []string
	Limits       process.Limits
	Env          map[string]string

	// Policy bounds crash restarts. Nil means restart.ModulePolicy().
	Policy *restart.Policy
	// RestartOnFailureOnly leaves a module that exits cleanly STOPPED
	// instead of restarting it.
	RestartOnFailureOnly bool

	MonitorInterval time.Duration
	StartGrace      time.Duration
	StopGrace       time.Duration
}

func (d Descriptor) withDefaults() Descriptor {
	if d.Kind == "" {
		d.Kind = KindEmbeddedSubprocess
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.MonitorInterval <= 0 {
		d.MonitorInterval = DefaultMonitorInterval
	}
	if d.StartGrace <= 0 {
		d.StartGrace = DefaultStartGrace
	}
	if d.StopGrace <= 0 {
		d.StopGrace = DefaultStopGrace
	}
	return d
}

// Status is a point-in-time view of one module.
type Status struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Version          string    `json:"version"`
	Kind             Kind      `json:"kind"`
	State            State     `json:"state"`
	PID              int       `json:"pid,omitempty"`
	RestartCount     int       `json:"restart_count"`
	RestartsInWindow int       `json:"restarts_in_window"`
	LastStart        time.Time `json:"last_start,omitzero"`
	LastStop         time.Time `json:"last_stop,omitzero"`
	LastError        string    `json:"last_error,omitempty"`
}
