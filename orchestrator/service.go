// Package orchestrator supervises the fixed set of always-on platform
// services: it starts them in dependency order once their dependencies are
// healthy, restarts them when they exit or fail health checks, and throttles
// restart loops.
package orchestrator

import (
	"errors"
	"time"

	"github.com/GoCodeAlone/modplane/process"
	"github.com/GoCodeAlone/modplane/restart"
)

// Orchestrator errors
var (
	ErrServiceNotFound      = errors.New("service not found")
	ErrDuplicateService     = errors.New("duplicate service name")
	ErrUnknownDependency    = errors.New("service depends on an undeclared service")
	ErrDependencyCycle      = errors.New("service dependency cycle")
	ErrDependenciesNotReady = errors.New("dependencies not ready")
	ErrInvalidCronSpec      = errors.New("invalid cron restart schedule")
	ErrStopped              = errors.New("orchestrator stopped")
	ErrServiceRejected      = errors.New("service command rejected")
)

// Config holds orchestrator-wide timings.
type Config struct {
	// SupervisionInterval is the period of the exit and health sweep.
	SupervisionInterval    time.Duration
	DependencyPollInterval time.Duration
	DependencyWaitTimeout  time.Duration
	HealthTimeout          time.Duration
	// StopGrace is how long a gracefully stopped service has to exit after
	// the interrupt before it is killed.
	StopGrace time.Duration
	// Dir is the working directory of services that set none.
	Dir string
}

// Defaults applied to zero Config fields.
const (
	DefaultSupervisionInterval    = 30 * time.Second
	DefaultDependencyPollInterval = time.Second
	DefaultDependencyWaitTimeout  = 60 * time.Second
	DefaultHealthTimeout          = 3 * time.Second
	DefaultStopGrace              = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.SupervisionInterval <= 0 {
		c.SupervisionInterval = DefaultSupervisionInterval
	}
	if c.DependencyPollInterval <= 0 {
		c.DependencyPollInterval = DefaultDependencyPollInterval
	}
	if c.DependencyWaitTimeout <= 0 {
		c.DependencyWaitTimeout = DefaultDependencyWaitTimeout
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = DefaultHealthTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	return c
}

// ServiceSpec declares one platform service.
type ServiceSpec struct {
	Name      string
	Command   []string
	Dir       string
	DependsOn []string
	// HealthURL is polled with GET; any 2xx is healthy. Empty means the
	// service is healthy whenever it runs.
	HealthURL string
	Env       map[string]string
	Limits    process.Limits

	// Zero restart fields take their value from restart.ServicePolicy.
	RestartLimit      int
	RestartWindow     time.Duration
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration

	// CronRestart is an optional standard five-field cron expression that
	// schedules a graceful restart.
	CronRestart string
}

func (s ServiceSpec) policy() restart.Policy {
	p := restart.ServicePolicy()
	if s.RestartLimit > 0 {
		p.MaxRestarts = s.RestartLimit
	}
	if s.RestartWindow > 0 {
		p.Window = s.RestartWindow
	}
	if s.InitialBackoff > 0 {
		p.InitialBackoff = s.InitialBackoff
	}
	if s.BackoffMultiplier > 0 {
		p.Multiplier = s.BackoffMultiplier
	}
	if s.MaxBackoff > 0 {
		p.MaxBackoff = s.MaxBackoff
	}
	return p
}

// ServiceStatus is a point-in-time view of one service.
type ServiceStatus struct {
	Name             string    `json:"name"`
	Running          bool      `json:"running"`
	Healthy          bool      `json:"healthy"`
	PID              int       `json:"pid,omitempty"`
	Restarts         int       `json:"restarts"`
	RestartsInWindow int       `json:"restarts_in_window"`
	LastStart        time.Time `json:"last_start,omitzero"`
	DependsOn        []string  `json:"depends_on,omitempty"`
	// Error explains why a rejected service is never started.
	Error string `json:"error,omitempty"`
}
