// Package config holds one explicit configuration type per modplane
// component, loads them from a YAML, TOML or JSON file plus environment
// overrides, and normalizes loosely typed module declarations.
package config

import (
	"time"

	"github.com/GoCodeAlone/modplane/dependency"
	"github.com/GoCodeAlone/modplane/health"
	"github.com/GoCodeAlone/modplane/mode"
	"github.com/GoCodeAlone/modplane/orchestrator"
	"github.com/GoCodeAlone/modplane/process"
	"github.com/GoCodeAlone/modplane/registry"
	"github.com/GoCodeAlone/modplane/restart"
)

// Config is the complete control plane configuration.
type Config struct {
	LogLevel  string `yaml:"log_level" json:"log_level" toml:"log_level" env:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" json:"log_format" toml:"log_format" env:"LOG_FORMAT" validate:"omitempty,oneof=console json"`

	Dependency   DependencyConfig   `yaml:"dependency" json:"dependency" toml:"dependency" env:"DEPENDENCY"`
	Lifecycle    LifecycleConfig    `yaml:"lifecycle" json:"lifecycle" toml:"lifecycle" env:"LIFECYCLE"`
	Mode         ModeConfig         `yaml:"mode" json:"mode" toml:"mode" env:"MODE"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator" toml:"orchestrator" env:"ORCHESTRATOR"`
	Health       HealthConfig       `yaml:"health" json:"health" toml:"health" env:"HEALTH"`
	FlagStore    FlagStoreConfig    `yaml:"flag_store" json:"flag_store" toml:"flag_store" env:"FLAGSTORE"`
	Admin        AdminConfig        `yaml:"admin" json:"admin" toml:"admin" env:"ADMIN"`
	Discovery    DiscoveryConfig    `yaml:"discovery" json:"discovery" toml:"discovery" env:"DISCOVERY"`
	Sink         SinkConfig         `yaml:"sink" json:"sink" toml:"sink" env:"SINK"`

	Modules  []ModuleConfig  `yaml:"modules" json:"modules" toml:"modules" validate:"unique=ID,dive"`
	Services []ServiceConfig `yaml:"services" json:"services" toml:"services" validate:"unique=Name,dive"`
}

// DependencyConfig tunes module loading.
type DependencyConfig struct {
	// LoadConcurrency bounds how many modules of one dependency level start
	// at the same time.
	LoadConcurrency int `yaml:"load_concurrency" json:"load_concurrency" toml:"load_concurrency" env:"LOAD_CONCURRENCY" validate:"gte=0"`
}

// LifecycleConfig holds module supervision defaults.
type LifecycleConfig struct {
	MonitorInterval Duration `yaml:"monitor_interval" json:"monitor_interval" toml:"monitor_interval" env:"MONITOR_INTERVAL"`
	StartGrace      Duration `yaml:"start_grace" json:"start_grace" toml:"start_grace" env:"START_GRACE"`
	StopGrace       Duration `yaml:"stop_grace" json:"stop_grace" toml:"stop_grace" env:"STOP_GRACE"`
	MaxRestarts     int      `yaml:"max_restarts" json:"max_restarts" toml:"max_restarts" env:"MAX_RESTARTS" validate:"gte=0"`
	RestartWindow   Duration `yaml:"restart_window" json:"restart_window" toml:"restart_window" env:"RESTART_WINDOW"`
	RestartDelay    Duration `yaml:"restart_delay" json:"restart_delay" toml:"restart_delay" env:"RESTART_DELAY"`
}

// Policy returns the module restart policy described by c.
func (c LifecycleConfig) Policy() restart.Policy {
	p := restart.ModulePolicy()
	if c.MaxRestarts > 0 {
		p.MaxRestarts = c.MaxRestarts
	}
	if c.RestartWindow > 0 {
		p.Window = c.RestartWindow.Std()
	}
	if c.RestartDelay > 0 {
		p.InitialBackoff = c.RestartDelay.Std()
		p.MaxBackoff = c.RestartDelay.Std()
	}
	return p
}

// ModeConfig configures execution-strategy switching.
type ModeConfig struct {
	// Interpreter runs ".py" entry points.
	Interpreter string `yaml:"interpreter" json:"interpreter" toml:"interpreter" env:"INTERPRETER"`
	// BaseDirs are searched for conventional entry-point layouts.
	BaseDirs      []string `yaml:"base_dirs" json:"base_dirs" toml:"base_dirs" env:"BASE_DIRS"`
	PluginsDirEnv string   `yaml:"plugins_dir_env" json:"plugins_dir_env" toml:"plugins_dir_env" env:"PLUGINS_DIR_ENV"`
	StartGrace    Duration `yaml:"start_grace" json:"start_grace" toml:"start_grace" env:"START_GRACE"`
	StopGrace     Duration `yaml:"stop_grace" json:"stop_grace" toml:"stop_grace" env:"STOP_GRACE"`
}

// Resolver returns the entry-point resolver described by c.
func (c ModeConfig) Resolver() process.Resolver {
	return process.Resolver{
		BaseDirs:      c.BaseDirs,
		PluginsDirEnv: c.PluginsDirEnv,
		Interpreter:   c.Interpreter,
	}
}

// OrchestratorConfig configures platform-service supervision.
type OrchestratorConfig struct {
	SupervisionInterval    Duration `yaml:"supervision_interval" json:"supervision_interval" toml:"supervision_interval" env:"SUPERVISION_INTERVAL"`
	DependencyPollInterval Duration `yaml:"dependency_poll_interval" json:"dependency_poll_interval" toml:"dependency_poll_interval" env:"DEPENDENCY_POLL_INTERVAL"`
	DependencyWaitTimeout  Duration `yaml:"dependency_wait_timeout" json:"dependency_wait_timeout" toml:"dependency_wait_timeout" env:"DEPENDENCY_WAIT_TIMEOUT"`
	HealthTimeout          Duration `yaml:"health_timeout" json:"health_timeout" toml:"health_timeout" env:"HEALTH_TIMEOUT"`
	StopGrace              Duration `yaml:"stop_grace" json:"stop_grace" toml:"stop_grace" env:"STOP_GRACE"`
	Dir                    string   `yaml:"dir" json:"dir" toml:"dir" env:"DIR"`
}

// Runtime converts c into the orchestrator's own Config.
func (c OrchestratorConfig) Runtime() orchestrator.Config {
	return orchestrator.Config{
		SupervisionInterval:    c.SupervisionInterval.Std(),
		DependencyPollInterval: c.DependencyPollInterval.Std(),
		DependencyWaitTimeout:  c.DependencyWaitTimeout.Std(),
		HealthTimeout:          c.HealthTimeout.Std(),
		StopGrace:              c.StopGrace.Std(),
		Dir:                    c.Dir,
	}
}

// HealthConfig configures remote-module health polling.
type HealthConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled" toml:"enabled" env:"ENABLED"`
	Interval Duration `yaml:"interval" json:"interval" toml:"interval" env:"INTERVAL"`
	// Timeout bounds a single check, independent of Interval.
	Timeout        Duration `yaml:"timeout" json:"timeout" toml:"timeout" env:"TIMEOUT"`
	Concurrency    int      `yaml:"concurrency" json:"concurrency" toml:"concurrency" env:"CONCURRENCY" validate:"gte=0"`
	DeferredAlerts bool     `yaml:"deferred_alerts" json:"deferred_alerts" toml:"deferred_alerts" env:"DEFERRED_ALERTS"`
	// RestartUnhealthy marks an unhealthy module unresponsive and restarts it.
	RestartUnhealthy bool `yaml:"restart_unhealthy" json:"restart_unhealthy" toml:"restart_unhealthy" env:"RESTART_UNHEALTHY"`
}

// Monitor converts c into the health monitor's Config.
func (c HealthConfig) Monitor() health.Config {
	return health.Config{Interval: c.Interval.Std(), DeferredAlerts: c.DeferredAlerts}
}

// Flag store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// FlagStoreConfig selects where per-module flags are persisted.
type FlagStoreConfig struct {
	Backend       string `yaml:"backend" json:"backend" toml:"backend" env:"BACKEND" validate:"oneof=memory redis sqlite"`
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr" toml:"redis_addr" env:"REDIS_ADDR" validate:"required_if=Backend redis"`
	RedisPassword string `yaml:"redis_password" json:"redis_password" toml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db" toml:"redis_db" env:"REDIS_DB" validate:"gte=0"`
	KeyPrefix     string `yaml:"key_prefix" json:"key_prefix" toml:"key_prefix" env:"KEY_PREFIX"`
	SQLitePath    string `yaml:"sqlite_path" json:"sqlite_path" toml:"sqlite_path" env:"SQLITE_PATH" validate:"required_if=Backend sqlite"`
}

// AdminConfig configures the admin HTTP surface.
type AdminConfig struct {
	Enabled         bool     `yaml:"enabled" json:"enabled" toml:"enabled" env:"ENABLED"`
	Addr            string   `yaml:"addr" json:"addr" toml:"addr" env:"ADDR" validate:"required_if=Enabled true"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DiscoveryConfig configures plugin manifest discovery.
type DiscoveryConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled" toml:"enabled" env:"ENABLED"`
	Dir         string   `yaml:"dir" json:"dir" toml:"dir" env:"DIR" validate:"required_if=Enabled true"`
	Watch       bool     `yaml:"watch" json:"watch" toml:"watch" env:"WATCH"`
	Debounce    Duration `yaml:"debounce" json:"debounce" toml:"debounce" env:"DEBOUNCE"`
	Concurrency int      `yaml:"concurrency" json:"concurrency" toml:"concurrency" env:"CONCURRENCY" validate:"gte=0"`
}

// SinkConfig configures forwarding of events to a Redis channel.
type SinkConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled" toml:"enabled" env:"ENABLED"`
	RedisAddr string `yaml:"redis_addr" json:"redis_addr" toml:"redis_addr" env:"REDIS_ADDR" validate:"required_if=Enabled true"`
	Channel   string `yaml:"channel" json:"channel" toml:"channel" env:"CHANNEL"`
}

// RestartPolicy says when a crashed module is restarted.
type RestartPolicy string

const (
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on_failure"
	RestartNever     RestartPolicy = "never"
)

// DependencyEntry is one declared module dependency.
type DependencyEntry struct {
	ID         string `yaml:"id" json:"id" toml:"id" validate:"required"`
	Constraint string `yaml:"constraint,omitempty" json:"constraint,omitempty" toml:"constraint"`
	Kind       string `yaml:"kind,omitempty" json:"kind,omitempty" toml:"kind" validate:"omitempty,oneof=required optional conflicts conflict suggested"`
}

// ModuleConfig declares one capability module.
type ModuleConfig struct {
	ID           string            `yaml:"id" json:"id" toml:"id" validate:"required"`
	Name         string            `yaml:"name,omitempty" json:"name,omitempty" toml:"name"`
	Version      string            `yaml:"version" json:"version" toml:"version" validate:"required"`
	Description  string            `yaml:"description,omitempty" json:"description,omitempty" toml:"description"`
	Command      []string          `yaml:"command,omitempty" json:"command,omitempty" toml:"command"`
	Dir          string            `yaml:"dir,omitempty" json:"dir,omitempty" toml:"dir"`
	Dependencies []DependencyEntry `yaml:"dependencies,omitempty" json:"dependencies,omitempty" toml:"dependencies" validate:"dive"`
	// Enabled defaults to true when unset.
	Enabled         *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty" toml:"enabled"`
	Mode            string            `yaml:"mode,omitempty" json:"mode,omitempty" toml:"mode" validate:"omitempty,strategy"`
	SupportedModes  []string          `yaml:"supported_modes,omitempty" json:"supported_modes,omitempty" toml:"supported_modes" validate:"dive,strategy"`
	SwitchPermitted bool              `yaml:"switch_permitted,omitempty" json:"switch_permitted,omitempty" toml:"switch_permitted"`
	BaseURL         string            `yaml:"base_url,omitempty" json:"base_url,omitempty" toml:"base_url" validate:"omitempty,url"`
	AuthType        string            `yaml:"auth_type,omitempty" json:"auth_type,omitempty" toml:"auth_type" validate:"omitempty,oneof=bearer api_key"`
	AuthToken       string            `yaml:"auth_token,omitempty" json:"auth_token,omitempty" toml:"auth_token"`
	Env             map[string]string `yaml:"env,omitempty" json:"env,omitempty" toml:"env"`
	// HealthCheckInterval is how often the module process is checked for liveness.
	HealthCheckInterval Duration       `yaml:"health_check_interval,omitempty" json:"health_check_interval,omitempty" toml:"health_check_interval"`
	RestartPolicy       RestartPolicy  `yaml:"restart_policy,omitempty" json:"restart_policy,omitempty" toml:"restart_policy" validate:"omitempty,oneof=always on_failure never"`
	MaxRestarts         int            `yaml:"max_restarts,omitempty" json:"max_restarts,omitempty" toml:"max_restarts" validate:"gte=0"`
	Limits              process.Limits `yaml:"limits,omitempty" json:"limits,omitempty" toml:"limits"`
}

// IsEnabled reports whether the module should be loaded.
func (m ModuleConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Strategy returns the configured strategy, in-process when unset.
func (m ModuleConfig) Strategy() mode.Strategy {
	s, err := mode.ParseStrategy(m.Mode)
	if err != nil || m.Mode == "" {
		return mode.StrategyInProcess
	}
	return s
}

// Supported returns the parsed supported strategies. Unparseable entries
// are dropped; Validate reports them.
func (m ModuleConfig) Supported() []mode.Strategy {
	out := make([]mode.Strategy, 0, len(m.SupportedModes))
	for _, s := range m.SupportedModes {
		if st, err := mode.ParseStrategy(s); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// Auth returns the credentials used for the external strategy.
func (m ModuleConfig) Auth() registry.Auth {
	return registry.Auth{Type: registry.AuthType(m.AuthType), Token: m.AuthToken}
}

// Deps converts the declared dependencies.
func (m ModuleConfig) Deps() ([]dependency.Dependency, error) {
	out := make([]dependency.Dependency, 0, len(m.Dependencies))
	for _, d := range m.Dependencies {
		kind, err := dependency.ParseKind(d.Kind)
		if err != nil {
			return nil, err
		}
		out = append(out, dependency.Dependency{ModuleID: d.ID, Constraint: d.Constraint, Kind: kind})
	}
	return out, nil
}

// Policy returns the restart policy of the module on top of the lifecycle
// defaults, and whether only failed exits are restarted.
func (m ModuleConfig) Policy(defaults LifecycleConfig) (restart.Policy, bool) {
	p := defaults.Policy()
	if m.MaxRestarts > 0 {
		p.MaxRestarts = m.MaxRestarts
	}
	switch m.RestartPolicy {
	case RestartNever:
		p.MaxRestarts = 0
		return p, false
	case RestartOnFailure:
		return p, true
	}
	return p, false
}

// ServiceConfig declares one always-on platform service.
type ServiceConfig struct {
	Name              string            `yaml:"name" json:"name" toml:"name" validate:"required"`
	Command           []string          `yaml:"command" json:"command" toml:"command" validate:"required,min=1"`
	Dir               string            `yaml:"dir,omitempty" json:"dir,omitempty" toml:"dir"`
	DependsOn         []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty" toml:"depends_on"`
	HealthURL         string            `yaml:"health_url,omitempty" json:"health_url,omitempty" toml:"health_url" validate:"omitempty,url"`
	Env               map[string]string `yaml:"env,omitempty" json:"env,omitempty" toml:"env"`
	Limits            process.Limits    `yaml:"limits,omitempty" json:"limits,omitempty" toml:"limits"`
	RestartLimit      int               `yaml:"restart_limit,omitempty" json:"restart_limit,omitempty" toml:"restart_limit" validate:"gte=0"`
	RestartWindow     Duration          `yaml:"restart_window,omitempty" json:"restart_window,omitempty" toml:"restart_window"`
	InitialBackoff    Duration          `yaml:"initial_backoff,omitempty" json:"initial_backoff,omitempty" toml:"initial_backoff"`
	BackoffMultiplier float64           `yaml:"backoff_multiplier,omitempty" json:"backoff_multiplier,omitempty" toml:"backoff_multiplier" validate:"gte=0"`
	MaxBackoff        Duration          `yaml:"max_backoff,omitempty" json:"max_backoff,omitempty" toml:"max_backoff"`
	CronRestart       string            `yaml:"cron_restart,omitempty" json:"cron_restart,omitempty" toml:"cron_restart"`
}

// Spec converts s into an orchestrator ServiceSpec.
func (s ServiceConfig) Spec() orchestrator.ServiceSpec {
	return orchestrator.ServiceSpec{
		Name:              s.Name,
		Command:           s.Command,
		Dir:               s.Dir,
		DependsOn:         s.DependsOn,
		HealthURL:         s.HealthURL,
		Env:               s.Env,
		Limits:            s.Limits,
		RestartLimit:      s.RestartLimit,
		RestartWindow:     s.RestartWindow.Std(),
		InitialBackoff:    s.InitialBackoff.Std(),
		BackoffMultiplier: s.BackoffMultiplier,
		MaxBackoff:        s.MaxBackoff.Std(),
		CronRestart:       s.CronRestart,
	}
}

// ServiceSpecs converts every configured service.
func (c Config) ServiceSpecs() []orchestrator.ServiceSpec {
	out := make([]orchestrator.ServiceSpec, 0, len(c.Services))
	for _, s := range c.Services {
		out = append(out, s.Spec())
	}
	return out
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		LogLevel:   "info",
		LogFormat:  "console",
		Dependency: DependencyConfig{LoadConcurrency: 4},
		Lifecycle: LifecycleConfig{
			MonitorInterval: Duration(time.Second),
			StartGrace:      Duration(500 * time.Millisecond),
			StopGrace:       Duration(5 * time.Second),
			MaxRestarts:     3,
			RestartWindow:   Duration(time.Minute),
			RestartDelay:    Duration(2 * time.Second),
		},
		Mode: ModeConfig{
			Interpreter:   "python3",
			BaseDirs:      []string{"."},
			PluginsDirEnv: "PLUGINS_DIR",
			StartGrace:    Duration(500 * time.Millisecond),
			StopGrace:     Duration(5 * time.Second),
		},
		Orchestrator: OrchestratorConfig{
			SupervisionInterval:    Duration(orchestrator.DefaultSupervisionInterval),
			DependencyPollInterval: Duration(orchestrator.DefaultDependencyPollInterval),
			DependencyWaitTimeout:  Duration(orchestrator.DefaultDependencyWaitTimeout),
			HealthTimeout:          Duration(orchestrator.DefaultHealthTimeout),
			StopGrace:              Duration(orchestrator.DefaultStopGrace),
		},
		Health: HealthConfig{
			Enabled:  true,
			Interval: Duration(health.DefaultInterval),
			Timeout:  Duration(registry.DefaultHealthCheckTimeout),
		},
		FlagStore: FlagStoreConfig{Backend: BackendMemory, KeyPrefix: "modplane:flags:"},
		Admin:     AdminConfig{Addr: ":8080", ShutdownTimeout: Duration(10 * time.Second)},
		Discovery: DiscoveryConfig{Dir: "plugins", Debounce: Duration(500 * time.Millisecond), Concurrency: 4},
		Sink:      SinkConfig{Channel: "modplane.events"},
	}
}
