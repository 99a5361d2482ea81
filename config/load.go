package config

import (
	"fmt"
	"os"

	golobby "github.com/golobby/config/v3"

	"github.com/GoCodeAlone/modplane"
	"github.com/GoCodeAlone/modplane/feeders"
)

// EnvPrefix prefixes every global environment override, e.g.
// MODPLANE_HEALTH_INTERVAL.
const EnvPrefix = "MODPLANE"

type loader struct {
	getenv func(string) string
	logger modplane.Logger
}

// LoadOption configures Load.
type LoadOption func(*loader)

// WithGetenv replaces os.Getenv for every environment lookup.
func WithGetenv(fn func(string) string) LoadOption {
	return func(l *loader) { l.getenv = fn }
}

// WithLogger logs applied environment overrides at debug level.
func WithLogger(logger modplane.Logger) LoadOption {
	return func(l *loader) { l.logger = logger }
}

// Load builds the configuration in layers: Defaults, then the file at path
// (YAML, TOML or JSON by extension; skipped when path is empty), then
// MODPLANE_* variables, then PLUGIN_<ID>_<PARAM> variables per module.
// The result is validated.
func Load(path string, opts ...LoadOption) (Config, error) {
	l := &loader{getenv: os.Getenv}
	for _, opt := range opts {
		opt(l)
	}
	logger := modplane.OrNop(l.logger)

	cfg := Defaults()
	c := golobby.New()
	if path != "" {
		f, err := feeders.ForFile(path)
		if err != nil {
			return Config{}, err
		}
		c.AddFeeder(f)
	}
	env := feeders.NewAffixedEnvFeeder(EnvPrefix, "")
	env.Getenv = l.getenv
	env.SetDebugLogger(logger)
	c.AddFeeder(env)
	c.AddStruct(&cfg)
	if err := c.Feed(); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}

	plugins := feeders.PluginEnvFeeder{Getenv: l.getenv}
	for i, m := range cfg.Modules {
		overrides := plugins.Lookup(m.ID)
		if len(overrides) == 0 {
			continue
		}
		merged, err := Overlay(m, overrides)
		if err != nil {
			return Config{}, fmt.Errorf("%w: module %s environment: %w", ErrInvalidConfig, m.ID, err)
		}
		logger.Debug("Applied module environment overrides", "module", m.ID, "count", len(overrides))
		cfg.Modules[i] = merged
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
