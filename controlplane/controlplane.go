// Package controlplane composes the managers into one control plane.
//
// Every manager is built exactly once in New and handed to the others
// explicitly: the dependency manager learns which modules run from the
// lifecycle and mode managers, the mode manager delegates embedded
// processes to the lifecycle manager, the health monitor watches the
// remote registry the mode manager registers external modules in, and
// per-module flags are persisted through a flagstore.Store. Administrative
// operations translate every error into a modplane.Result.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoCodeAlone/modplane"
	"github.com/GoCodeAlone/modplane/config"
	"github.com/GoCodeAlone/modplane/dependency"
	"github.com/GoCodeAlone/modplane/discovery"
	"github.com/GoCodeAlone/modplane/flagstore"
	"github.com/GoCodeAlone/modplane/health"
	"github.com/GoCodeAlone/modplane/lifecycle"
	"github.com/GoCodeAlone/modplane/metrics"
	"github.com/GoCodeAlone/modplane/mode"
	"github.com/GoCodeAlone/modplane/orchestrator"
	"github.com/GoCodeAlone/modplane/process"
	"github.com/GoCodeAlone/modplane/registry"
	"github.com/GoCodeAlone/modplane/sink"
)

var (
	ErrStarted     = errors.New("control plane already started")
	ErrClosed      = errors.New("control plane is shut down")
	ErrInvalidMode = errors.New("invalid strategy")
)

// Options configures New. Zero fields get production defaults.
type Options struct {
	Config config.Config
	Logger modplane.Logger

	// Subject receives every event. A new EventSubject is created when nil.
	Subject modplane.Subject
	// Store persists module flags. When nil the store described by
	// Config.FlagStore is opened and closed on Shutdown.
	Store flagstore.Store
	// Host runs in-process modules. A LocalHost is created when nil.
	Host       mode.Host
	Starter    process.Starter
	HTTPClient *http.Client
	// Registerer enables Prometheus metrics when set.
	Registerer prometheus.Registerer
	Getenv     func(string) string
}

// ControlPlane owns every manager of one running platform.
type ControlPlane struct {
	cfg     config.Config
	logger  modplane.Logger
	subject modplane.Subject
	emitter modplane.Emitter

	deps     *dependency.Manager
	life     *lifecycle.Manager
	modes    *mode.Manager
	remote   *registry.Registry
	orch     *orchestrator.Orchestrator
	monitor  *health.Monitor
	store    flagstore.Store
	host     mode.Host
	metrics  *metrics.Collector
	sink     *sink.RedisPublisher
	watcher  *discovery.Watcher
	ownStore bool

	// opMu is held shared by operations on one module and exclusively by
	// registration, shutdown and operations on modules that take part in a
	// CONFLICTS relation, so a conflict check and the start that follows
	// it cannot interleave with another such start.
	opMu sync.RWMutex

	mu      sync.RWMutex
	modules map[string]config.ModuleConfig
	locks   map[string]*sync.Mutex
	started bool
	closed  bool
}

// New builds and wires every manager and registers the configured modules.
// Nothing is started; call Start.
func New(ctx context.Context, opts Options) (*ControlPlane, error) {
	cfg := opts.Config
	logger := modplane.OrNop(opts.Logger)

	subject := opts.Subject
	if subject == nil {
		subject = modplane.NewEventSubject(logger)
	}
	starter := opts.Starter
	if starter == nil {
		starter = process.ExecStarter{}
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	host := opts.Host
	if host == nil {
		host = mode.NewLocalHost()
	}

	cp := &ControlPlane{
		cfg:     cfg,
		logger:  logger,
		subject: subject,
		emitter: modplane.Emitter{Subject: subject, Source: "modplane/controlplane", Logger: logger},
		host:    host,
		modules: make(map[string]config.ModuleConfig),
		locks:   make(map[string]*sync.Mutex),
	}

	cp.store = opts.Store
	if cp.store == nil {
		store, err := flagstore.Open(ctx, cfg.FlagStore)
		if err != nil {
			return nil, fmt.Errorf("open flag store: %w", err)
		}
		cp.store = store
		cp.ownStore = true
	}

	regOpts := []registry.RegistryOption{
		registry.WithHealthCheckTimeout(cfg.Health.Timeout.Std()),
		registry.WithConcurrency(cfg.Health.Concurrency),
	}
	if opts.HTTPClient != nil {
		regOpts = append(regOpts, registry.WithHTTPClient(opts.HTTPClient))
	}
	cp.remote = registry.NewRegistry(logger, regOpts...)

	cp.life = lifecycle.NewManager(logger, lifecycle.WithStarter(starter), lifecycle.WithSubject(subject))
	cp.modes = mode.NewManager(logger,
		mode.WithHost(host),
		mode.WithRegistry(cp.remote),
		mode.WithSupervisor(cp.life),
		mode.WithStarter(starter),
		mode.WithResolver(cfg.Mode.Resolver()),
		mode.WithGetenv(getenv),
		mode.WithSubject(subject),
	)
	cp.deps = dependency.NewManager(logger, dependency.WithSubject(subject), dependency.WithRunningFunc(cp.isRunning))

	orchOpts := []orchestrator.Option{orchestrator.WithStarter(starter), orchestrator.WithSubject(subject)}
	if opts.HTTPClient != nil {
		orchOpts = append(orchOpts, orchestrator.WithHTTPClient(opts.HTTPClient))
	}
	orch, err := orchestrator.New(cfg.Orchestrator.Runtime(), logger, cfg.ServiceSpecs(), orchOpts...)
	if err != nil {
		cp.closeStore()
		return nil, err
	}
	cp.orch = orch

	if cfg.Health.Enabled {
		monitor, err := health.NewMonitor(cp.remote, cfg.Health.Monitor(), logger, subject)
		if err != nil {
			cp.closeStore()
			return nil, err
		}
		if cfg.Health.RestartUnhealthy {
			monitor.SetAlertFunc(cp.onUnhealthy)
		}
		cp.monitor = monitor
	}

	if opts.Registerer != nil {
		collector, err := metrics.NewCollector(opts.Registerer)
		if err != nil {
			cp.closeStore()
			return nil, err
		}
		if err := subject.RegisterObserver(collector); err != nil {
			cp.closeStore()
			return nil, err
		}
		cp.metrics = collector
	}

	if cfg.Sink.Enabled {
		pub, err := sink.Dial(ctx, cfg.Sink, logger)
		if err != nil {
			cp.closeStore()
			return nil, err
		}
		if err := subject.RegisterObserver(pub); err != nil {
			_ = pub.Close()
			cp.closeStore()
			return nil, err
		}
		cp.sink = pub
	}

	for _, m := range cfg.Modules {
		if err := cp.RegisterModule(ctx, m); err != nil {
			cp.closeStore()
			return nil, err
		}
	}
	return cp, nil
}

func (cp *ControlPlane) closeStore() {
	if cp.ownStore {
		_ = cp.store.Close()
	}
}

// Subject returns the event subject shared by every manager.
func (cp *ControlPlane) Subject() modplane.Subject { return cp.subject }

// Orchestrator returns the platform-service supervisor.
func (cp *ControlPlane) Orchestrator() *orchestrator.Orchestrator { return cp.orch }

// Dependencies returns the dependency manager.
func (cp *ControlPlane) Dependencies() *dependency.Manager { return cp.deps }

// Monitor returns the health monitor, nil when health polling is disabled.
func (cp *ControlPlane) Monitor() *health.Monitor { return cp.monitor }

// isRunning is the dependency manager's view of a running module: active
// under its strategy and RUNNING in the lifecycle manager.
func (cp *ControlPlane) isRunning(id string) bool {
	return cp.modes.IsActive(id) && cp.life.IsRunning(id)
}

// RegisterModule declares a module with every manager. Persisted flags
// override the configured enabled flag and strategy. Re-registering an
// active module fails.
func (cp *ControlPlane) RegisterModule(ctx context.Context, m config.ModuleConfig) error {
	if err := config.ValidateModule(m); err != nil {
		return err
	}
	deps, err := m.Deps()
	if err != nil {
		return fmt.Errorf("module %s: %w", m.ID, err)
	}

	flags, found, err := cp.store.Get(ctx, m.ID)
	if err != nil {
		cp.logger.Warn("Cannot read persisted module flags", "module", m.ID, "error", err)
	}
	strategy := m.Strategy()
	if found {
		enabled := flags.Enabled
		m.Enabled = &enabled
		if s, err := mode.ParseStrategy(flags.Strategy); err == nil && s != mode.StrategyHybrid &&
			(s == strategy || m.SwitchPermitted && slices.Contains(m.Supported(), s)) {
			strategy = s
		}
	}

	cp.opMu.Lock()
	defer cp.opMu.Unlock()
	if cp.modes.IsActive(m.ID) {
		return fmt.Errorf("%w: %s is active", modplane.ErrModuleAlreadyExists, m.ID)
	}

	if err := cp.deps.Register(m.ID, m.Version, deps); err != nil {
		return err
	}
	if err := cp.deps.SetEnabled(m.ID, m.IsEnabled()); err != nil {
		return err
	}
	if err := cp.life.Register(cp.lifecycleDescriptor(m, strategy)); err != nil {
		return err
	}
	if err := cp.modes.Register(cp.modeDescriptor(m, strategy)); err != nil {
		return err
	}

	cp.mu.Lock()
	cp.modules[m.ID] = m
	cp.mu.Unlock()

	cp.logger.Info("Registered module", "module", m.ID, "version", m.Version, "strategy", strategy, "enabled", m.IsEnabled())
	cp.emitter.Emit(ctx, modplane.EventTypeModuleRegistered, map[string]any{
		"module": m.ID, "version": m.Version, "strategy": string(strategy), "enabled": m.IsEnabled(),
	})
	return nil
}

func (cp *ControlPlane) lifecycleDescriptor(m config.ModuleConfig, s mode.Strategy) lifecycle.Descriptor {
	policy, onFailureOnly := m.Policy(cp.cfg.Lifecycle)
	kind := lifecycle.KindInProcess
	if s == mode.StrategyEmbeddedSubprocess {
		kind = lifecycle.KindEmbeddedSubprocess
	}
	var required []string
	for _, d := range m.Dependencies {
		if k, err := dependency.ParseKind(d.Kind); err == nil && k == dependency.KindRequired {
			required = append(required, d.ID)
		}
	}
	interval := cp.cfg.Lifecycle.MonitorInterval.Std()
	if m.HealthCheckInterval > 0 {
		interval = m.HealthCheckInterval.Std()
	}
	env := make(map[string]string, len(m.Env)+2)
	for k, v := range m.Env {
		env[k] = v
	}
	if kind == lifecycle.KindEmbeddedSubprocess {
		for k, v := range mode.EmbeddedEnv(m.ID) {
			env[k] = v
		}
	}
	return lifecycle.Descriptor{
		ID:                   m.ID,
		Name:                 m.Name,
		Version:              m.Version,
		Kind:                 kind,
		Command:              m.Command,
		Dir:                  m.Dir,
		Dependencies:         required,
		Limits:               m.Limits,
		Env:                  env,
		Policy:               &policy,
		RestartOnFailureOnly: onFailureOnly,
		MonitorInterval:      interval,
		StartGrace:           cp.cfg.Lifecycle.StartGrace.Std(),
		StopGrace:            cp.cfg.Lifecycle.StopGrace.Std(),
	}
}

func (cp *ControlPlane) modeDescriptor(m config.ModuleConfig, s mode.Strategy) mode.Descriptor {
	return mode.Descriptor{
		ID:              m.ID,
		Current:         s,
		Supported:       m.Supported(),
		SwitchPermitted: m.SwitchPermitted,
		BaseURL:         m.BaseURL,
		Auth:            m.Auth(),
		Command:         m.Command,
		Dir:             m.Dir,
		Env:             m.Env,
		Limits:          m.Limits,
		StartGrace:      cp.cfg.Mode.StartGrace.Std(),
		StopGrace:       cp.cfg.Mode.StopGrace.Std(),
	}
}

// Modules returns the registered module ids, sorted.
func (cp *ControlPlane) Modules() []string {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	ids := make([]string, 0, len(cp.modules))
	for id := range cp.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasModule reports whether id is registered.
func (cp *ControlPlane) HasModule(id string) bool {
	_, ok := cp.module(id)
	return ok
}

func (cp *ControlPlane) module(id string) (config.ModuleConfig, bool) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	m, ok := cp.modules[id]
	return m, ok
}

// Start discovers plugins, loads every enabled module in dependency order,
// starts the platform services and the background pollers. A dependency
// cycle fails Start; service start problems are logged.
func (cp *ControlPlane) Start(ctx context.Context) (LoadReport, error) {
	cp.mu.Lock()
	switch {
	case cp.closed:
		cp.mu.Unlock()
		return LoadReport{}, ErrClosed
	case cp.started:
		cp.mu.Unlock()
		return LoadReport{}, ErrStarted
	}
	cp.started = true
	cp.mu.Unlock()

	if cp.cfg.Discovery.Enabled {
		if err := cp.discover(ctx); err != nil {
			return LoadReport{}, err
		}
	}

	report, err := cp.LoadAll(ctx)
	if err != nil {
		return report, err
	}

	if err := cp.orch.StartAll(ctx); err != nil {
		cp.logger.Warn("Some platform services did not start", "error", err)
	}
	if cp.monitor != nil {
		if err := cp.monitor.Start(ctx); err != nil {
			return report, err
		}
	}
	if cp.cfg.Discovery.Enabled && cp.cfg.Discovery.Watch {
		cp.watcher = discovery.NewWatcher(cp.cfg.Discovery.Dir, cp.onManifests,
			discovery.WithDebounce(cp.cfg.Discovery.Debounce.Std()),
			discovery.WithScanOptions(discovery.WithConcurrency(cp.cfg.Discovery.Concurrency), discovery.WithLogger(cp.logger)),
			discovery.WithWatcherLogger(cp.logger),
			discovery.WithSubject(cp.subject),
		)
		if err := cp.watcher.Start(ctx); err != nil {
			return report, fmt.Errorf("watch plugins: %w", err)
		}
	}
	return report, nil
}

// discover registers every plugin manifest whose id is not declared in the
// configuration.
func (cp *ControlPlane) discover(ctx context.Context) error {
	manifests, err := discovery.Scan(ctx, cp.cfg.Discovery.Dir,
		discovery.WithConcurrency(cp.cfg.Discovery.Concurrency),
		discovery.WithLogger(cp.logger))
	if err != nil {
		return fmt.Errorf("discover plugins: %w", err)
	}
	for _, mf := range manifests {
		if _, declared := cp.module(mf.Module.ID); declared {
			cp.logger.Debug("Plugin manifest shadowed by configuration", "module", mf.Module.ID, "path", mf.Path)
			continue
		}
		if err := cp.RegisterModule(ctx, mf.Module); err != nil {
			cp.logger.Warn("Cannot register discovered plugin", "module", mf.Module.ID, "path", mf.Path, "error", err)
			continue
		}
		cp.emitter.Emit(ctx, modplane.EventTypeManifestDiscovered, map[string]any{
			"module": mf.Module.ID, "version": mf.Module.Version, "path": mf.Path,
		})
	}
	return nil
}

// onManifests registers new or changed plugins found by the watcher and
// starts the new ones that are enabled. A changed module that is active
// keeps running its old declaration until it is stopped.
func (cp *ControlPlane) onManifests(ctx context.Context, changed []discovery.Manifest) {
	for _, mf := range changed {
		_, known := cp.module(mf.Module.ID)
		if err := cp.RegisterModule(ctx, mf.Module); err != nil {
			cp.logger.Warn("Cannot apply plugin manifest", "module", mf.Module.ID, "path", mf.Path, "error", err)
			continue
		}
		if known || !mf.Module.IsEnabled() {
			continue
		}
		if res := cp.StartModule(ctx, mf.Module.ID); !res.Success {
			cp.logger.Warn("Discovered plugin did not start", "module", mf.Module.ID, "reason", res.Message)
		}
	}
}

// onUnhealthy handles a remote module that stopped passing health checks:
// it is marked UNRESPONSIVE and restarted gracefully. It never counts as a
// crash.
func (cp *ControlPlane) onUnhealthy(ctx context.Context, id string) error {
	if _, ok := cp.module(id); !ok {
		return nil
	}
	if err := cp.life.MarkUnresponsive(id); err != nil {
		return err
	}
	cp.logger.Warn("Module unresponsive, restarting", "module", id)
	res := cp.RestartModule(ctx, id)
	if !res.Success {
		return errors.New(res.Message)
	}
	return nil
}

// Shutdown stops background work, platform services and modules, in that
// order, and closes the flag store. ctx bounds the whole sequence.
func (cp *ControlPlane) Shutdown(ctx context.Context) error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	var errs []error
	if cp.watcher != nil {
		if err := cp.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("discovery watcher: %w", err))
		}
	}
	if cp.monitor != nil {
		if err := cp.monitor.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("health monitor: %w", err))
		}
	}
	if err := cp.orch.StopAll(ctx, true); err != nil {
		errs = append(errs, fmt.Errorf("platform services: %w", err))
	}

	cp.opMu.Lock()
	if err := cp.modes.Cleanup(ctx); err != nil {
		errs = append(errs, fmt.Errorf("modules: %w", err))
	}
	if err := cp.life.Cleanup(ctx); err != nil {
		errs = append(errs, fmt.Errorf("lifecycle: %w", err))
	}
	for _, id := range cp.Modules() {
		_ = cp.deps.MarkLoaded(id, false)
	}
	cp.opMu.Unlock()

	if cp.sink != nil {
		_ = cp.subject.UnregisterObserver(cp.sink)
		if err := cp.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event sink: %w", err))
		}
	}
	if cp.ownStore {
		if err := cp.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("flag store: %w", err))
		}
	}
	if ctx.Err() != nil {
		errs = append(errs, fmt.Errorf("%w: %w", modplane.ErrShutdownTimeout, ctx.Err()))
	}
	if len(errs) > 0 {
		cp.logger.Error("Shutdown finished with errors", "error", errors.Join(errs...))
	} else {
		cp.logger.Info("Shutdown complete")
	}
	return errors.Join(errs...)
}
