package mode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/GoCodeAlone/modplane"
	"github.com/GoCodeAlone/modplane/process"
	"github.com/GoCodeAlone/modplane/registry"
)

// Remote is the part of the remote module registry the external strategy
// uses.
type Remote interface {
	Register(id, baseURL string, auth registry.Auth, opts ...registry.Option) (registry.Record, error)
	Unregister(id string) bool
	IsRegistered(id string) bool
	HealthCheck(ctx context.Context, id string) bool
}

// Supervisor runs embedded modules on the manager's behalf so they get
// crash supervision. lifecycle.Manager satisfies it.
type Supervisor interface {
	SetCommand(id string, command []string) error
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	IsRunning(id string) bool
}

// EmbeddedEnv is the environment that tells a module it runs embedded.
func EmbeddedEnv(id string) map[string]string {
	return map[string]string{
		"PLUGIN_MODE":                "embedded",
		process.EnvKey(id) + "_MODE": "embedded",
	}
}

type entry struct {
	desc    Descriptor
	active  bool
	proc    process.Process
	baseURL string
}

// Manager records the active strategy of every module and moves modules
// between strategies. One mutex serializes every start, stop and switch.
type Manager struct {
	host       Host
	remote     Remote
	supervisor Supervisor
	starter    process.Starter
	resolver   process.Resolver
	getenv     func(string) string
	logger     modplane.Logger
	emitter    modplane.Emitter

	mu      sync.Mutex
	modules map[string]*entry
}

// Option configures a Manager.
type Option func(*Manager)

// WithHost sets the in-process host.
func WithHost(h Host) Option { return func(m *Manager) { m.host = h } }

// WithRegistry sets the remote registry used by the external strategy.
func WithRegistry(r Remote) Option { return func(m *Manager) { m.remote = r } }

// WithSupervisor delegates embedded processes to s instead of launching
// them directly.
func WithSupervisor(s Supervisor) Option { return func(m *Manager) { m.supervisor = s } }

// WithStarter replaces the process starter used for direct launches.
func WithStarter(s process.Starter) Option { return func(m *Manager) { m.starter = s } }

// WithResolver sets how embedded entry points are found.
func WithResolver(r process.Resolver) Option { return func(m *Manager) { m.resolver = r } }

// WithGetenv replaces os.Getenv for base URL lookup.
func WithGetenv(fn func(string) string) Option { return func(m *Manager) { m.getenv = fn } }

// WithSubject publishes switch events to subject.
func WithSubject(subject modplane.Subject) Option {
	return func(m *Manager) { m.emitter.Subject = subject }
}

// NewManager creates a mode manager.
func NewManager(logger modplane.Logger, opts ...Option) *Manager {
	logger = modplane.OrNop(logger)
	m := &Manager{
		starter: process.ExecStarter{},
		getenv:  os.Getenv,
		logger:  logger,
		emitter: modplane.Emitter{Source: "modplane/mode", Logger: logger},
		modules: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register declares a module. A module that is active cannot be
// re-registered.
func (m *Manager) Register(desc Descriptor) error {
	if desc.ID == "" {
		return fmt.Errorf("%w: empty id", modplane.ErrModuleNotFound)
	}
	desc = desc.withDefaults()
	if desc.Current == StrategyHybrid {
		return fmt.Errorf("%w: %s cannot run as %s", ErrUnsupportedStrategy, desc.ID, StrategyHybrid)
	}
	for _, s := range desc.Supported {
		if _, err := ParseStrategy(string(s)); err != nil {
			return fmt.Errorf("module %s: %w", desc.ID, err)
		}
	}
	if !desc.Supports(desc.Current) {
		desc.Supported = append(desc.Supported, desc.Current)
	}
	if len(desc.Command) > 0 {
		if err := process.ValidateCommand(desc.Command); err != nil {
			return fmt.Errorf("module %s: %w", desc.ID, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.modules[desc.ID]; ok {
		if existing.active {
			return fmt.Errorf("%w: %s is active", modplane.ErrModuleAlreadyExists, desc.ID)
		}
		existing.desc = desc
		return nil
	}
	m.modules[desc.ID] = &entry{desc: desc}
	return nil
}

// Start activates the module under its current strategy. Starting an
// active module does nothing.
func (m *Manager) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.modules[id]
	if !ok {
		return fmt.Errorf("%w: %s", modplane.ErrModuleNotFound, id)
	}
	if e.active {
		return nil
	}
	return m.startLocked(ctx, e)
}

// Stop deactivates the module. Stopping an inactive module does nothing.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.modules[id]
	if !ok {
		return fmt.Errorf("%w: %s", modplane.ErrModuleNotFound, id)
	}
	if !e.active {
		return nil
	}
	return m.stopLocked(ctx, e)
}

// SwitchMode moves module id to target. The old strategy is fully stopped
// before the recorded strategy changes. With restart the module is then
// started under target; a start failure leaves target recorded but
// inactive. Switching to the current strategy reports Changed=false.
func (m *Manager) SwitchMode(ctx context.Context, id string, target Strategy, restart bool) (SwitchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.modules[id]
	if !ok {
		return SwitchResult{}, fmt.Errorf("%w: %s", modplane.ErrModuleNotFound, id)
	}
	from := e.desc.Current
	result := SwitchResult{ID: id, From: from, To: target, Active: e.active}

	if !e.desc.SwitchPermitted {
		return result, fmt.Errorf("%w: %s", ErrSwitchNotPermitted, id)
	}
	if !e.desc.Supports(target) {
		return result, fmt.Errorf("%w: %s does not support %q", ErrUnsupportedStrategy, id, target)
	}
	if target == from {
		return result, nil
	}

	if e.active {
		if err := m.stopLocked(ctx, e); err != nil {
			m.emitter.Emit(ctx, modplane.EventTypeModeSwitchFailed, map[string]any{
				"module": id, "from": string(from), "to": string(target), "error": err.Error(),
			})
			return result, fmt.Errorf("stop %s under %s: %w", id, from, err)
		}
	}

	e.desc.Current = target
	result.Changed = true
	result.Active = false
	m.logger.Info("Switched execution strategy", "module", id, "from", from, "to", target)
	m.emitter.Emit(ctx, modplane.EventTypeModeSwitched, map[string]any{
		"module": id, "from": string(from), "to": string(target),
	})

	if !restart {
		return result, nil
	}
	if err := m.startLocked(ctx, e); err != nil {
		m.emitter.Emit(ctx, modplane.EventTypeModeSwitchFailed, map[string]any{
			"module": id, "from": string(from), "to": string(target), "error": err.Error(),
		})
		return result, err
	}
	result.Active = true
	return result, nil
}

func (m *Manager) startLocked(ctx context.Context, e *entry) error {
	id := e.desc.ID
	var err error
	switch e.desc.Current {
	case StrategyInProcess:
		err = m.startInProcess(ctx, e)
	case StrategyEmbeddedSubprocess:
		err = m.startEmbedded(ctx, e)
	case StrategyExternalService:
		err = m.startExternal(e)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedStrategy, e.desc.Current)
	}
	if err != nil {
		m.logger.Error("Failed to start module", "module", id, "strategy", e.desc.Current, "error", err)
		return err
	}
	e.active = true
	m.logger.Info("Module started", "module", id, "strategy", e.desc.Current)
	return nil
}

func (m *Manager) startInProcess(ctx context.Context, e *entry) error {
	if m.host == nil {
		return ErrNoHost
	}
	if m.host.IsLoaded(e.desc.ID) {
		return nil
	}
	return m.host.Load(ctx, e.desc.ID)
}

func (m *Manager) startEmbedded(ctx context.Context, e *entry) error {
	id := e.desc.ID
	command := e.desc.Command
	if len(command) == 0 {
		resolved, err := m.resolver.Resolve(id)
		if err != nil {
			return err
		}
		command = resolved
	}

	if m.supervisor != nil {
		if err := m.supervisor.SetCommand(id, command); err != nil {
			return err
		}
		return m.supervisor.Start(ctx, id)
	}

	if process.Alive(e.proc) {
		return nil
	}
	proc, err := m.starter.Start(ctx, process.Spec{
		Name:    id,
		Command: command,
		Dir:     e.desc.Dir,
		Env:     process.IsolatedEnv(e.desc.Env, EmbeddedEnv(id)),
		Limits:  e.desc.Limits,
		Output:  m.outputFunc(id),
	})
	if err != nil {
		return err
	}
	if err := process.WaitGrace(ctx, proc, e.desc.StartGrace); err != nil {
		_ = process.Stop(context.WithoutCancel(ctx), proc, process.GracefulSignal, 0)
		return fmt.Errorf("module %s: %w", id, err)
	}
	e.proc = proc
	return nil
}

func (m *Manager) startExternal(e *entry) error {
	if m.remote == nil {
		return ErrNoRegistry
	}
	id := e.desc.ID
	baseURL := e.desc.BaseURL
	if baseURL == "" {
		baseURL = m.getenv(process.EnvKey(id) + "_BASE_URL")
	}
	if baseURL == "" {
		return fmt.Errorf("%w: %s", ErrNoBaseURL, id)
	}
	if _, err := m.remote.Register(id, baseURL, e.desc.Auth); err != nil {
		return err
	}
	e.baseURL = baseURL
	return nil
}

// stopLocked deactivates e. On error the module is still considered active
// so the caller can retry.
func (m *Manager) stopLocked(ctx context.Context, e *entry) error {
	id := e.desc.ID
	var err error
	switch e.desc.Current {
	case StrategyInProcess:
		if m.host != nil {
			err = m.host.Unload(ctx, id)
		}
	case StrategyEmbeddedSubprocess:
		if m.supervisor != nil {
			err = m.supervisor.Stop(ctx, id)
			break
		}
		if err = process.Stop(ctx, e.proc, process.GracefulSignal, e.desc.StopGrace); err == nil {
			e.proc = nil
		}
	case StrategyExternalService:
		if m.remote != nil {
			m.remote.Unregister(id)
		}
		e.baseURL = ""
	}
	if err != nil {
		m.logger.Error("Failed to stop module", "module", id, "strategy", e.desc.Current, "error", err)
		return err
	}
	e.active = false
	m.logger.Info("Module stopped", "module", id, "strategy", e.desc.Current)
	return nil
}

// Status reports the module's strategy and whether it is healthy under it:
// host presence, process liveness or remote health.
func (m *Manager) Status(ctx context.Context, id string) (Status, error) {
	m.mu.Lock()
	e, ok := m.modules[id]
	if !ok {
		m.mu.Unlock()
		return Status{}, fmt.Errorf("%w: %s", modplane.ErrModuleNotFound, id)
	}
	st := Status{
		ID:              id,
		Current:         e.desc.Current,
		Supported:       append([]Strategy(nil), e.desc.Supported...),
		SwitchPermitted: e.desc.SwitchPermitted,
		Active:          e.active,
		BaseURL:         e.baseURL,
	}
	proc := e.proc
	m.mu.Unlock()

	switch st.Current {
	case StrategyInProcess:
		st.Healthy = m.host != nil && m.host.IsLoaded(id)
	case StrategyEmbeddedSubprocess:
		if m.supervisor != nil {
			st.Healthy = m.supervisor.IsRunning(id)
		} else if process.Alive(proc) {
			st.Healthy = true
			st.PID = proc.Pid()
		}
	case StrategyExternalService:
		st.Healthy = m.remote != nil && m.remote.IsRegistered(id) && m.remote.HealthCheck(ctx, id)
	}
	return st, nil
}

// Current returns the recorded strategy of id.
func (m *Manager) Current(id string) (Strategy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.modules[id]
	if !ok {
		return "", false
	}
	return e.desc.Current, true
}

// IsActive reports whether id has been started and not stopped.
func (m *Manager) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.modules[id]
	return ok && e.active
}

// Modules lists registered ids.
func (m *Manager) Modules() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.modules))
	for id := range m.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Cleanup stops every active module.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	ids := make([]string, 0, len(m.modules))
	for id := range m.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := m.modules[id]
		if !e.active {
			continue
		}
		if err := m.stopLocked(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) outputFunc(id string) process.OutputFunc {
	return func(stream, line string) {
		if stream == process.Stderr {
			m.logger.Warn("Module output", "module", id, "stream", stream, "line", line)
			return
		}
		m.logger.Info("Module output", "module", id, "stream", stream, "line", line)
	}
}
