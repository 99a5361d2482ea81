package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/modplane"
	"github.com/GoCodeAlone/modplane/process"
	"github.com/GoCodeAlone/modplane/restart"
)

type monitorHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// entry is the manager-owned record of one module. generation increases on
// every start, stop and crash so that stale monitors and pending restarts
// can tell they have been superseded.
type entry struct {
	desc       Descriptor
	state      State
	proc       process.Process
	monitor    *monitorHandle
	tracker    *restart.Tracker
	generation uint64

	restartCount int
	lastStart    time.Time
	lastStop     time.Time
	lastError    string
}

// Manager drives modules through their lifecycle.
type Manager struct {
	starter process.Starter
	logger  modplane.Logger
	emitter modplane.Emitter
	now     func() time.Time

	mu      sync.Mutex
	modules map[string]*entry

	// ctx bounds restart delays; cancelled by Cleanup.
	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithStarter replaces the process starter.
func WithStarter(s process.Starter) Option {
	return func(m *Manager) { m.starter = s }
}

// WithSubject publishes state changes to subject.
func WithSubject(subject modplane.Subject) Option {
	return func(m *Manager) { m.emitter.Subject = subject }
}

// WithClock overrides the time source used for restart accounting.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a lifecycle manager.
func NewManager(logger modplane.Logger, opts ...Option) *Manager {
	logger = modplane.OrNop(logger)
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		starter: process.ExecStarter{},
		logger:  logger,
		emitter: modplane.Emitter{Source: "modplane/lifecycle", Logger: logger},
		now:     time.Now,
		modules: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register stores a module descriptor. Re-registering a stopped module
// replaces its descriptor; a module that is not stopped is rejected.
func (m *Manager) Register(desc Descriptor) error {
	if desc.ID == "" {
		return fmt.Errorf("%w: empty id", modplane.ErrModuleNotFound)
	}
	desc = desc.withDefaults()
	switch desc.Kind {
	case KindEmbeddedSubprocess:
		if len(desc.Command) > 0 {
			if err := process.ValidateCommand(desc.Command); err != nil {
				return fmt.Errorf("module %s: %w", desc.ID, err)
			}
		}
	case KindInProcess:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, desc.Kind)
	}

	policy := restart.ModulePolicy()
	if desc.Policy != nil {
		policy = *desc.Policy
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.modules[desc.ID]; ok {
		if existing.state != StateStopped && existing.state != StateError {
			return fmt.Errorf("%w: %s is %s", modplane.ErrModuleAlreadyExists, desc.ID, existing.state)
		}
		existing.desc = desc
		existing.tracker = restart.NewTracker(policy)
		return nil
	}
	m.modules[desc.ID] = &entry{desc: desc, state: StateStopped, tracker: restart.NewTracker(policy)}
	m.logger.Info("Registered module", "module", desc.ID, "kind", desc.Kind)
	return nil
}

// SetCommand replaces the launch command of a registered module.
func (m *Manager) SetCommand(id string, command []string) error {
	if err := process.ValidateCommand(command); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.modules[id]
	if !ok {
		return fmt.Errorf("%w: %s", modplane.ErrModuleNotFound, id)
	}
	e.desc.Command = append([]string(nil), command...)
	return nil
}

// Start starts a module. Starting a RUNNING or STARTING module is a no-op.
// Dependencies that are not running only produce a warning. An
// UNRESPONSIVE module is stopped before it is started again.
func (m *Manager) Start(ctx context.Context, id string) error {
	return m.start(ctx, id, false)
}

func (m *Manager) start(ctx context.Context, id string, automatic bool) error {
	m.mu.Lock()
	e, ok := m.modules[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", modplane.ErrModuleNotFound, id)
	}
	switch e.state {
	case StateRunning, StateStarting:
		m.mu.Unlock()
		m.logger.Debug("Module already running", "module", id)
		return nil
	case StateUnresponsive, StateStopping:
		m.mu.Unlock()
		if err := m.Stop(ctx, id); err != nil {
			m.logger.Warn("Stop before restart failed", "module", id, "error", err)
		}
		m.mu.Lock()
		if e.state == StateRunning || e.state == StateStarting {
			m.mu.Unlock()
			return nil
		}
	}

	for _, dep := range e.desc.Dependencies {
		if other, ok := m.modules[dep]; !ok || other.state != StateRunning {
			m.logger.Warn("Starting module before its dependency is running", "module", id, "dependency", dep)
		}
	}

	e.generation++
	gen := e.generation
	desc := e.desc
	m.setStateLocked(e, StateStarting)
	m.mu.Unlock()

	if desc.Kind == KindInProcess {
		m.mu.Lock()
		defer m.mu.Unlock()
		if e.generation != gen {
			return ErrStartSuperseded
		}
		e.lastStart = m.now()
		e.lastError = ""
		m.setStateLocked(e, StateRunning)
		return nil
	}

	if len(desc.Command) == 0 {
		return m.launchFailed(id, e, gen, ErrNoCommand, automatic)
	}

	spec := process.Spec{
		Name:    id,
		Command: desc.Command,
		Dir:     desc.Dir,
		Env:     process.IsolatedEnv(desc.Env),
		Limits:  desc.Limits,
		Output:  m.outputFunc(id),
	}
	proc, err := m.starter.Start(ctx, spec)
	if err != nil {
		return m.launchFailed(id, e, gen, err, automatic)
	}
	if err := process.WaitGrace(ctx, proc, desc.StartGrace); err != nil {
		if process.Alive(proc) {
			_ = process.Stop(context.Background(), proc, process.GracefulSignal, desc.StopGrace)
		}
		return m.launchFailed(id, e, gen, err, automatic)
	}

	m.mu.Lock()
	if e.generation != gen {
		m.mu.Unlock()
		_ = process.Stop(context.Background(), proc, process.GracefulSignal, desc.StopGrace)
		return ErrStartSuperseded
	}
	monCtx, monCancel := context.WithCancel(context.Background())
	handle := &monitorHandle{cancel: monCancel, done: make(chan struct{})}
	e.proc = proc
	e.monitor = handle
	e.lastStart = m.now()
	e.lastError = ""
	m.setStateLocked(e, StateRunning)
	m.mu.Unlock()

	m.logger.Info("Module started", "module", id, "pid", proc.Pid())
	go m.watch(monCtx, handle, id, gen, proc, desc.MonitorInterval)
	return nil
}

// launchFailed records ERROR for a failed launch. Automatic restarts fall
// back into the restart policy; explicit starts just report the error.
func (m *Manager) launchFailed(id string, e *entry, gen uint64, cause error, automatic bool) error {
	m.logger.Error("Module failed to start", "module", id, "error", cause)
	m.mu.Lock()
	if e.generation != gen {
		m.mu.Unlock()
		return fmt.Errorf("start %s: %w", id, cause)
	}
	e.lastError = cause.Error()
	e.lastStop = m.now()
	m.setStateLocked(e, StateError)
	if automatic {
		m.handleFailureLocked(id, e)
	}
	m.mu.Unlock()
	return fmt.Errorf("start %s: %w", id, cause)
}

// watch polls the process liveness until it exits or the monitor is cancelled.
func (m *Manager) watch(ctx context.Context, handle *monitorHandle, id string, gen uint64, proc process.Process, interval time.Duration) {
	defer close(handle.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if process.Alive(proc) {
				continue
			}
			m.onCrash(id, gen, proc)
			return
		}
	}
}

func (m *Manager) onCrash(id string, gen uint64, proc process.Process) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.modules[id]
	if !ok || e.generation != gen || e.proc != proc {
		return
	}
	e.proc = nil
	e.monitor = nil
	e.lastStop = m.now()
	if proc.ExitErr() == nil && e.desc.RestartOnFailureOnly {
		m.logger.Info("Module process exited cleanly", "module", id, "pid", proc.Pid())
		m.setStateLocked(e, StateStopped)
		return
	}
	e.lastError = fmt.Sprintf("process %d exited: %v", proc.Pid(), proc.ExitErr())
	m.logger.Warn("Module process exited unexpectedly", "module", id, "pid", proc.Pid(), "error", proc.ExitErr())
	m.emitter.Emit(context.Background(), modplane.EventTypeModuleCrashed, map[string]any{
		"module": id,
		"pid":    proc.Pid(),
		"error":  e.lastError,
	})
	m.setStateLocked(e, StateError)
	m.handleFailureLocked(id, e)
}

// handleFailureLocked applies the restart policy after a crash or a failed
// automatic restart. The entry must be in StateError.
func (m *Manager) handleFailureLocked(id string, e *entry) {
	e.restartCount++
	e.generation++
	gen := e.generation
	now := m.now()

	if e.tracker.Exceeded(now) {
		m.logger.Error("Module exceeded its restart limit; manual start required", "module", id,
			"restarts", e.tracker.Count(now), "window", e.tracker.Policy().Window)
		m.emitter.Emit(context.Background(), modplane.EventTypeModuleRestartLimit, map[string]any{
			"module":   id,
			"restarts": e.restartCount,
		})
		return
	}
	e.tracker.Record(now)
	delay := e.tracker.Backoff()
	m.emitter.Emit(context.Background(), modplane.EventTypeModuleRestarting, map[string]any{
		"module":  id,
		"attempt": e.restartCount,
		"delay":   delay.String(),
	})
	m.logger.Info("Restarting module", "module", id, "attempt", e.restartCount, "delay", delay)

	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-m.ctx.Done():
			return
		}
		m.mu.Lock()
		current := e.generation == gen && e.state == StateError
		m.mu.Unlock()
		if !current {
			return
		}
		if err := m.start(m.ctx, id, true); err != nil {
			m.logger.Debug("Automatic restart failed", "module", id, "error", err)
		}
	}()
}

// Stop stops a module. It always ends in STOPPED, cancels the monitor and
// any pending automatic restart. Subprocesses get a graceful signal, a
// bounded wait and then a kill.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.modules[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", modplane.ErrModuleNotFound, id)
	}
	e.generation++
	gen := e.generation
	proc, handle, grace := e.proc, e.monitor, e.desc.StopGrace
	e.proc, e.monitor = nil, nil
	if e.state == StateStopped && proc == nil {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(e, StateStopping)
	m.mu.Unlock()

	if handle != nil {
		handle.cancel()
		<-handle.done
	}
	var err error
	if proc != nil {
		err = process.Stop(ctx, proc, process.GracefulSignal, grace)
		if err != nil {
			m.logger.Error("Failed to stop module process", "module", id, "pid", proc.Pid(), "error", err)
		}
	}

	m.mu.Lock()
	if e.generation == gen {
		e.lastStop = m.now()
		m.setStateLocked(e, StateStopped)
	}
	m.mu.Unlock()
	m.logger.Info("Module stopped", "module", id)
	if err != nil {
		return fmt.Errorf("stop %s: %w", id, err)
	}
	return nil
}

// Restart stops then starts a module.
func (m *Manager) Restart(ctx context.Context, id string) error {
	if err := m.Stop(ctx, id); err != nil {
		return err
	}
	return m.Start(ctx, id)
}

// MarkUnresponsive flags a RUNNING module whose health checks fail. It does
// not count as a crash.
func (m *Manager) MarkUnresponsive(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.modules[id]
	if !ok {
		return fmt.Errorf("%w: %s", modplane.ErrModuleNotFound, id)
	}
	if e.state == StateRunning {
		m.setStateLocked(e, StateUnresponsive)
	}
	return nil
}

// State returns the state of a module.
func (m *Manager) State(id string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.modules[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", modplane.ErrModuleNotFound, id)
	}
	return e.state, nil
}

// IsRunning reports whether a module is RUNNING or UNRESPONSIVE.
func (m *Manager) IsRunning(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.modules[id]
	return ok && (e.state == StateRunning || e.state == StateUnresponsive)
}

// IsRegistered reports whether id is known to the manager.
func (m *Manager) IsRegistered(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.modules[id]
	return ok
}

// Status returns the status of a module.
func (m *Manager) Status(id string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.modules[id]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", modplane.ErrModuleNotFound, id)
	}
	return m.statusLocked(e), nil
}

// ListStatus returns the status of every module sorted by id.
func (m *Manager) ListStatus() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.modules))
	for _, e := range m.modules {
		out = append(out, m.statusLocked(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) statusLocked(e *entry) Status {
	s := Status{
		ID:               e.desc.ID,
		Name:             e.desc.Name,
		Version:          e.desc.Version,
		Kind:             e.desc.Kind,
		State:            e.state,
		RestartCount:     e.restartCount,
		RestartsInWindow: e.tracker.Count(m.now()),
		LastStart:        e.lastStart,
		LastStop:         e.lastStop,
		LastError:        e.lastError,
	}
	if e.proc != nil {
		s.PID = e.proc.Pid()
	}
	return s
}

// Cleanup stops every module, cancels pending restarts and waits for
// background work, bounded by ctx.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.cancel()

	m.mu.Lock()
	ids := make([]string, 0, len(m.modules))
	for id := range m.modules {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("%w: %w", modplane.ErrShutdownTimeout, ctx.Err()))
	}
	return errors.Join(errs...)
}

func (m *Manager) setStateLocked(e *entry, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	m.logger.Debug("Module state changed", "module", e.desc.ID, "from", from, "to", to)
	m.emitter.Emit(context.Background(), modplane.EventTypeModuleStateChanged, map[string]any{
		"module": e.desc.ID,
		"from":   string(from),
		"to":     string(to),
	})
}

func (m *Manager) outputFunc(id string) process.OutputFunc {
	return func(stream, line string) {
		m.logger.Debug("Module output", "module", id, "stream", stream, "line", line)
	}
}
