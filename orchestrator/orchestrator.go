package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/modplane"
	"github.com/GoCodeAlone/modplane/dependency"
	"github.com/GoCodeAlone/modplane/process"
	"github.com/GoCodeAlone/modplane/restart"
)

// managedService is the runtime record of one service. opMu serializes
// start, stop and restart of the service; the fields below it are guarded
// by the orchestrator mutex.
type managedService struct {
	spec    ServiceSpec
	tracker *restart.Tracker
	// rejected is set once at construction when the command fails
	// process.ValidateCommand; such a service is never launched.
	rejected error

	opMu sync.Mutex

	// proc is the last launched process. It is kept after the process
	// exits so supervision keeps retrying until a relaunch succeeds.
	proc      process.Process
	lastStart time.Time
	// wanted is set by a successful launch and cleared only by an operator
	// stop; supervision acts on wanted services alone.
	wanted bool
}

// Orchestrator supervises platform services.
type Orchestrator struct {
	cfg     Config
	starter process.Starter
	client  *http.Client
	logger  modplane.Logger
	emitter modplane.Emitter
	now     func() time.Time

	services map[string]*managedService
	order    []string

	mu       sync.Mutex
	started  bool
	closed   bool
	loopDone chan struct{}
	cron     *cron.Cron

	// ctx is cancelled by StopAll and interrupts every wait.
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStarter replaces the process starter.
func WithStarter(s process.Starter) Option {
	return func(o *Orchestrator) { o.starter = s }
}

// WithHTTPClient replaces the client used for health checks.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Orchestrator) { o.client = c }
}

// WithSubject publishes service events to subject.
func WithSubject(subject modplane.Subject) Option {
	return func(o *Orchestrator) { o.emitter.Subject = subject }
}

// WithClock overrides the time source used for restart accounting.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New validates specs and creates an orchestrator. Service names must be
// unique, dependencies must be declared and acyclic and cron schedules must
// parse. A service whose command fails process.ValidateCommand is kept but
// rejected: it is reported in Status and never started, while the other
// services remain startable.
func New(cfg Config, logger modplane.Logger, specs []ServiceSpec, opts ...Option) (*Orchestrator, error) {
	logger = modplane.OrNop(logger)
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg.withDefaults(),
		starter:  process.ExecStarter{},
		client:   &http.Client{},
		logger:   logger,
		emitter:  modplane.Emitter{Source: "modplane/orchestrator", Logger: logger},
		now:      time.Now,
		services: make(map[string]*managedService, len(specs)),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(o)
	}

	order, err := o.validate(specs)
	if err != nil {
		cancel()
		return nil, err
	}
	o.order = order
	return o, nil
}

func (o *Orchestrator) validate(specs []ServiceSpec) ([]string, error) {
	graph := dependency.NewManager(nil)
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrDuplicateService)
		}
		if _, ok := o.services[spec.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateService, spec.Name)
		}
		if spec.CronRestart != "" {
			if _, err := cron.ParseStandard(spec.CronRestart); err != nil {
				return nil, fmt.Errorf("%w: service %s: %w", ErrInvalidCronSpec, spec.Name, err)
			}
		}
		svc := &managedService{spec: spec, tracker: restart.NewTracker(spec.policy())}
		if err := process.ValidateCommand(spec.Command); err != nil {
			svc.rejected = fmt.Errorf("%w: %s: %w", ErrServiceRejected, spec.Name, err)
			o.logger.Error("Refusing to start service", "service", spec.Name, "error", err)
			o.emitter.Emit(context.Background(), modplane.EventTypeServiceRejected, map[string]any{
				"service": spec.Name,
				"error":   err.Error(),
			})
		}
		o.services[spec.Name] = svc

		deps := make([]dependency.Dependency, 0, len(spec.DependsOn))
		for _, dep := range spec.DependsOn {
			deps = append(deps, dependency.Requires(dep, ""))
		}
		if err := graph.Register(spec.Name, "1.0.0", deps); err != nil {
			return nil, fmt.Errorf("service %s: %w", spec.Name, err)
		}
	}
	for _, spec := range specs {
		for _, dep := range spec.DependsOn {
			if _, ok := o.services[dep]; !ok {
				return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, spec.Name, dep)
			}
		}
	}
	order, err := graph.ResolveLoadOrder()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDependencyCycle, err)
	}
	return order, nil
}

// Services returns service names in start order.
func (o *Orchestrator) Services() []string {
	return slices.Clone(o.order)
}

// StartAll starts every service in dependency order, each only after its
// dependencies run and pass their health checks, then starts supervision.
// A service whose dependencies do not become ready in time is skipped and
// reported in the returned error; the remaining services still start.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrStopped
	}
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	var errs []error
	for _, name := range o.order {
		svc := o.services[name]
		svc.opMu.Lock()
		err := o.startLocked(ctx, svc)
		svc.opMu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			if errors.Is(err, ErrStopped) || ctx.Err() != nil {
				break
			}
		}
	}

	o.startBackground()
	return errors.Join(errs...)
}

func (o *Orchestrator) startBackground() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.loopDone != nil {
		return
	}
	o.loopDone = make(chan struct{})
	go o.superviseLoop(o.loopDone)

	c := cron.New()
	scheduled := 0
	for _, name := range o.order {
		spec := o.services[name].spec.CronRestart
		if spec == "" {
			continue
		}
		if _, err := c.AddFunc(spec, func() { o.cronRestart(name) }); err != nil {
			o.logger.Error("Failed to schedule cron restart", "service", name, "schedule", spec, "error", err)
			continue
		}
		scheduled++
	}
	if scheduled > 0 {
		c.Start()
		o.cron = c
	}
}

func (o *Orchestrator) superviseLoop(done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.cfg.SupervisionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.SuperviseOnce(o.ctx)
		}
	}
}

// SuperviseOnce runs one supervision sweep: an exited service is relaunched
// and a running service failing its health check is gracefully restarted.
// Both count against the service's restart window. Services that were
// never started or were stopped by an operator are left alone.
func (o *Orchestrator) SuperviseOnce(ctx context.Context) {
	for _, name := range o.order {
		if ctx.Err() != nil {
			return
		}
		svc := o.services[name]
		svc.opMu.Lock()
		o.superviseLocked(ctx, svc)
		svc.opMu.Unlock()
	}
}

func (o *Orchestrator) superviseLocked(ctx context.Context, svc *managedService) {
	name := svc.spec.Name
	o.mu.Lock()
	proc, wanted := svc.proc, svc.wanted
	o.mu.Unlock()
	if !wanted {
		return
	}

	if !process.Alive(proc) {
		reason := "not running"
		if proc != nil {
			reason = "exited"
			o.logger.Warn("Service exited, restarting", "service", name, "pid", proc.Pid(), "error", proc.ExitErr())
			o.emitter.Emit(ctx, modplane.EventTypeServiceExited, map[string]any{"service": name, "pid": proc.Pid()})
		} else {
			o.logger.Warn("Service not running, relaunching", "service", name)
		}
		o.recordRestart(ctx, svc, reason)
		if err := o.startLocked(ctx, svc); err != nil {
			o.logger.Error("Failed to relaunch service, retrying next sweep", "service", name, "error", err)
			o.emitter.Emit(ctx, modplane.EventTypeServiceStartFailed, map[string]any{"service": name, "error": err.Error()})
		}
		return
	}

	if !o.healthy(ctx, svc) {
		o.logger.Warn("Service health check failed, restarting gracefully", "service", name)
		o.emitter.Emit(ctx, modplane.EventTypeServiceUnhealthy, map[string]any{"service": name})
		o.recordRestart(ctx, svc, "unhealthy")
		if err := o.restartLocked(ctx, svc); err != nil {
			o.logger.Error("Failed to restart unhealthy service", "service", name, "error", err)
		}
	}
}

func (o *Orchestrator) recordRestart(ctx context.Context, svc *managedService, reason string) {
	svc.tracker.Record(o.now())
	o.emitter.Emit(ctx, modplane.EventTypeServiceRestarted, map[string]any{
		"service": svc.spec.Name,
		"reason":  reason,
		"backoff": svc.tracker.Backoff().String(),
	})
}

func (o *Orchestrator) cronRestart(name string) {
	svc := o.services[name]
	svc.opMu.Lock()
	defer svc.opMu.Unlock()
	if o.ctx.Err() != nil {
		return
	}
	o.logger.Info("Scheduled restart", "service", name)
	if err := o.restartLocked(o.ctx, svc); err != nil {
		o.logger.Error("Scheduled restart failed", "service", name, "error", err)
	}
}

// startLocked waits for dependencies and launches svc. The caller holds
// svc.opMu.
func (o *Orchestrator) startLocked(ctx context.Context, svc *managedService) error {
	o.mu.Lock()
	running := process.Alive(svc.proc)
	o.mu.Unlock()
	if running {
		return nil
	}
	if svc.rejected != nil {
		return svc.rejected
	}
	if err := o.waitDependencies(ctx, svc); err != nil {
		if errors.Is(err, ErrDependenciesNotReady) {
			o.logger.Warn("Dependencies not ready, service not started", "service", svc.spec.Name, "depends_on", svc.spec.DependsOn)
			o.emitter.Emit(ctx, modplane.EventTypeServiceDepsTimedOut, map[string]any{"service": svc.spec.Name})
		}
		return err
	}
	return o.launchLocked(ctx, svc)
}

func (o *Orchestrator) launchLocked(ctx context.Context, svc *managedService) error {
	name := svc.spec.Name
	if err := process.ValidateCommand(svc.spec.Command); err != nil {
		o.logger.Error("Refusing to start service", "service", name, "error", err)
		return err
	}

	o.mu.Lock()
	lastStart := svc.lastStart
	o.mu.Unlock()
	if delay := svc.tracker.LaunchDelay(o.now(), lastStart); delay > 0 {
		o.logger.Debug("Delaying service start", "service", name, "delay", delay)
		if err := o.sleep(ctx, delay); err != nil {
			return err
		}
	}
	if svc.tracker.Exceeded(o.now()) {
		cooldown := svc.tracker.Cooldown()
		o.logger.Warn("Service restarting too often, cooling down", "service", name, "cooldown", cooldown)
		if err := o.sleep(ctx, cooldown); err != nil {
			return err
		}
	}

	dir := svc.spec.Dir
	if dir == "" {
		dir = o.cfg.Dir
	}
	env := os.Environ()
	for k, v := range svc.spec.Env {
		env = append(env, k+"="+v)
	}
	proc, err := o.starter.Start(ctx, process.Spec{
		Name:    name,
		Command: svc.spec.Command,
		Dir:     dir,
		Env:     env,
		Limits:  svc.spec.Limits,
		Output:  o.outputFunc(name),
	})
	if err != nil {
		o.logger.Error("Failed to start service", "service", name, "error", err)
		return err
	}

	o.mu.Lock()
	svc.proc = proc
	svc.lastStart = o.now()
	svc.wanted = true
	o.mu.Unlock()

	o.logger.Info("Service started", "service", name, "pid", proc.Pid())
	o.emitter.Emit(ctx, modplane.EventTypeServiceStarted, map[string]any{"service": name, "pid": proc.Pid()})
	return nil
}

func (o *Orchestrator) restartLocked(ctx context.Context, svc *managedService) error {
	if err := o.stopLocked(ctx, svc, true); err != nil {
		return err
	}
	return o.startLocked(ctx, svc)
}

func (o *Orchestrator) stopLocked(ctx context.Context, svc *managedService, graceful bool) error {
	o.mu.Lock()
	proc := svc.proc
	o.mu.Unlock()
	if proc == nil {
		return nil
	}

	var err error
	if graceful {
		err = process.Stop(ctx, proc, process.InterruptSignal, o.cfg.StopGrace)
	} else {
		err = process.Kill(proc)
	}

	o.mu.Lock()
	svc.proc = nil
	o.mu.Unlock()

	o.logger.Info("Service stopped", "service", svc.spec.Name, "graceful", graceful)
	o.emitter.Emit(ctx, modplane.EventTypeServiceStopped, map[string]any{"service": svc.spec.Name, "pid": proc.Pid()})
	return err
}

// waitDependencies polls until every dependency runs and is healthy.
func (o *Orchestrator) waitDependencies(ctx context.Context, svc *managedService) error {
	if len(svc.spec.DependsOn) == 0 {
		return nil
	}
	for _, name := range svc.spec.DependsOn {
		if o.services[name].rejected != nil {
			return fmt.Errorf("%w: %s depends on rejected service %s", ErrDependenciesNotReady, svc.spec.Name, name)
		}
	}
	deadline := time.Now().Add(o.cfg.DependencyWaitTimeout)
	for time.Now().Before(deadline) {
		if o.dependenciesReady(ctx, svc) {
			return nil
		}
		if err := o.sleep(ctx, o.cfg.DependencyPollInterval); err != nil {
			return err
		}
	}
	if o.dependenciesReady(ctx, svc) {
		return nil
	}
	return fmt.Errorf("%w: %s waited %s for %v", ErrDependenciesNotReady, svc.spec.Name, o.cfg.DependencyWaitTimeout, svc.spec.DependsOn)
}

func (o *Orchestrator) dependenciesReady(ctx context.Context, svc *managedService) bool {
	for _, name := range svc.spec.DependsOn {
		dep := o.services[name]
		o.mu.Lock()
		running := process.Alive(dep.proc)
		o.mu.Unlock()
		if !running || !o.healthy(ctx, dep) {
			return false
		}
	}
	return true
}

// healthy issues one GET against the service's health URL.
func (o *Orchestrator) healthy(ctx context.Context, svc *managedService) bool {
	if svc.spec.HealthURL == "" {
		return true
	}
	healthCtx, cancel := context.WithTimeout(ctx, o.cfg.HealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(healthCtx, http.MethodGet, svc.spec.HealthURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", "modplane-orchestrator/1.0")
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// sleep waits d, returning early when ctx ends or the orchestrator stops.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.ctx.Done():
		return ErrStopped
	}
}

func (o *Orchestrator) outputFunc(name string) process.OutputFunc {
	return func(stream, line string) {
		o.logger.Info("Service output", "service", name, "stream", stream, "line", line)
	}
}

// StopAll ends supervision and scheduled restarts, then stops every service
// in reverse start order. ctx bounds the wait for background work.
func (o *Orchestrator) StopAll(ctx context.Context, graceful bool) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	loopDone, c := o.loopDone, o.cron
	o.mu.Unlock()

	o.cancel()

	var errs []error
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("%w: cron jobs: %w", modplane.ErrShutdownTimeout, ctx.Err()))
		}
	}
	if loopDone != nil {
		select {
		case <-loopDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("%w: supervision loop: %w", modplane.ErrShutdownTimeout, ctx.Err()))
		}
	}

	for i := len(o.order) - 1; i >= 0; i-- {
		svc := o.services[o.order[i]]
		svc.opMu.Lock()
		o.mu.Lock()
		svc.wanted = false
		o.mu.Unlock()
		if err := o.stopLocked(ctx, svc, graceful); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", svc.spec.Name, err))
		}
		svc.opMu.Unlock()
	}
	return errors.Join(errs...)
}
