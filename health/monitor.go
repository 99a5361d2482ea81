package health

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/modplane"
)

// Monitor polls a Checker on a fixed interval.
type Monitor struct {
	checker Checker
	config  Config
	logger  modplane.Logger
	emitter modplane.Emitter
	now     func() time.Time

	mu      sync.Mutex
	alert   AlertFunc
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	// stopped is set while a Stop is waiting for the poller and closed once
	// the poller and deferred alerts have finished.
	stopped  chan struct{}
	snapshot Snapshot

	// alerts tracks deferred alert callbacks.
	alerts sync.WaitGroup
}

// NewMonitor creates a new health monitor. subject may be nil.
func NewMonitor(checker Checker, config Config, logger modplane.Logger, subject modplane.Subject) (*Monitor, error) {
	if checker == nil {
		return nil, ErrNilChecker
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	logger = modplane.OrNop(logger)
	return &Monitor{
		checker:  checker,
		config:   config,
		logger:   logger,
		emitter:  modplane.Emitter{Subject: subject, Source: "modplane/health", Logger: logger},
		now:      time.Now,
		snapshot: Snapshot{Modules: map[string]ModuleHealth{}},
	}, nil
}

// SetAlertFunc sets the callback invoked for newly unhealthy modules.
func (m *Monitor) SetAlertFunc(fn AlertFunc) {
	m.mu.Lock()
	m.alert = fn
	m.mu.Unlock()
}

// Start begins polling. Calling Start on a running monitor does nothing;
// calling it while a Stop is still waiting for the poller returns
// ErrStopping.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped != nil {
		return ErrStopping
	}
	if m.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	go m.monitorLoop(loopCtx, m.done)

	m.logger.Info("Health monitor started", "interval", m.config.Interval)
	return nil
}

// Stop signals the poller and waits for it and for any deferred alerts.
// The monitor counts as running until the poller has exited. Calling Stop
// on a stopped monitor does nothing. ctx bounds the wait.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	stopped := m.stopped
	if stopped == nil {
		stopped = make(chan struct{})
		m.stopped = stopped
		cancel, done := m.cancel, m.done
		cancel()
		go func() {
			<-done
			m.alerts.Wait()
			m.mu.Lock()
			m.running = false
			m.stopped = nil
			m.mu.Unlock()
			close(stopped)
		}()
	}
	m.mu.Unlock()

	select {
	case <-stopped:
		m.logger.Info("Health monitor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: health monitor: %w", modplane.ErrShutdownTimeout, ctx.Err())
	}
}

// IsRunning returns true while the poller is active
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Snapshot returns a copy of the latest results.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{CheckedAt: m.snapshot.CheckedAt, Modules: maps.Clone(m.snapshot.Modules)}
}

// monitorLoop checks immediately and then once per interval until ctx ends.
func (m *Monitor) monitorLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.CheckNow(ctx)
			timer.Reset(m.config.Interval)
		}
	}
}

// CheckNow runs one polling iteration and returns the ids that turned
// unhealthy in it, sorted.
func (m *Monitor) CheckNow(ctx context.Context) []string {
	results := m.checker.HealthCheckAll(ctx)
	if ctx.Err() != nil {
		return nil
	}
	now := m.now()

	var unhealthy, recovered []string
	m.mu.Lock()
	next := make(map[string]ModuleHealth, len(results))
	for id, ok := range results {
		prev, seen := m.snapshot.Modules[id]
		cur := ModuleHealth{ID: id, Status: StatusHealthy, Since: now}
		if !ok {
			cur.Status = StatusUnhealthy
			cur.ConsecutiveFailures = prev.ConsecutiveFailures + 1
		}
		if seen && prev.Status == cur.Status {
			cur.Since = prev.Since
		}
		switch {
		case !ok && (!seen || prev.Status == StatusHealthy):
			unhealthy = append(unhealthy, id)
		case ok && seen && prev.Status == StatusUnhealthy:
			recovered = append(recovered, id)
		}
		next[id] = cur
	}
	m.snapshot = Snapshot{CheckedAt: now, Modules: next}
	alert := m.alert
	m.mu.Unlock()

	sort.Strings(unhealthy)
	sort.Strings(recovered)

	for _, id := range recovered {
		m.logger.Info("Remote module recovered", "module", id)
		m.emitter.Emit(ctx, modplane.EventTypeHealthRecovered, map[string]any{"module": id})
	}
	for _, id := range unhealthy {
		m.logger.Warn("Remote module unhealthy", "module", id)
		m.emitter.Emit(ctx, modplane.EventTypeHealthUnhealthy, map[string]any{"module": id})
		if alert == nil {
			continue
		}
		if m.config.DeferredAlerts {
			m.alerts.Add(1)
			go func() {
				defer m.alerts.Done()
				m.runAlert(ctx, alert, id)
			}()
			continue
		}
		m.runAlert(ctx, alert, id)
	}
	return unhealthy
}

// runAlert contains callback failures so polling continues.
func (m *Monitor) runAlert(ctx context.Context, alert AlertFunc, id string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Health alert callback panicked", "module", id, "panic", r)
		}
	}()
	if err := alert(ctx, id); err != nil {
		m.logger.Error("Health alert callback failed", "module", id, "error", err)
	}
}
