package controlplane

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modplane"
	"github.com/GoCodeAlone/modplane/config"
	"github.com/GoCodeAlone/modplane/dependency"
	"github.com/GoCodeAlone/modplane/flagstore"
	"github.com/GoCodeAlone/modplane/lifecycle"
	"github.com/GoCodeAlone/modplane/mode"
	"github.com/GoCodeAlone/modplane/process/processtest"
)

type runnable struct {
	id  string
	log *hostLog
}

func (r runnable) Start(context.Context) error { r.log.add("start " + r.id); return nil }
func (r runnable) Stop(context.Context) error  { r.log.add("stop " + r.id); return nil }

type hostLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *hostLog) add(s string) {
	l.mu.Lock()
	l.entries = append(l.entries, s)
	l.mu.Unlock()
}

func (l *hostLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

type fixture struct {
	cp      *ControlPlane
	starter *processtest.Starter
	store   flagstore.Store
	log     *hostLog
	events  *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []cloudevents.Event
}

func (l *eventLog) observer() modplane.Observer {
	return modplane.NewFunctionalObserver("test-events", func(_ context.Context, e cloudevents.Event) error {
		l.mu.Lock()
		l.events = append(l.events, e)
		l.mu.Unlock()
		return nil
	})
}

// transitions returns the lifecycle target states recorded for module id.
func (l *eventLog) transitions(id string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		if e.Type() != modplane.EventTypeModuleStateChanged {
			continue
		}
		var data map[string]any
		if err := e.DataAs(&data); err != nil || data["module"] != id {
			continue
		}
		out = append(out, data["to"].(string))
	}
	return out
}

func (l *eventLog) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type() == eventType {
			n++
		}
	}
	return n
}

func testConfig(modules ...config.ModuleConfig) config.Config {
	cfg := config.Defaults()
	cfg.Health.Enabled = false
	cfg.Lifecycle.MonitorInterval = config.Duration(5 * time.Millisecond)
	cfg.Lifecycle.StartGrace = config.Duration(5 * time.Millisecond)
	cfg.Lifecycle.StopGrace = config.Duration(50 * time.Millisecond)
	cfg.Lifecycle.RestartDelay = config.Duration(10 * time.Millisecond)
	cfg.Mode.StartGrace = config.Duration(5 * time.Millisecond)
	cfg.Mode.StopGrace = config.Duration(50 * time.Millisecond)
	cfg.Modules = modules
	return cfg
}

func newFixture(t *testing.T, cfg config.Config, store flagstore.Store) *fixture {
	t.Helper()
	f := &fixture{
		starter: processtest.NewStarter(),
		store:   store,
		log:     &hostLog{},
		events:  &eventLog{},
	}
	if f.store == nil {
		f.store = flagstore.NewMemoryStore()
	}
	host := mode.NewLocalHost()
	for _, m := range cfg.Modules {
		id := m.ID
		host.RegisterFactory(id, func() (mode.Runnable, error) { return runnable{id: id, log: f.log}, nil })
	}
	subject := modplane.NewEventSubject(nil, modplane.WithSynchronousDelivery())
	require.NoError(t, subject.RegisterObserver(f.events.observer()))

	cp, err := New(context.Background(), Options{
		Config:  cfg,
		Subject: subject,
		Store:   f.store,
		Host:    host,
		Starter: f.starter,
		Getenv:  func(string) string { return "" },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cp.Shutdown(context.Background()) })
	f.cp = cp
	return f
}

func requires(ids ...string) []config.DependencyEntry {
	out := make([]config.DependencyEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, config.DependencyEntry{ID: id})
	}
	return out
}

func TestLoadAll_DependencyOrder(t *testing.T) {
	disabled := false
	f := newFixture(t, testConfig(
		config.ModuleConfig{ID: "api", Version: "1.0.0", Dependencies: requires("cache", "db")},
		config.ModuleConfig{ID: "cache", Version: "1.0.0", Dependencies: requires("db")},
		config.ModuleConfig{ID: "db", Version: "2.1.0"},
		config.ModuleConfig{ID: "legacy", Version: "1.0.0", Enabled: &disabled},
		config.ModuleConfig{ID: "reports", Version: "1.0.0", Dependencies: requires("legacy")},
	), nil)
	ctx := context.Background()

	report, err := f.cp.LoadAll(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"db", "cache", "api"}, report.Started)
	assert.Empty(t, report.Failed)
	require.Len(t, report.Skipped, 2)
	assert.Equal(t, "legacy", report.Skipped[0].ID)
	assert.Equal(t, []string{"disabled"}, report.Skipped[0].Reasons)
	assert.Equal(t, "reports", report.Skipped[1].ID)
	assert.Contains(t, report.Skipped[1].Reasons[0], "legacy")

	assert.Equal(t, []string{"start db", "start cache", "start api"}, f.log.all())
	for _, id := range []string{"db", "cache", "api"} {
		view, err := f.cp.Status(ctx, id)
		require.NoError(t, err)
		assert.True(t, view.Running, id)
		assert.Equal(t, lifecycle.StateRunning, view.State, id)
	}
	view, err := f.cp.Status(ctx, "db")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"api", "cache"}, view.Dependents)

	flags, found, err := f.store.Get(ctx, "db")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, flagstore.Flags{Enabled: true, Loaded: true, Strategy: "in_process"}, flags)
}

func TestLoadAll_CycleStartsNothing(t *testing.T) {
	f := newFixture(t, testConfig(
		config.ModuleConfig{ID: "a", Version: "1.0.0", Dependencies: requires("b")},
		config.ModuleConfig{ID: "b", Version: "1.0.0", Dependencies: requires("a")},
		config.ModuleConfig{ID: "c", Version: "1.0.0"},
	), nil)

	_, err := f.cp.LoadAll(context.Background())
	require.ErrorIs(t, err, dependency.ErrCycle)
	assert.Empty(t, f.log.all())
	assert.Equal(t, 1, f.events.count(modplane.EventTypeDependencyCycle))

	res := f.cp.Plan(nil)
	assert.False(t, res.Success)
}

func TestConflictsAreExclusive(t *testing.T) {
	f := newFixture(t, testConfig(
		config.ModuleConfig{ID: "x", Version: "1.0.0", Dependencies: []config.DependencyEntry{{ID: "y", Kind: "conflicts"}}},
		config.ModuleConfig{ID: "y", Version: "1.0.0"},
	), nil)
	ctx := context.Background()

	report, err := f.cp.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, report.Started)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "y", report.Skipped[0].ID)

	res := f.cp.StartModule(ctx, "y")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "conflict")

	require.True(t, f.cp.StopModule(ctx, "x").Success)
	require.True(t, f.cp.StartModule(ctx, "y").Success)

	res = f.cp.StartModule(ctx, "x")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "y")
}

func TestStartModule_Errors(t *testing.T) {
	disabled := false
	f := newFixture(t, testConfig(
		config.ModuleConfig{ID: "db", Version: "1.0.0"},
		config.ModuleConfig{ID: "api", Version: "1.0.0", Dependencies: []config.DependencyEntry{{ID: "db", Constraint: ">=2.0"}}},
		config.ModuleConfig{ID: "off", Version: "1.0.0", Enabled: &disabled},
	), nil)
	ctx := context.Background()

	res := f.cp.StartModule(ctx, "ghost")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, modplane.ErrModuleNotFound.Error())

	res = f.cp.StartModule(ctx, "off")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, modplane.ErrModuleDisabled.Error())

	require.True(t, f.cp.StartModule(ctx, "db").Success)
	res = f.cp.StartModule(ctx, "api")
	assert.False(t, res.Success)
	assert.Equal(t, 1, f.events.count(modplane.EventTypeModuleLoadBlocked))

	res = f.cp.StartModule(ctx, "db")
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "already running")
}

func TestSwitchMode_RoundTrip(t *testing.T) {
	f := newFixture(t, testConfig(config.ModuleConfig{
		ID:              "billing",
		Version:         "1.0.0",
		Command:         []string{"python3", "billing.py"},
		SupportedModes:  []string{"in_process", "embedded"},
		SwitchPermitted: true,
	}), nil)
	ctx := context.Background()

	_, err := f.cp.LoadAll(ctx)
	require.NoError(t, err)

	res := f.cp.SwitchMode(ctx, "billing", "subprocess", true)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, []string{"start billing", "stop billing"}, f.log.all())
	require.Equal(t, 1, f.starter.Count())
	assert.Len(t, f.starter.Running(), 1)
	assert.Equal(t, "billing", f.starter.Last().Spec().Name)

	view, err := f.cp.Status(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, mode.StrategyEmbeddedSubprocess, view.Mode.Current)
	assert.Equal(t, lifecycle.StateRunning, view.State)
	assert.True(t, view.Running)

	res = f.cp.SwitchMode(ctx, "billing", "embedded", true)
	require.True(t, res.Success)
	assert.Contains(t, res.Message, "already runs as")

	res = f.cp.SwitchMode(ctx, "billing", "in_process", true)
	require.True(t, res.Success, res.Message)
	assert.Empty(t, f.starter.Running())
	assert.Equal(t, []string{"start billing", "stop billing", "start billing"}, f.log.all())

	res = f.cp.SwitchMode(ctx, "billing", "teleport", false)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, ErrInvalidMode.Error())

	res = f.cp.SwitchMode(ctx, "billing", "external", false)
	assert.False(t, res.Success)
	assert.Equal(t, 2, f.events.count(modplane.EventTypeModeSwitched))
}

func TestEmbeddedCrashWithoutRestart(t *testing.T) {
	f := newFixture(t, testConfig(config.ModuleConfig{
		ID:            "worker",
		Version:       "1.0.0",
		Mode:          "embedded",
		Command:       []string{"python3", "worker.py"},
		RestartPolicy: config.RestartNever,
	}), nil)
	ctx := context.Background()

	report, err := f.cp.LoadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"worker"}, report.Started)
	require.Equal(t, 1, f.starter.Count())

	f.starter.Last().Crash()
	require.Eventually(t, func() bool {
		view, err := f.cp.Status(ctx, "worker")
		return err == nil && view.State == lifecycle.StateError
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.starter.Count(), "never policy does not restart")
	assert.Equal(t, 1, f.events.count(modplane.EventTypeModuleRestartLimit))

	res := f.cp.StartModule(ctx, "worker")
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 2, f.starter.Count())
	view, err := f.cp.Status(ctx, "worker")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateRunning, view.State)
}

func TestFlagsSurviveRestart(t *testing.T) {
	store := flagstore.NewMemoryStore()
	modules := []config.ModuleConfig{
		{ID: "db", Version: "1.0.0"},
		{ID: "billing", Version: "1.0.0", SupportedModes: []string{"in_process", "external"}, SwitchPermitted: true},
	}
	ctx := context.Background()

	first := newFixture(t, testConfig(modules...), store)
	require.True(t, first.cp.DisableModule(ctx, "db").Success)
	require.True(t, first.cp.SwitchMode(ctx, "billing", "external", false).Success)
	require.NoError(t, first.cp.Shutdown(ctx))
	assert.Equal(t, 1, first.events.count(modplane.EventTypeModuleDisabled))

	second := newFixture(t, testConfig(modules...), store)
	view, err := second.cp.Status(ctx, "db")
	require.NoError(t, err)
	assert.False(t, view.Enabled)
	view, err = second.cp.Status(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, mode.StrategyExternalService, view.Mode.Current)

	report, err := second.cp.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "db", report.Skipped[0].ID)
	require.Len(t, report.Failed, 1, "billing has no base URL")
	assert.Equal(t, "billing", report.Failed[0].ID)

	require.True(t, second.cp.EnableModule(ctx, "db").Success)
	require.True(t, second.cp.StartModule(ctx, "db").Success)
}

func TestUnhealthyExternalModuleIsRestarted(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" && healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(config.ModuleConfig{ID: "reports", Version: "1.0.0", Mode: "external", BaseURL: srv.URL})
	cfg.Health.Enabled = true
	cfg.Health.RestartUnhealthy = true
	f := newFixture(t, cfg, nil)
	ctx := context.Background()

	_, err := f.cp.LoadAll(ctx)
	require.NoError(t, err)
	require.NotNil(t, f.cp.Monitor())
	assert.Empty(t, f.cp.Monitor().CheckNow(ctx))

	healthy.Store(false)
	assert.Equal(t, []string{"reports"}, f.cp.Monitor().CheckNow(ctx))

	assert.Equal(t, []string{"starting", "running", "unresponsive", "stopping", "stopped", "starting", "running"}, f.events.transitions("reports"))
	view, err := f.cp.Status(ctx, "reports")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateRunning, view.State)
	assert.Zero(t, view.Lifecycle.RestartCount, "health restarts are not crashes")
	assert.Equal(t, 1, f.events.count(modplane.EventTypeHealthUnhealthy))
}

func TestMetricsFollowEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := testConfig(config.ModuleConfig{ID: "db", Version: "1.0.0"})
	subject := modplane.NewEventSubject(nil, modplane.WithSynchronousDelivery())
	host := mode.NewLocalHost()
	host.RegisterFactory("db", func() (mode.Runnable, error) { return runnable{id: "db", log: &hostLog{}}, nil })

	cp, err := New(context.Background(), Options{
		Config:     cfg,
		Subject:    subject,
		Store:      flagstore.NewMemoryStore(),
		Host:       host,
		Registerer: reg,
	})
	require.NoError(t, err)
	defer func() { _ = cp.Shutdown(context.Background()) }()

	_, err = cp.LoadAll(context.Background())
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "modplane_module_state")
	require.NoError(t, err)
	assert.Positive(t, count)
}

func TestShutdown(t *testing.T) {
	f := newFixture(t, testConfig(
		config.ModuleConfig{ID: "db", Version: "1.0.0"},
		config.ModuleConfig{ID: "worker", Version: "1.0.0", Mode: "embedded", Command: []string{"python3", "w.py"}},
	), nil)
	ctx := context.Background()

	report, err := f.cp.Start(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"db", "worker"}, report.Started)

	_, err = f.cp.Start(ctx)
	require.ErrorIs(t, err, ErrStarted)

	require.NoError(t, f.cp.Shutdown(ctx))
	require.NoError(t, f.cp.Shutdown(ctx))
	assert.Empty(t, f.starter.Running())
	assert.Equal(t, []string{"start db", "stop db"}, f.log.all())

	res := f.cp.StartModule(ctx, "db")
	assert.False(t, res.Success)
	assert.Equal(t, ErrClosed.Error(), res.Message)

	_, err = f.cp.Start(ctx)
	require.ErrorIs(t, err, ErrClosed)
}
