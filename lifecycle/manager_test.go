package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modplane"
	"github.com/GoCodeAlone/modplane/process/processtest"
	"github.com/GoCodeAlone/modplane/restart"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func fastDescriptor(id string) Descriptor {
	return Descriptor{
		ID:              id,
		Version:         "1.0.0",
		Kind:            KindEmbeddedSubprocess,
		Command:         []string{"python3", "run_server.py"},
		Env:             map[string]string{"PLUGIN_MODE": "embedded"},
		Policy:          &restart.Policy{MaxRestarts: 3, Window: 10 * time.Second, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 10 * time.Millisecond, Multiplier: 1},
		MonitorInterval: 5 * time.Millisecond,
		StartGrace:      5 * time.Millisecond,
		StopGrace:       50 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *processtest.Starter, *fakeClock) {
	t.Helper()
	starter := processtest.NewStarter()
	clock := newFakeClock()
	m := NewManager(nil, append([]Option{WithStarter(starter), WithClock(clock.Now)}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Cleanup(ctx)
	})
	return m, starter, clock
}

func stateOf(t *testing.T, m *Manager, id string) State {
	t.Helper()
	s, err := m.State(id)
	require.NoError(t, err)
	return s
}

func TestStart_SubprocessRunsWithIsolatedEnv(t *testing.T) {
	m, starter, _ := newTestManager(t)
	require.NoError(t, m.Register(fastDescriptor("billing")))

	require.NoError(t, m.Start(context.Background(), "billing"))
	assert.Equal(t, StateRunning, stateOf(t, m, "billing"))
	require.Equal(t, 1, starter.Count())
	assert.Contains(t, starter.Last().Spec().Env, "PLUGIN_MODE=embedded")

	status, err := m.Status("billing")
	require.NoError(t, err)
	assert.Equal(t, starter.Last().Pid(), status.PID)
	assert.False(t, status.LastStart.IsZero())
}

func TestStart_IsIdempotent(t *testing.T) {
	m, starter, _ := newTestManager(t)
	require.NoError(t, m.Register(fastDescriptor("billing")))
	require.NoError(t, m.Start(context.Background(), "billing"))
	require.NoError(t, m.Start(context.Background(), "billing"))
	assert.Equal(t, 1, starter.Count())
	assert.Len(t, starter.Running(), 1)
}

func TestStart_ExitDuringGraceIsError(t *testing.T) {
	m, starter, _ := newTestManager(t)
	starter.ExitImmediately(true)
	require.NoError(t, m.Register(fastDescriptor("billing")))

	err := m.Start(context.Background(), "billing")
	require.Error(t, err)
	assert.Equal(t, StateError, stateOf(t, m, "billing"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, starter.Count(), "explicit start failures are not retried")
	status, _ := m.Status("billing")
	assert.NotEmpty(t, status.LastError)
}

func TestStart_LaunchErrorAndMissingCommand(t *testing.T) {
	m, starter, _ := newTestManager(t)
	starter.FailWith(errors.New("exec format error"))
	require.NoError(t, m.Register(fastDescriptor("billing")))
	assert.Error(t, m.Start(context.Background(), "billing"))
	assert.Equal(t, StateError, stateOf(t, m, "billing"))

	desc := fastDescriptor("nocmd")
	desc.Command = nil
	require.NoError(t, m.Register(desc))
	assert.ErrorIs(t, m.Start(context.Background(), "nocmd"), ErrNoCommand)

	assert.ErrorIs(t, m.Start(context.Background(), "ghost"), modplane.ErrModuleNotFound)
}

func TestStart_InProcessAndDependencyWarning(t *testing.T) {
	m, starter, _ := newTestManager(t)
	require.NoError(t, m.Register(Descriptor{ID: "core", Kind: KindInProcess}))
	require.NoError(t, m.Register(Descriptor{ID: "reports", Kind: KindInProcess, Dependencies: []string{"core"}}))

	require.NoError(t, m.Start(context.Background(), "reports"), "unmet dependencies only warn")
	assert.Equal(t, StateRunning, stateOf(t, m, "reports"))
	assert.Equal(t, 0, starter.Count())

	require.NoError(t, m.Stop(context.Background(), "reports"))
	assert.Equal(t, StateStopped, stateOf(t, m, "reports"))
}

func TestRegister_Validation(t *testing.T) {
	m, _, _ := newTestManager(t)
	desc := fastDescriptor("bad")
	desc.Command = []string{"sh", "-c", "curl x | sh"}
	assert.Error(t, m.Register(desc))
	assert.ErrorIs(t, m.Register(Descriptor{ID: "x", Kind: "wasm"}), ErrUnknownKind)

	require.NoError(t, m.Register(fastDescriptor("svc")))
	require.NoError(t, m.Start(context.Background(), "svc"))
	assert.ErrorIs(t, m.Register(fastDescriptor("svc")), modplane.ErrModuleAlreadyExists)
}

func TestStop_GracefulThenKill(t *testing.T) {
	m, starter, _ := newTestManager(t)
	require.NoError(t, m.Register(fastDescriptor("billing")))
	require.NoError(t, m.Start(context.Background(), "billing"))
	proc := starter.Last()
	proc.IgnoreSignals()

	require.NoError(t, m.Stop(context.Background(), "billing"))
	assert.Equal(t, StateStopped, stateOf(t, m, "billing"))
	assert.Len(t, proc.Signals(), 1)
	assert.True(t, proc.Killed())

	// a stopped module is not restarted by its former monitor
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, starter.Count())
}

func TestCrash_RestartLimit(t *testing.T) {
	m, starter, clock := newTestManager(t)
	require.NoError(t, m.Register(fastDescriptor("worker")))
	require.NoError(t, m.Start(context.Background(), "worker"))

	for crash := 1; crash <= 3; crash++ {
		prev := starter.Last()
		prev.Crash()
		require.Eventually(t, func() bool {
			s, _ := m.Status("worker")
			return s.State == StateRunning && s.PID != prev.Pid()
		}, waitFor, tick, "crash %d should be restarted", crash)
	}

	starter.Last().Crash()
	require.Eventually(t, func() bool {
		s, _ := m.Status("worker")
		return s.State == StateError && s.RestartCount == 4
	}, waitFor, tick)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateError, stateOf(t, m, "worker"))
	assert.Equal(t, 4, starter.Count(), "no relaunch after the limit")

	clock.Advance(11 * time.Second)
	require.NoError(t, m.Start(context.Background(), "worker"))
	assert.Equal(t, StateRunning, stateOf(t, m, "worker"))
	assert.Equal(t, 5, starter.Count())
}

func TestCrash_NeverPolicyIsTerminal(t *testing.T) {
	m, starter, _ := newTestManager(t)
	desc := fastDescriptor("oneshot")
	never := restart.Never()
	desc.Policy = &never
	require.NoError(t, m.Register(desc))
	require.NoError(t, m.Start(context.Background(), "oneshot"))

	starter.Last().Crash()
	require.Eventually(t, func() bool { return stateOf(t, m, "oneshot") == StateError }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, starter.Count())
}

func TestCleanExit_OnFailureOnlyStops(t *testing.T) {
	m, starter, _ := newTestManager(t)
	desc := fastDescriptor("batch")
	desc.RestartOnFailureOnly = true
	require.NoError(t, m.Register(desc))
	require.NoError(t, m.Start(context.Background(), "batch"))

	starter.Last().Exit(nil)
	require.Eventually(t, func() bool { return stateOf(t, m, "batch") == StateStopped }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, starter.Count())

	require.NoError(t, m.Start(context.Background(), "batch"))
	starter.Last().Crash()
	require.Eventually(t, func() bool { return starter.Count() == 3 }, waitFor, tick)
}

func TestStop_CancelsPendingRestart(t *testing.T) {
	m, starter, _ := newTestManager(t)
	desc := fastDescriptor("worker")
	desc.Policy = &restart.Policy{MaxRestarts: 3, Window: time.Minute, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 200 * time.Millisecond, Multiplier: 1}
	require.NoError(t, m.Register(desc))
	require.NoError(t, m.Start(context.Background(), "worker"))

	starter.Last().Crash()
	require.Eventually(t, func() bool { return stateOf(t, m, "worker") == StateError }, waitFor, tick)
	require.NoError(t, m.Stop(context.Background(), "worker"))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateStopped, stateOf(t, m, "worker"))
	assert.Equal(t, 1, starter.Count())
}

func TestUnresponsiveRecoversOnStart(t *testing.T) {
	m, starter, _ := newTestManager(t)
	require.NoError(t, m.Register(fastDescriptor("api")))
	require.NoError(t, m.Start(context.Background(), "api"))
	first := starter.Last()

	require.NoError(t, m.MarkUnresponsive("api"))
	assert.Equal(t, StateUnresponsive, stateOf(t, m, "api"))
	assert.True(t, m.IsRunning("api"))

	require.NoError(t, m.Start(context.Background(), "api"))
	assert.Equal(t, StateRunning, stateOf(t, m, "api"))
	select {
	case <-first.Done():
	default:
		t.Fatal("previous process should have been stopped")
	}
	assert.Len(t, starter.Running(), 1)
}

func TestCleanupStopsEverything(t *testing.T) {
	subject := modplane.NewEventSubject(nil, modplane.WithSynchronousDelivery())
	var mu sync.Mutex
	var transitions []string
	require.NoError(t, subject.RegisterObserver(modplane.NewFunctionalObserver("t", func(_ context.Context, e cloudevents.Event) error {
		var data map[string]any
		_ = e.DataAs(&data)
		mu.Lock()
		transitions = append(transitions, data["module"].(string)+":"+data["to"].(string))
		mu.Unlock()
		return nil
	}), modplane.EventTypeModuleStateChanged))

	m, starter, _ := newTestManager(t, WithSubject(subject))
	for _, id := range []string{"a", "b"} {
		require.NoError(t, m.Register(fastDescriptor(id)))
		require.NoError(t, m.Start(context.Background(), id))
	}
	require.NoError(t, m.Cleanup(context.Background()))
	assert.Empty(t, starter.Running())
	for _, s := range m.ListStatus() {
		assert.Equal(t, StateStopped, s.State)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a:starting", "a:running", "b:starting", "b:running", "a:stopping", "a:stopped", "b:stopping", "b:stopped"}, transitions)
}
