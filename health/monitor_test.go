package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modplane"
)

type scriptedChecker struct {
	mu      sync.Mutex
	results map[string]bool
	calls   atomic.Int32
}

func (c *scriptedChecker) set(id string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results == nil {
		c.results = map[string]bool{}
	}
	c.results[id] = ok
}

func (c *scriptedChecker) HealthCheckAll(context.Context) map[string]bool {
	c.calls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

func TestNewMonitor_RequiresChecker(t *testing.T) {
	_, err := NewMonitor(nil, Config{}, nil, nil)
	require.ErrorIs(t, err, ErrNilChecker)

	m, err := NewMonitor(&scriptedChecker{}, Config{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, m.config.Interval)
}

func TestCheckNow_AlertsOnlyOnTransition(t *testing.T) {
	checker := &scriptedChecker{}
	checker.set("billing", true)
	checker.set("search", false)

	var events []string
	var mu sync.Mutex
	subject := modplane.NewEventSubject(nil, modplane.WithSynchronousDelivery())
	require.NoError(t, subject.RegisterObserver(modplane.NewFunctionalObserver("rec", func(_ context.Context, e cloudevents.Event) error {
		mu.Lock()
		events = append(events, e.Type())
		mu.Unlock()
		return nil
	})))

	m, err := NewMonitor(checker, Config{Interval: time.Hour}, nil, subject)
	require.NoError(t, err)
	var alerted []string
	m.SetAlertFunc(func(_ context.Context, id string) error {
		alerted = append(alerted, id)
		return errors.New("pager offline")
	})

	ctx := context.Background()
	assert.Equal(t, []string{"search"}, m.CheckNow(ctx), "first observation unhealthy alerts")
	assert.Empty(t, m.CheckNow(ctx), "still unhealthy does not alert again")

	checker.set("billing", false)
	checker.set("search", true)
	assert.Equal(t, []string{"billing"}, m.CheckNow(ctx))
	assert.Equal(t, []string{"search", "billing"}, alerted)

	snap := m.Snapshot()
	assert.Equal(t, StatusUnhealthy, snap.Modules["billing"].Status)
	assert.Equal(t, 1, snap.Modules["billing"].ConsecutiveFailures)
	assert.Equal(t, StatusHealthy, snap.Modules["search"].Status)
	assert.False(t, snap.CheckedAt.IsZero())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		modplane.EventTypeHealthUnhealthy,
		modplane.EventTypeHealthRecovered,
		modplane.EventTypeHealthUnhealthy,
	}, events)
}

func TestCheckNow_PanickingAlertIsContained(t *testing.T) {
	checker := &scriptedChecker{}
	checker.set("a", false)
	checker.set("b", false)

	m, err := NewMonitor(checker, Config{}, nil, nil)
	require.NoError(t, err)
	var calls int
	m.SetAlertFunc(func(context.Context, string) error {
		calls++
		panic("boom")
	})

	assert.Equal(t, []string{"a", "b"}, m.CheckNow(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestStartStop_Idempotent(t *testing.T) {
	checker := &scriptedChecker{}
	checker.set("svc", true)

	m, err := NewMonitor(checker, Config{Interval: 5 * time.Millisecond}, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Stop(ctx), "stop before start is a no-op")
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Start(ctx))
	assert.True(t, m.IsRunning())

	require.Eventually(t, func() bool { return checker.calls.Load() >= 3 }, time.Second, time.Millisecond)

	require.NoError(t, m.Stop(ctx))
	require.NoError(t, m.Stop(ctx))
	assert.False(t, m.IsRunning())

	after := checker.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, checker.calls.Load(), "no polling after stop")
}

func TestStop_InterruptsLongInterval(t *testing.T) {
	checker := &scriptedChecker{}
	m, err := NewMonitor(checker, Config{Interval: time.Hour}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return checker.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, m.Stop(ctx))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestStop_AwaitsDeferredAlerts(t *testing.T) {
	checker := &scriptedChecker{}
	checker.set("slow", false)

	m, err := NewMonitor(checker, Config{Interval: time.Hour, DeferredAlerts: true}, nil, nil)
	require.NoError(t, err)

	started := make(chan struct{})
	var finished atomic.Bool
	m.SetAlertFunc(func(context.Context, string) error {
		close(started)
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	require.NoError(t, m.Start(context.Background()))
	<-started
	require.NoError(t, m.Stop(context.Background()))
	assert.True(t, finished.Load())
}

// blockingChecker holds every HealthCheckAll call until release is closed,
// regardless of the caller's context.
type blockingChecker struct {
	release chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
	calls   atomic.Int32
}

func (c *blockingChecker) HealthCheckAll(context.Context) map[string]bool {
	c.calls.Add(1)
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	<-c.release
	return map[string]bool{}
}

func TestStart_RefusedWhileStopIsPending(t *testing.T) {
	checker := &blockingChecker{release: make(chan struct{})}
	m, err := NewMonitor(checker, Config{Interval: time.Millisecond}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return checker.active.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.Stop(ctx), modplane.ErrShutdownTimeout)
	assert.True(t, m.IsRunning(), "poller has not exited yet")
	assert.ErrorIs(t, m.Start(context.Background()), ErrStopping)

	close(checker.release)
	require.NoError(t, m.Stop(context.Background()))
	assert.False(t, m.IsRunning())
	assert.Equal(t, int32(1), checker.peak.Load())

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return checker.calls.Load() >= 2 }, time.Second, time.Millisecond)
	require.NoError(t, m.Stop(context.Background()))
}
