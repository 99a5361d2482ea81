package metrics

import (
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modplane"
	"github.com/GoCodeAlone/modplane/lifecycle"
)

func emit(t *testing.T, subject *modplane.EventSubject, eventType string, data map[string]any) {
	t.Helper()
	require.NoError(t, subject.NotifyObservers(context.Background(), modplane.NewCloudEvent(eventType, "test", data, nil)))
}

func TestCollector_FromEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	subject := modplane.NewEventSubject(nil, modplane.WithSynchronousDelivery())
	require.NoError(t, subject.RegisterObserver(c))

	emit(t, subject, modplane.EventTypeModuleStateChanged, map[string]any{"module": "billing", "from": "stopped", "to": "starting"})
	emit(t, subject, modplane.EventTypeModuleStateChanged, map[string]any{"module": "billing", "from": "starting", "to": "running"})
	emit(t, subject, modplane.EventTypeModuleRestarting, map[string]any{"module": "billing", "attempt": 1})
	emit(t, subject, modplane.EventTypeModuleRestarting, map[string]any{"module": "billing", "attempt": 2})
	emit(t, subject, modplane.EventTypeModeSwitched, map[string]any{"module": "billing", "from": "in_process", "to": "external"})
	emit(t, subject, modplane.EventTypeServiceStarted, map[string]any{"service": "auth", "pid": 10})
	emit(t, subject, modplane.EventTypeServiceStarted, map[string]any{"service": "gateway", "pid": 11})
	emit(t, subject, modplane.EventTypeServiceExited, map[string]any{"service": "gateway", "pid": 11})
	emit(t, subject, modplane.EventTypeServiceRestarted, map[string]any{"service": "gateway", "reason": "exited"})
	emit(t, subject, modplane.EventTypeHealthUnhealthy, map[string]any{"module": "reports"})
	emit(t, subject, modplane.EventTypeDependencyCycle, map[string]any{"node": "a", "path": []string{"a", "b", "a"}})
	emit(t, subject, modplane.EventTypeManifestDiscovered, map[string]any{"module": "ignored"})

	assert.Equal(t, 0.0, testutil.ToFloat64(c.moduleState.WithLabelValues("billing", "starting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.moduleState.WithLabelValues("billing", "running")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.moduleRestarts.WithLabelValues("billing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.modeSwitches.WithLabelValues("billing", "external")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.serviceUp.WithLabelValues("auth")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.serviceUp.WithLabelValues("gateway")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.serviceRestarts.WithLabelValues("gateway")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.healthFailures.WithLabelValues("reports")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.resolutionFailures))

	n, err := testutil.GatherAndCount(reg, "modplane_module_state")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestNewCollector_DoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCollector(reg)
	require.NoError(t, err)
	_, err = NewCollector(reg)
	var are prometheus.AlreadyRegisteredError
	require.ErrorAs(t, err, &are)
}

func TestCollector_AsynchronousSubjectKeepsStateOrder(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	subject := modplane.NewEventSubject(nil)
	require.NoError(t, subject.RegisterObserver(c))
	life := lifecycle.NewManager(nil, lifecycle.WithSubject(subject))

	ctx := context.Background()
	const modules = 50
	for i := range modules {
		id := fmt.Sprintf("mod-%d", i)
		require.NoError(t, life.Register(lifecycle.Descriptor{ID: id, Kind: lifecycle.KindInProcess}))
		require.NoError(t, life.Start(ctx, id))
		if i%2 == 1 {
			require.NoError(t, life.Stop(ctx, id))
		}
	}
	require.NoError(t, subject.Wait(ctx))

	for i := range modules {
		id := fmt.Sprintf("mod-%d", i)
		want := map[string]float64{"starting": 0, "running": 1, "stopping": 0, "stopped": 0}
		if i%2 == 1 {
			want = map[string]float64{"starting": 0, "running": 0, "stopping": 0, "stopped": 1}
		}
		for state, v := range want {
			assert.Equal(t, v, testutil.ToFloat64(c.moduleState.WithLabelValues(id, state)), "%s %s", id, state)
		}
	}
}
