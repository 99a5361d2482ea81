// Package metrics turns the control plane event stream into Prometheus
// metrics. The Collector is an ordinary observer: register it on the
// Subject and on a prometheus.Registerer.
package metrics

import (
	"context"
	"errors"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoCodeAlone/modplane"
)

const namespace = "modplane"

// ObserverID identifies the collector on a Subject.
const ObserverID = "modplane-metrics"

// Collector maintains metrics from events.
type Collector struct {
	moduleState        *prometheus.GaugeVec
	moduleRestarts     *prometheus.CounterVec
	modeSwitches       *prometheus.CounterVec
	serviceRestarts    *prometheus.CounterVec
	serviceUp          *prometheus.GaugeVec
	healthFailures     *prometheus.CounterVec
	resolutionFailures prometheus.Counter
}

// NewCollector creates the metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		moduleState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "state",
			Help:      "1 for the current lifecycle state of each module, 0 otherwise.",
		}, []string{"module", "state"}),
		moduleRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "restarts_total",
			Help:      "Automatic module restarts after a crash.",
		}, []string{"module"}),
		modeSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "mode_switches_total",
			Help:      "Execution strategy switches by target strategy.",
		}, []string{"module", "strategy"}),
		serviceRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Platform service restarts after an exit or failed health check.",
		}, []string{"service"}),
		serviceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "up",
			Help:      "1 while the platform service process runs.",
		}, []string{"service"}),
		healthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "failures_total",
			Help:      "Transitions of a remote module to unhealthy.",
		}, []string{"module"}),
		resolutionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolution_failures_total",
			Help:      "Dependency resolutions that failed on a cycle.",
		}),
	}
	for _, m := range []prometheus.Collector{
		c.moduleState, c.moduleRestarts, c.modeSwitches, c.serviceRestarts,
		c.serviceUp, c.healthFailures, c.resolutionFailures,
	} {
		if err := reg.Register(m); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return nil, fmt.Errorf("register metrics: %w", err)
			}
			return nil, err
		}
	}
	return c, nil
}

// ObserverID implements modplane.Observer.
func (c *Collector) ObserverID() string { return ObserverID }

// OnEvent implements modplane.Observer. Events it does not track are ignored.
func (c *Collector) OnEvent(_ context.Context, event cloudevents.Event) error {
	data := map[string]any{}
	if len(event.Data()) > 0 {
		if err := event.DataAs(&data); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type(), err)
		}
	}
	str := func(key string) string {
		s, _ := data[key].(string)
		return s
	}

	switch event.Type() {
	case modplane.EventTypeModuleStateChanged:
		if from := str("from"); from != "" {
			c.moduleState.WithLabelValues(str("module"), from).Set(0)
		}
		c.moduleState.WithLabelValues(str("module"), str("to")).Set(1)
	case modplane.EventTypeModuleRestarting:
		c.moduleRestarts.WithLabelValues(str("module")).Inc()
	case modplane.EventTypeModeSwitched:
		c.modeSwitches.WithLabelValues(str("module"), str("to")).Inc()
	case modplane.EventTypeServiceRestarted:
		c.serviceRestarts.WithLabelValues(str("service")).Inc()
	case modplane.EventTypeServiceStarted:
		c.serviceUp.WithLabelValues(str("service")).Set(1)
	case modplane.EventTypeServiceStopped, modplane.EventTypeServiceExited:
		c.serviceUp.WithLabelValues(str("service")).Set(0)
	case modplane.EventTypeHealthUnhealthy:
		c.healthFailures.WithLabelValues(str("module")).Inc()
	case modplane.EventTypeDependencyCycle:
		c.resolutionFailures.Inc()
	}
	return nil
}
