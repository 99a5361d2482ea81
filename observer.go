// Package modplane is the control plane for a platform built from
// dynamically loadable capability modules and a fixed set of always-on
// platform services.
//
// The root package carries the contracts every manager shares: the
// structured Logger, the Observer/Subject pair used to publish CloudEvents,
// and the Result value returned by administrative operations. The managers
// themselves live in sub-packages (dependency, lifecycle, mode,
// orchestrator, health) and are composed by the controlplane package.
package modplane

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer defines the interface for objects that want to be notified of events.
// Observers register with a Subject and receive CloudEvents emitted by the
// managers (state changes, restarts, mode switches, health transitions).
type Observer interface {
	// OnEvent is called when an event the observer subscribed to occurs.
	// Observers should return quickly; slow work belongs in their own goroutines.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier used for registration tracking.
	ObserverID() string
}

// Subject defines the interface for objects that can be observed.
type Subject interface {
	// RegisterObserver adds an observer. When eventTypes is empty the
	// observer receives all events.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer. It is idempotent.
	UnregisterObserver(observer Observer) error

	// NotifyObservers sends an event to all interested observers.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error

	// GetObservers returns information about currently registered observers.
	GetObservers() []ObserverInfo
}

// ObserverInfo provides information about a registered observer.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// EventType constants for control plane events.
// Following the CloudEvents specification these use reverse domain notation.
const (
	// Module lifecycle events
	EventTypeModuleRegistered   = "com.modplane.module.registered"
	EventTypeModuleStateChanged = "com.modplane.module.state_changed"
	EventTypeModuleCrashed      = "com.modplane.module.crashed"
	EventTypeModuleRestarting   = "com.modplane.module.restarting"
	EventTypeModuleRestartLimit = "com.modplane.module.restart_limit_exceeded"
	EventTypeModuleEnabled      = "com.modplane.module.enabled"
	EventTypeModuleDisabled     = "com.modplane.module.disabled"
	EventTypeModuleLoadBlocked  = "com.modplane.module.load_blocked"
	EventTypeDependencyCycle    = "com.modplane.dependency.cycle"
	EventTypeModeSwitched       = "com.modplane.mode.switched"
	EventTypeModeSwitchFailed   = "com.modplane.mode.switch_failed"

	// Platform service events
	EventTypeServiceStarted      = "com.modplane.service.started"
	EventTypeServiceStopped      = "com.modplane.service.stopped"
	EventTypeServiceExited       = "com.modplane.service.exited"
	EventTypeServiceRestarted    = "com.modplane.service.restarted"
	EventTypeServiceUnhealthy    = "com.modplane.service.unhealthy"
	EventTypeServiceDepsTimedOut = "com.modplane.service.dependencies_timeout"
	EventTypeServiceStartFailed  = "com.modplane.service.start_failed"
	EventTypeServiceRejected     = "com.modplane.service.rejected"

	// Health events
	EventTypeHealthUnhealthy = "com.modplane.health.unhealthy"
	EventTypeHealthRecovered = "com.modplane.health.recovered"

	// Discovery events
	EventTypeManifestDiscovered = "com.modplane.discovery.manifest"
)

// FunctionalObserver provides a simple way to create observers using functions.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer that delegates to handler.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{
		id:      id,
		handler: handler,
	}
}

// OnEvent implements the Observer interface by calling the handler function.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements the Observer interface by returning the observer ID.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}
