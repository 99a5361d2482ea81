package modplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent is an alias for the CloudEvents Event type for convenience
type CloudEvent = cloudevents.Event

// NewCloudEvent creates a CloudEvent with a UUIDv7 id, the given source and
// JSON data. Metadata entries become CloudEvent extensions.
func NewCloudEvent(eventType, source string, data any, metadata map[string]any) cloudevents.Event {
	event := cloudevents.NewEvent()

	event.SetID(generateEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)

	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}

	for key, value := range metadata {
		event.SetExtension(key, value)
	}

	return event
}

// generateEventID uses UUIDv7 so event ids sort by creation time.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// ValidateCloudEvent validates that a CloudEvent conforms to the specification.
func ValidateCloudEvent(event cloudevents.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("CloudEvent validation failed: %w", err)
	}
	return nil
}

// Emitter is embedded by managers that publish events. A zero Emitter (no
// subject) drops events silently.
type Emitter struct {
	Subject Subject
	Source  string
	Logger  Logger
}

// Emit builds and publishes an event. Emission failures are logged at debug
// level and never propagate to the caller.
func (e Emitter) Emit(ctx context.Context, eventType string, data map[string]any) {
	if e.Subject == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	event := NewCloudEvent(eventType, e.Source, data, nil)
	if err := e.Subject.NotifyObservers(ctx, event); err != nil {
		HandleEventEmissionError(err, e.Logger, e.Source, eventType)
	}
}

// HandleEventEmissionError provides consistent handling of emission failures.
// It returns true if the error was handled.
func HandleEventEmissionError(err error, logger Logger, source, eventType string) bool {
	if errors.Is(err, ErrNoSubjectForEventEmission) {
		return true
	}
	if logger != nil {
		logger.Debug("Failed to emit event", "source", source, "eventType", eventType, "error", err)
		return true
	}
	return false
}
