package modplane

import (
	"context"
	"sort"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// observerRegistration holds information about a registered observer
// and, for asynchronous delivery, its pending events. At most one drain
// goroutine per registration runs at a time so the observer sees events
// in the order they were published.
type observerRegistration struct {
	observer     Observer
	eventTypes   map[string]bool
	registeredAt time.Time

	mu       sync.Mutex
	queue    []pendingEvent
	draining bool
}

type pendingEvent struct {
	ctx   context.Context
	event cloudevents.Event
}

// EventSubject is the Subject shared by every manager of a control plane.
// By default each observer is notified from its own goroutine, in
// publication order, so a slow observer never holds up the publisher or
// the other observers. Wait blocks until every queued notification has
// been delivered.
type EventSubject struct {
	logger      Logger
	synchronous bool

	mu        sync.RWMutex
	observers map[string]*observerRegistration
	inflight  sync.WaitGroup
}

// SubjectOption configures an EventSubject.
type SubjectOption func(*EventSubject)

// WithSynchronousDelivery makes NotifyObservers call observers inline.
func WithSynchronousDelivery() SubjectOption {
	return func(s *EventSubject) { s.synchronous = true }
}

// NewEventSubject creates an empty subject.
func NewEventSubject(logger Logger, opts ...SubjectOption) *EventSubject {
	s := &EventSubject{
		logger:    OrNop(logger),
		observers: make(map[string]*observerRegistration),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterObserver adds or replaces an observer. An empty eventTypes list
// subscribes it to every event.
func (s *EventSubject) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return ErrObserverNil
	}
	if observer.ObserverID() == "" {
		return ErrObserverIDEmpty
	}

	eventTypeMap := make(map[string]bool, len(eventTypes))
	for _, eventType := range eventTypes {
		eventTypeMap[eventType] = true
	}

	s.mu.Lock()
	s.observers[observer.ObserverID()] = &observerRegistration{
		observer:     observer,
		eventTypes:   eventTypeMap,
		registeredAt: time.Now(),
	}
	s.mu.Unlock()

	s.logger.Debug("Observer registered", "observerID", observer.ObserverID(), "eventTypes", eventTypes)
	return nil
}

// UnregisterObserver removes an observer. It is idempotent.
func (s *EventSubject) UnregisterObserver(observer Observer) error {
	if observer == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.observers[observer.ObserverID()]; exists {
		delete(s.observers, observer.ObserverID())
		s.logger.Debug("Observer unregistered", "observerID", observer.ObserverID())
	}
	return nil
}

// NotifyObservers validates event and delivers it to interested observers.
// Observer errors and panics are logged and never returned.
func (s *EventSubject) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}
	if err := ValidateCloudEvent(event); err != nil {
		s.logger.Error("Invalid CloudEvent", "eventType", event.Type(), "error", err)
		return err
	}

	s.mu.RLock()
	targets := make([]*observerRegistration, 0, len(s.observers))
	for _, registration := range s.observers {
		if len(registration.eventTypes) > 0 && !registration.eventTypes[event.Type()] {
			continue
		}
		targets = append(targets, registration)
	}
	s.mu.RUnlock()

	for _, registration := range targets {
		if s.synchronous {
			s.deliver(ctx, registration.observer, event)
			continue
		}
		s.enqueue(registration, pendingEvent{ctx: ctx, event: event})
	}
	return nil
}

func (s *EventSubject) enqueue(registration *observerRegistration, pending pendingEvent) {
	registration.mu.Lock()
	defer registration.mu.Unlock()
	registration.queue = append(registration.queue, pending)
	if registration.draining {
		return
	}
	registration.draining = true
	s.inflight.Add(1)
	go s.drain(registration)
}

func (s *EventSubject) drain(registration *observerRegistration) {
	defer s.inflight.Done()
	for {
		registration.mu.Lock()
		if len(registration.queue) == 0 {
			registration.draining = false
			registration.queue = nil
			registration.mu.Unlock()
			return
		}
		next := registration.queue[0]
		registration.queue[0] = pendingEvent{}
		registration.queue = registration.queue[1:]
		registration.mu.Unlock()

		s.deliver(next.ctx, registration.observer, next.event)
	}
}

func (s *EventSubject) deliver(ctx context.Context, observer Observer, event cloudevents.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Observer panicked", "observerID", observer.ObserverID(), "event", event.Type(), "panic", r)
		}
	}()
	if err := observer.OnEvent(ctx, event); err != nil {
		s.logger.Error("Observer error", "observerID", observer.ObserverID(), "event", event.Type(), "error", err)
	}
}

// Wait blocks until all queued deliveries have finished or ctx ends.
func (s *EventSubject) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetObservers returns registered observers sorted by id.
func (s *EventSubject) GetObservers() []ObserverInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := make([]ObserverInfo, 0, len(s.observers))
	for _, registration := range s.observers {
		eventTypes := make([]string, 0, len(registration.eventTypes))
		for eventType := range registration.eventTypes {
			eventTypes = append(eventTypes, eventType)
		}
		sort.Strings(eventTypes)
		info = append(info, ObserverInfo{
			ID:           registration.observer.ObserverID(),
			EventTypes:   eventTypes,
			RegisteredAt: registration.registeredAt,
		})
	}
	sort.Slice(info, func(i, j int) bool { return info[i].ID < info[j].ID })
	return info
}
