package modhost

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// NewCloudEvent creates a CloudEvent with a time-ordered ID.
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

// generateEventID uses UUIDv7 so IDs sort by creation time.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// ValidateCloudEvent checks the required CloudEvents attributes of event.
func ValidateCloudEvent(event cloudevents.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("CloudEvent validation failed: %w", err)
	}
	return nil
}

type observerRegistration struct {
	observer     Observer
	eventTypes   map[string]bool
	registeredAt time.Time
}

// ObserverSet is a Subject that delivers events to each interested observer
// on its own goroutine.
type ObserverSet struct {
	source string
	logger Logger

	mu        sync.RWMutex
	observers map[string]*observerRegistration
}

// NewObserverSet creates a subject whose events carry source.
func NewObserverSet(source string, logger Logger) *ObserverSet {
	return &ObserverSet{
		source:    source,
		logger:    loggerOrNop(logger),
		observers: make(map[string]*observerRegistration),
	}
}

// RegisterObserver implements Subject.
func (s *ObserverSet) RegisterObserver(observer Observer, eventTypes ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	types := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = true
	}
	s.observers[observer.ObserverID()] = &observerRegistration{
		observer:     observer,
		eventTypes:   types,
		registeredAt: time.Now(),
	}
	s.logger.Debug("Observer registered", "observerID", observer.ObserverID(), "eventTypes", eventTypes)
	return nil
}

// UnregisterObserver implements Subject.
func (s *ObserverSet) UnregisterObserver(observer Observer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.observers[observer.ObserverID()]; exists {
		delete(s.observers, observer.ObserverID())
		s.logger.Debug("Observer unregistered", "observerID", observer.ObserverID())
	}
	return nil
}

// NotifyObservers implements Subject.
func (s *ObserverSet) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}
	if err := ValidateCloudEvent(event); err != nil {
		s.logger.Error("Invalid CloudEvent", "eventType", event.Type(), "error", err)
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, registration := range s.observers {
		if len(registration.eventTypes) > 0 && !registration.eventTypes[event.Type()] {
			continue
		}
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Observer panicked", "observerID", registration.observer.ObserverID(), "event", event.Type(), "panic", r)
				}
			}()
			if err := registration.observer.OnEvent(ctx, event); err != nil {
				s.logger.Error("Observer error", "observerID", registration.observer.ObserverID(), "event", event.Type(), "error", err)
			}
		}()
	}
	return nil
}

// GetObservers implements Subject.
func (s *ObserverSet) GetObservers() []ObserverInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := make([]ObserverInfo, 0, len(s.observers))
	for _, registration := range s.observers {
		info = append(info, ObserverInfo{
			ID:           registration.observer.ObserverID(),
			EventTypes:   slices.Sorted(maps.Keys(registration.eventTypes)),
			RegisteredAt: registration.registeredAt,
		})
	}
	return info
}

// emit publishes a CloudEvent without blocking the caller.
func (s *ObserverSet) emit(eventType string, data map[string]any) {
	s.mu.RLock()
	empty := len(s.observers) == 0
	s.mu.RUnlock()
	if empty {
		return
	}
	event := NewCloudEvent(eventType, s.source, data, nil)
	if err := s.NotifyObservers(context.Background(), event); err != nil {
		s.logger.Error("Failed to notify observers", "event", eventType, "error", err)
	}
}
