package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"citas/internal/models"
)

const (
	AppointmentBooked      = "appointment.booked"
	AppointmentConfirmed   = "appointment.confirmed"
	AppointmentCancelled   = "appointment.cancelled"
	AppointmentRescheduled = "appointment.rescheduled"
	AppointmentUpdated     = "appointment.updated"
)

// AppointmentPayload is published with every appointment event. Previous is
// the stored state before the change, nil on creation.
type AppointmentPayload struct {
	Appointment models.Appointment  `json:"appointment"`
	Previous    *models.Appointment `json:"previous,omitempty"`
	RoomName    string              `json:"room_name,omitempty"`
}

// TypeForStatus is the event published when an appointment enters status.
func TypeForStatus(status models.Status) string {
	switch status {
	case models.StatusPending:
		return AppointmentBooked
	case models.StatusConfirmed:
		return AppointmentConfirmed
	case models.StatusCancelled:
		return AppointmentCancelled
	case models.StatusRescheduled:
		return AppointmentRescheduled
	}
	return AppointmentUpdated
}

// Event represents a lightweight domain event.
type Event struct {
	ID        string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s event %s: %w", e.Type, e.ID, err)
	}
	return nil
}

// EventHandler reacts to an event.
type EventHandler func(event Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	logger      *zerolog.Logger
}

// NewEventBus constructs an empty bus.
func NewEventBus(logger *zerolog.Logger) *EventBus {
	l := logger.With().Str("component", "events").Logger()
	return &EventBus{subscribers: make(map[string][]EventHandler), logger: &l}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type and returns how many
// handlers failed. Handlers run synchronously; caller decides concurrency model.
func (b *EventBus) Publish(event Event) int {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	failed := 0
	for _, handler := range handlers {
		if err := handler(event); err != nil {
			failed++
			b.logger.Warn().Err(err).Str("event_id", event.ID).Str("type", event.Type).Msg("Event handler failed")
		}
	}
	return failed
}

// PublishJSON marshals payload and publishes it under eventType.
func (b *EventBus) PublishJSON(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	b.Publish(Event{Type: eventType, Payload: data})
	return nil
}
