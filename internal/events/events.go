package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	ExchangeName = "stockcore.events"
	ExchangeType = "topic"

	EventVersion = "1.0.0"

	// Published by stockcore
	EventTypeStockMovement        = "inventory.stock_movement"
	EventTypeLowStock             = "inventory.low_stock"
	EventTypeReservationCreated   = "reservation.created"
	EventTypeReservationReleased  = "reservation.released"
	EventTypeReservationExpired   = "reservation.expired"
	EventTypeReservationExtended  = "reservation.extended"
	EventTypeReservationCommitted = "reservation.committed"
	EventTypeOrderCreated         = "order.created"
	EventTypeOrderStatusChanged   = "order.status_changed"
	EventTypeRefundCreated        = "refund.created"
	EventTypeRefundCompleted      = "refund.completed"
	EventTypeRefundRejected       = "refund.rejected"

	// Consumed by stockcore
	EventTypeCatalogCreated       = "catalog.created"
	EventTypeCatalogDeleted       = "catalog.deleted"
	EventTypeFulfillmentShipped   = "fulfillment.shipped"
	EventTypeFulfillmentDelivered = "fulfillment.delivered"
)

// Event represents a domain event
type Event struct {
	EventID       string                 `json:"event_id"`
	EventType     string                 `json:"event_type"`
	EventVersion  string                 `json:"event_version"`
	Timestamp     string                 `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Payload       map[string]interface{} `json:"payload"`
}

// NewEvent stamps a payload with a fresh id and the given time.
func NewEvent(eventType string, at time.Time, payload map[string]interface{}) Event {
	return Event{
		EventID:      uuid.New().String(),
		EventType:    eventType,
		EventVersion: EventVersion,
		Timestamp:    at.UTC().Format(time.RFC3339),
		Payload:      payload,
	}
}

type correlationKey struct{}

// WithCorrelationID attaches a correlation id that publishers copy onto events.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id set by WithCorrelationID, if any.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// Publisher delivers events to a broker.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	IsHealthy() bool
	Close() error
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

func (NopPublisher) IsHealthy() bool { return true }

func (NopPublisher) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) IsHealthy() bool { return true }

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types lists the recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

// Has reports whether an event of eventType was recorded.
func (r *Recorder) Has(eventType string) bool {
	for _, t := range r.Types() {
		if t == eventType {
			return true
		}
	}
	return false
}
