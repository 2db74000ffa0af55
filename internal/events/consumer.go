package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InboundTypes are the event types the inventory core reacts to.
var InboundTypes = []string{
	EventTypeCatalogCreated,
	EventTypeCatalogDeleted,
	EventTypeFulfillmentShipped,
	EventTypeFulfillmentDelivered,
}

// Handler applies one inbound event. A returned error requeues the message
// unless it is marked with Permanent.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) Handle(ctx context.Context, event Event) error { return f(ctx, event) }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an inbound event that no retry can fix; it is dropped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Decode parses an inbound event envelope.
func Decode(body []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if event.EventType == "" {
		return Event{}, errors.New("event has no event_type")
	}
	if event.Payload == nil {
		event.Payload = map[string]interface{}{}
	}
	return event, nil
}

// injectTrace copies the span context of ctx into message headers.
func injectTrace(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}

// extractTrace restores the producer's span context from message headers.
func extractTrace(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// PayloadString reads a string field of the payload.
func (e Event) PayloadString(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// partitionKey groups the events of one entity so brokers keep their order.
func (e Event) partitionKey() string {
	for _, key := range []string{"product_id", "order_id", "refund_id", "reservation_id"} {
		if v := e.PayloadString(key); v != "" {
			return v
		}
	}
	return e.EventID
}
