package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const publishTimeout = 10 * time.Second

// Dispatcher publishes events in the background after the state they describe
// has been committed. A failed publish is logged and never reaches the caller.
// A nil *Dispatcher drops events.
type Dispatcher struct {
	publisher Publisher
	log       *zap.Logger
	wg        sync.WaitGroup
}

func NewDispatcher(publisher Publisher, log *zap.Logger) *Dispatcher {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{publisher: publisher, log: log}
}

// Dispatch publishes evs in order on a separate goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, evs ...Event) {
	if d == nil || len(evs) == 0 {
		return
	}
	corrID := CorrelationID(ctx)
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for _, event := range evs {
			if event.CorrelationID == "" {
				event.CorrelationID = corrID
			}
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			err := d.publisher.Publish(pubCtx, event)
			cancel()
			if err != nil {
				d.log.Error("Failed to publish event",
					zap.String("event_id", event.EventID),
					zap.String("event_type", event.EventType),
					zap.Error(err),
				)
			}
		}
	}()
}

// Wait blocks until every dispatched event has been handed to the publisher.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

// Healthy reports the publisher's health.
func (d *Dispatcher) Healthy() bool {
	if d == nil {
		return true
	}
	return d.publisher.IsHealthy()
}
