package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a single topic, keyed by the entity they
// describe so one product's movements stay on one partition.
type KafkaPublisher struct {
	writer  messageWriter
	topic   string
	log     *zap.Logger
	healthy atomic.Bool
}

func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		MaxAttempts:            maxRetries,
		AllowAutoTopicCreation: true,
	}
	log.Info("Kafka publisher configured", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return newKafkaPublisher(w, topic, log)
}

func newKafkaPublisher(w messageWriter, topic string, log *zap.Logger) *KafkaPublisher {
	p := &KafkaPublisher{writer: w, topic: topic, log: log}
	p.healthy.Store(true)
	return p
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := []kafka.Header{
		{Key: "event_type", Value: []byte(event.EventType)},
		{Key: "event_version", Value: []byte(event.EventVersion)},
	}
	if event.CorrelationID != "" {
		headers = append(headers, kafka.Header{Key: "correlation_id", Value: []byte(event.CorrelationID)})
	}
	for k, v := range injectTrace(ctx) {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	msg := kafka.Message{
		Key:     []byte(event.partitionKey()),
		Value:   body,
		Headers: headers,
		Time:    time.Now(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.healthy.Store(false)
		p.log.Error("Failed to write event to Kafka",
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.EventType),
			zap.Error(err),
		)
		return fmt.Errorf("failed to write event to %s: %w", p.topic, err)
	}
	p.healthy.Store(true)

	p.log.Debug("Event published",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
	)
	return nil
}

// IsHealthy reports whether the last write succeeded.
func (p *KafkaPublisher) IsHealthy() bool {
	return p.healthy.Load()
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
