package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// Retry configuration
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	confirmTimeout = 5 * time.Second
)

// RabbitPublisher handles event publishing to RabbitMQ
type RabbitPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	log     *zap.Logger
}

// NewRabbitPublisher connects to RabbitMQ, declares the topic exchange and
// enables publisher confirms.
func NewRabbitPublisher(url string, log *zap.Logger) (*RabbitPublisher, error) {
	conn, channel, err := dial(url)
	if err != nil {
		return nil, err
	}

	// Enable publisher confirms for reliability
	if err := channel.Confirm(false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	log.Info("Connected to RabbitMQ", zap.String("exchange", ExchangeName))

	return &RabbitPublisher{
		conn:    conn,
		channel: channel,
		log:     log,
	}, nil
}

func dial(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(
		ExchangeName,
		ExchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return conn, channel, nil
}

// Publish sends event with its type as routing key and waits for the broker
// to confirm it, retrying with exponential backoff.
func (p *RabbitPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		p.log.Error("Failed to marshal event", zap.Error(err))
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := amqp.Table{
		"event_type":    event.EventType,
		"event_version": event.EventVersion,
	}
	for k, v := range injectTrace(ctx) {
		headers[k] = v
	}
	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now(),
		MessageId:     event.EventID,
		CorrelationId: event.CorrelationID,
		Body:          body,
		Headers:       headers,
	}

	attempt := 0
	publish := func() (struct{}, error) {
		attempt++
		confirm, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, ExchangeName, event.EventType, false, false, msg)
		if err != nil {
			p.log.Warn("Failed to publish event, retrying", zap.Int("attempt", attempt), zap.Error(err))
			return struct{}{}, err
		}

		waitCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
		defer cancel()
		acked, err := confirm.WaitContext(waitCtx)
		switch {
		case err != nil && ctx.Err() != nil:
			return struct{}{}, backoff.Permanent(ctx.Err())
		case err != nil:
			err = fmt.Errorf("confirmation timeout: %w", err)
		case !acked:
			err = errors.New("event not acknowledged")
		default:
			return struct{}{}, nil
		}
		p.log.Warn("Event publish not confirmed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		return struct{}{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialBackoff
	b.MaxInterval = maxBackoff
	if _, err := backoff.Retry(ctx, publish, backoff.WithBackOff(b), backoff.WithMaxTries(maxRetries)); err != nil {
		p.log.Error("Failed to publish event after retries",
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.EventType),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish event after %d attempts: %w", attempt, err)
	}

	p.log.Debug("Event published",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
	)
	return nil
}

// IsHealthy checks if the publisher connection is healthy
func (p *RabbitPublisher) IsHealthy() bool {
	return p.conn != nil && !p.conn.IsClosed()
}

// Close closes the publisher connection
func (p *RabbitPublisher) Close() error {
	return closeAMQP(p.conn, p.channel, p.log)
}

func closeAMQP(conn *amqp.Connection, channel *amqp.Channel, log *zap.Logger) error {
	if channel != nil {
		if err := channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			log.Error("Failed to close channel", zap.Error(err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			log.Error("Failed to close connection", zap.Error(err))
			return err
		}
	}
	return nil
}

// RabbitConsumer feeds catalog and fulfillment events from RabbitMQ to a
// Handler.
type RabbitConsumer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	queue    string
	consumer string
	handler  Handler
	log      *zap.Logger
}

func NewRabbitConsumer(url, serviceName string, handler Handler, log *zap.Logger) (*RabbitConsumer, error) {
	conn, channel, err := dial(url)
	if err != nil {
		return nil, err
	}
	log.Info("Consumer connected to RabbitMQ", zap.String("exchange", ExchangeName))

	return &RabbitConsumer{
		conn:     conn,
		channel:  channel,
		queue:    serviceName + ".stockcore.queue",
		consumer: serviceName,
		handler:  handler,
		log:      log,
	}, nil
}

// Start consumes until ctx ends or the channel closes.
func (c *RabbitConsumer) Start(ctx context.Context) error {
	queue, err := c.channel.QueueDeclare(
		c.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, key := range InboundTypes {
		if err := c.channel.QueueBind(queue.Name, key, ExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue to %s: %w", key, err)
		}
		c.log.Info("Listening for events", zap.String("routing_key", key))
	}

	if err := c.channel.Qos(10, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	msgs, err := c.channel.ConsumeWithContext(ctx,
		queue.Name,
		c.consumer, // consumer tag
		false,      // auto-ack
		false,      // exclusive
		false,      // no-local
		false,      // no-wait
		nil,        // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("consumer channel closed")
			}
			deliver(ctx, c.handler, c.log, msg)
		}
	}
}

// deliver hands one message to h and settles it: ack on success, requeue on
// a transient failure, drop on a malformed or permanently rejected event.
func deliver(ctx context.Context, h Handler, log *zap.Logger, msg amqp.Delivery) {
	event, err := Decode(msg.Body)
	if err != nil {
		log.Warn("Dropping malformed event", zap.String("routing_key", msg.RoutingKey), zap.Error(err))
		_ = msg.Nack(false, false)
		return
	}

	headers := make(map[string]string, len(msg.Headers))
	for k, v := range msg.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	ctx = extractTrace(ctx, headers)
	if event.CorrelationID != "" {
		ctx = WithCorrelationID(ctx, event.CorrelationID)
	}

	fields := []zap.Field{
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
	}
	err = h.Handle(ctx, event)
	switch {
	case err == nil:
		log.Info("Event handled", fields...)
		_ = msg.Ack(false)
	case IsPermanent(err):
		log.Warn("Dropping event", append(fields, zap.Error(err))...)
		_ = msg.Nack(false, false)
	default:
		log.Error("Failed to handle event, requeueing", append(fields, zap.Error(err))...)
		_ = msg.Nack(false, true)
	}
}

// Close closes the consumer connection
func (c *RabbitConsumer) Close() error {
	return closeAMQP(c.conn, c.channel, c.log)
}
