/**
 * @description
 * A small producer for publishing JSON messages to a RabbitMQ topic exchange.
 * Messages are persistent and carry a ULID message id.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - github.com/oklog/ulid/v2: message ids.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishRaw(ctx context.Context, exchange, routingKey string, body []byte) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
	logger  *zap.Logger
}

// ErrBrokerUnavailable is returned by the fallback publisher.
var ErrBrokerUnavailable = errors.New("rabbitmq broker unavailable")

// EventProducerFallback is used when RabbitMQ is unavailable at startup. It refuses
// every publish so callers such as the outbox keep their messages for a later retry.
type EventProducerFallback struct {
	Logger *zap.Logger
}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return p.PublishRaw(ctx, exchange, routingKey, nil)
}

func (p *EventProducerFallback) PublishRaw(_ context.Context, exchange, routingKey string, _ []byte) error {
	if p.Logger != nil {
		p.Logger.Warn("publish skipped", zap.String("mode", "fallback"), zap.String("exchange", exchange), zap.String("routing_key", routingKey))
	}
	return ErrBrokerUnavailable
}

func (p *EventProducerFallback) Close() {}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string, logger *zap.Logger) (*EventProducer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Bounded dial timeout so startup does not hang indefinitely.
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch, logger: logger.With(zap.String("component", "rabbitmq_producer"))}, nil
}

// Publish marshals body to JSON and sends it to exchange with the routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		p.logger.Error("json marshal failed", zap.String("exchange", exchange), zap.String("routing_key", routingKey), zap.Error(err))
		return err
	}
	return p.PublishRaw(ctx, exchange, routingKey, jsonBody)
}

// PublishRaw sends an already encoded JSON body. On failure the channel is reopened
// once and the publish retried.
func (p *EventProducer) PublishRaw(ctx context.Context, exchange, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.publishOnce(ctx, exchange, routingKey, body)
	if err == nil {
		return nil
	}
	p.logger.Warn("publish failed; reopening channel", zap.String("exchange", exchange), zap.String("routing_key", routingKey), zap.Error(err))

	if p.conn == nil || p.conn.IsClosed() {
		return err
	}
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return chErr
	}
	if p.channel != nil {
		p.channel.Close()
	}
	p.channel = ch
	return p.publishOnce(ctx, exchange, routingKey, body)
}

func (p *EventProducer) publishOnce(ctx context.Context, exchange, routingKey string, body []byte) error {
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		return err
	}

	now := time.Now()
	return p.channel.PublishWithContext(ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    ulid.Make().String(),
			Timestamp:    now,
			Body:         body,
		},
	)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
