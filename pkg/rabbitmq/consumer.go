package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Handler processes one delivery body. Returning true acknowledges the message;
// false asks for a redelivery (first failure) or dead-letters it (already redelivered).
type Handler func(body []byte) bool

type Consumer struct {
	conn               *amqp.Connection
	ch                 *amqp.Channel
	logger             *zap.Logger
	deadLetterExchange string
	prefetch           int
}

// ConsumerOption tunes a Consumer.
type ConsumerOption func(*Consumer)

// WithDeadLetterExchange makes every declared queue dead-letter to <queue>.dlq
// through the given exchange.
func WithDeadLetterExchange(exchange string) ConsumerOption {
	return func(c *Consumer) { c.deadLetterExchange = exchange }
}

// WithPrefetch bounds the number of unacknowledged deliveries per channel.
func WithPrefetch(n int) ConsumerOption {
	return func(c *Consumer) { c.prefetch = n }
}

func NewConsumer(amqpURL string, logger *zap.Logger, opts ...ConsumerOption) (*Consumer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := &Consumer{conn: conn, ch: ch, logger: logger.With(zap.String("component", "rabbitmq_consumer")), prefetch: 20}
	for _, opt := range opts {
		opt(c)
	}
	if c.prefetch > 0 {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Consumer) declareDeadLetter(queueName string) (amqp.Table, error) {
	if c.deadLetterExchange == "" {
		return nil, nil
	}
	if err := c.ch.ExchangeDeclare(c.deadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return nil, err
	}
	dlq := queueName + ".dlq"
	if _, err := c.ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return nil, err
	}
	if err := c.ch.QueueBind(dlq, dlq, c.deadLetterExchange, false, nil); err != nil {
		return nil, err
	}
	return amqp.Table{
		"x-dead-letter-exchange":    c.deadLetterExchange,
		"x-dead-letter-routing-key": dlq,
	}, nil
}

// ConsumeWithBindings declares the topic exchange and a durable queue, binds every
// routing key in bindings and dispatches deliveries by routing key.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	args, err := c.declareDeadLetter(queueName)
	if err != nil {
		return fmt.Errorf("dead-letter setup for %s: %w", queueName, err)
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, args)
	if err != nil {
		return err
	}

	handlers := make(map[string]Handler)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			c.dispatch(q.Name, handlers, d)
		}
		c.logger.Warn("delivery channel closed", zap.String("queue", q.Name))
	}()

	return nil
}

func (c *Consumer) dispatch(queue string, handlers map[string]Handler, d amqp.Delivery) {
	log := c.logger.With(zap.String("queue", queue), zap.String("routing_key", d.RoutingKey))
	handler, ok := handlers[d.RoutingKey]
	if !ok {
		log.Warn("no handler for routing key; acknowledging to drop")
		_ = d.Ack(false)
		return
	}
	if handler(d.Body) {
		_ = d.Ack(false)
		return
	}
	if d.Redelivered && c.deadLetterExchange != "" {
		log.Error("handler failed on redelivery; dead-lettering")
		_ = d.Nack(false, false)
		return
	}
	log.Warn("handler failed; re-queuing")
	_ = d.Nack(false, true)
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
