package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/transfa/lifecycle-service/internal/store"
)

const (
	defaultOutboxBatchSize = 50
	defaultPollInterval    = 1200 * time.Millisecond
	defaultStaleProcessing = 2 * time.Minute
)

// RawPublisher publishes an already encoded body to the broker.
type RawPublisher interface {
	PublishRaw(ctx context.Context, exchange, routingKey string, body []byte) error
}

// CallbackPoster delivers an encoded body to an HTTP callback URL.
type CallbackPoster interface {
	Post(ctx context.Context, url string, body []byte) error
}

// OutboxDispatcher drains the outbox: broker messages through the publisher and
// card callbacks through HTTP. Failed rows are rescheduled with exponential delay.
type OutboxDispatcher struct {
	repo                store.OutboxRepository
	publisher           RawPublisher
	callbacks           CallbackPoster
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	logger              *zap.Logger
}

func NewOutboxDispatcher(repo store.OutboxRepository, publisher RawPublisher, callbacks CallbackPoster, pollInterval time.Duration, batchSize int, logger *zap.Logger) *OutboxDispatcher {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if batchSize <= 0 {
		batchSize = defaultOutboxBatchSize
	}
	return &OutboxDispatcher{
		repo:                repo,
		publisher:           publisher,
		callbacks:           callbacks,
		batchSize:           batchSize,
		pollInterval:        pollInterval,
		staleProcessingTime: defaultStaleProcessing,
		logger:              logger.With(zap.String("component", "outbox_dispatcher")),
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.FlushOnce(ctx); err != nil {
				d.logger.Error("outbox flush error", zap.Error(err))
			}
		}
	}
}

// FlushOnce delivers one claimed batch and returns how many rows were delivered.
func (d *OutboxDispatcher) FlushOnce(ctx context.Context) (int, error) {
	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, message := range messages {
		if err := d.deliver(ctx, message); err != nil {
			retryAfter := retryDelaySeconds(message.Attempts)
			outboxDeliveriesTotal.WithLabelValues(message.Channel, "failed").Inc()
			d.logger.Warn("outbox delivery failed",
				zap.Int64("outbox_id", message.ID),
				zap.String("channel", message.Channel),
				zap.Int("attempts", message.Attempts),
				zap.Int("retry_after_seconds", retryAfter),
				zap.Error(err),
			)
			if markErr := d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error()); markErr != nil {
				d.logger.Error("failed to reschedule outbox message", zap.Int64("outbox_id", message.ID), zap.Error(markErr))
			}
			continue
		}
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			d.logger.Error("failed to mark outbox message as published", zap.Int64("outbox_id", message.ID), zap.Error(err))
			continue
		}
		outboxDeliveriesTotal.WithLabelValues(message.Channel, "delivered").Inc()
		delivered++
	}
	return delivered, nil
}

func (d *OutboxDispatcher) deliver(ctx context.Context, message store.OutboxMessage) error {
	switch message.Channel {
	case store.ChannelAMQP:
		if d.publisher == nil {
			return fmt.Errorf("no publisher configured")
		}
		return d.publisher.PublishRaw(ctx, message.Exchange, message.RoutingKey, message.Payload)
	case store.ChannelHTTP:
		if d.callbacks == nil {
			return fmt.Errorf("no callback client configured")
		}
		return d.callbacks.Post(ctx, message.Target, message.Payload)
	}
	return fmt.Errorf("unknown outbox channel %q", message.Channel)
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << minInt(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
