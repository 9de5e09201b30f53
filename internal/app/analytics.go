package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// AnalyticsEvent is a flattened record of a lifecycle outcome.
type AnalyticsEvent struct {
	Machine   string    `json:"machine"`
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Type      string    `json:"type,omitempty"`
	RiskLevel string    `json:"riskLevel,omitempty"`
	RiskScore int       `json:"riskScore,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	At        time.Time `json:"at"`
}

// AnalyticsSink receives lifecycle outcomes. Record must not block the caller and
// never fails a transition.
type AnalyticsSink interface {
	Record(ctx context.Context, ev AnalyticsEvent)
	Close() error
}

// NoopAnalytics drops everything.
type NoopAnalytics struct{}

func (NoopAnalytics) Record(context.Context, AnalyticsEvent) {}
func (NoopAnalytics) Close() error                           { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAnalytics streams outcomes to a Kafka topic keyed by record id.
type KafkaAnalytics struct {
	writer messageWriter
	logger *zap.Logger
}

// NewKafkaAnalytics builds an async writer; delivery errors are only logged.
func NewKafkaAnalytics(brokers []string, topic string, logger *zap.Logger) *KafkaAnalytics {
	logger = logger.With(zap.String("component", "analytics"))
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Compression:  kafka.Snappy,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("analytics delivery failed", zap.Int("messages", len(messages)), zap.Error(err))
			}
		},
	}
	return &KafkaAnalytics{writer: writer, logger: logger}
}

func (k *KafkaAnalytics) Record(ctx context.Context, ev AnalyticsEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		k.logger.Warn("analytics marshal failed", zap.Error(err))
		return
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.ID), Value: body, Time: ev.At}); err != nil {
		k.logger.Warn("analytics write failed", zap.String("id", ev.ID), zap.Error(err))
	}
}

func (k *KafkaAnalytics) Close() error {
	return k.writer.Close()
}
