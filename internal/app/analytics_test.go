package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaAnalytics_RecordKeysByID(t *testing.T) {
	writer := &fakeWriter{}
	sink := &KafkaAnalytics{writer: writer, logger: zap.NewNop()}
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	sink.Record(context.Background(), AnalyticsEvent{Machine: "demande", ID: "d-1", Status: "APPROVED", RiskLevel: "LOW", RiskScore: 12, At: at})

	require.Len(t, writer.messages, 1)
	assert.Equal(t, "d-1", string(writer.messages[0].Key))
	var ev AnalyticsEvent
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &ev))
	assert.Equal(t, "APPROVED", ev.Status)
	assert.Equal(t, 12, ev.RiskScore)

	require.NoError(t, sink.Close())
	assert.True(t, writer.closed)
}

func TestKafkaAnalytics_WriteErrorIsSwallowed(t *testing.T) {
	sink := &KafkaAnalytics{writer: &fakeWriter{err: errors.New("broker down")}, logger: zap.NewNop()}
	assert.NotPanics(t, func() {
		sink.Record(context.Background(), AnalyticsEvent{Machine: "transaction", ID: "t-1", Status: "SUCCESS"})
	})
}

func TestRedisRateLimiter_NilAlwaysAllows(t *testing.T) {
	var limiter *RedisRateLimiter
	allowed, retry, err := limiter.Allow(context.Background(), "demandes", "agence-01", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, retry)
}
