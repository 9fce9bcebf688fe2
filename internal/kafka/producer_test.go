package kafka_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberwatch/internal/config"
	"emberwatch/internal/kafka"
	"emberwatch/internal/models"
)

// skipIfNoKafka skips the test if Kafka is not available
func skipIfNoKafka(t *testing.T) {
	if os.Getenv("KAFKA_TEST") != "1" {
		t.Skip("Skipping Kafka integration test. Set KAFKA_TEST=1 to run.")
	}
}

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	calls    int
	written  []kafkago.Message
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failures > 0 {
		w.failures--
		return errors.New("leader not available")
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func newTestProducer(t *testing.T, w *fakeWriter, retries int) *kafka.Producer {
	t.Helper()
	cfg := config.ProducerConfig{PoolSize: 1, MaxRetries: retries, RetryBackoff: time.Millisecond}
	p, err := kafka.NewProducer([]string{"broker:9092"}, "alert-events", cfg,
		kafka.WithWriterFactory(func([]string, string, config.ProducerConfig) kafka.MessageWriter { return w }))
	require.NoError(t, err)
	return p
}

func testEnvelope(eventID int64) *models.AlertEnvelope {
	rule := models.AlertRule{ID: 5, SensorID: 9, Kind: models.RuleMaxThreshold, Severity: models.SeverityCritical}
	reading := models.Reading{ID: 100 + eventID, NodeID: 3, SensorID: 9, SensorType: models.SensorTemperature, Value: 61, Timestamp: time.Now()}
	event := models.NewAlertEvent(rule, reading, 61, "max_threshold: value 61 above maximum threshold 60", time.Now())
	event.ID = eventID
	return models.NewAlertEnvelope(event, rule, reading, "eval-1")
}

func header(msg kafkago.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestNewProducerValidation(t *testing.T) {
	_, err := kafka.NewProducer(nil, "t", config.ProducerConfig{})
	assert.Error(t, err)

	_, err = kafka.NewProducer([]string{"b:9092"}, "", config.ProducerConfig{})
	assert.Error(t, err)
}

func TestProducerPublishBatchEncodesEnvelopes(t *testing.T) {
	w := &fakeWriter{}
	p := newTestProducer(t, w, 0)

	err := p.PublishBatch(context.Background(), []*models.AlertEnvelope{testEnvelope(1), testEnvelope(2)})
	require.NoError(t, err)

	require.Len(t, w.written, 2)
	msg := w.written[0]
	assert.Equal(t, "3", string(msg.Key), "keyed by node")
	assert.Equal(t, "1", header(msg, "event_id"))
	assert.Equal(t, "5", header(msg, "rule_id"))
	assert.Equal(t, "critical", header(msg, "severity"))

	var decoded models.AlertEnvelope
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, int64(1), decoded.Event.ID)
	assert.Equal(t, "eval-1", decoded.EvaluationID)

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.MessagesSent)
	assert.NotZero(t, stats.BytesWritten)
}

func TestProducerRetriesThenSucceeds(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p := newTestProducer(t, w, 3)

	require.NoError(t, p.Publish(context.Background(), testEnvelope(1)))
	assert.Equal(t, 3, w.calls)
	assert.Len(t, w.written, 1)
}

func TestProducerGivesUpAfterRetries(t *testing.T) {
	w := &fakeWriter{failures: 10}
	p := newTestProducer(t, w, 2)

	err := p.Publish(context.Background(), testEnvelope(1))
	require.Error(t, err)
	assert.Equal(t, 3, w.calls)
	assert.Equal(t, uint64(1), p.Stats().MessagesFailed)
}

func TestProducerClose(t *testing.T) {
	w := &fakeWriter{}
	p := newTestProducer(t, w, 0)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "second close is a no-op")
	assert.True(t, w.closed)

	err := p.Publish(context.Background(), testEnvelope(1))
	assert.ErrorIs(t, err, kafka.ErrProducerClosed)
}

func TestProducerPublishAgainstBroker(t *testing.T) {
	skipIfNoKafka(t)

	cfg := config.Default()
	producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.AlertsTopic, cfg.Kafka.Producer)
	require.NoError(t, err)
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, producer.HealthCheck(ctx))
	require.NoError(t, producer.Publish(ctx, testEnvelope(1)))
	assert.Equal(t, uint64(1), producer.Stats().MessagesSent)
}
