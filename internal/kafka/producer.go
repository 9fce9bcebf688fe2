package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"emberwatch/internal/config"
	"emberwatch/internal/logger"
	"emberwatch/internal/metrics"
	"emberwatch/internal/models"
)

// Producer errors
var (
	ErrProducerClosed  = errors.New("producer is closed")
	ErrSerializeFailed = errors.New("failed to serialize message")
)

// MessageWriter is the part of kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes alert envelopes to the alerts topic with a pool of
// writers, retry and batching.
type Producer struct {
	cfg     config.ProducerConfig
	brokers []string
	topic   string
	writers []MessageWriter
	pool    chan MessageWriter
	closed  atomic.Bool

	newWriter func(brokers []string, topic string, cfg config.ProducerConfig) MessageWriter
	dial      func(ctx context.Context, network, addr string) (*kafka.Conn, error)

	// Metrics
	messagesSent   atomic.Uint64
	messagesFailed atomic.Uint64
	bytesWritten   atomic.Uint64
}

// ProducerOption is a functional option for configuring the producer
type ProducerOption func(*Producer)

// WithWriterFactory replaces the kafka.Writer constructor.
func WithWriterFactory(f func(brokers []string, topic string, cfg config.ProducerConfig) MessageWriter) ProducerOption {
	return func(p *Producer) { p.newWriter = f }
}

// NewProducer creates a new Kafka producer with the given configuration
func NewProducer(brokers []string, topic string, cfg config.ProducerConfig, opts ...ProducerOption) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}

	if topic == "" {
		return nil, errors.New("topic is required")
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}

	p := &Producer{
		cfg:       cfg,
		brokers:   brokers,
		topic:     topic,
		writers:   make([]MessageWriter, cfg.PoolSize),
		pool:      make(chan MessageWriter, cfg.PoolSize),
		newWriter: newKafkaWriter,
		dial:      kafka.DialContext,
	}

	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < cfg.PoolSize; i++ {
		w := p.newWriter(brokers, topic, cfg)
		p.writers[i] = w
		p.pool <- w
	}

	return p, nil
}

func newKafkaWriter(brokers []string, topic string, cfg config.ProducerConfig) MessageWriter {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // partition by node
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  getCompression(cfg.Compression),
		MaxAttempts:  1, // retries are ours
		Async:        false,
	}
}

// getCompression returns the kafka compression codec
func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None
	}
}

// envelopeMessage encodes an envelope as a keyed Kafka message.
func envelopeMessage(env *models.AlertEnvelope) (kafka.Message, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}

	headers := []kafka.Header{
		{Key: "envelope_id", Value: []byte(env.ID)},
		{Key: "severity", Value: []byte(env.Severity)},
		{Key: "kind", Value: []byte(env.Kind)},
	}
	if env.Event != nil {
		headers = append(headers,
			kafka.Header{Key: "event_id", Value: []byte(strconv.FormatInt(env.Event.ID, 10))},
			kafka.Header{Key: "rule_id", Value: []byte(strconv.FormatInt(env.Event.RuleID, 10))},
		)
	}

	return kafka.Message{
		Key:     []byte(env.PartitionKey),
		Value:   data,
		Headers: headers,
		Time:    env.ProducedAt,
	}, nil
}

// Publish sends one envelope to Kafka
func (p *Producer) Publish(ctx context.Context, env *models.AlertEnvelope) error {
	return p.PublishBatch(ctx, []*models.AlertEnvelope{env})
}

// PublishBatch sends multiple envelopes to Kafka in a single write.
// Envelopes that fail to serialize are dropped and counted as failed.
func (p *Producer) PublishBatch(ctx context.Context, envelopes []*models.AlertEnvelope) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	if len(envelopes) == 0 {
		return nil
	}

	log := logger.WithComponent("kafka_producer")
	start := time.Now()

	messages := make([]kafka.Message, 0, len(envelopes))
	for _, env := range envelopes {
		msg, err := envelopeMessage(env)
		if err != nil {
			log.Error().
				Err(err).
				Str("envelope_id", env.ID).
				Msg("failed to serialize envelope")
			p.messagesFailed.Add(1)
			metrics.KafkaPublishTotal.WithLabelValues("failed").Inc()
			continue
		}
		messages = append(messages, msg)
	}

	if len(messages) == 0 {
		return nil
	}

	var writer MessageWriter
	select {
	case writer = <-p.pool:
		defer func() { p.pool <- writer }()
	case <-ctx.Done():
		p.messagesFailed.Add(uint64(len(messages)))
		return ctx.Err()
	}

	err := p.writeWithRetry(ctx, writer, messages)
	duration := time.Since(start)
	metrics.KafkaPublishDuration.Observe(duration.Seconds())

	if err != nil {
		log.Error().
			Err(err).
			Int("batch_size", len(messages)).
			Dur("duration", duration).
			Msg("failed to publish batch to kafka")
		p.messagesFailed.Add(uint64(len(messages)))
		metrics.KafkaPublishTotal.WithLabelValues("failed").Add(float64(len(messages)))
		return err
	}

	log.Debug().
		Int("batch_size", len(messages)).
		Dur("duration", duration).
		Msg("batch published to kafka")

	p.messagesSent.Add(uint64(len(messages)))
	metrics.KafkaPublishTotal.WithLabelValues("success").Add(float64(len(messages)))

	bytesTotal := uint64(0)
	for _, msg := range messages {
		bytesTotal += uint64(len(msg.Value))
	}
	p.bytesWritten.Add(bytesTotal)
	metrics.KafkaBytesWritten.Add(float64(bytesTotal))

	return nil
}

// writeWithRetry writes messages with exponential backoff retry
func (p *Producer) writeWithRetry(ctx context.Context, writer MessageWriter, messages []kafka.Message) error {
	log := logger.WithComponent("kafka_producer")
	var lastErr error
	backoff := p.cfg.RetryBackoff

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Int("attempt", attempt).
				Int("batch_size", len(messages)).
				Dur("backoff", backoff).
				Msg("retrying kafka publish")

			metrics.KafkaPublishRetries.Inc()

			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := writer.WriteMessages(ctx, messages...)
		if err == nil {
			return nil
		}

		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("batch_size", len(messages)).
			Msg("kafka publish attempt failed")

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

// Close closes all writers in the pool
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	var errs []error
	for _, writer := range p.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns producer statistics
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent:   p.messagesSent.Load(),
		MessagesFailed: p.messagesFailed.Load(),
		BytesWritten:   p.bytesWritten.Load(),
	}
}

// ProducerStats holds producer metrics
type ProducerStats struct {
	MessagesSent   uint64 `json:"messages_sent"`
	MessagesFailed uint64 `json:"messages_failed"`
	BytesWritten   uint64 `json:"bytes_written"`
}

// HealthCheck dials the brokers until one answers.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	var lastErr error
	for _, broker := range p.brokers {
		conn, err := p.dial(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}
