package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/segmentio/kafka-go"

	"emberwatch/internal/ingest"
	"emberwatch/internal/logger"
	"emberwatch/internal/metrics"
	"emberwatch/internal/models"
)

// ReadingMessage is the JSON value of a message on the readings topic.
// Nodes publishing there are trusted by their node id.
type ReadingMessage struct {
	NodeID int64 `json:"node_id"`
	ingest.Submission
}

// Recorder persists one submitted reading.
type Recorder interface {
	Record(ctx context.Context, source string, nodeID int64, s ingest.Submission) (models.Reading, error)
}

// MessageReader is the part of kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig holds consumer settings.
type ConsumerConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	Recorder Recorder
	// Reader overrides the kafka.Reader built from Brokers, Topic and GroupID.
	Reader MessageReader
}

// Consumer feeds readings from Kafka into the recorder. Every message is
// committed once handled, including ones that were rejected.
type Consumer struct {
	reader   MessageReader
	recorder Recorder
	topic    string
}

// NewConsumer creates a consumer group member for the readings topic.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Recorder == nil {
		return nil, errors.New("recorder is required")
	}

	reader := cfg.Reader
	if reader == nil {
		if len(cfg.Brokers) == 0 {
			return nil, errors.New("at least one broker is required")
		}
		if cfg.Topic == "" {
			return nil, errors.New("topic is required")
		}
		reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 1 << 20,
		})
	}

	return &Consumer{reader: reader, recorder: cfg.Recorder, topic: cfg.Topic}, nil
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	log := logger.WithComponent("kafka_consumer")
	log.Info().Str("topic", c.topic).Msg("consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("consumer stopped")
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().
				Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("failed to commit message")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	log := logger.WithComponent("kafka_consumer").With().
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("panic while handling reading message")
			metrics.PanicsRecovered.WithLabelValues("kafka_consumer").Inc()
			metrics.KafkaMessagesConsumed.WithLabelValues("failed").Inc()
		}
	}()

	var rm ReadingMessage
	if err := json.Unmarshal(msg.Value, &rm); err != nil {
		log.Warn().Err(err).Msg("undecodable reading message skipped")
		metrics.KafkaMessagesConsumed.WithLabelValues("invalid").Inc()
		return
	}
	if rm.NodeID <= 0 {
		log.Warn().Msg("reading message without node_id skipped")
		metrics.KafkaMessagesConsumed.WithLabelValues("invalid").Inc()
		return
	}

	if _, err := c.recorder.Record(ctx, ingest.SourceKafka, rm.NodeID, rm.Submission); err != nil {
		status := "failed"
		ev := log.Error()
		if errors.Is(err, ingest.ErrRejected) {
			status = "invalid"
			ev = log.Warn()
		}
		ev.Err(err).
			Int64("node_id", rm.NodeID).
			Int64("sensor_id", rm.SensorID).
			Msg("reading message not recorded")
		metrics.KafkaMessagesConsumed.WithLabelValues(status).Inc()
		return
	}

	metrics.KafkaMessagesConsumed.WithLabelValues("ok").Inc()
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
