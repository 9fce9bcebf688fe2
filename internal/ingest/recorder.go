package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"emberwatch/internal/logger"
	"emberwatch/internal/metrics"
	"emberwatch/internal/models"
	"emberwatch/internal/storage"
)

// Ingestion sources, used as metric labels.
const (
	SourceHTTP  = "http"
	SourceKafka = "kafka"
)

var (
	// ErrRejected wraps every error caused by the submission itself.
	ErrRejected          = errors.New("reading rejected")
	ErrMissingSensor     = errors.New("sensor_id is required")
	ErrMissingValue      = errors.New("value is required")
	ErrSensorNotAttached = errors.New("sensor not attached to node")
)

// Submission is one reading as sent by a node.
type Submission struct {
	SensorID  int64    `json:"sensor_id"`
	Value     *float64 `json:"value"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// Store is the storage the recorder needs.
type Store interface {
	SensorForNode(ctx context.Context, nodeID, sensorID int64) (*models.Sensor, error)
	InsertReading(ctx context.Context, r *models.Reading) error
}

// Hook is notified after a reading was persisted.
type Hook interface {
	OnReadingRecorded(ctx context.Context, r models.Reading)
}

// RecorderConfig wires a Recorder.
type RecorderConfig struct {
	Store Store
	Hook  Hook
	Now   func() time.Time
}

// Recorder turns submissions into persisted readings and runs the alert hook.
type Recorder struct {
	store Store
	hook  Hook
	now   func() time.Time
}

// NewRecorder creates a recorder. A nil Hook disables alert evaluation.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Recorder{store: cfg.Store, hook: cfg.Hook, now: cfg.Now}
}

// Record validates s for the given node, stores it and then calls the hook.
// Errors caused by the submission wrap ErrRejected. The hook never affects
// the result.
func (rc *Recorder) Record(ctx context.Context, source string, nodeID int64, s Submission) (models.Reading, error) {
	r, err := rc.build(ctx, nodeID, s)
	if err != nil {
		status := "failed"
		if errors.Is(err, ErrRejected) {
			status = "rejected"
		}
		metrics.ReadingsIngestedTotal.WithLabelValues(source, status).Inc()
		return models.Reading{}, err
	}

	if err := rc.store.InsertReading(ctx, &r); err != nil {
		metrics.ReadingsIngestedTotal.WithLabelValues(source, "failed").Inc()
		return models.Reading{}, fmt.Errorf("insert reading: %w", err)
	}
	metrics.ReadingsIngestedTotal.WithLabelValues(source, "accepted").Inc()

	rc.notify(ctx, r)
	return r, nil
}

func (rc *Recorder) build(ctx context.Context, nodeID int64, s Submission) (models.Reading, error) {
	if s.SensorID <= 0 {
		return models.Reading{}, reject(ErrMissingSensor)
	}
	if s.Value == nil {
		return models.Reading{}, reject(ErrMissingValue)
	}

	sensor, err := rc.store.SensorForNode(ctx, nodeID, s.SensorID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Reading{}, reject(ErrSensorNotAttached)
		}
		return models.Reading{}, fmt.Errorf("resolve sensor: %w", err)
	}

	ts := rc.now().UTC()
	if s.Timestamp != "" {
		ts, err = models.ParseTimestamp(s.Timestamp)
		if err != nil {
			return models.Reading{}, reject(err)
		}
	}

	r := models.Reading{
		NodeID:     nodeID,
		SensorID:   s.SensorID,
		SensorType: sensor.Type,
		Value:      *s.Value,
		Timestamp:  ts,
	}
	r.Normalize()

	if err := r.Validate(); err != nil {
		return models.Reading{}, reject(err)
	}
	return r, nil
}

func (rc *Recorder) notify(ctx context.Context, r models.Reading) {
	if rc.hook == nil {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			log := logger.WithComponent("ingest")
			log.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Int64("reading_id", r.ID).
				Msg("alert hook panic recovered")
			metrics.PanicsRecovered.WithLabelValues("ingest").Inc()
		}
	}()
	rc.hook.OnReadingRecorded(ctx, r)
}

func reject(err error) error {
	return fmt.Errorf("%w: %w", ErrRejected, err)
}
