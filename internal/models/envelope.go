package models

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// AlertEnvelope wraps a persisted AlertEvent with the context downstream
// consumers of the alert stream need.
type AlertEnvelope struct {
	// Unique envelope identifier, independent of the storage ID
	ID string `json:"id"`

	Event *AlertEvent `json:"event"`

	// Rule context
	Kind     RuleKind `json:"kind"`
	Severity Severity `json:"severity"`

	// Reading context
	NodeID     int64      `json:"node_id"`
	SensorID   int64      `json:"sensor_id"`
	SensorType SensorType `json:"sensor_type"`

	// Internal processing metadata
	EvaluationID string    `json:"evaluation_id"`
	ProducedAt   time.Time `json:"produced_at"`
	PartitionKey string    `json:"partition_key"`
}

// NewAlertEnvelope creates an envelope for a persisted event.
func NewAlertEnvelope(event *AlertEvent, rule AlertRule, reading Reading, evaluationID string) *AlertEnvelope {
	return &AlertEnvelope{
		ID:           uuid.New().String(),
		Event:        event,
		Kind:         rule.Kind,
		Severity:     rule.Severity,
		NodeID:       reading.NodeID,
		SensorID:     reading.SensorID,
		SensorType:   reading.SensorType,
		EvaluationID: evaluationID,
		ProducedAt:   time.Now().UTC(),
		PartitionKey: strconv.FormatInt(reading.NodeID, 10), // partition by node for ordering
	}
}
