package models

import (
	"errors"
	"math"
	"time"
)

// SensorType is the physical quantity a sensor measures.
type SensorType string

const (
	SensorTemperature SensorType = "temperature"
	SensorHumidity    SensorType = "humidity"
	SensorGasLevel    SensorType = "gas_level"
	SensorPressure    SensorType = "pressure"
	SensorLight       SensorType = "light"
	SensorMotion      SensorType = "motion"
)

// ClassifierInputs lists the quantities the fire-risk classifier consumes, in
// feature order.
var ClassifierInputs = []SensorType{SensorTemperature, SensorHumidity, SensorGasLevel}

// IsValid reports whether t is a known sensor type.
func (t SensorType) IsValid() bool {
	switch t {
	case SensorTemperature, SensorHumidity, SensorGasLevel, SensorPressure, SensorLight, SensorMotion:
		return true
	default:
		return false
	}
}

// Reading is one timestamped value from a sensor attached to a node.
// Readings are immutable once recorded.
type Reading struct {
	// Storage-assigned identifier, zero until recorded
	ID int64 `json:"id"`

	NodeID     int64      `json:"node_id"`
	SensorID   int64      `json:"sensor_id"`
	SensorType SensorType `json:"sensor_type"`
	Value      float64    `json:"value"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Validation errors
var (
	ErrInvalidNodeID     = errors.New("node ID must be positive")
	ErrInvalidSensorID   = errors.New("sensor ID must be positive")
	ErrInvalidSensorType = errors.New("invalid sensor type")
	ErrValueNotFinite    = errors.New("value must be a finite number")
	ErrValueOutOfRange   = errors.New("value outside accepted sensor range")
	ErrZeroTimestamp     = errors.New("timestamp cannot be zero")
	ErrFutureTimestamp   = errors.New("timestamp cannot be in the future")
	ErrInvalidTimestamp  = errors.New("invalid timestamp format")
)

const (
	MinReadingValue = -100
	MaxReadingValue = 10000
)

// Validate checks the reading at the ingestion boundary. Everything past this
// point assumes a finite, range-checked value.
func (r *Reading) Validate() error {
	if r.NodeID <= 0 {
		return ErrInvalidNodeID
	}

	if r.SensorID <= 0 {
		return ErrInvalidSensorID
	}

	if !r.SensorType.IsValid() {
		return ErrInvalidSensorType
	}

	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return ErrValueNotFinite
	}

	if r.Value < MinReadingValue || r.Value > MaxReadingValue {
		return ErrValueOutOfRange
	}

	if r.Timestamp.IsZero() {
		return ErrZeroTimestamp
	}

	if r.Timestamp.After(time.Now().Add(time.Minute)) {
		return ErrFutureTimestamp
	}

	return nil
}
