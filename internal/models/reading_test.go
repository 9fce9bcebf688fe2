package models_test

import (
	"math"
	"testing"
	"time"

	"emberwatch/internal/models"
)

func TestReadingValidate(t *testing.T) {
	validReading := func() *models.Reading {
		return &models.Reading{
			NodeID:     1,
			SensorID:   7,
			SensorType: models.SensorTemperature,
			Value:      21.5,
			Timestamp:  time.Now(),
		}
	}

	tests := []struct {
		name    string
		modify  func(*models.Reading)
		wantErr error
	}{
		{"valid reading", func(r *models.Reading) {}, nil},
		{"zero node", func(r *models.Reading) { r.NodeID = 0 }, models.ErrInvalidNodeID},
		{"negative sensor", func(r *models.Reading) { r.SensorID = -3 }, models.ErrInvalidSensorID},
		{"unknown sensor type", func(r *models.Reading) { r.SensorType = "radiation" }, models.ErrInvalidSensorType},
		{"NaN value", func(r *models.Reading) { r.Value = math.NaN() }, models.ErrValueNotFinite},
		{"infinite value", func(r *models.Reading) { r.Value = math.Inf(1) }, models.ErrValueNotFinite},
		{"below range", func(r *models.Reading) { r.Value = -100.5 }, models.ErrValueOutOfRange},
		{"above range", func(r *models.Reading) { r.Value = 10000.1 }, models.ErrValueOutOfRange},
		{"range lower bound", func(r *models.Reading) { r.Value = -100 }, nil},
		{"range upper bound", func(r *models.Reading) { r.Value = 10000 }, nil},
		{"zero timestamp", func(r *models.Reading) { r.Timestamp = time.Time{} }, models.ErrZeroTimestamp},
		{"future timestamp", func(r *models.Reading) { r.Timestamp = time.Now().Add(time.Hour) }, models.ErrFutureTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validReading()
			tt.modify(r)
			if err := r.Validate(); err != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSensorTypeIsValid(t *testing.T) {
	for _, st := range []models.SensorType{
		models.SensorTemperature,
		models.SensorHumidity,
		models.SensorGasLevel,
		models.SensorPressure,
		models.SensorLight,
		models.SensorMotion,
	} {
		if !st.IsValid() {
			t.Errorf("sensor type %s should be valid", st)
		}
	}

	if models.SensorType("Temperature").IsValid() {
		t.Error("sensor types are case sensitive before normalization")
	}
}

func TestAlertRuleValidate(t *testing.T) {
	ten := 10.0

	tests := []struct {
		name    string
		rule    models.AlertRule
		wantErr error
	}{
		{"min threshold", models.AlertRule{SensorID: 1, Kind: models.RuleMinThreshold, Severity: models.SeverityWarning, MinValue: &ten}, nil},
		{"max threshold", models.AlertRule{SensorID: 1, Kind: models.RuleMaxThreshold, Severity: models.SeverityCritical, MaxValue: &ten}, nil},
		{"anomaly without thresholds", models.AlertRule{SensorID: 1, Kind: models.RuleAnomaly, Severity: models.SeverityCritical}, nil},
		{"missing sensor", models.AlertRule{Kind: models.RuleAnomaly, Severity: models.SeverityInfo}, models.ErrRuleWithoutScope},
		{"bad kind", models.AlertRule{SensorID: 1, Kind: "between", Severity: models.SeverityInfo}, models.ErrInvalidRuleKind},
		{"bad severity", models.AlertRule{SensorID: 1, Kind: models.RuleOther, Severity: "urgent"}, models.ErrInvalidSeverity},
		{"min without value", models.AlertRule{SensorID: 1, Kind: models.RuleMinThreshold, Severity: models.SeverityInfo}, models.ErrMissingMinValue},
		{"max without value", models.AlertRule{SensorID: 1, Kind: models.RuleMaxThreshold, Severity: models.SeverityInfo, MinValue: &ten}, models.ErrMissingMaxValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.rule.Validate(); err != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAlertRuleAppliesTo(t *testing.T) {
	node := int64(3)

	global := models.AlertRule{SensorID: 5}
	if !global.AppliesTo(5, 1) || !global.AppliesTo(5, 99) {
		t.Error("rule without node should apply to every node")
	}
	if global.AppliesTo(6, 1) {
		t.Error("rule should not apply to another sensor")
	}

	scoped := models.AlertRule{SensorID: 5, NodeID: &node}
	if !scoped.AppliesTo(5, 3) {
		t.Error("scoped rule should apply to its own node")
	}
	if scoped.AppliesTo(5, 4) {
		t.Error("scoped rule should not apply to another node")
	}
}

func TestNewAlertEnvelope(t *testing.T) {
	rule := models.AlertRule{ID: 2, SensorID: 5, Kind: models.RuleMaxThreshold, Severity: models.SeverityCritical}
	reading := models.Reading{ID: 40, NodeID: 12, SensorID: 5, SensorType: models.SensorTemperature, Value: 55}
	event := models.NewAlertEvent(rule, reading, reading.Value, "too hot", time.Now())

	env := models.NewAlertEnvelope(event, rule, reading, "eval-1")

	if env.ID == "" {
		t.Error("envelope ID should be generated")
	}
	if env.PartitionKey != "12" {
		t.Errorf("PartitionKey = %q, want node id", env.PartitionKey)
	}
	if env.Event.RuleID != 2 || env.Event.ReadingID != 40 {
		t.Errorf("event not linked to rule and reading: %+v", env.Event)
	}
	if env.Event.Sent || env.Event.SentAt != nil {
		t.Error("new events must start unsent")
	}
	if env.Severity != models.SeverityCritical || env.Kind != models.RuleMaxThreshold {
		t.Errorf("rule context not copied: %+v", env)
	}
}
