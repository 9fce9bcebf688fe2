package models

import "errors"

// RuleKind selects how an alert rule is evaluated.
type RuleKind string

const (
	RuleMinThreshold RuleKind = "min_threshold"
	RuleMaxThreshold RuleKind = "max_threshold"
	RuleAnomaly      RuleKind = "anomaly"
	RuleOffline      RuleKind = "offline"
	RuleOther        RuleKind = "other"
)

// IsValid reports whether k is a known rule kind.
func (k RuleKind) IsValid() bool {
	switch k {
	case RuleMinThreshold, RuleMaxThreshold, RuleAnomaly, RuleOffline, RuleOther:
		return true
	default:
		return false
	}
}

// Severity of an alert rule.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity level is valid
func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	default:
		return false
	}
}

// AlertRule is an operator-defined condition. Rules are owned by storage and
// borrowed read-only for the duration of one evaluation.
type AlertRule struct {
	ID       int64 `json:"id" yaml:"id"`
	SensorID int64 `json:"sensor_id" yaml:"sensor_id"`
	// NodeID nil means the rule applies to every node carrying the sensor.
	NodeID          *int64   `json:"node_id,omitempty" yaml:"node_id"`
	Kind            RuleKind `json:"kind" yaml:"kind"`
	Severity        Severity `json:"severity" yaml:"severity"`
	MinValue        *float64 `json:"min_value,omitempty" yaml:"min_value"`
	MaxValue        *float64 `json:"max_value,omitempty" yaml:"max_value"`
	MessageTemplate string   `json:"message_template,omitempty" yaml:"message_template"`
	Notify          bool     `json:"notify" yaml:"notify"`
	Active          bool     `json:"active" yaml:"active"`
}

// Rule validation errors
var (
	ErrInvalidRuleKind  = errors.New("invalid rule kind")
	ErrInvalidSeverity  = errors.New("invalid severity level")
	ErrMissingMinValue  = errors.New("min_threshold rule requires min_value")
	ErrMissingMaxValue  = errors.New("max_threshold rule requires max_value")
	ErrRuleWithoutScope = errors.New("rule requires a sensor ID")
)

// Validate enforces the per-kind threshold invariants.
func (r *AlertRule) Validate() error {
	if r.SensorID <= 0 {
		return ErrRuleWithoutScope
	}
	if !r.Kind.IsValid() {
		return ErrInvalidRuleKind
	}
	if !r.Severity.IsValid() {
		return ErrInvalidSeverity
	}
	if r.Kind == RuleMinThreshold && r.MinValue == nil {
		return ErrMissingMinValue
	}
	if r.Kind == RuleMaxThreshold && r.MaxValue == nil {
		return ErrMissingMaxValue
	}
	return nil
}

// AppliesTo reports whether the rule is scoped to the given sensor on the
// given node. It does not look at Active.
func (r *AlertRule) AppliesTo(sensorID, nodeID int64) bool {
	if r.SensorID != sensorID {
		return false
	}
	return r.NodeID == nil || *r.NodeID == nodeID
}
