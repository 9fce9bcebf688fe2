package rules

import (
	"fmt"
	"strconv"
	"strings"

	"emberwatch/internal/models"
)

// Trigger is a rule that matched a reading, with the rendered message.
type Trigger struct {
	Rule      models.AlertRule
	Threshold float64
	Message   string
}

// Evaluate checks reading against every candidate threshold rule. Rules that
// are inactive, scoped to another sensor or node, or not of a threshold kind
// are ignored. Thresholds are strict: a value equal to the threshold does not
// trigger.
func Evaluate(reading models.Reading, candidates []models.AlertRule) []Trigger {
	var triggers []Trigger

	for _, rule := range candidates {
		if !rule.Active || !rule.AppliesTo(reading.SensorID, reading.NodeID) {
			continue
		}

		threshold, ok := breached(rule, reading.Value)
		if !ok {
			continue
		}

		triggers = append(triggers, Trigger{
			Rule:      rule,
			Threshold: threshold,
			Message:   Message(rule, reading.Value, threshold),
		})
	}

	return triggers
}

func breached(rule models.AlertRule, value float64) (float64, bool) {
	switch rule.Kind {
	case models.RuleMinThreshold:
		if rule.MinValue != nil && value < *rule.MinValue {
			return *rule.MinValue, true
		}
	case models.RuleMaxThreshold:
		if rule.MaxValue != nil && value > *rule.MaxValue {
			return *rule.MaxValue, true
		}
	}
	// anomaly is driven by the classifier; offline needs liveness tracking.
	return 0, false
}

// Message renders the alert text for a threshold breach. A rule template may
// use {value}, {threshold} and {kind}; the rendered template is prefixed to
// the standard description.
func Message(rule models.AlertRule, value, threshold float64) string {
	v := formatNumber(value)
	th := formatNumber(threshold)

	var desc string
	switch rule.Kind {
	case models.RuleMinThreshold:
		desc = fmt.Sprintf("value %s below minimum threshold %s", v, th)
	case models.RuleMaxThreshold:
		desc = fmt.Sprintf("value %s above maximum threshold %s", v, th)
	default:
		desc = fmt.Sprintf("value %s, threshold %s", v, th)
	}
	desc = fmt.Sprintf("%s: %s", rule.Kind, desc)

	tmpl := strings.TrimSpace(rule.MessageTemplate)
	if tmpl == "" {
		return desc
	}

	r := strings.NewReplacer(
		"{value}", v,
		"{threshold}", th,
		"{kind}", string(rule.Kind),
	)
	return r.Replace(tmpl) + " - " + desc
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
