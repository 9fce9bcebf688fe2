package models

import "time"

// AlertEvent records one trigger of a rule. It is created exactly once per
// trigger; Sent flips to true only after dispatch was attempted for every
// recipient.
type AlertEvent struct {
	ID            int64      `json:"id"`
	RuleID        int64      `json:"rule_id"`
	ReadingID     int64      `json:"reading_id"`
	MeasuredValue float64    `json:"measured_value"`
	Message       string     `json:"message"`
	CreatedAt     time.Time  `json:"created_at"`
	Sent          bool       `json:"sent"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
}

// NewAlertEvent builds an unsent event for rule triggered by reading.
func NewAlertEvent(rule AlertRule, reading Reading, measured float64, message string, now time.Time) *AlertEvent {
	return &AlertEvent{
		RuleID:        rule.ID,
		ReadingID:     reading.ID,
		MeasuredValue: measured,
		Message:       message,
		CreatedAt:     now.UTC(),
	}
}
