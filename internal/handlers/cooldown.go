package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"emberwatch/internal/notify"
)

// CooldownSource exposes notification gate state.
type CooldownSource interface {
	Entry(alertID int64) (notify.Entry, bool)
	Remaining(alertID int64) time.Duration
	Cooldown() time.Duration
}

// CooldownResponse describes the gate state of one rule.
type CooldownResponse struct {
	RuleID           int64      `json:"rule_id"`
	Notified         bool       `json:"notified"`
	LastSentAt       *time.Time `json:"last_sent_at,omitempty"`
	SendCount        uint64     `json:"send_count"`
	RemainingSeconds float64    `json:"remaining_seconds"`
	CooldownSeconds  float64    `json:"cooldown_seconds"`
}

// CooldownHandler serves GET /api/cooldowns/{ruleID}.
func CooldownHandler(gate CooldownSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ruleID, err := strconv.ParseInt(chi.URLParam(r, "ruleID"), 10, 64)
		if err != nil || ruleID <= 0 {
			writeError(w, http.StatusBadRequest, "invalid rule id")
			return
		}

		resp := CooldownResponse{
			RuleID:          ruleID,
			CooldownSeconds: gate.Cooldown().Seconds(),
		}
		if entry, ok := gate.Entry(ruleID); ok {
			last := entry.LastSentAt
			resp.Notified = true
			resp.LastSentAt = &last
			resp.SendCount = entry.SendCount
			resp.RemainingSeconds = gate.Remaining(ruleID).Seconds()
		}

		writeJSON(w, http.StatusOK, resp)
	}
}
