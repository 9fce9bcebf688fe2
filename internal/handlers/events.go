package handlers

import (
	"context"
	"net/http"
	"strconv"

	"emberwatch/internal/logger"
	"emberwatch/internal/models"
	"emberwatch/internal/storage"
)

// MaxAlertEventLimit bounds the limit query parameter.
const MaxAlertEventLimit = 1000

// AlertEventLister reads the alert-event history.
type AlertEventLister interface {
	ListAlertEvents(ctx context.Context, ruleID *int64, limit int) ([]models.AlertEvent, error)
}

// AlertEventsResponse is the body of GET /api/alert-events.
type AlertEventsResponse struct {
	Events []models.AlertEvent `json:"events"`
	Count  int                 `json:"count"`
}

// AlertEventsHandler serves GET /api/alert-events?rule_id=&limit=, newest
// first.
func AlertEventsHandler(lister AlertEventLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var ruleID *int64
		if raw := q.Get("rule_id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				writeError(w, http.StatusBadRequest, "invalid rule_id")
				return
			}
			ruleID = &id
		}

		limit := storage.DefaultAlertEventLimit
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = min(n, MaxAlertEventLimit)
		}

		events, err := lister.ListAlertEvents(r.Context(), ruleID, limit)
		if err != nil {
			log := logger.WithComponent("handlers")
			log.Error().Err(err).Msg("failed to list alert events")
			writeError(w, http.StatusInternalServerError, "failed to list alert events")
			return
		}
		if events == nil {
			events = []models.AlertEvent{}
		}

		writeJSON(w, http.StatusOK, AlertEventsResponse{Events: events, Count: len(events)})
	}
}
