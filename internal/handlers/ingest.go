package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"emberwatch/internal/ingest"
	"emberwatch/internal/logger"
	"emberwatch/internal/middleware"
	"emberwatch/internal/models"
)

// MaxBulkReadings caps the readings accepted by one bulk request.
const MaxBulkReadings = 100

// Recorder persists submitted readings.
type Recorder interface {
	Record(ctx context.Context, source string, nodeID int64, s ingest.Submission) (models.Reading, error)
}

// IngestHandler handles reading ingestion via HTTP. The calling node must
// already be in the request context (middleware.NodeAuth).
type IngestHandler struct {
	recorder Recorder

	// Max body size (default 1MB)
	maxBodySize int64
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	Recorder    Recorder
	MaxBodySize int64
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 1 << 20
	}

	return &IngestHandler{
		recorder:    cfg.Recorder,
		maxBodySize: maxBodySize,
	}
}

// BulkRequest is the payload of the bulk endpoint.
type BulkRequest struct {
	Readings []ingest.Submission `json:"readings"`
}

// ReadingResponse is returned by the single-reading endpoint.
type ReadingResponse struct {
	Success bool  `json:"success"`
	ID      int64 `json:"id"`
}

// IngestResponse is returned by the bulk endpoint.
type IngestResponse struct {
	Success  bool          `json:"success"`
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Errors   []IngestError `json:"errors,omitempty"`
}

// IngestError describes why the reading at Index was not stored.
type IngestError struct {
	Index    int    `json:"index"`
	SensorID int64  `json:"sensor_id,omitempty"`
	Error    string `json:"error"`
}

// ServeReading handles POST /api/readings.
func (h *IngestHandler) ServeReading(w http.ResponseWriter, r *http.Request) {
	node, ok := h.prepare(w, r)
	if !ok {
		return
	}

	var sub ingest.Submission
	if err := h.decode(w, r, &sub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reading, err := h.recorder.Record(r.Context(), ingest.SourceHTTP, node.ID, sub)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			log := logger.WithComponent("handlers")
			log.Error().
				Err(err).
				Int64("node_id", node.ID).
				Int64("sensor_id", sub.SensorID).
				Msg("failed to record reading")
			writeError(w, status, "internal server error")
			return
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, ReadingResponse{Success: true, ID: reading.ID})
}

// ServeBulk handles POST /api/readings/bulk. Each reading is recorded
// independently; failures are reported per index.
func (h *IngestHandler) ServeBulk(w http.ResponseWriter, r *http.Request) {
	node, ok := h.prepare(w, r)
	if !ok {
		return
	}

	var req BulkRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if len(req.Readings) == 0 {
		writeError(w, http.StatusBadRequest, "no readings provided")
		return
	}
	if len(req.Readings) > MaxBulkReadings {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d readings per request", MaxBulkReadings))
		return
	}

	response := IngestResponse{Success: true}
	for i, sub := range req.Readings {
		if _, err := h.recorder.Record(r.Context(), ingest.SourceHTTP, node.ID, sub); err != nil {
			msg := err.Error()
			if statusFor(err) == http.StatusInternalServerError {
				log := logger.WithComponent("handlers")
				log.Error().
					Err(err).
					Int64("node_id", node.ID).
					Int("index", i).
					Msg("failed to record bulk reading")
				msg = "internal error"
			}
			response.Errors = append(response.Errors, IngestError{Index: i, SensorID: sub.SensorID, Error: msg})
			response.Rejected++
			continue
		}
		response.Accepted++
	}

	response.Success = response.Rejected == 0
	status := http.StatusCreated
	if response.Accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, response)
}

// prepare checks method, content type and node, and limits the body.
func (h *IngestHandler) prepare(w http.ResponseWriter, r *http.Request) (*models.Node, bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return nil, false
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" && contentType != "" {
		writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return nil, false
	}

	node, ok := middleware.NodeFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "node not authenticated")
		return nil, false
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	return node, true
}

func (h *IngestHandler) decode(_ http.ResponseWriter, r *http.Request, v interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("request body too large")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %v", err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ingest.ErrSensorNotAttached):
		return http.StatusForbidden
	case errors.Is(err, ingest.ErrRejected):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
