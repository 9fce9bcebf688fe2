package handlers

import (
	"encoding/json"
	"net/http"

	"emberwatch/internal/classifier"
)

const maxPredictBodySize = 64 * 1024

// Assessor produces an on-demand risk assessment.
type Assessor interface {
	Assess(in classifier.Input) classifier.Assessment
}

// ModelState reports which classifier backend is active.
type ModelState interface {
	Available() bool
	Backend() classifier.Backend
}

// PredictRequest is the body of POST /api/classifier/predict. SmokeLevel
// takes precedence over RawGas when both are set.
type PredictRequest struct {
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	RawGas      *int     `json:"raw_gas,omitempty"`
	SmokeLevel  *float64 `json:"smoke_level,omitempty"`
}

// ClassifierStatus describes the loaded model.
type ClassifierStatus struct {
	ModelLoaded bool   `json:"model_loaded"`
	ModelPath   string `json:"model_path"`
	Backend     string `json:"backend"`
}

// PredictHandler serves POST /api/classifier/predict. It never fails on a
// missing model: the assessment then comes from fallback scoring.
func PredictHandler(assessor Assessor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" && ct != "" {
			writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxPredictBodySize)
		var req PredictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if req.Temperature == nil || req.Humidity == nil {
			writeError(w, http.StatusBadRequest, "temperature and humidity are required")
			return
		}

		writeJSON(w, http.StatusOK, assessor.Assess(classifier.Input{
			Temperature: req.Temperature,
			Humidity:    req.Humidity,
			RawGas:      req.RawGas,
			Smoke:       req.SmokeLevel,
		}))
	}
}

// ClassifierStatusHandler serves GET /api/classifier/status.
func ClassifierStatusHandler(state ModelState, modelPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ClassifierStatus{
			ModelLoaded: state.Available(),
			ModelPath:   modelPath,
			Backend:     state.Backend().Describe(),
		})
	}
}
