package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"emberwatch/internal/handlers"
	"emberwatch/internal/ingest"
	"emberwatch/internal/middleware"
	"emberwatch/internal/models"
	"emberwatch/internal/storage"
)

func newStore() *storage.Memory {
	m := storage.NewMemory()
	m.PutNode(models.Node{ID: 1, Name: "kitchen", APIKey: "k1", Active: true})
	m.PutSensor(models.Sensor{ID: 10, Type: models.SensorTemperature})
	m.PutSensor(models.Sensor{ID: 11, Type: models.SensorHumidity})
	m.PutSensor(models.Sensor{ID: 12, Type: models.SensorGasLevel})
	m.Attach(1, 10)
	m.Attach(1, 11)
	return m
}

func newHandler(m *storage.Memory) *handlers.IngestHandler {
	return handlers.NewIngestHandler(handlers.IngestConfig{
		Recorder: ingest.NewRecorder(ingest.RecorderConfig{Store: m}),
	})
}

func post(t *testing.T, h http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(middleware.WithNode(req.Context(), &models.Node{ID: 1, Active: true}))
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func TestIngestHandler_SingleReading(t *testing.T) {
	m := newStore()
	h := newHandler(m)

	w := post(t, h.ServeReading, "/api/readings", `{"sensor_id": 10, "value": 23.5, "timestamp": "2024-01-15T10:30:00Z"}`)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp handlers.ReadingResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !resp.Success || resp.ID == 0 {
		t.Errorf("unexpected response: %+v", resp)
	}

	readings := m.Readings()
	if len(readings) != 1 {
		t.Fatalf("expected 1 stored reading, got %d", len(readings))
	}
	if readings[0].SensorType != models.SensorTemperature {
		t.Errorf("sensor type not resolved: got %s", readings[0].SensorType)
	}
}

func TestIngestHandler_SingleReadingErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed json", `{"sensor_id":`, http.StatusBadRequest},
		{"missing value", `{"sensor_id": 10}`, http.StatusBadRequest},
		{"out of range", `{"sensor_id": 10, "value": 20000}`, http.StatusBadRequest},
		{"sensor not attached", `{"sensor_id": 12, "value": 5}`, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newStore()
			w := post(t, newHandler(m).ServeReading, "/api/readings", tt.body)
			if w.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if len(m.Readings()) != 0 {
				t.Errorf("rejected reading was stored")
			}
		})
	}
}

func TestIngestHandler_BulkReadings(t *testing.T) {
	m := newStore()
	h := newHandler(m)

	body := `{
        "readings": [
            {"sensor_id": 10, "value": 21.0},
            {"sensor_id": 11, "value": 40.0},
            {"sensor_id": 12, "value": 300.0},
            {"sensor_id": 10}
        ]
    }`

	w := post(t, h.ServeBulk, "/api/readings/bulk", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", w.Code)
	}

	var resp handlers.IngestResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Accepted != 2 || resp.Rejected != 2 {
		t.Errorf("expected 2 accepted, 2 rejected, got %d/%d", resp.Accepted, resp.Rejected)
	}
	if resp.Success {
		t.Errorf("success must be false when anything was rejected")
	}
	if len(resp.Errors) != 2 || resp.Errors[0].Index != 2 || resp.Errors[1].Index != 3 {
		t.Errorf("expected errors at index 2 and 3: %+v", resp.Errors)
	}
	if len(m.Readings()) != 2 {
		t.Errorf("expected 2 stored readings, got %d", len(m.Readings()))
	}
}

func TestIngestHandler_BulkLimits(t *testing.T) {
	items := make([]string, handlers.MaxBulkReadings+1)
	for i := range items {
		items[i] = fmt.Sprintf(`{"sensor_id": 10, "value": %d}`, i)
	}

	tests := []struct {
		name string
		body string
	}{
		{"empty", `{"readings": []}`},
		{"too many", `{"readings": [` + strings.Join(items, ",") + `]}`},
		{"all rejected", `{"readings": [{"sensor_id": 99, "value": 1}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newStore()
			w := post(t, newHandler(m).ServeBulk, "/api/readings/bulk", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
			if len(m.Readings()) != 0 {
				t.Errorf("expected nothing stored, got %d", len(m.Readings()))
			}
		})
	}
}

func TestIngestHandler_MethodNotAllowed(t *testing.T) {
	h := newHandler(newStore())

	req := httptest.NewRequest(http.MethodGet, "/api/readings", nil)
	w := httptest.NewRecorder()

	h.ServeReading(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestIngestHandler_RequiresNode(t *testing.T) {
	h := newHandler(newStore())

	req := httptest.NewRequest(http.MethodPost, "/api/readings", bytes.NewBufferString(`{"sensor_id": 10, "value": 1}`))
	w := httptest.NewRecorder()

	h.ServeReading(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}
