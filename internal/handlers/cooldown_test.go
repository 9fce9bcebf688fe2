package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"emberwatch/internal/handlers"
	"emberwatch/internal/notify"
)

func TestCooldownHandler(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	gate := notify.NewGate(notify.GateConfig{Cooldown: 30 * time.Minute, Now: func() time.Time { return now }})
	gate.Admit(7)
	now = now.Add(10 * time.Minute)

	r := chi.NewRouter()
	r.Get("/api/cooldowns/{ruleID}", handlers.CooldownHandler(gate))

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	w := get("/api/cooldowns/7")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp handlers.CooldownResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !resp.Notified || resp.SendCount != 1 {
		t.Errorf("unexpected entry: %+v", resp)
	}
	if resp.RemainingSeconds != (20 * time.Minute).Seconds() {
		t.Errorf("expected 1200s remaining, got %v", resp.RemainingSeconds)
	}

	w = get("/api/cooldowns/8")
	json.Unmarshal(w.Body.Bytes(), &resp)
	if w.Code != http.StatusOK || resp.Notified || resp.RuleID != 8 {
		t.Errorf("unexpected response for unknown rule: %d %+v", w.Code, resp)
	}

	if w := get("/api/cooldowns/abc"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad id, got %d", w.Code)
	}
}
