package notify

import (
	"sync"
	"time"

	"emberwatch/internal/logger"
	"emberwatch/internal/metrics"
)

// DefaultCooldown is the minimum time between two dispatches for one alert.
const DefaultCooldown = 30 * time.Minute

// Entry is the cooldown state of one alert. SendCount only ever grows.
type Entry struct {
	LastSentAt time.Time `json:"last_sent_at"`
	SendCount  uint64    `json:"send_count"`
}

// GateConfig configures a Gate.
type GateConfig struct {
	Cooldown time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Gate rate-limits notifications per alert id. State lives for the lifetime
// of the Gate; a single lock guards the whole map.
type Gate struct {
	mu       sync.Mutex
	entries  map[int64]Entry
	cooldown time.Duration
	now      func() time.Time
}

// NewGate creates a gate with an empty cooldown table.
func NewGate(cfg GateConfig) *Gate {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gate{
		entries:  make(map[int64]Entry),
		cooldown: cfg.Cooldown,
		now:      cfg.Now,
	}
}

// Cooldown returns the configured window.
func (g *Gate) Cooldown() time.Duration {
	return g.cooldown
}

// Admit reports whether a dispatch for alertID may proceed now, and if so
// opens a new cooldown window. Check and update happen under one lock, so at
// most one concurrent caller is admitted per window.
func (g *Gate) Admit(alertID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	e, ok := g.entries[alertID]
	if ok {
		if elapsed := now.Sub(e.LastSentAt); elapsed < g.cooldown {
			log := logger.WithComponent("gate")
			log.Info().
				Int64("rule_id", alertID).
				Dur("remaining", g.cooldown-elapsed).
				Uint64("send_count", e.SendCount).
				Msg("notification suppressed by cooldown")
			metrics.GateDecisionsTotal.WithLabelValues("suppressed").Inc()
			return false
		}
	}

	e.LastSentAt = now
	e.SendCount++
	g.entries[alertID] = e
	metrics.GateDecisionsTotal.WithLabelValues("admitted").Inc()
	return true
}

// Remaining returns how long alertID stays in cooldown; zero when a dispatch
// would be admitted.
func (g *Gate) Remaining(alertID int64) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[alertID]
	if !ok {
		return 0
	}
	if left := g.cooldown - g.now().Sub(e.LastSentAt); left > 0 {
		return left
	}
	return 0
}

// Entry returns a copy of the cooldown state for alertID.
func (g *Gate) Entry(alertID int64) (Entry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[alertID]
	return e, ok
}

// Len returns the number of alerts with cooldown state.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
