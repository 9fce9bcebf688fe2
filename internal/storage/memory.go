package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"emberwatch/internal/models"
)

// Memory is an in-process Store. It backs tests and single-node
// development setups.
type Memory struct {
	mu sync.RWMutex

	nodes     map[int64]models.Node
	sensors   map[int64]models.Sensor
	attached  map[int64]map[int64]bool // node -> sensor
	rules     map[int64]models.AlertRule
	operators map[int64]models.Operator

	readings []models.Reading
	// latest[node][type] indexes into readings
	latest map[int64]map[models.SensorType]int

	events []models.AlertEvent

	nextReadingID int64
	nextEventID   int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		nodes:     make(map[int64]models.Node),
		sensors:   make(map[int64]models.Sensor),
		attached:  make(map[int64]map[int64]bool),
		rules:     make(map[int64]models.AlertRule),
		operators: make(map[int64]models.Operator),
		latest:    make(map[int64]map[models.SensorType]int),
	}
}

// PutNode adds or replaces a node.
func (m *Memory) PutNode(n models.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.ID] = n
}

// PutSensor adds or replaces a sensor. Its type is normalized.
func (m *Memory) PutSensor(s models.Sensor) {
	s.Type = models.NormalizeSensorType(string(s.Type))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sensors[s.ID] = s
}

// Attach associates a sensor with a node.
func (m *Memory) Attach(nodeID, sensorID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attached[nodeID] == nil {
		m.attached[nodeID] = make(map[int64]bool)
	}
	m.attached[nodeID][sensorID] = true
}

// PutRule adds or replaces a rule after validating it.
func (m *Memory) PutRule(r models.AlertRule) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("rule %d: %w", r.ID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.ID] = r
	return nil
}

// PutOperator adds or replaces an operator.
func (m *Memory) PutOperator(o models.Operator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operators[o.ID] = o
}

func (m *Memory) InsertReading(_ context.Context, r *models.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextReadingID++
	r.ID = m.nextReadingID
	m.readings = append(m.readings, *r)

	if m.latest[r.NodeID] == nil {
		m.latest[r.NodeID] = make(map[models.SensorType]int)
	}
	m.latest[r.NodeID][r.SensorType] = len(m.readings) - 1
	return nil
}

func (m *Memory) LatestReading(_ context.Context, nodeID int64, t models.SensorType) (*models.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.latest[nodeID][t]
	if !ok {
		return nil, ErrNotFound
	}
	r := m.readings[idx]
	return &r, nil
}

func (m *Memory) NodeByAPIKey(_ context.Context, apiKey string) (*models.Node, error) {
	if apiKey == "" {
		return nil, ErrNotFound
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, n := range m.nodes {
		if n.Active && n.APIKey == apiKey {
			n := n
			return &n, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SensorForNode(_ context.Context, nodeID, sensorID int64) (*models.Sensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.attached[nodeID][sensorID] {
		return nil, ErrNotFound
	}
	s, ok := m.sensors[sensorID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *Memory) ActiveRulesFor(_ context.Context, sensorID, nodeID int64) ([]models.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.AlertRule
	for _, r := range m.rules {
		if r.Active && r.AppliesTo(sensorID, nodeID) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) FindAnomalyRule(_ context.Context, nodeID int64) (*models.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *models.AlertRule
	for _, r := range m.rules {
		if !r.Active || r.Kind != models.RuleAnomaly || r.NodeID == nil || *r.NodeID != nodeID {
			continue
		}
		if found == nil || r.ID < found.ID {
			r := r
			found = &r
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (m *Memory) InsertAlertEvent(_ context.Context, e *models.AlertEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[e.RuleID]; !ok {
		return 0, fmt.Errorf("insert alert event: unknown rule %d", e.RuleID)
	}

	m.nextEventID++
	e.ID = m.nextEventID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.events = append(m.events, *e)
	return e.ID, nil
}

func (m *Memory) MarkSent(_ context.Context, eventID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.events {
		if m.events[i].ID == eventID {
			at := at.UTC()
			m.events[i].Sent = true
			m.events[i].SentAt = &at
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) ListAlertEvents(_ context.Context, ruleID *int64, limit int) ([]models.AlertEvent, error) {
	if limit <= 0 {
		limit = DefaultAlertEventLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.AlertEvent, 0, min(limit, len(m.events)))
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if ruleID != nil && e.RuleID != *ruleID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) ActiveOperators(_ context.Context) ([]models.Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Operator
	for _, o := range m.operators {
		if o.Active && o.Email != "" && (o.Role == "" || o.Role == "admin") {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Events returns a copy of every persisted alert event in insertion order.
func (m *Memory) Events() []models.AlertEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.AlertEvent(nil), m.events...)
}

// Readings returns a copy of every persisted reading in insertion order.
func (m *Memory) Readings() []models.Reading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Reading(nil), m.readings...)
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }
