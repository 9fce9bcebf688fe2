package storage

import (
	"context"
	"errors"
	"time"

	"emberwatch/internal/models"
)

// DefaultAlertEventLimit caps ListAlertEvents when no positive limit is given.
const DefaultAlertEventLimit = 100

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("storage: not found")

// Store is the persistence contract shared by every backend.
type Store interface {
	// InsertReading persists r and sets r.ID.
	InsertReading(ctx context.Context, r *models.Reading) error
	// LatestReading returns the most recently recorded reading of sensor
	// type t on node, or ErrNotFound.
	LatestReading(ctx context.Context, nodeID int64, t models.SensorType) (*models.Reading, error)

	// NodeByAPIKey resolves an active node from its ingestion key.
	NodeByAPIKey(ctx context.Context, apiKey string) (*models.Node, error)
	// SensorForNode returns the sensor if it is attached to node, otherwise
	// ErrNotFound.
	SensorForNode(ctx context.Context, nodeID, sensorID int64) (*models.Sensor, error)

	// ActiveRulesFor returns active rules bound to sensorID whose node is
	// either nodeID or unset.
	ActiveRulesFor(ctx context.Context, sensorID, nodeID int64) ([]models.AlertRule, error)
	// FindAnomalyRule returns the first active anomaly rule scoped to node,
	// or ErrNotFound.
	FindAnomalyRule(ctx context.Context, nodeID int64) (*models.AlertRule, error)

	// InsertAlertEvent persists e, sets e.ID and returns it.
	InsertAlertEvent(ctx context.Context, e *models.AlertEvent) (int64, error)
	MarkSent(ctx context.Context, eventID int64, at time.Time) error
	// ListAlertEvents returns the newest events first, optionally only those
	// of one rule.
	ListAlertEvents(ctx context.Context, ruleID *int64, limit int) ([]models.AlertEvent, error)

	// ActiveOperators lists the accounts that receive notifications.
	ActiveOperators(ctx context.Context) ([]models.Operator, error)

	Ping(ctx context.Context) error
	Close() error
}
