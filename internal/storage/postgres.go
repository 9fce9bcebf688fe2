package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"emberwatch/internal/logger"
	"emberwatch/internal/metrics"
	"emberwatch/internal/models"
)

// PostgresConfig configures the Postgres backend.
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
}

// Postgres is a Store backed by PostgreSQL through lib/pq.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens the database, verifies the connection and applies the
// schema.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log := logger.WithComponent("storage")
	log.Info().Int("max_open_conns", cfg.MaxOpenConns).Msg("connected to postgres")
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range migrations {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

func storageErr(op string, err error) error {
	metrics.StorageErrorsTotal.WithLabelValues(op).Inc()
	return fmt.Errorf("%s: %w", op, err)
}

func (p *Postgres) InsertReading(ctx context.Context, r *models.Reading) error {
	const q = `
		INSERT INTO readings (node_id, sensor_id, value, recorded_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	if err := p.db.QueryRowContext(ctx, q, r.NodeID, r.SensorID, r.Value, r.Timestamp).Scan(&r.ID); err != nil {
		return storageErr("insert_reading", err)
	}
	return nil
}

// LatestReading matches every stored alias of t, so sensors registered as
// "humidite" or "co2" are found under their canonical types.
func (p *Postgres) LatestReading(ctx context.Context, nodeID int64, t models.SensorType) (*models.Reading, error) {
	const q = `
		SELECT r.id, r.node_id, r.sensor_id, s.type, r.value, r.recorded_at
		FROM readings r
		JOIN sensors s ON s.id = r.sensor_id
		WHERE r.node_id = $1 AND lower(s.type) = ANY($2)
		ORDER BY r.id DESC
		LIMIT 1`

	var r models.Reading
	var typ string
	err := p.db.QueryRowContext(ctx, q, nodeID, pq.Array(models.Aliases(t))).
		Scan(&r.ID, &r.NodeID, &r.SensorID, &typ, &r.Value, &r.Timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("latest_reading", err)
	}
	r.SensorType = models.NormalizeSensorType(typ)
	r.Timestamp = r.Timestamp.UTC()
	return &r, nil
}

func (p *Postgres) NodeByAPIKey(ctx context.Context, apiKey string) (*models.Node, error) {
	const q = `
		SELECT id, name, location, active
		FROM nodes
		WHERE api_key = $1 AND active`

	var n models.Node
	err := p.db.QueryRowContext(ctx, q, apiKey).Scan(&n.ID, &n.Name, &n.Location, &n.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("node_by_api_key", err)
	}
	return &n, nil
}

func (p *Postgres) SensorForNode(ctx context.Context, nodeID, sensorID int64) (*models.Sensor, error) {
	const q = `
		SELECT s.id, s.name, s.type, s.unit
		FROM sensors s
		JOIN node_sensors ns ON ns.sensor_id = s.id
		WHERE ns.node_id = $1 AND s.id = $2`

	var s models.Sensor
	var typ string
	err := p.db.QueryRowContext(ctx, q, nodeID, sensorID).Scan(&s.ID, &s.Name, &typ, &s.Unit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("sensor_for_node", err)
	}
	s.Type = models.NormalizeSensorType(typ)
	return &s, nil
}

const ruleColumns = `id, sensor_id, node_id, kind, severity, min_value, max_value, message_template, notify, active`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (models.AlertRule, error) {
	var r models.AlertRule
	var nodeID sql.NullInt64
	var minV, maxV sql.NullFloat64

	err := row.Scan(&r.ID, &r.SensorID, &nodeID, &r.Kind, &r.Severity, &minV, &maxV, &r.MessageTemplate, &r.Notify, &r.Active)
	if err != nil {
		return r, err
	}
	if nodeID.Valid {
		r.NodeID = &nodeID.Int64
	}
	if minV.Valid {
		r.MinValue = &minV.Float64
	}
	if maxV.Valid {
		r.MaxValue = &maxV.Float64
	}
	return r, nil
}

func (p *Postgres) ActiveRulesFor(ctx context.Context, sensorID, nodeID int64) ([]models.AlertRule, error) {
	q := `
		SELECT ` + ruleColumns + `
		FROM alert_rules
		WHERE sensor_id = $1 AND active AND (node_id = $2 OR node_id IS NULL)
		ORDER BY id`

	rows, err := p.db.QueryContext(ctx, q, sensorID, nodeID)
	if err != nil {
		return nil, storageErr("active_rules_for", err)
	}
	defer rows.Close()

	var out []models.AlertRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, storageErr("active_rules_for", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("active_rules_for", err)
	}
	return out, nil
}

func (p *Postgres) FindAnomalyRule(ctx context.Context, nodeID int64) (*models.AlertRule, error) {
	q := `
		SELECT ` + ruleColumns + `
		FROM alert_rules
		WHERE node_id = $1 AND kind = 'anomaly' AND active
		ORDER BY id
		LIMIT 1`

	r, err := scanRule(p.db.QueryRowContext(ctx, q, nodeID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("find_anomaly_rule", err)
	}
	return &r, nil
}

func (p *Postgres) InsertAlertEvent(ctx context.Context, e *models.AlertEvent) (int64, error) {
	const q = `
		INSERT INTO alert_events (rule_id, reading_id, measured_value, message, created_at)
		VALUES ($1, NULLIF($2::bigint, 0), $3, $4, $5)
		RETURNING id`

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	err := p.db.QueryRowContext(ctx, q, e.RuleID, e.ReadingID, e.MeasuredValue, e.Message, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return 0, storageErr("insert_alert_event", err)
	}
	return e.ID, nil
}

func (p *Postgres) MarkSent(ctx context.Context, eventID int64, at time.Time) error {
	const q = `UPDATE alert_events SET sent = TRUE, sent_at = $2 WHERE id = $1`

	res, err := p.db.ExecContext(ctx, q, eventID, at.UTC())
	if err != nil {
		return storageErr("mark_sent", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListAlertEvents(ctx context.Context, ruleID *int64, limit int) ([]models.AlertEvent, error) {
	const q = `
		SELECT id, rule_id, reading_id, measured_value, message, created_at, sent, sent_at
		FROM alert_events
		WHERE $1::bigint IS NULL OR rule_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	if limit <= 0 {
		limit = DefaultAlertEventLimit
	}

	var rule sql.NullInt64
	if ruleID != nil {
		rule = sql.NullInt64{Int64: *ruleID, Valid: true}
	}

	rows, err := p.db.QueryContext(ctx, q, rule, limit)
	if err != nil {
		return nil, storageErr("list_alert_events", err)
	}
	defer rows.Close()

	out := []models.AlertEvent{}
	for rows.Next() {
		var (
			e       models.AlertEvent
			reading sql.NullInt64
			sentAt  sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.RuleID, &reading, &e.MeasuredValue, &e.Message, &e.CreatedAt, &e.Sent, &sentAt); err != nil {
			return nil, storageErr("list_alert_events", err)
		}
		e.ReadingID = reading.Int64
		if sentAt.Valid {
			at := sentAt.Time.UTC()
			e.SentAt = &at
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list_alert_events", err)
	}
	return out, nil
}

func (p *Postgres) ActiveOperators(ctx context.Context) ([]models.Operator, error) {
	const q = `
		SELECT id, name, email, role, active
		FROM operators
		WHERE active AND role = 'admin'
		ORDER BY id`

	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, storageErr("active_operators", err)
	}
	defer rows.Close()

	var out []models.Operator
	for rows.Next() {
		var o models.Operator
		if err := rows.Scan(&o.ID, &o.Name, &o.Email, &o.Role, &o.Active); err != nil {
			return nil, storageErr("active_operators", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("active_operators", err)
	}
	return out, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
