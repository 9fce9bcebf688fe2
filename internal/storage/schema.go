package storage

// migrations are applied in order inside one transaction. Each statement is
// idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS nodes (
		id         BIGSERIAL PRIMARY KEY,
		name       TEXT NOT NULL,
		location   TEXT NOT NULL DEFAULT '',
		api_key    TEXT NOT NULL UNIQUE,
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS sensors (
		id   BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		unit TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS node_sensors (
		node_id   BIGINT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		sensor_id BIGINT NOT NULL REFERENCES sensors(id) ON DELETE CASCADE,
		PRIMARY KEY (node_id, sensor_id)
	)`,
	`CREATE TABLE IF NOT EXISTS readings (
		id          BIGSERIAL PRIMARY KEY,
		node_id     BIGINT NOT NULL REFERENCES nodes(id),
		sensor_id   BIGINT NOT NULL REFERENCES sensors(id),
		value       DOUBLE PRECISION NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS readings_node_sensor_id_idx ON readings (node_id, sensor_id, id DESC)`,
	`CREATE TABLE IF NOT EXISTS alert_rules (
		id               BIGSERIAL PRIMARY KEY,
		sensor_id        BIGINT NOT NULL REFERENCES sensors(id) ON DELETE CASCADE,
		node_id          BIGINT REFERENCES nodes(id) ON DELETE CASCADE,
		kind             TEXT NOT NULL CHECK (kind IN ('min_threshold', 'max_threshold', 'anomaly', 'offline', 'other')),
		severity         TEXT NOT NULL CHECK (severity IN ('info', 'warning', 'critical')),
		min_value        DOUBLE PRECISION,
		max_value        DOUBLE PRECISION,
		message_template TEXT NOT NULL DEFAULT '',
		notify           BOOLEAN NOT NULL DEFAULT TRUE,
		active           BOOLEAN NOT NULL DEFAULT TRUE,
		CHECK (kind <> 'min_threshold' OR min_value IS NOT NULL),
		CHECK (kind <> 'max_threshold' OR max_value IS NOT NULL)
	)`,
	`CREATE INDEX IF NOT EXISTS alert_rules_sensor_idx ON alert_rules (sensor_id) WHERE active`,
	`CREATE TABLE IF NOT EXISTS alert_events (
		id             BIGSERIAL PRIMARY KEY,
		rule_id        BIGINT NOT NULL REFERENCES alert_rules(id) ON DELETE CASCADE,
		reading_id     BIGINT REFERENCES readings(id) ON DELETE SET NULL,
		measured_value DOUBLE PRECISION NOT NULL,
		message        TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		sent           BOOLEAN NOT NULL DEFAULT FALSE,
		sent_at        TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS operators (
		id     BIGSERIAL PRIMARY KEY,
		name   TEXT NOT NULL,
		email  TEXT NOT NULL UNIQUE,
		role   TEXT NOT NULL DEFAULT 'admin',
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
}
