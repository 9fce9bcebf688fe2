package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberwatch/internal/models"
	"emberwatch/internal/storage"
)

const seedYAML = `
nodes:
  - id: 1
    name: warehouse
    api_key: node-secret
    active: true
sensors:
  - {id: 1, name: dht-temp, type: temperature, unit: C}
  - {id: 2, name: dht-hum, type: humidite, unit: "%"}
  - {id: 3, name: mq2, type: co2, unit: ppm}
attachments:
  1: [1, 2, 3]
rules:
  - id: 1
    sensor_id: 1
    kind: max_threshold
    severity: critical
    max_value: 4
    notify: true
    active: true
  - id: 2
    sensor_id: 3
    node_id: 1
    kind: anomaly
    severity: critical
    notify: true
    active: true
operators:
  - {id: 1, name: Ops, email: ops@example.com, role: admin, active: true}
`

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o644))

	m := storage.NewMemory()
	require.NoError(t, storage.LoadSeed(m, path))

	ctx := context.Background()
	n, err := m.NodeByAPIKey(ctx, "node-secret")
	require.NoError(t, err)
	assert.Equal(t, "warehouse", n.Name)

	s, err := m.SensorForNode(ctx, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, models.SensorGasLevel, s.Type)

	rules, err := m.ActiveRulesFor(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.NotNil(t, rules[0].MaxValue)
	assert.Equal(t, 4.0, *rules[0].MaxValue)
	assert.Nil(t, rules[0].NodeID)

	anomaly, err := m.FindAnomalyRule(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), anomaly.ID)
}

func TestLoadSeedRejectsInvalidRule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - {id: 1, sensor_id: 1, kind: min_threshold, severity: info, active: true}
`), 0o644))

	err := storage.LoadSeed(storage.NewMemory(), path)
	assert.ErrorIs(t, err, models.ErrMissingMinValue)
}

func TestLoadSeedMissingFile(t *testing.T) {
	assert.Error(t, storage.LoadSeed(storage.NewMemory(), filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestLoadSeed_ExampleFile(t *testing.T) {
	m := storage.NewMemory()
	require.NoError(t, storage.LoadSeed(m, filepath.Join("..", "..", "configs", "seed.yaml")))

	s, err := m.SensorForNode(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, models.SensorHumidity, s.Type)
}
