package storage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"emberwatch/internal/models"
)

// Seed is the YAML layout accepted by LoadSeed.
type Seed struct {
	Nodes   []models.Node   `yaml:"nodes"`
	Sensors []models.Sensor `yaml:"sensors"`
	// Attachments maps node id to the sensor ids it hosts.
	Attachments map[int64][]int64  `yaml:"attachments"`
	Rules       []models.AlertRule `yaml:"rules"`
	Operators   []models.Operator  `yaml:"operators"`
}

// LoadSeed reads a seed file into m.
func LoadSeed(m *Memory, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}

	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parse seed: %w", err)
	}

	return ApplySeed(m, s)
}

// ApplySeed loads s into m.
func ApplySeed(m *Memory, s Seed) error {
	for _, n := range s.Nodes {
		m.PutNode(n)
	}
	for _, sensor := range s.Sensors {
		if !models.NormalizeSensorType(string(sensor.Type)).IsValid() {
			return fmt.Errorf("sensor %d: %w", sensor.ID, models.ErrInvalidSensorType)
		}
		m.PutSensor(sensor)
	}
	for nodeID, sensorIDs := range s.Attachments {
		for _, sensorID := range sensorIDs {
			m.Attach(nodeID, sensorID)
		}
	}
	for _, r := range s.Rules {
		if err := m.PutRule(r); err != nil {
			return err
		}
	}
	for _, o := range s.Operators {
		m.PutOperator(o)
	}
	return nil
}
