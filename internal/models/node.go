package models

// Node is a physical device hosting sensors. Nodes authenticate ingestion
// requests with their API key.
type Node struct {
	ID       int64  `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Location string `json:"location,omitempty" yaml:"location"`
	APIKey   string `json:"-" yaml:"api_key"`
	Active   bool   `json:"active" yaml:"active"`
}

// Sensor is a measurement source of one type.
type Sensor struct {
	ID   int64      `json:"id" yaml:"id"`
	Name string     `json:"name" yaml:"name"`
	Type SensorType `json:"type" yaml:"type"`
	Unit string     `json:"unit,omitempty" yaml:"unit"`
}
