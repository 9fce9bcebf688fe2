package models

import (
	"sort"
	"strings"
	"time"
)

// SupportedTimestampFormats lists formats we attempt to parse
var SupportedTimestampFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.UnixDate,
}

// sensorTypeAliases maps names used by field firmware to canonical types.
var sensorTypeAliases = map[string]SensorType{
	"temp":        SensorTemperature,
	"temperature": SensorTemperature,
	"humidite":    SensorHumidity,
	"humidity":    SensorHumidity,
	"hum":         SensorHumidity,
	"gas":         SensorGasLevel,
	"gas_level":   SensorGasLevel,
	"co2":         SensorGasLevel,
	"smoke":       SensorGasLevel,
	"fumee":       SensorGasLevel,
	"pressure":    SensorPressure,
	"light":       SensorLight,
	"motion":      SensorMotion,
}

// NormalizeSensorType lower-cases and resolves aliases. Unknown names are
// returned lower-cased so validation can reject them.
func NormalizeSensorType(name string) SensorType {
	key := strings.ToLower(strings.TrimSpace(name))
	if t, ok := sensorTypeAliases[key]; ok {
		return t
	}
	return SensorType(key)
}

// Aliases returns every stored name that normalizes to t, including t itself,
// sorted.
func Aliases(t SensorType) []string {
	names := []string{string(t)}
	for name, canonical := range sensorTypeAliases {
		if canonical == t && name != string(t) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Normalize applies field normalization to a Reading
// - resolves sensor type aliases
// - converts the timestamp to UTC
func (r *Reading) Normalize() {
	r.SensorType = NormalizeSensorType(string(r.SensorType))
	if !r.Timestamp.IsZero() {
		r.Timestamp = r.Timestamp.UTC()
	}
}

// ParseTimestamp attempts to parse a timestamp string into time.Time
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)

	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, ErrInvalidTimestamp
}
