package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"emberwatch/internal/models"
)

// Alert is what the dispatcher delivers: a persisted event plus the rule and
// reading that produced it.
type Alert struct {
	Event   models.AlertEvent
	Rule    models.AlertRule
	Reading models.Reading
}

// Message is the rendered notification handed to a Channel.
type Message struct {
	Subject string
	// Body is HTML.
	Body  string
	Alert Alert
}

var bodyTemplate = template.Must(template.New("alert").Parse(`<html>
<body style="font-family: Arial, sans-serif; padding: 20px;">
  <h2 style="color: {{.Color}};">{{.Severity}} alert</h2>
  <div style="background-color: #f5f5f5; padding: 15px; border-radius: 5px;">
    <p><strong>Sensor:</strong> {{.SensorID}} ({{.SensorType}})</p>
    <p><strong>Node:</strong> {{.NodeID}}</p>
    <p><strong>Rule:</strong> {{.RuleID}} ({{.Kind}})</p>
    <p><strong>Value:</strong> {{.Value}}</p>
    <p><strong>Message:</strong> {{.Message}}</p>
    <p><strong>Date:</strong> {{.Date}}</p>
  </div>
</body>
</html>
`))

// Subject renders the notification subject line.
func Subject(a Alert) string {
	return fmt.Sprintf("IoT alert - %s: sensor %d", strings.ToUpper(string(a.Rule.Severity)), a.Rule.SensorID)
}

// Render builds the subject and HTML body for a.
func Render(a Alert) (Message, error) {
	color := "#f57c00"
	if a.Rule.Severity == models.SeverityCritical {
		color = "#d32f2f"
	}

	created := a.Event.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	var buf bytes.Buffer
	err := bodyTemplate.Execute(&buf, map[string]any{
		"Color":      color,
		"Severity":   strings.ToUpper(string(a.Rule.Severity)),
		"SensorID":   a.Rule.SensorID,
		"SensorType": a.Reading.SensorType,
		"NodeID":     a.Reading.NodeID,
		"RuleID":     a.Rule.ID,
		"Kind":       a.Rule.Kind,
		"Value":      a.Event.MeasuredValue,
		"Message":    a.Event.Message,
		"Date":       created.Format("2006-01-02 15:04:05 MST"),
	})
	if err != nil {
		return Message{}, fmt.Errorf("render alert body: %w", err)
	}

	return Message{Subject: Subject(a), Body: buf.String(), Alert: a}, nil
}
