package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"emberwatch/internal/logger"
	"emberwatch/internal/models"
)

// Channel delivers one message to one recipient.
type Channel interface {
	Name() string
	Send(ctx context.Context, to models.Operator, msg Message) error
}

// payload is the JSON form used by the webhook and NATS channels.
type payload struct {
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Event     models.AlertEvent `json:"event"`
	Severity  models.Severity   `json:"severity"`
	Kind      models.RuleKind   `json:"kind"`
	NodeID    int64             `json:"node_id"`
	SensorID  int64             `json:"sensor_id"`
	Type      models.SensorType `json:"sensor_type"`
}

func newPayload(to models.Operator, msg Message) payload {
	a := msg.Alert
	return payload{
		Recipient: to.Email,
		Subject:   msg.Subject,
		Body:      msg.Body,
		Event:     a.Event,
		Severity:  a.Rule.Severity,
		Kind:      a.Rule.Kind,
		NodeID:    a.Reading.NodeID,
		SensorID:  a.Rule.SensorID,
		Type:      a.Reading.SensorType,
	}
}

// LogChannel writes notifications to the log. Used in development.
type LogChannel struct{}

func (LogChannel) Name() string { return "log" }

func (LogChannel) Send(_ context.Context, to models.Operator, msg Message) error {
	log := logger.WithComponent("notify")
	log.Info().
		Str("recipient", to.Email).
		Str("subject", msg.Subject).
		Int64("event_id", msg.Alert.Event.ID).
		Str("message", msg.Alert.Event.Message).
		Msg("notification delivered to log channel")
	return nil
}

// SMTPConfig holds mail relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPChannel sends HTML mail. smtp.SendMail upgrades to STARTTLS when the
// relay offers it; PLAIN auth is used when a username is configured.
type SMTPChannel struct {
	cfg      SMTPConfig
	sendMail sendMailFunc
}

// NewSMTPChannel creates an SMTP channel.
func NewSMTPChannel(cfg SMTPConfig) *SMTPChannel {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPChannel{cfg: cfg, sendMail: smtp.SendMail}
}

func (c *SMTPChannel) Name() string { return "smtp" }

func (c *SMTPChannel) Send(ctx context.Context, to models.Operator, msg Message) error {
	if to.Email == "" {
		return errors.New("recipient has no email address")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	if err := c.sendMail(addr, auth, c.cfg.From, []string{to.Email}, buildMIME(c.cfg.From, to.Email, msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to.Email, err)
	}
	return nil
}

func buildMIME(from, to string, msg Message) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + msg.Subject + "\r\n")
	b.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	return []byte(b.String())
}

// WebhookChannel POSTs a JSON payload per recipient.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel. A zero timeout means 10s.
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{url: url, client: &http.Client{Timeout: timeout}}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, to models.Operator, msg Message) error {
	body, err := json.Marshal(newPayload(to, msg))
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: POST %s: %w", c.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Publisher is the subset of *nats.Conn the NATS channel needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSChannel publishes one JSON message per recipient on a subject.
type NATSChannel struct {
	pub     Publisher
	subject string
}

// NewNATSChannel creates a NATS channel over an existing connection.
func NewNATSChannel(pub Publisher, subject string) *NATSChannel {
	return &NATSChannel{pub: pub, subject: subject}
}

// ConnectNATS dials the NATS server with reconnect handling.
func ConnectNATS(url string) (*nats.Conn, error) {
	log := logger.WithComponent("notify")

	conn, err := nats.Connect(url,
		nats.Name("emberwatch"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

func (c *NATSChannel) Name() string { return "nats" }

func (c *NATSChannel) Send(ctx context.Context, to models.Operator, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(newPayload(to, msg))
	if err != nil {
		return fmt.Errorf("nats: marshal payload: %w", err)
	}
	if err := c.pub.Publish(c.subject, data); err != nil {
		return fmt.Errorf("nats: publish to %s: %w", c.subject, err)
	}
	return nil
}
