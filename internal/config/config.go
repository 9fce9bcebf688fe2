package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the alerting service.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	Storage    StorageConfig    `yaml:"storage"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	NATS       NATSConfig       `yaml:"nats"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Notify     NotifyConfig     `yaml:"notify"`
	Worker     WorkerConfig     `yaml:"worker"`
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// HTTPConfig configures the ingest and diagnostics server.
type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	APIKeyEnv    string        `yaml:"api_key_env"`
	APIKeyHeader string        `yaml:"api_key_header"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// APIKey returns the admin API key guarding the diagnostic endpoints,
// resolved from the environment. An empty key disables the check. Ingestion
// is authenticated per node instead.
func (h HTTPConfig) APIKey() string {
	if h.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(h.APIKeyEnv)
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	// Backend is one of: postgres | memory.
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
	// SeedPath optionally loads nodes, sensors, rules and operators into the
	// memory backend at startup.
	SeedPath      string        `yaml:"seed_path"`
	MaxOpenConns  int           `yaml:"max_open_conns"`
	RuleCacheTTL  time.Duration `yaml:"rule_cache_ttl"`
	RuleCacheSize int           `yaml:"rule_cache_size"`
}

// RedisConfig configures the shared latest-reading cache.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	LatestTTL time.Duration `yaml:"latest_ttl"`
}

// KafkaConfig configures the readings consumer and the alert-event producer.
type KafkaConfig struct {
	Enabled       bool           `yaml:"enabled"`
	Brokers       []string       `yaml:"brokers"`
	ReadingsTopic string         `yaml:"readings_topic"`
	GroupID       string         `yaml:"group_id"`
	AlertsTopic   string         `yaml:"alerts_topic"`
	Producer      ProducerConfig `yaml:"producer"`
}

// ProducerConfig holds Kafka writer tuning.
type ProducerConfig struct {
	PoolSize     int           `yaml:"pool_size"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RequiredAcks int           `yaml:"required_acks"`
	Compression  string        `yaml:"compression"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// NATSConfig configures the NATS notification channel.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// ClassifierConfig configures the fire-risk classifier.
type ClassifierConfig struct {
	// ModelPath points at a JSON forest export. A missing file is not fatal.
	ModelPath string `yaml:"model_path"`
	// Watch reloads the model when the file changes.
	Watch bool `yaml:"watch"`
	// GasInput is one of: smoke | raw. It says how the latest gas_level reading
	// is fed to the classifier.
	GasInput           string  `yaml:"gas_input"`
	RawGasMax          float64 `yaml:"raw_gas_max"`
	SmokeMax           float64 `yaml:"smoke_max"`
	FallbackConfidence float64 `yaml:"fallback_confidence"`
}

// NotifyConfig configures the gate and the delivery channel.
type NotifyConfig struct {
	Cooldown time.Duration `yaml:"cooldown"`
	// Channel is one of: smtp | webhook | nats | log.
	Channel string        `yaml:"channel"`
	SMTP    SMTPConfig    `yaml:"smtp"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SMTPConfig holds mail relay settings. The password is read from PasswordEnv.
type SMTPConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
	From        string `yaml:"from"`
}

// Password returns the SMTP password resolved from the environment.
func (s SMTPConfig) Password() string {
	if s.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(s.PasswordEnv)
}

// WebhookConfig defines a generic JSON webhook target.
type WebhookConfig struct {
	URLEnv  string        `yaml:"url_env"`
	Timeout time.Duration `yaml:"timeout"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// WorkerConfig sizes the alert envelope publishing pool.
type WorkerConfig struct {
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			APIKeyHeader: "X-API-Key",
			MaxBodyBytes: 1 << 20,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Backend:       "memory",
			MaxOpenConns:  10,
			RuleCacheTTL:  30 * time.Second,
			RuleCacheSize: 1024,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "emberwatch",
			LatestTTL: 24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ReadingsTopic: "sensor-readings",
			GroupID:       "emberwatch",
			AlertsTopic:   "alert-events",
			Producer: ProducerConfig{
				PoolSize:     2,
				BatchSize:    100,
				BatchTimeout: 50 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: 1,
				Compression:  "snappy",
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
			},
		},
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Subject: "emberwatch.notifications",
		},
		Classifier: ClassifierConfig{
			ModelPath:          "models/fire_model.json",
			GasInput:           "smoke",
			RawGasMax:          4095,
			SmokeMax:           1000,
			FallbackConfidence: 75,
		},
		Notify: NotifyConfig{
			Cooldown: 30 * time.Minute,
			Channel:  "log",
			SMTP: SMTPConfig{
				Host:        "localhost",
				Port:        587,
				PasswordEnv: "EMBERWATCH_SMTP_PASSWORD",
				From:        "emberwatch@localhost",
			},
			Webhook: WebhookConfig{
				URLEnv:  "EMBERWATCH_WEBHOOK_URL",
				Timeout: 10 * time.Second,
			},
		},
		Worker: WorkerConfig{
			Workers:      2,
			QueueSize:    1000,
			BatchSize:    50,
			BatchTimeout: 200 * time.Millisecond,
		},
	}
}

// Load reads the YAML file at path on top of Default(), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides selected fields from EMBERWATCH_* environment variables.
func (c *Config) ApplyEnv() {
	c.Log.Level = getEnv("EMBERWATCH_LOG_LEVEL", c.Log.Level)
	c.HTTP.Addr = getEnv("EMBERWATCH_HTTP_ADDR", c.HTTP.Addr)
	c.Storage.Backend = getEnv("EMBERWATCH_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.PostgresDSN = getEnv("EMBERWATCH_POSTGRES_DSN", c.Storage.PostgresDSN)
	c.Storage.SeedPath = getEnv("EMBERWATCH_SEED_PATH", c.Storage.SeedPath)
	c.Redis.Addr = getEnv("EMBERWATCH_REDIS_ADDR", c.Redis.Addr)
	c.NATS.URL = getEnv("EMBERWATCH_NATS_URL", c.NATS.URL)
	c.Classifier.ModelPath = getEnv("EMBERWATCH_MODEL_PATH", c.Classifier.ModelPath)
	c.Notify.Channel = getEnv("EMBERWATCH_NOTIFY_CHANNEL", c.Notify.Channel)
	c.Notify.Cooldown = getEnvDuration("EMBERWATCH_NOTIFY_COOLDOWN", c.Notify.Cooldown)

	if brokers := os.Getenv("EMBERWATCH_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if enabled := os.Getenv("EMBERWATCH_KAFKA_ENABLED"); enabled != "" {
		c.Kafka.Enabled, _ = strconv.ParseBool(enabled)
	}
}

// Validate checks structural constraints on the configuration.
func (c *Config) Validate() error {
	if c.Notify.Cooldown <= 0 {
		return fmt.Errorf("notify.cooldown must be positive")
	}
	switch c.Notify.Channel {
	case "smtp", "webhook", "nats", "log":
	default:
		return fmt.Errorf("notify.channel %q unknown: want smtp|webhook|nats|log", c.Notify.Channel)
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend %q unknown: want postgres|memory", c.Storage.Backend)
	}
	switch c.Classifier.GasInput {
	case "smoke", "raw":
	default:
		return fmt.Errorf("classifier.gas_input %q unknown: want smoke|raw", c.Classifier.GasInput)
	}
	if c.Classifier.RawGasMax <= 0 || c.Classifier.SmokeMax <= 0 {
		return fmt.Errorf("classifier.raw_gas_max and classifier.smoke_max must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers must not be empty when kafka is enabled")
	}
	if c.Storage.RuleCacheTTL < 0 {
		return fmt.Errorf("storage.rule_cache_ttl must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
