// Package config loads process settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is shared by the API, the outbox relay and the audit consumer. Each
// binary reads the fields it needs.
type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	KafkaBrokers           []string `mapstructure:"-"`
	KafkaReplicationFactor int16    `mapstructure:"KAFKA_REPLICATION_FACTOR"`
	ConsumerGroup          string   `mapstructure:"CONSUMER_GROUP"`

	JWTSecret   string `mapstructure:"JWT_SECRET"`
	JWTIssuer   string `mapstructure:"JWT_ISSUER"`
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`

	LookbackMonths int           `mapstructure:"LOOKBACK_MONTHS"`
	ReadyGrace     time.Duration `mapstructure:"READY_GRACE"`
	Timezone       string        `mapstructure:"TIMEZONE"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int64   `mapstructure:"RATE_LIMIT_BURST"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxMaxRetries   int           `mapstructure:"OUTBOX_MAX_RETRIES"`
	OutboxRetention    time.Duration `mapstructure:"OUTBOX_RETENTION"`

	AuditWorkers int `mapstructure:"AUDIT_WORKERS"`
}

var defaults = map[string]interface{}{
	"PORT":                     "8080",
	"ENV":                      "development",
	"LOG_LEVEL":                "info",
	"DB_MAX_CONNS":             20,
	"DB_MIN_CONNS":             2,
	"KAFKA_BROKERS":            "localhost:9092",
	"KAFKA_REPLICATION_FACTOR": 1,
	"CONSUMER_GROUP":           "ledger-audit",
	"JWT_ISSUER":               "",
	"JWT_AUDIENCE":             "",
	"JWT_SECRET":               "",
	"DATABASE_URL":             "",
	"LOOKBACK_MONTHS":          6,
	"READY_GRACE":              "1h",
	"TIMEZONE":                 "UTC",
	"RATE_LIMIT_RPS":           20,
	"RATE_LIMIT_BURST":         40,
	"OTLP_ENDPOINT":            "",
	"TRACE_SAMPLE_RATE":        1.0,
	"OUTBOX_POLL_INTERVAL":     "100ms",
	"OUTBOX_BATCH_SIZE":        100,
	"OUTBOX_MAX_RETRIES":       5,
	"OUTBOX_RETENTION":         "168h",
	"AUDIT_WORKERS":            8,
}

// Load reads .env files (missing files are ignored) and then the process
// environment. Variables already set in the environment win over .env.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))

	return cfg, nil
}

// Validate checks the settings every binary depends on.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.LookbackMonths <= 0 {
		return fmt.Errorf("LOOKBACK_MONTHS must be positive, got %d", c.LookbackMonths)
	}
	if c.ReadyGrace < 0 {
		return fmt.Errorf("READY_GRACE must not be negative, got %s", c.ReadyGrace)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.TraceSampleRate)
	}
	return nil
}

// ValidateAPI additionally requires the token signing key.
func (c *Config) ValidateAPI() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.JWTSecret) < 32 && c.IsProduction() {
		return errors.New("JWT_SECRET must be at least 32 bytes in production")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}

// ValidateMessaging additionally requires brokers.
func (c *Config) ValidateMessaging() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}
	return nil
}

// Location resolves TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// IsDev reports whether ENV=development.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction reports whether ENV=production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// TracingEnabled reports whether an OTLP endpoint is configured.
func (c *Config) TracingEnabled() bool {
	return c.OTLPEndpoint != ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
