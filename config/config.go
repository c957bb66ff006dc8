// Package config loads disputed settings from YAML with environment
// overrides. Every knob has a default so an empty file is a valid dev setup
// once the secrets are provided.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	RailHTTP      = "http"
	RailSimulated = "simulated"
)

type Config struct {
	ListenAddr   string             `yaml:"listen_addr"`
	LogLevel     string             `yaml:"log_level"`
	Store        string             `yaml:"store"`
	DB           DBConfig           `yaml:"db"`
	Auth         AuthConfig         `yaml:"auth"`
	Verification VerificationConfig `yaml:"verification"`
	Refund       RefundConfig       `yaml:"refund"`
	Risk         RiskConfig         `yaml:"risk"`
	Workflow     WorkflowConfig     `yaml:"workflow"`
	Sweep        SweepConfig        `yaml:"sweep"`
	Redis        RedisConfig        `yaml:"redis"`
	AWS          AWSConfig          `yaml:"aws"`
	Outbox       OutboxConfig       `yaml:"outbox"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

type DBConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type VerificationConfig struct {
	CustomerURL string        `yaml:"customer_url"`
	MerchantURL string        `yaml:"merchant_url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	MaxInFlight int64         `yaml:"max_in_flight"`
	RateLimit   float64       `yaml:"rate_limit"`
	RateBurst   int           `yaml:"rate_burst"`
}

type RefundConfig struct {
	Rail       string        `yaml:"rail"`
	URL        string        `yaml:"url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

type RiskConfig struct {
	MediumThreshold    float64 `yaml:"medium_threshold"`
	HighThreshold      float64 `yaml:"high_threshold"`
	HighValueMinor     int64   `yaml:"high_value_minor"`
	ElevatedValueMinor int64   `yaml:"elevated_value_minor"`
}

type WorkflowConfig struct {
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	VerifyTimeout   time.Duration `yaml:"verify_timeout"`
	TerminalTimeout time.Duration `yaml:"terminal_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
}

type SweepConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	StaleAfter   time.Duration `yaml:"stale_after"`
	PendingAfter time.Duration `yaml:"pending_after"`
	BatchSize    int           `yaml:"batch_size"`
	Concurrency  int           `yaml:"concurrency"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
}

// RedisConfig backs sweep leases. An empty Addr selects in-process leases.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// AWSConfig backs event and alert publishing. With no topic ARNs the service
// logs events instead.
type AWSConfig struct {
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	FiledTopicARN  string `yaml:"filed_topic_arn"`
	StatusTopicARN string `yaml:"status_topic_arn"`
	AlertTopicARN  string `yaml:"alert_topic_arn"`
}

type OutboxConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	// ClaimTTL is how long a claimed row stays invisible to other relays.
	ClaimTTL time.Duration `yaml:"claim_ttl"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Environment  string `yaml:"environment"`
}

// Default returns a configuration that talks to the local mock bank and a
// simulated refund rail.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Store:      StorePostgres,
		DB:         DBConfig{MaxConns: 10},
		Auth:       AuthConfig{TokenTTL: 24 * time.Hour},
		Verification: VerificationConfig{
			CustomerURL: "http://localhost:9000/mock-bank/verify",
			MerchantURL: "http://localhost:9000/mock-bank/verify",
			Timeout:     5 * time.Second,
			MaxRetries:  2,
			MaxInFlight: 16,
			RateLimit:   50,
			RateBurst:   10,
		},
		Refund: RefundConfig{
			Rail:       RailSimulated,
			Timeout:    10 * time.Second,
			MaxRetries: 3,
		},
		Risk: RiskConfig{
			MediumThreshold:    0.35,
			HighThreshold:      0.70,
			HighValueMinor:     5_000 * 100,
			ElevatedValueMinor: 2_000 * 100,
		},
		Workflow: WorkflowConfig{
			Workers:         4,
			QueueSize:       256,
			VerifyTimeout:   30 * time.Second,
			TerminalTimeout: 45 * time.Second,
			MaxAttempts:     5,
		},
		Sweep: SweepConfig{
			Enabled:      true,
			Interval:     time.Minute,
			StaleAfter:   5 * time.Minute,
			PendingAfter: 2 * time.Minute,
			BatchSize:    100,
			Concurrency:  4,
			LeaseTTL:     2 * time.Minute,
		},
		Redis: RedisConfig{KeyPrefix: "disputeflow:lease"},
		AWS:   AWSConfig{Region: "ap-south-1"},
		Outbox: OutboxConfig{
			Enabled:     true,
			Interval:    2 * time.Second,
			BatchSize:   50,
			MaxAttempts: 10,
			ClaimTTL:    time.Minute,
		},
		Telemetry: TelemetryConfig{Environment: "development"},
	}
}

// Load reads path over the defaults, expands ${VAR} references, applies
// environment overrides and validates. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 -- path is operator-provided config path.
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		expanded := os.ExpandEnv(string(raw))
		expanded = strings.ReplaceAll(expanded, "\r\n", "\n")
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(&c.ListenAddr, "LISTEN_ADDR")
	override(&c.LogLevel, "LOG_LEVEL")
	override(&c.Store, "DISPUTE_STORE")
	override(&c.DB.URL, "DATABASE_URL")
	override(&c.Auth.JWTSecret, "JWT_SECRET")
	override(&c.Verification.APIKey, "BANK_API_KEY")
	override(&c.Refund.APIKey, "REFUND_API_KEY")
	override(&c.Redis.Addr, "REDIS_ADDR")
	override(&c.Redis.Password, "REDIS_PASSWORD")
	override(&c.AWS.Region, "AWS_REGION")
	override(&c.AWS.Endpoint, "AWS_SNS_ENDPOINT")
	override(&c.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	switch c.Store {
	case StorePostgres:
		if c.DB.URL == "" {
			return fmt.Errorf("db.url (or DATABASE_URL) is required when store=postgres")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("store must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth.jwt_secret (or JWT_SECRET) must be at least 16 characters")
	}
	if c.Verification.CustomerURL == "" || c.Verification.MerchantURL == "" {
		return fmt.Errorf("verification.customer_url and verification.merchant_url are required")
	}
	if c.Verification.Timeout <= 0 {
		return fmt.Errorf("verification.timeout must be positive")
	}
	if c.Verification.MaxRetries < 0 {
		return fmt.Errorf("verification.max_retries must not be negative")
	}
	switch c.Refund.Rail {
	case RailSimulated:
	case RailHTTP:
		if c.Refund.URL == "" {
			return fmt.Errorf("refund.url is required when refund.rail=http")
		}
	default:
		return fmt.Errorf("refund.rail must be %q or %q, got %q", RailHTTP, RailSimulated, c.Refund.Rail)
	}
	if c.Risk.MediumThreshold <= 0 || c.Risk.HighThreshold > 1 || c.Risk.MediumThreshold >= c.Risk.HighThreshold {
		return fmt.Errorf("risk thresholds must satisfy 0 < medium < high <= 1")
	}
	if c.Sweep.Enabled && (c.Sweep.Interval <= 0 || c.Sweep.StaleAfter <= 0) {
		return fmt.Errorf("sweep.interval and sweep.stale_after must be positive when sweep.enabled=true")
	}
	if c.Outbox.Enabled && c.Outbox.ClaimTTL <= 0 {
		return fmt.Errorf("outbox.claim_ttl must be positive when outbox.enabled=true")
	}
	if c.Sweep.StaleAfter > 0 && c.Sweep.StaleAfter <= c.Workflow.VerifyTimeout+c.Workflow.TerminalTimeout {
		return fmt.Errorf("sweep.stale_after must exceed workflow.verify_timeout + workflow.terminal_timeout")
	}
	return nil
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
