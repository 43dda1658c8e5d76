package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Database       DatabaseConfig       `yaml:"database"`
	Server         ServerConfig         `yaml:"server"`
	WebSocket      WebSocketConfig      `yaml:"websocket"`
	Bidding        BiddingConfig        `yaml:"bidding"`
	Sweeper        SweeperConfig        `yaml:"sweeper"`
	Broker         BrokerConfig         `yaml:"broker"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
	Seed           []SeedAuction        `yaml:"seed"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "sqlx", "ent", "pgx" or "memory"
	// Migrate applies the embedded schema when a SQL driver opens.
	Migrate  bool   `yaml:"migrate"`
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// WebSocketConfig holds per-connection websocket settings.
type WebSocketConfig struct {
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	SendBuffer     int           `yaml:"send_buffer"`
}

// BiddingConfig tunes bid admission.
type BiddingConfig struct {
	// MaxRetries caps compare-and-advance collisions per submission.
	MaxRetries int `yaml:"max_retries"`
}

// SweeperConfig tunes the expiry sweep.
type SweeperConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// BrokerConfig selects how broadcasts reach observers on other replicas.
type BrokerConfig struct {
	Driver        string `yaml:"driver"` // "local" or "nats"
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// SeedAuction describes an auction created at startup. StartsIn and
// Duration are relative to process start.
type SeedAuction struct {
	Title         string        `yaml:"title"`
	Description   string        `yaml:"description"`
	StartingPrice string        `yaml:"starting_price"`
	StartsIn      time.Duration `yaml:"starts_in"`
	Duration      time.Duration `yaml:"duration"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "sqlx",
			Migrate: true,
		},
		WebSocket: WebSocketConfig{
			WriteTimeout:   10 * time.Second,
			ReadTimeout:    60 * time.Second,
			PingInterval:   30 * time.Second,
			MaxMessageSize: 4096,
			SendBuffer:     64,
		},
		Bidding: BiddingConfig{
			MaxRetries: 8,
		},
		Sweeper: SweeperConfig{
			Interval: time.Second,
		},
		Broker: BrokerConfig{
			Driver:        "local",
			URL:           "nats://localhost:4222",
			SubjectPrefix: "bidsync.auction",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "bidsync",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "bidsync-sweeper",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides secrets and endpoints from the environment.
func (c *Config) applyEnv() error {
	if v := os.Getenv("BIDSYNC_DATABASE_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("BIDSYNC_DATABASE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BIDSYNC_DATABASE_PORT: %w", err)
		}
		c.Database.Port = port
	}
	if v := os.Getenv("BIDSYNC_DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("BIDSYNC_NATS_URL"); v != "" {
		c.Broker.URL = v
	}
	if v := os.Getenv("BIDSYNC_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	return nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlx", "ent", "pgx", "memory":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be one of sqlx, ent, pgx, memory", c.Database.Driver)
	}
	switch c.Broker.Driver {
	case "local", "nats":
	default:
		return fmt.Errorf("unsupported broker driver %q: must be \"local\" or \"nats\"", c.Broker.Driver)
	}
	if c.Bidding.MaxRetries < 1 {
		return fmt.Errorf("bidding.max_retries must be at least 1, got %d", c.Bidding.MaxRetries)
	}
	if c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper.interval must be positive, got %s", c.Sweeper.Interval)
	}
	if c.WebSocket.SendBuffer < 1 {
		return fmt.Errorf("websocket.send_buffer must be at least 1, got %d", c.WebSocket.SendBuffer)
	}
	for i, s := range c.Seed {
		if s.Duration <= 0 {
			return fmt.Errorf("seed[%d]: duration must be positive", i)
		}
	}
	return nil
}
