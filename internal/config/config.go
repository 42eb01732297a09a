// Package config loads service configuration from a YAML file with
// environment variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full service configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Server    ServerConfig    `yaml:"server"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	Database  DatabaseConfig  `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
}

// ServiceConfig identifies the service in logs and events.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig controls the HTTP facade.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LedgerConfig controls the append-only audit log.
type LedgerConfig struct {
	Path          string `yaml:"path"`
	ArchiveDir    string `yaml:"archive_dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// ApprovalsConfig controls the approval workflow engine.
type ApprovalsConfig struct {
	// StepUpSecret is the shared secret checked when an approval
	// requires step-up authentication.
	StepUpSecret string `yaml:"step_up_secret"`
	// ScanInterval is how often pending approvals are scanned for
	// SLA escalations. Zero disables the background scan.
	ScanInterval time.Duration `yaml:"scan_interval"`
}

// DatabaseConfig controls the optional Postgres record store. An empty
// Host selects the in-memory store.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

// NATSConfig controls the optional notification publisher. An empty URL
// disables publishing.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "oars-governor",
			Version:     "0.1.0",
			Environment: "development",
		},
		Server: ServerConfig{
			Port:            8086,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Ledger: LedgerConfig{
			Path:          "data/ledger.jsonl",
			ArchiveDir:    "data/archive",
			RetentionDays: 365,
		},
		Approvals: ApprovalsConfig{
			ScanInterval: time.Minute,
		},
		Database: DatabaseConfig{
			Port:     5432,
			SSLMode:  "disable",
			MaxConns: 10,
			MinConns: 2,
		},
	}
}

// Load reads the config file at path (when non-empty) over the defaults,
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = envInt("SERVER_PORT", c.Server.Port)
	c.Ledger.Path = envStr("LEDGER_PATH", c.Ledger.Path)
	c.Ledger.ArchiveDir = envStr("LEDGER_ARCHIVE_DIR", c.Ledger.ArchiveDir)
	c.Approvals.StepUpSecret = envStr("STEP_UP_SECRET", c.Approvals.StepUpSecret)
	c.Database.Host = envStr("DB_HOST", c.Database.Host)
	c.Database.Password = envStr("DB_PASSWORD", c.Database.Password)
	c.NATS.URL = envStr("NATS_URL", c.NATS.URL)
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Ledger.Path == "" {
		return fmt.Errorf("ledger path must not be empty")
	}
	if c.Ledger.RetentionDays <= 0 {
		return fmt.Errorf("ledger retention_days must be positive")
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
