// Package config loads server configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Promotion PromotionConfig `yaml:"promotion"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AuthTokens lists accepted bearer tokens. Empty leaves the API open.
	AuthTokens        []string `yaml:"auth_tokens"`
	RateLimitPerSec   int      `yaml:"rate_limit_per_sec"`
	RateLimitBurst    int      `yaml:"rate_limit_burst"`
	ShutdownTimeoutMS int      `yaml:"shutdown_timeout_ms"`
	// AuditLogPath mirrors the audit trail to a JSONL file when set.
	AuditLogPath string `yaml:"audit_log_path"`
}

// DatabaseConfig configures persistence. An empty DSN selects the in-memory
// store.
type DatabaseConfig struct {
	DSN           string `yaml:"dsn"`
	MigrationsDir string `yaml:"migrations_dir"`
}

// PromotionConfig configures the background promotion loop.
type PromotionConfig struct {
	Schedule       string `yaml:"schedule"`
	CycleTimeoutMS int    `yaml:"cycle_timeout_ms"`
	Disabled       bool   `yaml:"disabled"`
}

// Default returns the development configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			RateLimitPerSec:   100,
			RateLimitBurst:    200,
			ShutdownTimeoutMS: 10000,
		},
		Database: DatabaseConfig{
			MigrationsDir: "migrations",
		},
		Promotion: PromotionConfig{
			Schedule:       "@every 1m",
			CycleTimeoutMS: 30000,
		},
	}
}

// Load reads config/server.yaml.
func Load() (*Config, error) {
	return LoadFromPath(filepath.Join("config", "server.yaml"))
}

// LoadFromPath reads a configuration file and applies environment overrides.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads the config file or falls back to defaults with
// environment overrides applied.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		cfg = Default()
		cfg.applyEnv()
	}
	return cfg
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("SERVER_ADDR")); v != "" {
		c.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("AUTH_TOKENS")); v != "" {
		c.Server.AuthTokens = splitTokens(v)
	}
	if v, ok := envInt("RATE_LIMIT_PER_SEC"); ok {
		c.Server.RateLimitPerSec = v
	}
	if v, ok := envInt("RATE_LIMIT_BURST"); ok {
		c.Server.RateLimitBurst = v
	}
	if v := strings.TrimSpace(os.Getenv("AUDIT_LOG_PATH")); v != "" {
		c.Server.AuditLogPath = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_DSN")); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("MIGRATIONS_DIR")); v != "" {
		c.Database.MigrationsDir = v
	}
	if v := strings.TrimSpace(os.Getenv("PROMOTION_SCHEDULE")); v != "" {
		c.Promotion.Schedule = v
	}
	if v := strings.TrimSpace(os.Getenv("PROMOTION_DISABLED")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			c.Promotion.Disabled = parsed
		}
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server addr is required")
	}
	if c.Server.RateLimitPerSec < 0 || c.Server.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit values must be non-negative")
	}
	return nil
}

// ShutdownTimeout returns the graceful shutdown bound.
func (c *Config) ShutdownTimeout() time.Duration {
	if c.Server.ShutdownTimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Server.ShutdownTimeoutMS) * time.Millisecond
}

// CycleTimeout returns the promotion cycle bound.
func (c *Config) CycleTimeout() time.Duration {
	if c.Promotion.CycleTimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Promotion.CycleTimeoutMS) * time.Millisecond
}

func envInt(name string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func splitTokens(v string) []string {
	parts := strings.Split(v, ",")
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}
