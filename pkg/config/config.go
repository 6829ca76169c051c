package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML-backed service configuration. Environment variables
// (SUCHAK_*) override file values; flags override both.
type Config struct {
	Server struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
	} `yaml:"server"`
	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`
	Engine struct {
		// LocalID is the participant this device acts as.
		LocalID string `yaml:"local_id"`
		Outbox  struct {
			MaxAttempts    int    `yaml:"max_attempts"`
			InitialBackoff string `yaml:"initial_backoff"` // duration, e.g. "500ms"
			MaxBackoff     string `yaml:"max_backoff"`
			LaneCapacity   int    `yaml:"lane_capacity"`
		} `yaml:"outbox"`
	} `yaml:"engine"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	Retention struct {
		Enabled bool   `yaml:"enabled"`
		Cron    string `yaml:"cron"`
		// MaxVersionAge bounds how long edit history is kept, e.g. "720h".
		MaxVersionAge string `yaml:"max_version_age"`
		// MaxAckAge bounds how long acknowledged temp-id mappings are kept.
		MaxAckAge string `yaml:"max_ack_age"`
	} `yaml:"retention"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Validation struct {
		MaxTextLen  int   `yaml:"max_text_len"`
		MaxFileSize int64 `yaml:"max_file_size"`
	} `yaml:"validation"`
}

// Addr returns host:port for the HTTP server.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 8080
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// OutboxInitialBackoff parses the configured duration, zero if absent.
func (c *Config) OutboxInitialBackoff() time.Duration {
	d, _ := time.ParseDuration(c.Engine.Outbox.InitialBackoff)
	return d
}

// OutboxMaxBackoff parses the configured duration, zero if absent.
func (c *Config) OutboxMaxBackoff() time.Duration {
	d, _ := time.ParseDuration(c.Engine.Outbox.MaxBackoff)
	return d
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyEnv overrides cfg fields from SUCHAK_* environment variables and
// reports whether any were used.
func ApplyEnv(cfg *Config) bool {
	used := false
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
			used = true
		}
	}
	setStr("SUCHAK_SERVER_ADDRESS", &cfg.Server.Address)
	if v := os.Getenv("SUCHAK_SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
			used = true
		}
	}
	setStr("SUCHAK_DB_PATH", &cfg.Storage.DBPath)
	setStr("SUCHAK_LOCAL_ID", &cfg.Engine.LocalID)
	setStr("SUCHAK_LOG_LEVEL", &cfg.Logging.Level)
	if v := os.Getenv("SUCHAK_OUTBOX_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Outbox.MaxAttempts = n
			used = true
		}
	}
	if v := os.Getenv("SUCHAK_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit.RPS = f
			used = true
		}
	}
	return used
}
