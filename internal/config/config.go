package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is the full server configuration. Environment variables win
// over the optional YAML file, which wins over defaults.
type AppConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	AdminAddr  string `yaml:"admin_addr"`

	AuthSecret string `yaml:"auth_secret"`

	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	GraceWindow time.Duration `yaml:"grace_window"`
	MoveClock   time.Duration `yaml:"move_clock"`
	RetireGrace time.Duration `yaml:"retire_grace"`

	OutboundBuffer int `yaml:"outbound_buffer"`
}

func defaults() *AppConfig {
	return &AppConfig{
		ListenAddr:     ":8080",
		GraceWindow:    30 * time.Second,
		RetireGrace:    60 * time.Second,
		OutboundBuffer: 32,
	}
}

// Load builds the configuration from CONFIG_FILE (optional YAML) and
// the environment.
func Load() (*AppConfig, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("ADMIN_ADDR")); v != "" {
		cfg.AdminAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("AUTH_SECRET")); v != "" {
		cfg.AuthSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("GRACE_WINDOW")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("GRACE_WINDOW: %w", err)
		}
		cfg.GraceWindow = d
	}
	if v := strings.TrimSpace(os.Getenv("MOVE_CLOCK")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("MOVE_CLOCK: %w", err)
		}
		cfg.MoveClock = d
	}
	if v := strings.TrimSpace(os.Getenv("RETIRE_GRACE")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("RETIRE_GRACE: %w", err)
		}
		cfg.RetireGrace = d
	}
	if v := strings.TrimSpace(os.Getenv("OUTBOUND_BUFFER")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.OutboundBuffer = n
		}
	}

	if cfg.GraceWindow <= 0 {
		return nil, fmt.Errorf("grace window must be positive")
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = defaults().OutboundBuffer
	}
	return cfg, nil
}
