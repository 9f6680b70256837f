// Package config loads server configuration from YAML with .env overrides.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds process-level settings. Per-machine routing configuration
// lives in the store, not here.
type Config struct {
	Listen       string `yaml:"listen"`
	DatabasePath string `yaml:"database_path"`
	// ServerSecret keys the API-key checksum (sk-{machineId}-{keyId}-{crc8}).
	ServerSecret string `yaml:"server_secret"`
	LogLevel     string `yaml:"log_level"`
}

// Defaults applied when the file or a field is absent.
func defaults() *Config {
	return &Config{
		Listen:       ":8317",
		DatabasePath: "polyrelay.db",
		LogLevel:     "info",
	}
}

// Load reads the YAML file at path (missing file is fine) and then applies
// environment overrides. A .env file next to the process is honoured.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if v := os.Getenv("POLYRELAY_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("POLYRELAY_DB"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("POLYRELAY_SECRET"); v != "" {
		cfg.ServerSecret = v
	}
	if v := os.Getenv("POLYRELAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if cfg.ServerSecret == "" {
		return nil, fmt.Errorf("server_secret is required (set POLYRELAY_SECRET or server_secret in %s)", path)
	}
	return cfg, nil
}
