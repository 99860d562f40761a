// Package config handles loading and validating the taskplane.yaml
// configuration. The daemon runs with zero config (sensible defaults plus
// environment overrides); taskplane.yaml exists for deployments that prefer
// a file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the top-level taskplane.yaml configuration.
type Config struct {
	ListenAddr    string `yaml:"listen_addr"`
	DatabaseURL   string `yaml:"database_url"`
	FlinkHome     string `yaml:"flink_home"`
	FlinkCDCHome  string `yaml:"flink_cdc_home"`
	SQLGatewayURL string `yaml:"sql_gateway_url"`
	JobManagerURL string `yaml:"job_manager_url"`

	// EncryptionKey seals stored variables. Required when variables are used.
	EncryptionKey string `yaml:"variable_encryption_key"`

	// APIToken, when set, turns on bearer-token auth for all /api routes.
	APIToken string `yaml:"api_token"`
}

// DefaultConfig returns the defaults used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:    ":8601",
		SQLGatewayURL: "http://localhost:8083",
		JobManagerURL: "http://localhost:8081",
	}
}

// Load parses a taskplane.yaml file, applies environment overrides, and
// validates the result. If path is empty, defaults plus env are used.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

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

// ResolvePath finds the config file path.
// Priority: TASKPLANE_CONFIG env var > ./taskplane.yaml > "" (no config).
func ResolvePath() string {
	if p := os.Getenv("TASKPLANE_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("taskplane.yaml"); err == nil {
		return "taskplane.yaml"
	}
	return ""
}

// applyEnv overlays environment variables onto the config. Env wins over the
// file so container deployments can override a baked-in taskplane.yaml.
func (c *Config) applyEnv() {
	overlay(&c.ListenAddr, "LISTEN_ADDR")
	overlay(&c.DatabaseURL, "DATABASE_URL")
	overlay(&c.FlinkHome, "FLINK_HOME")
	overlay(&c.FlinkCDCHome, "FLINK_CDC_HOME")
	overlay(&c.SQLGatewayURL, "SQL_GATEWAY_URL")
	overlay(&c.JobManagerURL, "JOB_MANAGER_URL")
	overlay(&c.EncryptionKey, "VARIABLE_ENCRYPTION_KEY")
	overlay(&c.APIToken, "TASKPLANE_API_TOKEN")
}

func overlay(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// validate checks the fields the daemon cannot start without.
func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	return nil
}
