package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges and validates the configuration. A missing file
// is not an error: the built-in defaults run a database-less, provider-less
// instance suitable for local exploration.
func Initialize(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		loaded, err := loadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		if loaded != nil {
			if err := mergo.Merge(cfg, loaded, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merge configuration: %w", err)
			}
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	slog.Info("Configuration initialized",
		"providers", len(cfg.Providers),
		"database", cfg.Database.URL != "")
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		slog.Info("No configuration file found, using defaults", "path", path)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	expanded := ExpandEnv(raw)
	cfg := &Config{}
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	return cfg, nil
}
