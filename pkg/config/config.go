// Package config loads the simloom.yaml configuration: LLM providers,
// agent and simulator tuning, tree retention and experiment budgets.
// Environment variables are referenced with {{.VAR_NAME}} template syntax
// and expanded before parsing; file values override built-in defaults.
package config

import (
	"fmt"
	"time"
)

// Config is the fully merged, validated runtime configuration.
type Config struct {
	Database   DatabaseConfig            `yaml:"database"`
	Providers  map[string]ProviderConfig `yaml:"llm_providers"`
	LLM        LLMConfig                 `yaml:"llm"`
	Agent      AgentConfig               `yaml:"agent"`
	Simulator  SimulatorConfig           `yaml:"simulator"`
	Tree       TreeConfig                `yaml:"tree"`
	Experiment ExperimentConfig          `yaml:"experiment"`
}

// DatabaseConfig selects the persistence backend. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL string `yaml:"url,omitempty"`
}

// ProviderConfig describes one LLM provider endpoint.
type ProviderConfig struct {
	Type       string `yaml:"type"` // "openai" or "openai-compatible"
	APIKey     string `yaml:"api_key,omitempty"`
	BaseURL    string `yaml:"base_url,omitempty"`
	Model      string `yaml:"model"`
	Multimodal bool   `yaml:"multimodal,omitempty"`
	// Quota is the per-user token budget charged by experiment runs.
	Quota int64 `yaml:"quota,omitempty"`
}

// LLMConfig tunes the outbound call discipline shared by all providers.
type LLMConfig struct {
	DefaultProvider string        `yaml:"default_provider,omitempty"`
	Timeout         time.Duration `yaml:"timeout,omitempty"`
	MaxRetries      uint64        `yaml:"max_retries,omitempty"`
	MaxConcurrent   int           `yaml:"max_concurrent,omitempty"`
}

// AgentConfig tunes agent retry and feature behavior.
type AgentConfig struct {
	MaxRepeat               int  `yaml:"max_repeat,omitempty"`
	MaxConsecutiveLLMErrors int  `yaml:"max_consecutive_llm_errors,omitempty"`
	EmotionEnabled          bool `yaml:"emotion_enabled,omitempty"`
	AutoRAG                 bool `yaml:"auto_rag,omitempty"`
	RAGChunkLimit           int  `yaml:"rag_chunk_limit,omitempty"`
}

// SimulatorConfig tunes the turn engine.
type SimulatorConfig struct {
	MaxStepsPerTurn int `yaml:"max_steps_per_turn,omitempty"`
}

// TreeConfig tunes tree retention.
type TreeConfig struct {
	// NodeLogCap is the per-node event log retention; 0 keeps everything.
	NodeLogCap int `yaml:"node_log_cap,omitempty"`
}

// ExperimentConfig tunes the experiment runner.
type ExperimentConfig struct {
	PerRunBudget int64  `yaml:"per_run_budget,omitempty"`
	UserID       string `yaml:"user_id,omitempty"`
	ProviderID   string `yaml:"provider_id,omitempty"`
	EventTail    int    `yaml:"event_tail,omitempty"`
}

// defaults returns the built-in configuration merged under file values.
func defaults() *Config {
	return &Config{
		LLM: LLMConfig{
			Timeout:       120 * time.Second,
			MaxRetries:    3,
			MaxConcurrent: 8,
		},
		Agent: AgentConfig{
			MaxRepeat:               2,
			MaxConsecutiveLLMErrors: 5,
			RAGChunkLimit:           4,
		},
		Simulator:  SimulatorConfig{MaxStepsPerTurn: 5},
		Tree:       TreeConfig{NodeLogCap: 10000},
		Experiment: ExperimentConfig{PerRunBudget: 1024, EventTail: 50},
	}
}

// validate rejects configurations the runtime cannot act on.
func validate(cfg *Config) error {
	for name, p := range cfg.Providers {
		if p.Model == "" {
			return fmt.Errorf("provider %q: model is required", name)
		}
		switch p.Type {
		case "", "openai", "openai-compatible":
		default:
			return fmt.Errorf("provider %q: unknown type %q", name, p.Type)
		}
	}
	if cfg.LLM.DefaultProvider != "" {
		if _, ok := cfg.Providers[cfg.LLM.DefaultProvider]; !ok {
			return fmt.Errorf("default provider %q is not defined", cfg.LLM.DefaultProvider)
		}
	}
	if cfg.LLM.MaxConcurrent < 0 {
		return fmt.Errorf("llm.max_concurrent must not be negative")
	}
	return nil
}
