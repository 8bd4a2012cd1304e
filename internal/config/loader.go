package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"modelgate/pkg/types"
)

// FamilyParams overrides the built-in generation defaults for one model
// family (llama, deepseek, mistral, qwen, yi, default).
type FamilyParams struct {
	Temperature    float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	MaxTokens      int     `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	TimeoutSeconds float64 `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// Config holds runtime parameters for the service. It is validated and
// frozen in main before any component is constructed; components receive
// typed values, never string-keyed lookups.
type Config struct {
	Addr        string `json:"addr" yaml:"addr" toml:"addr"`
	BackendKind string `json:"backend_kind" yaml:"backend_kind" toml:"backend_kind"`
	BackendURL  string `json:"backend_url" yaml:"backend_url" toml:"backend_url"`

	MaxConcurrentModels  int     `json:"max_concurrent_models" yaml:"max_concurrent_models" toml:"max_concurrent_models"`
	UnloadTimeoutSeconds int     `json:"unload_timeout_seconds" yaml:"unload_timeout_seconds" toml:"unload_timeout_seconds"`
	ReapIntervalSeconds  int     `json:"reap_interval_seconds" yaml:"reap_interval_seconds" toml:"reap_interval_seconds"`
	CPUThresholdPercent  float64 `json:"cpu_threshold_percent" yaml:"cpu_threshold_percent" toml:"cpu_threshold_percent"`
	MemThresholdPercent  float64 `json:"mem_threshold_percent" yaml:"mem_threshold_percent" toml:"mem_threshold_percent"`
	PerformanceProfile   string  `json:"performance_profile" yaml:"performance_profile" toml:"performance_profile"`
	MaxRetries           int     `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	RetryDelaySeconds    float64 `json:"retry_delay_seconds" yaml:"retry_delay_seconds" toml:"retry_delay_seconds"`

	DefaultModel          string `json:"default_model" yaml:"default_model" toml:"default_model"`
	DefaultEmbeddingModel string `json:"default_embedding_model" yaml:"default_embedding_model" toml:"default_embedding_model"`

	Models       []types.ModelDescriptor `json:"models" yaml:"models" toml:"models"`
	FamilyParams map[string]FamilyParams `json:"family_params" yaml:"family_params" toml:"family_params"`

	CORSEnabled bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with service defaults.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.BackendKind == "" {
		c.BackendKind = "ollama"
	}
	if c.BackendURL == "" {
		c.BackendURL = "http://localhost:11434"
	}
	if c.MaxConcurrentModels <= 0 {
		c.MaxConcurrentModels = 2
	}
	if c.UnloadTimeoutSeconds <= 0 {
		c.UnloadTimeoutSeconds = 600
	}
	if c.ReapIntervalSeconds <= 0 {
		c.ReapIntervalSeconds = 60
	}
	if c.CPUThresholdPercent <= 0 {
		c.CPUThresholdPercent = 80
	}
	if c.MemThresholdPercent <= 0 {
		c.MemThresholdPercent = 70
	}
	if c.PerformanceProfile == "" {
		c.PerformanceProfile = "balanced"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelaySeconds <= 0 {
		c.RetryDelaySeconds = 1
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.PerformanceProfile {
	case "speed", "balanced", "quality":
	default:
		return fmt.Errorf("invalid performance_profile: %q (want speed, balanced or quality)", c.PerformanceProfile)
	}
	if !strings.HasPrefix(c.BackendURL, "http://") && !strings.HasPrefix(c.BackendURL, "https://") {
		return fmt.Errorf("backend_url must be an http(s) URL, got %q", c.BackendURL)
	}
	seen := make(map[string]struct{}, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("model descriptor with empty id")
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("duplicate model id: %s", m.ID)
		}
		seen[m.ID] = struct{}{}
		switch m.Kind {
		case types.KindInference, types.KindEmbedding:
		default:
			return fmt.Errorf("model %s: invalid kind %q", m.ID, m.Kind)
		}
	}
	if c.DefaultModel != "" {
		if _, ok := seen[c.DefaultModel]; !ok {
			return fmt.Errorf("default_model %q not in models list", c.DefaultModel)
		}
	}
	if c.DefaultEmbeddingModel != "" {
		if _, ok := seen[c.DefaultEmbeddingModel]; !ok {
			return fmt.Errorf("default_embedding_model %q not in models list", c.DefaultEmbeddingModel)
		}
	}
	return nil
}

// UnloadTimeout returns the idle-unload threshold as a duration.
func (c Config) UnloadTimeout() time.Duration {
	return time.Duration(c.UnloadTimeoutSeconds) * time.Second
}

// ReapInterval returns the reaper wake interval as a duration.
func (c Config) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalSeconds) * time.Second
}

// RetryDelay returns the fixed delay between transient-failure retries.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds * float64(time.Second))
}
