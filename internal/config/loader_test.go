package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"modelgate/pkg/types"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", `
addr: :9999
backend_url: http://backend:11434
max_concurrent_models: 3
default_model: llama3
models:
  - id: llama3
    name: Llama 3
    kind: inference
    ram_required_gb: 8
    best_for: [general, code]
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.BackendURL != "http://backend:11434" || cfg.MaxConcurrentModels != 3 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.Models) != 1 || cfg.Models[0].ID != "llama3" || cfg.Models[0].RAMRequiredGB != 8 {
		t.Fatalf("unexpected models: %+v", cfg.Models)
	}
	if len(cfg.Models[0].BestFor) != 2 || cfg.Models[0].BestFor[0] != types.TaskType("general") {
		t.Fatalf("unexpected best_for: %+v", cfg.Models[0].BestFor)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","backend_kind":"ollama","max_retries":5,"retry_delay_seconds":0.5}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.BackendKind != "ollama" || cfg.MaxRetries != 5 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.RetryDelay() != 500*time.Millisecond {
		t.Fatalf("retry delay: %v", cfg.RetryDelay())
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "addr=\":8081\"\nunload_timeout_seconds=120\nreap_interval_seconds=10\n\n[family_params.llama]\ntemperature=0.5\nmax_tokens=1024\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.UnloadTimeout() != 2*time.Minute || cfg.ReapInterval() != 10*time.Second {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	fp, ok := cfg.FamilyParams["llama"]
	if !ok || fp.Temperature != 0.5 || fp.MaxTokens != 1024 {
		t.Fatalf("unexpected family params: %+v", cfg.FamilyParams)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.Addr != ":8080" || cfg.BackendKind != "ollama" || cfg.BackendURL != "http://localhost:11434" {
		t.Fatalf("endpoint defaults: %+v", cfg)
	}
	if cfg.MaxConcurrentModels != 2 || cfg.UnloadTimeoutSeconds != 600 || cfg.ReapIntervalSeconds != 60 {
		t.Fatalf("pool defaults: %+v", cfg)
	}
	if cfg.CPUThresholdPercent != 80 || cfg.MemThresholdPercent != 70 || cfg.PerformanceProfile != "balanced" {
		t.Fatalf("tuning defaults: %+v", cfg)
	}
	if cfg.MaxRetries != 3 || cfg.RetryDelaySeconds != 1 {
		t.Fatalf("retry defaults: %+v", cfg)
	}
}

func TestApplyDefaultsKeepsSetValues(t *testing.T) {
	cfg := Config{Addr: ":1234", MaxConcurrentModels: 5, PerformanceProfile: "quality"}
	cfg.ApplyDefaults()
	if cfg.Addr != ":1234" || cfg.MaxConcurrentModels != 5 || cfg.PerformanceProfile != "quality" {
		t.Fatalf("defaults clobbered set values: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		c := Config{
			Models: []types.ModelDescriptor{
				{ID: "a", Kind: types.KindInference},
				{ID: "b", Kind: types.KindEmbedding},
			},
		}
		c.ApplyDefaults()
		return c
	}

	c := base()
	if err := c.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	c = base()
	c.PerformanceProfile = "turbo"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected profile error")
	}

	c = base()
	c.BackendURL = "localhost:11434"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected backend_url error")
	}

	c = base()
	c.Models = append(c.Models, types.ModelDescriptor{ID: "a", Kind: types.KindInference})
	if err := c.Validate(); err == nil {
		t.Fatalf("expected duplicate id error")
	}

	c = base()
	c.Models[0].Kind = "mystery"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected kind error")
	}

	c = base()
	c.DefaultModel = "missing"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected default_model error")
	}

	c = base()
	c.DefaultEmbeddingModel = "missing"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected default_embedding_model error")
	}
}
