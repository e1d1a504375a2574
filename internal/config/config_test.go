package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalTOML = `
[models.main]
base_url = "https://api.example.com/v1"
model_name = "test-model"
`

func validConfig() Config {
	cfg := Config{
		Models: map[string]ModelConfig{
			"main": {
				BaseURL:   "https://api.example.com/v1",
				ModelName: "test-model",
			},
		},
	}
	ApplyDefaults(&cfg)
	return cfg
}

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalTOML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Generation.WordsPerScene != 800 {
		t.Errorf("Generation.WordsPerScene = %d, want 800", cfg.Generation.WordsPerScene)
	}
	if cfg.Cache.MinReuseQuality != 60 {
		t.Errorf("Cache.MinReuseQuality = %v, want 60", cfg.Cache.MinReuseQuality)
	}
	if cfg.Cache.EvictionSchedule != "@every 1h" {
		t.Errorf("Cache.EvictionSchedule = %q", cfg.Cache.EvictionSchedule)
	}
	if cfg.Summary.MaxAttempts != 4 {
		t.Errorf("Summary.MaxAttempts = %d, want 4", cfg.Summary.MaxAttempts)
	}
	if cfg.Models["main"].MaxRetries != 3 {
		t.Errorf("main MaxRetries = %d, want 3", cfg.Models["main"].MaxRetries)
	}
	if !strings.Contains(cfg.PromptTemplates.SceneGeneration, "{{.Purpose}}") {
		t.Error("default scene template not applied")
	}
}

func TestParse_KeepsExplicitValues(t *testing.T) {
	data := minimalTOML + `
[generation]
words_per_scene = 1200
plan_with_model = true

[cache]
disabled = true
min_reuse_quality = 75.0

[summary]
workers = 4
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Generation.WordsPerScene != 1200 || !cfg.Generation.PlanWithModel {
		t.Errorf("generation section not decoded: %+v", cfg.Generation)
	}
	if !cfg.Cache.Disabled || cfg.Cache.MinReuseQuality != 75 {
		t.Errorf("cache section not decoded: %+v", cfg.Cache)
	}
	if cfg.Summary.Workers != 4 {
		t.Errorf("Summary.Workers = %d, want 4", cfg.Summary.Workers)
	}
}

func TestParse_InvalidTOML(t *testing.T) {
	if _, err := Parse([]byte("[models.main\nbase_url=")); err == nil {
		t.Fatal("Parse() expected error for malformed TOML")
	}
}

func TestLoad_ReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	envPath := filepath.Join(dir, "test.env")
	if err := os.WriteFile(cfgPath, []byte(minimalTOML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(envPath, []byte("TOGETHER_API_KEY=from-dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TOGETHER_API_KEY", "")
	_ = os.Unsetenv("TOGETHER_API_KEY")

	_, secrets, err := Load(cfgPath, envPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := secrets.GetAPIKey("https://api.together.xyz/v1"); got != "from-dotenv" {
		t.Errorf("GetAPIKey(together) = %q, want from-dotenv", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:    "missing main model",
			mutate:  func(c *Config) { delete(c.Models, "main") },
			wantErr: "models.main is required",
		},
		{
			name:    "unknown storage driver",
			mutate:  func(c *Config) { c.Storage.Driver = "postgres" },
			wantErr: "storage.driver",
		},
		{
			name:    "words per scene too small",
			mutate:  func(c *Config) { c.Generation.WordsPerScene = 10 },
			wantErr: "words_per_scene",
		},
		{
			name:    "reuse quality out of range",
			mutate:  func(c *Config) { c.Cache.MinReuseQuality = 150 },
			wantErr: "min_reuse_quality",
		},
		{
			name: "both quality weights zero",
			mutate: func(c *Config) {
				c.Quality.RuleWeight = 0
				c.Quality.JudgeWeight = 0
			},
			wantErr: "quality weights",
		},
		{
			name:    "no summary workers",
			mutate:  func(c *Config) { c.Summary.Workers = 0 },
			wantErr: "summary.workers",
		},
		{
			name: "enabled judge needs base url",
			mutate: func(c *Config) {
				c.Models["judge"] = ModelConfig{Enabled: true, ModelName: "judge", MaxOutputTokens: 1, ContextSize: 1, RateLimitPerMinute: 1}
			},
			wantErr: "models.judge.base_url",
		},
		{
			name: "max tokens exceeds context",
			mutate: func(c *Config) {
				m := c.Models["main"]
				m.MaxOutputTokens = m.ContextSize + 1
				c.Models["main"] = m
			},
			wantErr: "must not exceed context_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestModelFor_FallsBackToMain(t *testing.T) {
	cfg := validConfig()
	if got := cfg.ModelFor(RoleSummary).ModelName; got != "test-model" {
		t.Errorf("ModelFor(summary) = %q, want main model", got)
	}

	cfg.Models[RoleSummary] = ModelConfig{BaseURL: "https://api.example.com/v1", ModelName: "small"}
	if got := cfg.ModelFor(RoleSummary).ModelName; got != "small" {
		t.Errorf("ModelFor(summary) = %q, want small", got)
	}
	if cfg.JudgeEnabled() {
		t.Error("JudgeEnabled() = true without a judge model")
	}
}

func TestLoadSecrets(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key-123")
	t.Setenv("NVIDIA_API_KEY", "test-nvidia-key")

	secrets, err := LoadSecrets()
	if err != nil {
		t.Fatalf("LoadSecrets() error = %v", err)
	}

	if secrets.APIKeys["openai"] != "test-key-123" {
		t.Errorf("Expected OpenAI key to be 'test-key-123', got %s", secrets.APIKeys["openai"])
	}

	if secrets.APIKeys["nvidia"] != "test-nvidia-key" {
		t.Errorf("Expected NVIDIA key to be 'test-nvidia-key', got %s", secrets.APIKeys["nvidia"])
	}
}

func TestGetAPIKey(t *testing.T) {
	secrets := &Secrets{
		APIKeys: map[string]string{
			"openai":  "openai-key",
			"nvidia":  "nvidia-key",
			"generic": "generic-key",
		},
	}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{
			name:    "OpenAI URL",
			baseURL: "https://api.openai.com/v1",
			want:    "openai-key",
		},
		{
			name:    "NVIDIA URL",
			baseURL: "https://integrate.api.nvidia.com/v1",
			want:    "nvidia-key",
		},
		{
			name:    "Unknown URL falls back to generic",
			baseURL: "https://unknown.com/v1",
			want:    "generic-key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := secrets.GetAPIKey(tt.baseURL)
			if got != tt.want {
				t.Errorf("GetAPIKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParse_ExampleConfig(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "config.example.toml"))
	if err != nil {
		t.Fatalf("read example config: %v", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(config.example.toml) error = %v", err)
	}
	if cfg.JudgeEnabled() {
		t.Error("example config should ship with the judge disabled")
	}
	if got := cfg.ModelFor(RolePlanner).ModelName; got != "gpt-4o-mini" {
		t.Errorf("planner model = %q", got)
	}
	if cfg.Summary.Workers != 2 || cfg.Cache.EvictionSchedule != "@every 1h" {
		t.Errorf("summary workers = %d, eviction = %q", cfg.Summary.Workers, cfg.Cache.EvictionSchedule)
	}
}
