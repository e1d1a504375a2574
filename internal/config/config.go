package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Server               ServerConfig           `toml:"server"`
	Storage              StorageConfig          `toml:"storage"`
	Logging              LoggingConfig          `toml:"logging"`
	Generation           GenerationConfig       `toml:"generation"`
	Cache                CacheConfig            `toml:"cache"`
	Quality              QualityConfig          `toml:"quality"`
	Summary              SummaryConfig          `toml:"summary"`
	Models               map[string]ModelConfig `toml:"models"`
	PromptTemplates      PromptTemplates        `toml:"prompt_templates"`
	ProviderRateLimits   map[string]int         `toml:"provider_rate_limits"`   // Global rate limits per provider (requests per minute)
	ProviderBurstPercent int                    `toml:"provider_burst_percent"` // Burst capacity as percentage (1-50, default: 15)
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Addr                   string `toml:"addr"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
	EventBuffer            int    `toml:"event_buffer"` // Per-session event channel capacity
}

// StorageConfig selects the database driver
type StorageConfig struct {
	Driver string `toml:"driver"` // sqlite | mysql
	DSN    string `toml:"dsn"`
}

// LoggingConfig controls log level and optional JSON log file
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// GenerationConfig holds chapter generation settings
type GenerationConfig struct {
	WordsPerScene         int     `toml:"words_per_scene"`
	DefaultTargetWords    int     `toml:"default_target_words"`
	SceneTimeoutSeconds   int     `toml:"scene_timeout_seconds"`
	StorageTimeoutSeconds int     `toml:"storage_timeout_seconds"`
	PlanWithModel         bool    `toml:"plan_with_model"`  // Ask the planner model for scenes when an outline has no beats
	MinLengthRatio        float64 `toml:"min_length_ratio"` // Minimum scene length as a fraction of its target words
	MaxRecapChars         int     `toml:"max_recap_chars"`
}

// CacheConfig tunes the execution cache
type CacheConfig struct {
	Disabled            bool    `toml:"disabled"`
	HotEntries          int     `toml:"hot_entries"`
	TemperatureBin      float64 `toml:"temperature_bin"`
	MaxTokensBin        int     `toml:"max_tokens_bin"`
	WordsBin            int     `toml:"words_bin"`
	MinReuseQuality     float64 `toml:"min_reuse_quality"`
	LowQualityThreshold float64 `toml:"low_quality_threshold"`
	RetentionHours      int     `toml:"retention_hours"`
	EvictionSchedule    string  `toml:"eviction_schedule"` // cron spec, e.g. "@every 1h"
}

// QualityConfig weights the inputs of a scene quality score
type QualityConfig struct {
	RuleWeight  float64 `toml:"rule_weight"`
	JudgeWeight float64 `toml:"judge_weight"`
}

// SummaryConfig tunes the summarization pipeline
type SummaryConfig struct {
	Workers              int `toml:"workers"`
	MaxAttempts          int `toml:"max_attempts"`
	PollIntervalMillis   int `toml:"poll_interval_millis"`
	LeaseSeconds         int `toml:"lease_seconds"`
	InitialBackoffMillis int `toml:"initial_backoff_millis"`
	MaxBackoffSeconds    int `toml:"max_backoff_seconds"`
	MaxInputWords        int `toml:"max_input_words"`
}

// ModelConfig represents configuration for a single model endpoint
type ModelConfig struct {
	BaseURL            string  `toml:"base_url"`
	ModelName          string  `toml:"model_name"`
	Temperature        float64 `toml:"temperature"`
	TopP               float64 `toml:"top_p"`
	MaxOutputTokens    int     `toml:"max_output_tokens"`
	ContextSize        int     `toml:"context_size"`
	RateLimitPerMinute int     `toml:"rate_limit_per_minute"`
	MaxBackoffSeconds  int     `toml:"max_backoff_seconds"`  // Optional: max backoff duration (default 120)
	MaxRetries         int     `toml:"max_retries"`          // Optional: max retry attempts (default 3, -1 = unlimited)
	HTTPTimeoutSeconds int     `toml:"http_timeout_seconds"` // Optional: HTTP request timeout (default 120)
	UseJSONMode        bool    `toml:"use_json_mode"`
	UseStreaming       bool    `toml:"use_streaming"`
	Enabled            bool    `toml:"enabled"` // Only used for judge model
}

// PromptTemplates holds all customizable prompt templates
type PromptTemplates struct {
	SceneGeneration     string `toml:"scene_generation"`
	SceneSystemPrompt   string `toml:"scene_system_prompt"`
	ScenePlanning       string `toml:"scene_planning"`
	ChapterSummary      string `toml:"chapter_summary"`
	RollupSummary       string `toml:"rollup_summary"`
	SummarySystemPrompt string `toml:"summary_system_prompt"`
	JudgeRubric         string `toml:"judge_rubric"`
	JudgeSystemPrompt   string `toml:"judge_system_prompt"`
}

// Secrets holds sensitive credentials loaded from environment variables
type Secrets struct {
	APIKeys map[string]string
}

// Model roles
const (
	RoleMain    = "main"
	RoleSummary = "summary"
	RoleJudge   = "judge"
	RolePlanner = "planner"
)

const (
	// MaxWordsPerScene bounds generation.words_per_scene
	MaxWordsPerScene = 10000
	// MaxSummaryWorkers bounds summary.workers
	MaxSummaryWorkers = 64
)

// ModelFor returns the model configured for role, falling back to main
func (c *Config) ModelFor(role string) ModelConfig {
	if mc, ok := c.Models[role]; ok && mc.ModelName != "" {
		return mc
	}
	return c.Models[RoleMain]
}

// JudgeEnabled reports whether a judge model is configured and switched on
func (c *Config) JudgeEnabled() bool {
	mc, ok := c.Models[RoleJudge]
	return ok && mc.Enabled
}

// SceneTimeout is the deadline applied to every model call of a scene
func (c *Config) SceneTimeout() time.Duration {
	return time.Duration(c.Generation.SceneTimeoutSeconds) * time.Second
}

// StorageTimeout is the deadline applied to every storage write
func (c *Config) StorageTimeout() time.Duration {
	return time.Duration(c.Generation.StorageTimeoutSeconds) * time.Second
}

// Retention is how long a never-reused, low quality cache entry survives
func (c CacheConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ProviderBurstPercent < 1 || c.ProviderBurstPercent > 50 {
		return fmt.Errorf("provider_burst_percent must be between 1 and 50 (got %d)", c.ProviderBurstPercent)
	}

	switch c.Storage.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("storage.driver must be sqlite or mysql (got %q)", c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}

	g := c.Generation
	if g.WordsPerScene < 50 || g.WordsPerScene > MaxWordsPerScene {
		return fmt.Errorf("generation.words_per_scene must be between 50 and %d (got %d)", MaxWordsPerScene, g.WordsPerScene)
	}
	if g.SceneTimeoutSeconds < 1 {
		return fmt.Errorf("generation.scene_timeout_seconds must be at least 1")
	}
	if g.StorageTimeoutSeconds < 1 {
		return fmt.Errorf("generation.storage_timeout_seconds must be at least 1")
	}
	if g.MinLengthRatio < 0 || g.MinLengthRatio > 1 {
		return fmt.Errorf("generation.min_length_ratio must be between 0.0 and 1.0 (got %.2f)", g.MinLengthRatio)
	}

	if c.Cache.MinReuseQuality < 0 || c.Cache.MinReuseQuality > 100 {
		return fmt.Errorf("cache.min_reuse_quality must be between 0 and 100 (got %.1f)", c.Cache.MinReuseQuality)
	}
	if c.Cache.LowQualityThreshold < 0 || c.Cache.LowQualityThreshold > 100 {
		return fmt.Errorf("cache.low_quality_threshold must be between 0 and 100 (got %.1f)", c.Cache.LowQualityThreshold)
	}
	if c.Cache.TemperatureBin <= 0 || c.Cache.MaxTokensBin < 1 || c.Cache.WordsBin < 1 {
		return fmt.Errorf("cache sampling bins must be positive")
	}

	if c.Quality.RuleWeight < 0 || c.Quality.JudgeWeight < 0 || c.Quality.RuleWeight+c.Quality.JudgeWeight == 0 {
		return fmt.Errorf("quality weights must be non-negative and not both zero")
	}

	if c.Summary.Workers < 1 || c.Summary.Workers > MaxSummaryWorkers {
		return fmt.Errorf("summary.workers must be between 1 and %d (got %d)", MaxSummaryWorkers, c.Summary.Workers)
	}
	if c.Summary.MaxAttempts < 1 {
		return fmt.Errorf("summary.max_attempts must be at least 1")
	}

	mainModel, ok := c.Models[RoleMain]
	if !ok {
		return fmt.Errorf("models.main is required")
	}
	if err := validateModelConfig(RoleMain, mainModel); err != nil {
		return err
	}
	for _, role := range []string{RoleSummary, RolePlanner} {
		if mc, ok := c.Models[role]; ok {
			if err := validateModelConfig(role, mc); err != nil {
				return err
			}
		}
	}
	if c.JudgeEnabled() {
		if err := validateModelConfig(RoleJudge, c.Models[RoleJudge]); err != nil {
			return err
		}
		if c.PromptTemplates.JudgeRubric == "" {
			return fmt.Errorf("prompt_templates.judge_rubric is required when judge is enabled")
		}
	}

	if c.PromptTemplates.SceneGeneration == "" {
		return fmt.Errorf("prompt_templates.scene_generation is required")
	}
	if c.PromptTemplates.ChapterSummary == "" || c.PromptTemplates.RollupSummary == "" {
		return fmt.Errorf("prompt_templates.chapter_summary and rollup_summary are required")
	}

	return nil
}

func validateModelConfig(name string, mc ModelConfig) error {
	if mc.BaseURL == "" {
		return fmt.Errorf("models.%s.base_url is required", name)
	}
	if mc.ModelName == "" {
		return fmt.Errorf("models.%s.model_name is required", name)
	}
	if mc.Temperature < 0 || mc.Temperature > 2 {
		return fmt.Errorf("models.%s.temperature must be between 0 and 2", name)
	}
	if mc.TopP < 0 || mc.TopP > 1 {
		return fmt.Errorf("models.%s.top_p must be between 0 and 1", name)
	}
	if mc.MaxOutputTokens < 1 {
		return fmt.Errorf("models.%s.max_output_tokens must be at least 1", name)
	}
	if mc.ContextSize < 1 {
		return fmt.Errorf("models.%s.context_size must be at least 1", name)
	}
	if mc.RateLimitPerMinute < 1 {
		return fmt.Errorf("models.%s.rate_limit_per_minute must be at least 1", name)
	}
	if mc.MaxOutputTokens > mc.ContextSize {
		return fmt.Errorf("models.%s.max_output_tokens (%d) must not exceed context_size (%d)", name, mc.MaxOutputTokens, mc.ContextSize)
	}
	return nil
}

// LoadSecrets loads sensitive credentials from environment variables
func LoadSecrets() (*Secrets, error) {
	secrets := &Secrets{
		APIKeys: make(map[string]string),
	}

	if key := os.Getenv("API_KEY"); key != "" {
		secrets.APIKeys["generic"] = key
	}

	for provider, env := range providerKeyEnv {
		if key := os.Getenv(env); key != "" {
			secrets.APIKeys[provider] = key
		}
	}

	return secrets, nil
}

var providerKeyEnv = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"nvidia":     "NVIDIA_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"together":   "TOGETHER_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// GetAPIKey returns the API key for a given base URL
func (s *Secrets) GetAPIKey(baseURL string) string {
	if s == nil {
		return ""
	}
	if provider := GetProviderName(baseURL); provider != baseURL {
		if key := s.APIKeys[provider]; key != "" {
			return key
		}
	}

	// Fall back to generic API_KEY for any OpenAI-compatible provider.
	// Local servers may run without auth, in which case this is empty.
	return s.APIKeys["generic"]
}

// GetProviderName extracts a provider name from a base URL for rate limiting
func GetProviderName(baseURL string) string {
	switch {
	case strings.Contains(baseURL, "openai.com"):
		return "openai"
	case strings.Contains(baseURL, "nvidia.com"):
		return "nvidia"
	case strings.Contains(baseURL, "anthropic.com"):
		return "anthropic"
	case strings.Contains(baseURL, "together.xyz"), strings.Contains(baseURL, "together.ai"):
		return "together"
	case strings.Contains(baseURL, "openrouter.ai"):
		return "openrouter"
	}
	// For localhost or unknown providers, use the full base URL as provider name
	return baseURL
}
