package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Load reads and parses the configuration file and environment variables.
// A .env file next to the working directory is loaded first when present.
func Load(configPath string, envFiles ...string) (*Config, *Secrets, error) {
	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, nil, fmt.Errorf("failed to load env file: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}

	secrets, err := LoadSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	return cfg, secrets, nil
}

// Parse decodes TOML config bytes, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.ValidateInputs(); err != nil {
		return nil, fmt.Errorf("input validation failed: %w", err)
	}
	return &cfg, nil
}

// loadEnvFiles loads the given dotenv files, or ".env" when none are named.
// Variables already present in the environment win. A missing default file is not an error.
func loadEnvFiles(files ...string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	return godotenv.Load(files...)
}

// ApplyDefaults sets default values for optional configuration fields
func ApplyDefaults(cfg *Config) {
	if cfg.ProviderBurstPercent == 0 {
		cfg.ProviderBurstPercent = 15
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = 10
	}
	if cfg.Server.EventBuffer == 0 {
		cfg.Server.EventBuffer = 64
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" && cfg.Storage.Driver == "sqlite" {
		cfg.Storage.DSN = "chapterforge.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Generation.WordsPerScene == 0 {
		cfg.Generation.WordsPerScene = 800
	}
	if cfg.Generation.DefaultTargetWords == 0 {
		cfg.Generation.DefaultTargetWords = 3000
	}
	if cfg.Generation.SceneTimeoutSeconds == 0 {
		cfg.Generation.SceneTimeoutSeconds = 180
	}
	if cfg.Generation.StorageTimeoutSeconds == 0 {
		cfg.Generation.StorageTimeoutSeconds = 10
	}
	if cfg.Generation.MinLengthRatio == 0 {
		cfg.Generation.MinLengthRatio = 0.3
	}
	if cfg.Generation.MaxRecapChars == 0 {
		cfg.Generation.MaxRecapChars = 600
	}

	if cfg.Cache.HotEntries == 0 {
		cfg.Cache.HotEntries = 1024
	}
	if cfg.Cache.TemperatureBin == 0 {
		cfg.Cache.TemperatureBin = 0.1
	}
	if cfg.Cache.MaxTokensBin == 0 {
		cfg.Cache.MaxTokensBin = 256
	}
	if cfg.Cache.WordsBin == 0 {
		cfg.Cache.WordsBin = 100
	}
	if cfg.Cache.MinReuseQuality == 0 {
		cfg.Cache.MinReuseQuality = 60
	}
	if cfg.Cache.LowQualityThreshold == 0 {
		cfg.Cache.LowQualityThreshold = 40
	}
	if cfg.Cache.RetentionHours == 0 {
		cfg.Cache.RetentionHours = 24 * 7
	}
	if cfg.Cache.EvictionSchedule == "" {
		cfg.Cache.EvictionSchedule = "@every 1h"
	}

	if cfg.Quality.RuleWeight == 0 && cfg.Quality.JudgeWeight == 0 {
		cfg.Quality.RuleWeight = 0.6
		cfg.Quality.JudgeWeight = 0.4
	}

	if cfg.Summary.Workers == 0 {
		cfg.Summary.Workers = 2
	}
	if cfg.Summary.MaxAttempts == 0 {
		cfg.Summary.MaxAttempts = 4
	}
	if cfg.Summary.PollIntervalMillis == 0 {
		cfg.Summary.PollIntervalMillis = 500
	}
	if cfg.Summary.LeaseSeconds == 0 {
		cfg.Summary.LeaseSeconds = 300
	}
	if cfg.Summary.InitialBackoffMillis == 0 {
		cfg.Summary.InitialBackoffMillis = 500
	}
	if cfg.Summary.MaxBackoffSeconds == 0 {
		cfg.Summary.MaxBackoffSeconds = 30
	}
	if cfg.Summary.MaxInputWords == 0 {
		cfg.Summary.MaxInputWords = 12000
	}

	for name, model := range cfg.Models {
		if model.Temperature == 0 {
			model.Temperature = 0.7
		}
		if model.TopP == 0 {
			model.TopP = 1.0
		}
		if model.MaxOutputTokens == 0 {
			model.MaxOutputTokens = 4096
		}
		if model.ContextSize == 0 {
			model.ContextSize = 32768
		}
		if model.RateLimitPerMinute == 0 {
			model.RateLimitPerMinute = 60
		}
		if model.MaxBackoffSeconds == 0 {
			model.MaxBackoffSeconds = 120
		}
		// TOML can't distinguish 0 from unset: unset → 3, -1 → unlimited
		if model.MaxRetries == 0 {
			model.MaxRetries = 3
		}
		if model.HTTPTimeoutSeconds == 0 {
			model.HTTPTimeoutSeconds = 120
		}
		cfg.Models[name] = model
	}

	if cfg.PromptTemplates.SceneGeneration == "" {
		cfg.PromptTemplates.SceneGeneration = GetDefaultSceneTemplate()
	}
	if cfg.PromptTemplates.SceneSystemPrompt == "" {
		cfg.PromptTemplates.SceneSystemPrompt = GetDefaultSceneSystemPrompt()
	}
	if cfg.PromptTemplates.ScenePlanning == "" {
		cfg.PromptTemplates.ScenePlanning = GetDefaultPlanningTemplate()
	}
	if cfg.PromptTemplates.ChapterSummary == "" {
		cfg.PromptTemplates.ChapterSummary = GetDefaultChapterSummaryTemplate()
	}
	if cfg.PromptTemplates.RollupSummary == "" {
		cfg.PromptTemplates.RollupSummary = GetDefaultRollupSummaryTemplate()
	}
	if cfg.PromptTemplates.JudgeRubric == "" {
		cfg.PromptTemplates.JudgeRubric = GetDefaultJudgeTemplate()
	}
}
