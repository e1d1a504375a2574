package config

import (
	"fmt"
	"net/url"
	"unicode"

	"github.com/robfig/cron/v3"
)

const (
	// MaxModelNameLength is the maximum allowed length for model names
	MaxModelNameLength = 100

	// MaxTemplateSize is the maximum allowed size for template content
	MaxTemplateSize = 50 * 1024 // 50KB

	// MaxDSNLength is the maximum allowed length for a storage DSN
	MaxDSNLength = 1024
)

// ValidateInputs performs additional validation on user-controllable fields
// that are passed on to remote endpoints, the database driver or the scheduler.
func (c *Config) ValidateInputs() error {
	for name, mc := range c.Models {
		if err := validateModelName(mc.ModelName, name); err != nil {
			return err
		}
		if err := validateBaseURL(mc.BaseURL, name); err != nil {
			return err
		}
	}

	if err := validateDSN(c.Storage.DSN); err != nil {
		return fmt.Errorf("invalid storage.dsn: %w", err)
	}

	if _, err := cron.ParseStandard(c.Cache.EvictionSchedule); err != nil {
		return fmt.Errorf("invalid cache.eviction_schedule %q: %w", c.Cache.EvictionSchedule, err)
	}

	return c.validateTemplateSizes()
}

// validateModelName checks model name for security issues
func validateModelName(modelName, configKey string) error {
	if len(modelName) > MaxModelNameLength {
		return fmt.Errorf("model '%s' name exceeds maximum length of %d (got %d)",
			configKey, MaxModelNameLength, len(modelName))
	}
	if containsControlChars(modelName) {
		return fmt.Errorf("model '%s' name contains invalid control characters", configKey)
	}
	return nil
}

// validateBaseURL checks that the base URL is properly formatted and safe
func validateBaseURL(baseURL, configKey string) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("model '%s' has invalid base_url: %w", configKey, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("model '%s' base_url must use http or https scheme (got %s)",
			configKey, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("model '%s' base_url must have a host", configKey)
	}
	return nil
}

func validateDSN(dsn string) error {
	if len(dsn) > MaxDSNLength {
		return fmt.Errorf("exceeds maximum length of %d characters (got %d)", MaxDSNLength, len(dsn))
	}
	if containsControlChars(dsn) {
		return fmt.Errorf("contains invalid control characters")
	}
	return nil
}

// validateTemplateSizes checks that templates are within reasonable size limits
func (c *Config) validateTemplateSizes() error {
	templates := []struct {
		name  string
		value string
	}{
		{"scene_generation", c.PromptTemplates.SceneGeneration},
		{"scene_system_prompt", c.PromptTemplates.SceneSystemPrompt},
		{"scene_planning", c.PromptTemplates.ScenePlanning},
		{"chapter_summary", c.PromptTemplates.ChapterSummary},
		{"rollup_summary", c.PromptTemplates.RollupSummary},
		{"summary_system_prompt", c.PromptTemplates.SummarySystemPrompt},
		{"judge_rubric", c.PromptTemplates.JudgeRubric},
		{"judge_system_prompt", c.PromptTemplates.JudgeSystemPrompt},
	}

	for _, tmpl := range templates {
		if len(tmpl.value) > MaxTemplateSize {
			return fmt.Errorf("template '%s' exceeds maximum size of %d bytes (got %d)",
				tmpl.name, MaxTemplateSize, len(tmpl.value))
		}
	}
	return nil
}

// containsControlChars checks if a string contains control characters
// (excluding newlines, tabs, and carriage returns which are acceptable)
func containsControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return true
		}
	}
	return false
}
