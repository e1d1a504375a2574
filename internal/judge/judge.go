// Package judge scores scene prose with an LLM rubric
package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lamim/chapterforge/internal/api"
	"github.com/lamim/chapterforge/internal/config"
	"github.com/lamim/chapterforge/internal/util"
)

// Rubric scores are on a 1-5 scale
const (
	minCriterionScore = 1
	maxCriterionScore = 5
)

// Completer is the part of the model client the judge needs
type Completer interface {
	ChatCompletion(ctx context.Context, modelCfg config.ModelConfig, apiKey string, messages []api.Message) (*api.ChatCompletionResponse, error)
}

// CriteriaScore is the judge's verdict on one rubric criterion
type CriteriaScore struct {
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning"`
}

// Result is a judged scene
type Result struct {
	Criteria map[string]CriteriaScore `json:"criteria"`
	// Score is the criteria average mapped onto 0-100
	Score float64 `json:"score"`
}

// Judge handles LLM-as-a-Judge evaluations
type Judge struct {
	cfg       *config.Config
	secrets   *config.Secrets
	apiClient Completer
	logger    *slog.Logger
}

// New creates a new judge
func New(cfg *config.Config, secrets *config.Secrets, apiClient Completer, logger *slog.Logger) *Judge {
	return &Judge{
		cfg:       cfg,
		secrets:   secrets,
		apiClient: apiClient,
		logger:    logger.With("component", "judge"),
	}
}

// Score sends a scene to the judge model and returns its rubric score
func (j *Judge) Score(ctx context.Context, purpose, sceneText string) (*Result, error) {
	judgePrompt, err := util.RenderTemplate(j.cfg.PromptTemplates.JudgeRubric, map[string]interface{}{
		"Purpose":   purpose,
		"SceneText": sceneText,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render judge template: %w", err)
	}

	judgeModel := j.cfg.ModelFor(config.RoleJudge)
	apiKey := j.secrets.GetAPIKey(judgeModel.BaseURL)

	messages := make([]api.Message, 0, 2)
	if sys := j.cfg.PromptTemplates.JudgeSystemPrompt; sys != "" {
		messages = append(messages, api.Message{Role: "system", Content: sys})
	}
	messages = append(messages, api.Message{Role: "user", Content: judgePrompt})

	resp, err := j.apiClient.ChatCompletion(ctx, judgeModel, apiKey, messages)
	if err != nil {
		return nil, err
	}

	content := util.StripThinkTags(resp.Content())
	j.logger.Debug("Received judge response", "length", len(content), "first_200_chars", util.TruncateString(content, 200))

	scores, err := j.parseJudgeResponse(content)
	if err != nil {
		j.logger.Warn("Failed to parse judge response", "error", err, "response_length", len(content))
		return nil, &api.APIError{
			Kind:    api.KindMalformedOutput,
			Message: fmt.Sprintf("judge response: %v", err),
		}
	}

	return &Result{Criteria: scores, Score: normalizedScore(scores)}, nil
}

func (j *Judge) parseJudgeResponse(response string) (map[string]CriteriaScore, error) {
	jsonStr := util.SanitizeJSON(util.ExtractJSON(response))
	if jsonStr == "" {
		return nil, errors.New("no JSON object in response")
	}

	var rawScores map[string]CriteriaScore
	if err := json.Unmarshal([]byte(jsonStr), &rawScores); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	if len(rawScores) == 0 {
		return nil, errors.New("no criteria scored")
	}

	// Any criteria the model returns are accepted; out of range scores are clamped
	for name, s := range rawScores {
		s.Score = max(minCriterionScore, min(maxCriterionScore, s.Score))
		rawScores[name] = s
	}
	return rawScores, nil
}

func calculateAverageScore(scores map[string]CriteriaScore) float64 {
	if len(scores) == 0 {
		return 0
	}

	sum := 0
	for _, score := range scores {
		sum += score.Score
	}

	return float64(sum) / float64(len(scores))
}

// normalizedScore maps the 1-5 average onto 0-100
func normalizedScore(scores map[string]CriteriaScore) float64 {
	if len(scores) == 0 {
		return 0
	}
	avg := calculateAverageScore(scores)
	return (avg - minCriterionScore) / (maxCriterionScore - minCriterionScore) * 100
}
