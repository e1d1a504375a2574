package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/lamim/chapterforge/internal/cache"
	"github.com/lamim/chapterforge/internal/config"
	"github.com/lamim/chapterforge/internal/repair"
	"github.com/lamim/chapterforge/internal/util"
	"github.com/lamim/chapterforge/pkg/models"
)

// chapterContext is everything loaded once per session that scene prompts
// are built from
type chapterContext struct {
	project     *models.Project
	chapter     *models.Chapter
	outline     *models.Outline
	entities    map[string]string // lower-cased name -> "Name: description"
	priorDigest string
	targetWords int
}

// loadContext reads the chapter, its outline, its entities and the digest
// of what came before it
func (o *Orchestrator) loadContext(ctx context.Context, req Request) (*chapterContext, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StorageTimeout())
	defer cancel()

	project, err := o.storage.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	chapter, err := o.storage.GetChapter(ctx, req.ChapterID)
	if err != nil {
		return nil, fmt.Errorf("load chapter: %w", err)
	}
	if chapter.ProjectID != project.ID {
		return nil, fmt.Errorf("chapter %s does not belong to project %s: %w", chapter.ID, project.ID, errWrongProject)
	}
	outline, err := o.storage.GetOutline(ctx, chapter.ID)
	if err != nil {
		return nil, fmt.Errorf("load outline: %w", err)
	}

	cc := &chapterContext{
		project:     project,
		chapter:     chapter,
		outline:     outline,
		entities:    make(map[string]string),
		targetWords: outline.TargetWords,
	}
	if cc.targetWords <= 0 {
		cc.targetWords = o.cfg.Generation.DefaultTargetWords
	}

	if len(outline.RequiredEntities) > 0 {
		chars, err := o.storage.FindCharacters(ctx, project.ID, outline.RequiredEntities)
		if err != nil {
			return nil, fmt.Errorf("load characters: %w", err)
		}
		for _, c := range chars {
			desc := c.Name
			if c.Description != "" {
				desc += ": " + c.Description
			}
			cc.entities[strings.ToLower(c.Name)] = desc
		}
	}

	cc.priorDigest, err = o.priorDigest(ctx, chapter)
	if err != nil {
		return nil, err
	}
	return cc, nil
}

// priorDigest is the digest of the nearest earlier chapter that has one,
// falling back to the digest of the nearest earlier volume. The chapter's own
// volume digest and the project digest are never used: both may cover this
// chapter's previous draft or the chapters after it. A missing digest is not
// an error, it may simply not have been computed yet.
func (o *Orchestrator) priorDigest(ctx context.Context, chapter *models.Chapter) (string, error) {
	before, err := o.storage.ChaptersBefore(ctx, chapter)
	if err != nil {
		return "", fmt.Errorf("load earlier chapters: %w", err)
	}
	if len(before) == 0 {
		return "", nil
	}

	ids := make([]string, len(before))
	var volumes []string
	for i, c := range before {
		ids[i] = c.ID
		if c.VolumeID != "" && c.VolumeID != chapter.VolumeID && !slices.Contains(volumes, c.VolumeID) {
			volumes = append(volumes, c.VolumeID)
		}
	}

	digests, err := o.storage.ListDigests(ctx, models.ScopeChapter, ids)
	if err != nil {
		return "", fmt.Errorf("load chapter digests: %w", err)
	}
	if n := len(digests); n > 0 {
		return digests[n-1].Content, nil
	}

	digests, err = o.storage.ListDigests(ctx, models.ScopeVolume, volumes)
	if err != nil {
		return "", fmt.Errorf("load volume digests: %w", err)
	}
	if n := len(digests); n > 0 {
		return digests[n-1].Content, nil
	}
	return "", nil
}

// entityLines describes the plan's entities, using the character table
// where it knows them
func (cc *chapterContext) entityLines(plan models.ScenePlan) []string {
	lines := make([]string, 0, len(plan.RequiredEntities))
	for _, e := range plan.RequiredEntities {
		if desc, ok := cc.entities[strings.ToLower(e)]; ok {
			lines = append(lines, desc)
		} else {
			lines = append(lines, e)
		}
	}
	return lines
}

// scenePrompt renders the scene generation prompt
func (o *Orchestrator) scenePrompt(cc *chapterContext, plan models.ScenePlan, total int, recap string) (string, error) {
	stakes := plan.StakesDelta
	if stakes == repair.PlaceholderStakes {
		stakes = ""
	}
	return util.RenderTemplate(o.cfg.PromptTemplates.SceneGeneration, map[string]interface{}{
		"SceneNumber":   plan.Index + 1,
		"SceneCount":    total,
		"ChapterTitle":  cc.chapter.Title,
		"Genre":         cc.project.Genre,
		"ProjectTitle":  cc.project.Title,
		"PriorDigest":   cc.priorDigest,
		"PreviousRecap": recap,
		"Purpose":       plan.Purpose,
		"Beats":         plan.Beats,
		"Entities":      cc.entityLines(plan),
		"EntryState":    plan.EntryState,
		"ExitState":     plan.ExitState,
		"StakesDelta":   stakes,
		"TargetWords":   plan.TargetWords,
	})
}

// signatureInput collects what decides a scene's output
func (o *Orchestrator) signatureInput(cc *chapterContext, plan models.ScenePlan, recap string, model config.ModelConfig) cache.SignatureInput {
	return cache.SignatureInput{
		Beats:            plan.Beats,
		RequiredEntities: plan.RequiredEntities,
		EntryState:       plan.EntryState,
		ExitState:        plan.ExitState,
		StakesDelta:      plan.StakesDelta,
		PriorDigest:      cc.priorDigest,
		PreviousRecap:    recap,
		Model:            model.ModelName,
		Template:         o.cfg.PromptTemplates.SceneSystemPrompt + "\x00" + o.cfg.PromptTemplates.SceneGeneration,
		Temperature:      model.Temperature,
		MaxTokens:        model.MaxOutputTokens,
		TargetWords:      plan.TargetWords,
	}
}

// recapFor is what the next scene is told about this one: the scene card
// summary when there is one, otherwise the closing words of the prose
func (o *Orchestrator) recapFor(prose, card string) string {
	recap := ""
	if card != "" {
		var c struct {
			Summary string `json:"summary"`
		}
		if err := json.Unmarshal([]byte(card), &c); err == nil {
			recap = strings.TrimSpace(c.Summary)
		}
	}
	if recap == "" {
		recap = util.TruncateWords(prose, 120)
	}
	if limit := o.cfg.Generation.MaxRecapChars; limit > 0 && len(recap) > limit {
		recap = util.TruncateString(recap, limit)
	}
	return recap
}
