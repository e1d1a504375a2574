package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/lamim/chapterforge/internal/api"
	"github.com/lamim/chapterforge/internal/apperror"
	"github.com/lamim/chapterforge/internal/cache"
	"github.com/lamim/chapterforge/internal/config"
	"github.com/lamim/chapterforge/internal/repair"
	"github.com/lamim/chapterforge/internal/util"
	"github.com/lamim/chapterforge/pkg/models"
)

// decompose repairs the outline and splits it into scene plans. An outline
// without beats is handed to the planner model when that is enabled; a
// planner failure falls back to splitting the outline.
func (r *runner) decompose(ctx context.Context, cc *chapterContext) ([]models.ScenePlan, string, error) {
	o := r.o
	if err := r.repairOutline(ctx, cc); err != nil {
		return nil, "", err
	}

	if len(nonEmpty(cc.outline.Beats)) == 0 && o.cfg.Generation.PlanWithModel {
		plans, err := r.planWithModel(ctx, cc)
		if err == nil {
			return plans, "model", nil
		}
		if ctx.Err() != nil {
			return nil, "", apperror.Classify(ctx.Err())
		}
		r.logger.Warn("Scene planner failed, splitting the outline instead", "error", err)
	}
	return Decompose(*cc.outline, cc.targetWords, o.cfg.Generation.WordsPerScene), "outline", nil
}

// repairOutline validates the outline as a chapter plan and persists the
// repaired version. Missing beats are left alone: the summary or the
// planner stands in for them.
func (r *runner) repairOutline(ctx context.Context, cc *chapterContext) error {
	o := r.o
	outline := cc.outline
	titled := false
	if strings.TrimSpace(outline.Title) == "" && cc.chapter.Title != "" {
		outline.Title = cc.chapter.Title
		titled = true
	}

	doc, err := outlineDocument(*outline)
	if err != nil {
		return apperror.New(apperror.KindServer, "encode outline", err)
	}
	violations, err := repair.Validate(repair.KindChapters, doc, repair.Expectations{})
	if err != nil {
		return apperror.Validation("outline is not a valid plan", err)
	}

	var fixable []repair.Violation
	for _, v := range violations {
		if strings.HasSuffix(v.Path, "beats") {
			continue
		}
		fixable = append(fixable, v)
	}
	changed := titled
	if countFixable(fixable) > 0 {
		res := o.repair.Repair(repair.KindChapters, doc, fixable)
		if len(res.Actions) > 0 {
			if err := applyOutlineDocument(outline, res.Replacement); err != nil {
				return apperror.New(apperror.KindServer, "apply repaired outline", err)
			}
			changed = true
			r.logger.Info("Outline repaired", "actions", len(res.Actions), "remaining", len(res.Remaining))
		}
	}
	if !changed {
		return nil
	}

	wctx, cancel := o.storageCtx(ctx)
	defer cancel()
	if err := o.storage.SaveOutline(wctx, outline); err != nil {
		return storageError("save outline", err)
	}
	return nil
}

// planWithModel asks the planner model for a scene list and repairs it. The
// repaired list is stored on the outline, so the same outline, prompt and
// planner model decompose identically without another call.
func (r *runner) planWithModel(ctx context.Context, cc *chapterContext) ([]models.ScenePlan, error) {
	o := r.o
	model := o.cfg.ModelFor(config.RolePlanner)
	outline := cc.outline

	prompt, err := util.RenderTemplate(o.cfg.PromptTemplates.ScenePlanning, map[string]interface{}{
		"ChapterTitle":     cc.chapter.Title,
		"Genre":            cc.project.Genre,
		"Summary":          outline.Summary,
		"RequiredEntities": strings.Join(outline.RequiredEntities, ", "),
		"EntryState":       outline.EntryState,
		"ExitState":        outline.ExitState,
		"StakesDelta":      outline.StakesDelta,
		"SceneCount":       sceneCount(cc.targetWords, o.cfg.Generation.WordsPerScene, 0),
		"TargetWords":      cc.targetWords,
	})
	if err != nil {
		return nil, fmt.Errorf("render planning prompt: %w", err)
	}

	planHash := cache.HashText(model.ModelName + "\x00" + prompt)
	if outline.PlanHash == planHash && outline.ScenePlan != "" {
		plans, err := plansFromModel([]byte(outline.ScenePlan), *outline, cc.targetWords)
		if err == nil {
			r.logger.Debug("Reusing stored scene plan", "scenes", len(plans))
			return plans, nil
		}
		r.logger.Warn("Stored scene plan is unusable, planning again", "error", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.SceneTimeout())
	defer cancel()
	resp, err := o.client.ChatCompletion(callCtx, model, o.secrets.GetAPIKey(model.BaseURL), []api.Message{
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil, fmt.Errorf("planner call: %w", err)
	}

	raw := util.ExtractJSON(util.StripThinkTags(resp.Content()))
	content := []byte(util.RepairJSON(util.SanitizeJSON(raw)))
	exp := repair.Expectations{RequiredEntities: outline.RequiredEntities}
	violations, err := repair.Validate(repair.KindScenes, content, exp)
	if err != nil {
		return nil, fmt.Errorf("planner returned no plan: %w", err)
	}
	if countFixable(violations) > 0 {
		res := o.repair.Repair(repair.KindScenes, content, violations)
		content = res.Replacement
		r.logger.Debug("Scene plan repaired", "actions", len(res.Actions), "remaining", len(res.Remaining))
	}
	for _, v := range violations {
		if v.Severity == repair.SeverityHigh && !v.AutoFixable {
			return nil, fmt.Errorf("unusable scene plan: %s", v.Message)
		}
	}
	plans, err := plansFromModel(content, *outline, cc.targetWords)
	if err != nil {
		return nil, err
	}

	outline.ScenePlan, outline.PlanHash = string(content), planHash
	wctx, wcancel := o.storageCtx(ctx)
	defer wcancel()
	if err := o.storage.SaveOutline(wctx, outline); err != nil {
		r.logger.Warn("Failed to store scene plan", "error", err)
	}
	return plans, nil
}
