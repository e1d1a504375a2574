package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/lamim/chapterforge/internal/api"
	"github.com/lamim/chapterforge/internal/apperror"
	"github.com/lamim/chapterforge/internal/cache"
	"github.com/lamim/chapterforge/internal/config"
	"github.com/lamim/chapterforge/internal/repair"
	"github.com/lamim/chapterforge/internal/util"
	"github.com/lamim/chapterforge/pkg/models"
)

// errSceneCancelled means the session was cancelled while a scene's model
// call was in flight. The scene is dropped, not failed.
var errSceneCancelled = errors.New("scene cancelled")

// generated is the checked output of one model call
type generated struct {
	prose   string
	card    string
	report  repair.ProseReport
	repairs int
	extra   int // card violations left after repair
}

// scene produces one scene, from the cache or the model, and persists it.
// Scene-level failures are recorded and reported, not returned: only
// storage failures end the session.
func (r *runner) scene(ctx context.Context, cc *chapterContext, plan models.ScenePlan, total int, recap string) (SceneResult, string, error) {
	o := r.o
	r.emit(EventSceneStart, SceneStartData{SceneIndex: plan.Index, TotalScenes: total, ScenePurpose: plan.Purpose})

	model := o.cfg.ModelFor(config.RoleMain)
	in := o.signatureInput(cc, plan, recap, model)
	var sig string
	if o.cache != nil {
		sig = o.cache.Sign(in)
		res, next, hit, err := r.fromCache(ctx, plan, sig)
		if err != nil {
			return res, "", err
		}
		if hit {
			return res, next, nil
		}
	} else {
		in.Buckets = cache.DefaultBuckets
		sig = cache.Signature(in)
	}

	prompt, err := o.scenePrompt(cc, plan, total, recap)
	if err != nil {
		return SceneResult{}, "", apperror.New(apperror.KindServer, "render scene prompt", err)
	}
	messages := make([]api.Message, 0, 2)
	if sys := o.cfg.PromptTemplates.SceneSystemPrompt; sys != "" {
		messages = append(messages, api.Message{Role: "system", Content: sys})
	}
	messages = append(messages, api.Message{Role: "user", Content: prompt})

	resp, err := r.callModel(ctx, plan.Index, model, messages)
	if err != nil {
		if ctx.Err() != nil {
			r.logger.Info("Scene abandoned by cancellation", "scene", plan.Index)
			return SceneResult{}, "", errSceneCancelled
		}
		return r.sceneFailed(ctx, plan, sig, apperror.Classify(err))
	}

	if err := r.transition(StateValidating); err != nil {
		return SceneResult{}, "", err
	}
	out := r.check(plan, resp.Content(), resp.FinishReason())
	if blocked, reason := out.report.Blocking(); blocked {
		return r.sceneFailed(ctx, plan, sig, apperror.Validation("scene rejected: "+reason, nil))
	}
	if out.repairs > 0 {
		r.logger.Debug("Scene card repaired", "scene", plan.Index, "actions", out.repairs)
	}

	judgeScore := -1.0
	if o.judge != nil {
		jctx, cancel := context.WithTimeout(ctx, o.cfg.SceneTimeout())
		res, err := o.judge.Score(jctx, plan.Purpose, out.prose)
		cancel()
		if err != nil {
			r.logger.Warn("Judge scoring failed, using rule checks only", "scene", plan.Index, "error", err)
		} else {
			judgeScore = res.Score
		}
	}
	warnings := out.report.Warnings + out.extra
	score := o.quality.Score(out.report.Passed, len(out.report.Checks)+out.extra, judgeScore)

	if err := r.transition(StatePersisting); err != nil {
		return SceneResult{}, "", err
	}
	res := SceneResult{
		Index:            plan.Index,
		Purpose:          plan.Purpose,
		Status:           models.SceneStatusCompleted,
		WordCount:        util.CountWords(out.prose),
		QualityScore:     score,
		RuleChecksPassed: out.report.Passed,
		Warnings:         warnings,
		Repairs:          out.repairs,
		Content:          out.prose,
	}
	if err := r.persistScene(ctx, res, out.card, sig); err != nil {
		return SceneResult{}, "", err
	}

	if o.cache != nil {
		wctx, cancel := o.storageCtx(ctx)
		if _, err := o.cache.RecordMiss(wctx, sig, out.prose, out.card, score); err != nil {
			r.logger.Warn("Failed to store scene in cache", "scene", plan.Index, "error", err)
		}
		cancel()
	}

	r.completed(res, "generated")
	return res, o.recapFor(out.prose, out.card), nil
}

// fromCache reuses a stored execution when one exists and is good enough
func (r *runner) fromCache(ctx context.Context, plan models.ScenePlan, sig string) (SceneResult, string, bool, error) {
	o := r.o
	rctx, cancel := o.storageCtx(ctx)
	defer cancel()

	entry, found, err := o.cache.Lookup(rctx, sig)
	if err != nil {
		r.logger.Warn("Cache lookup failed, generating", "scene", plan.Index, "error", err)
		return SceneResult{}, "", false, nil
	}
	if !found {
		return SceneResult{}, "", false, nil
	}
	if entry.QualityScore < o.cfg.Cache.MinReuseQuality {
		o.metrics.RecordCacheLookup("low_quality")
		r.logger.Debug("Cached scene below reuse threshold", "scene", plan.Index, "quality_score", entry.QualityScore)
		return SceneResult{}, "", false, nil
	}
	entry, err = o.cache.RecordHit(rctx, sig)
	if err != nil {
		// Evicted between lookup and hit
		if !errors.Is(err, cache.ErrMiss) {
			r.logger.Warn("Cache hit could not be recorded, generating", "scene", plan.Index, "error", err)
		}
		return SceneResult{}, "", false, nil
	}

	r.emit(EventSceneChunk, SceneChunkData{SceneIndex: plan.Index, Chunk: entry.Content})
	report := repair.CheckProse(entry.Content, repair.ProseExpectations{
		TargetWords:      plan.TargetWords,
		MinLengthRatio:   o.cfg.Generation.MinLengthRatio,
		RequiredEntities: plan.RequiredEntities,
	})

	if err := r.transition(StatePersisting); err != nil {
		return SceneResult{}, "", false, err
	}
	res := SceneResult{
		Index:            plan.Index,
		Purpose:          plan.Purpose,
		Status:           models.SceneStatusCompleted,
		WordCount:        util.CountWords(entry.Content),
		CacheHit:         true,
		QualityScore:     entry.QualityScore,
		RuleChecksPassed: report.Passed,
		Warnings:         report.Warnings,
		Content:          entry.Content,
	}
	if err := r.persistScene(ctx, res, entry.Card, sig); err != nil {
		return SceneResult{}, "", false, err
	}
	r.completed(res, "cached")
	return res, o.recapFor(entry.Content, entry.Card), true, nil
}

// callModel runs one scene generation call under the scene timeout,
// forwarding its output as stream events
func (r *runner) callModel(ctx context.Context, index int, model config.ModelConfig, messages []api.Message) (*api.ChatCompletionResponse, error) {
	o := r.o
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.SceneTimeout())
	defer cancel()

	apiKey := o.secrets.GetAPIKey(model.BaseURL)
	stream := newSceneStream(index, r.emit)
	defer stream.close()

	if model.UseStreaming {
		return o.client.ChatCompletionStream(callCtx, model, apiKey, messages, func(d api.StreamDelta) {
			stream.reasoning(d.ReasoningContent)
			stream.content(d.Content)
		})
	}
	resp, err := o.client.ChatCompletion(callCtx, model, apiKey, messages)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) > 0 {
		stream.reasoning(resp.Choices[0].Message.ReasoningContent)
	}
	stream.content(resp.Content())
	return resp, nil
}

// check splits the model output into prose and scene card, runs the prose
// rule checks and validates the card, repairing it when it can
func (r *runner) check(plan models.ScenePlan, raw, finishReason string) generated {
	text := util.StripThinkTags(raw)
	prose, block, hasCard := util.SplitTrailingJSONBlock(text)

	out := generated{prose: repair.CleanProse(prose)}
	out.report = repair.CheckProse(out.prose, repair.ProseExpectations{
		TargetWords:      plan.TargetWords,
		MinLengthRatio:   r.o.cfg.Generation.MinLengthRatio,
		RequiredEntities: plan.RequiredEntities,
		FinishReason:     finishReason,
	})
	if !hasCard {
		return out
	}

	card := []byte(util.RepairJSON(util.SanitizeJSON(block)))
	violations, err := repair.Validate(repair.KindScenes, card, repair.Expectations{RequiredEntities: plan.RequiredEntities})
	if err != nil {
		r.logger.Warn("Scene card is not valid JSON, dropping it", "scene", plan.Index, "error", err)
		out.extra = 1
		return out
	}
	remaining := violations
	if countFixable(violations) > 0 {
		if err := r.transition(StateRepairing); err != nil {
			r.logger.Error("Cannot enter repair", "error", err)
		}
		res := r.o.repair.Repair(repair.KindScenes, card, violations)
		card = res.Replacement
		remaining = res.Remaining
		out.repairs = len(res.Actions)
	}
	out.card = string(card)
	out.extra = len(remaining)
	return out
}

// sceneFailed records a failed scene. The session continues with the next
// scene.
func (r *runner) sceneFailed(ctx context.Context, plan models.ScenePlan, sig string, cause *apperror.Error) (SceneResult, string, error) {
	if err := r.transition(StatePersisting); err != nil {
		return SceneResult{}, "", err
	}
	res := SceneResult{
		Index:   plan.Index,
		Purpose: plan.Purpose,
		Status:  models.SceneStatusFailed,
		Error:   cause.Error(),
	}
	if err := r.persistScene(ctx, res, "", sig); err != nil {
		return SceneResult{}, "", err
	}

	r.sess.update(func(st *models.SessionStats) { st.FailedScenes++ })
	r.o.metrics.RecordScene("failed")
	r.logger.Warn("Scene failed", "scene", plan.Index, "type", cause.Kind, "error", cause)
	r.emit(EventSceneFailed, SceneFailedData{SceneIndex: plan.Index, Error: cause.Error(), Type: cause.Kind})
	return res, "", nil
}

func (r *runner) persistScene(ctx context.Context, res SceneResult, card, sig string) error {
	row := &models.Scene{
		ID:           sceneID(r.sess.ChapterID, res.Index),
		ChapterID:    r.sess.ChapterID,
		SceneIndex:   res.Index,
		Purpose:      res.Purpose,
		Content:      res.Content,
		Card:         card,
		WordCount:    res.WordCount,
		CacheHit:     res.CacheHit,
		QualityScore: res.QualityScore,
		Signature:    sig,
		Status:       res.Status,
		Error:        res.Error,
	}
	wctx, cancel := r.o.storageCtx(ctx)
	defer cancel()
	if err := r.o.storage.UpsertScene(wctx, row); err != nil {
		return storageError(fmt.Sprintf("save scene %d", res.Index), err)
	}
	return nil
}

func (r *runner) completed(res SceneResult, outcome string) {
	r.sess.update(func(st *models.SessionStats) {
		st.ScenesCompleted++
		st.WordsGenerated += res.WordCount
		st.TotalWarnings += res.Warnings
		if res.Warnings == 0 {
			st.RuleChecksPassed++
		}
		if res.CacheHit {
			st.CacheHits++
		}
	})
	r.o.metrics.RecordScene(outcome)
	r.logger.Info("Scene completed",
		"scene", res.Index,
		"words", res.WordCount,
		"cache_hit", res.CacheHit,
		"quality_score", res.QualityScore,
		"warnings", res.Warnings)
	r.emit(EventSceneCompleted, SceneCompletedData{
		SceneIndex:       res.Index,
		WordCount:        res.WordCount,
		CacheHit:         res.CacheHit,
		QualityScore:     res.QualityScore,
		RuleChecksPassed: res.RuleChecksPassed,
		Warnings:         res.Warnings,
		Repairs:          res.Repairs,
	})
}
