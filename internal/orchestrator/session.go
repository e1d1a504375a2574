package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lamim/chapterforge/internal/apperror"
	"github.com/lamim/chapterforge/internal/store"
	"github.com/lamim/chapterforge/pkg/models"
)

// SceneResult is the outcome of one scene of a session
type SceneResult struct {
	Index            int                `json:"index"`
	Purpose          string             `json:"purpose"`
	Status           models.SceneStatus `json:"status"`
	WordCount        int                `json:"wordCount"`
	CacheHit         bool               `json:"cacheHit"`
	QualityScore     float64            `json:"qualityScore"`
	RuleChecksPassed int                `json:"ruleChecksPassed"`
	Warnings         int                `json:"warnings"`
	Repairs          int                `json:"repairs"`
	Error            string             `json:"error,omitempty"`
	Content          string             `json:"-"`
}

// Result is what a finished session produced
type Result struct {
	SessionID        string         `json:"sessionId"`
	ChapterID        string         `json:"chapterId"`
	WordCount        int            `json:"wordCount"`
	Scenes           []SceneResult  `json:"scenes"`
	Drafts           []models.Draft `json:"drafts"`
	RuleChecksPassed int            `json:"ruleChecksPassed"`
	TotalWarnings    int            `json:"totalWarnings"`
	FailedScenes     int            `json:"failedScenes"`
	CacheHits        int            `json:"cacheHits"`
	Summary          string         `json:"summary"`
	Cancelled        bool           `json:"cancelled"`
}

// Session is one generation run for a chapter
type Session struct {
	ID        string
	ProjectID string
	ChapterID string
	StartedAt time.Time

	machine machine
	mu      sync.Mutex
	stats   models.SessionStats
	result  *Result
	err     *apperror.Error
}

func newSession(id string, req Request, now time.Time) *Session {
	s := &Session{
		ID:        id,
		ProjectID: req.ProjectID,
		ChapterID: req.ChapterID,
		StartedAt: now,
	}
	s.machine.state = StateIdle
	s.stats.StartTime = now
	return s
}

// State is the session's current state
func (s *Session) State() State {
	return s.machine.current()
}

// Stats returns a snapshot of the session statistics
func (s *Session) Stats() models.SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Result is set once the session completed
func (s *Session) Result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Err is the session-level failure, if the session ended in error
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return nil
	}
	return s.err
}

func (s *Session) update(fn func(*models.SessionStats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// runner executes one session on the session goroutine. It is the only
// writer of the event channel.
type runner struct {
	o        *Orchestrator
	sess     *Session
	events   chan<- Event
	logger   *slog.Logger
	seq      int
	progress int
	scenes   []SceneResult
	marked   bool // chapter status was set to generating
}

func (r *runner) emit(kind EventKind, data interface{}) {
	r.seq++
	r.events <- Event{Kind: kind, SessionID: r.sess.ID, Seq: r.seq, Data: data}
}

// report emits a progress event; the percentage never goes backwards
func (r *runner) report(percent int, step, message string) {
	if percent < r.progress {
		percent = r.progress
	}
	if percent > 100 {
		percent = 100
	}
	r.progress = percent
	r.emit(EventProgress, ProgressData{Progress: percent, Step: step, Message: message})
}

// transition moves the state machine. An invalid move is a programming
// error and ends the session.
func (r *runner) transition(to State) error {
	if err := r.sess.machine.transition(to); err != nil {
		r.logger.Error("State machine violation", "error", err)
		return apperror.New(apperror.KindServer, "internal state error", err)
	}
	return nil
}

// fail ends the session with an error event
func (r *runner) fail(err error) {
	ae := classify(err)
	_ = r.sess.machine.transition(StateError)

	r.sess.update(func(st *models.SessionStats) {
		st.EndTime = r.o.now()
		st.TotalDuration = st.EndTime.Sub(st.StartTime)
	})
	r.sess.mu.Lock()
	r.sess.err = ae
	r.sess.mu.Unlock()

	if r.marked {
		wctx, cancel := r.o.storageCtx(context.Background())
		if serr := r.o.storage.SetChapterStatus(wctx, r.sess.ChapterID, models.ChapterStatusPartial); serr != nil {
			r.logger.Warn("Could not reset chapter status", "error", serr)
		}
		cancel()
	}

	r.logger.Error("Generation session failed", "error", err, "type", ae.Kind)
	r.emit(EventError, ae.ToPayload())
}

// classify maps a session-level failure onto the error taxonomy. Storage
// failures other than missing rows count as network failures.
func classify(err error) *apperror.Error {
	var ae *apperror.Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, errWrongProject) {
		return apperror.New(apperror.KindNotFound, err.Error(), err)
	}
	return apperror.Classify(err)
}

func storageError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperror.New(apperror.KindTimeout, "storage "+op+" timed out", err)
	}
	return apperror.New(apperror.KindNetwork, "storage "+op+" failed", err)
}

// execute drives the session from Idle to a terminal state
func (r *runner) execute(ctx context.Context) {
	o := r.o
	req := Request{ProjectID: r.sess.ProjectID, ChapterID: r.sess.ChapterID}

	if err := r.transition(StateConnecting); err != nil {
		r.fail(err)
		return
	}
	r.emit(EventConnected, ConnectedData{SessionID: r.sess.ID, ProjectID: req.ProjectID, ChapterID: req.ChapterID})
	r.report(0, "connecting", "Loading chapter context")

	cc, err := o.loadContext(ctx, req)
	if err != nil {
		r.fail(err)
		return
	}
	wctx, cancel := o.storageCtx(ctx)
	err = o.storage.SetChapterStatus(wctx, req.ChapterID, models.ChapterStatusGenerating)
	cancel()
	if err != nil {
		r.fail(storageError("update chapter", err))
		return
	}
	r.marked = true

	if err := r.transition(StateDecomposing); err != nil {
		r.fail(err)
		return
	}
	r.report(5, "decomposing", "Planning scenes")

	plans, planner, err := r.decompose(ctx, cc)
	if err != nil {
		r.fail(err)
		return
	}
	total := len(plans)
	r.sess.update(func(st *models.SessionStats) { st.ScenesTotal = total })

	summaries := make([]ScenePlanSummary, total)
	for i, p := range plans {
		summaries[i] = ScenePlanSummary{Index: p.Index, Purpose: p.Purpose, Entities: p.RequiredEntities, TargetWords: p.TargetWords}
	}
	r.emit(EventScenesDecomposed, ScenesDecomposedData{TotalScenes: total, Scenes: summaries, Planner: planner})
	r.logger.Info("Chapter decomposed", "scenes", total, "planner", planner, "target_words", cc.targetWords)

	// Scenes left over from an earlier, longer plan would corrupt the draft
	wctx, cancel = o.storageCtx(ctx)
	err = o.storage.DeleteScenesFrom(wctx, req.ChapterID, total)
	cancel()
	if err != nil {
		r.fail(storageError("delete stale scenes", err))
		return
	}
	r.report(10, "decomposed", fmt.Sprintf("%d scenes planned", total))

	cancelled := false
	recap := ""
	for i, plan := range plans {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		if err := r.transition(StateSceneGenerating); err != nil {
			r.fail(err)
			return
		}
		res, nextRecap, err := r.scene(ctx, cc, plan, total, recap)
		if errors.Is(err, errSceneCancelled) {
			cancelled = true
			break
		}
		if err != nil {
			r.fail(err)
			return
		}
		r.scenes = append(r.scenes, res)
		if res.Status == models.SceneStatusCompleted {
			recap = nextRecap
		}
		r.report(10+85*(i+1)/total, "scene", fmt.Sprintf("Scene %d/%d finished", i+1, total))
	}
	if ctx.Err() != nil && len(r.scenes) < total {
		cancelled = true
	}

	if err := r.transition(StatePersisting); err != nil {
		r.fail(err)
		return
	}
	r.report(95, "persisting", "Saving draft")
	result, err := r.finish(ctx, cc, total, cancelled)
	if err != nil {
		r.fail(err)
		return
	}

	if err := r.transition(StateCompleted); err != nil {
		r.fail(err)
		return
	}
	r.report(100, "completed", result.Summary)

	draftID := ""
	if len(result.Drafts) > 0 {
		draftID = result.Drafts[0].ID
	}
	stats := r.sess.Stats()
	r.emit(EventCompleted, CompletedData{
		WordCount:        result.WordCount,
		SuccessfulScenes: stats.ScenesCompleted,
		TotalScenes:      total,
		FailedScenes:     stats.FailedScenes,
		CacheHits:        stats.CacheHits,
		RuleChecksPassed: stats.RuleChecksPassed,
		TotalWarnings:    stats.TotalWarnings,
		Summary:          result.Summary,
		DraftID:          draftID,
		Cancelled:        cancelled,
		DurationMillis:   stats.TotalDuration.Milliseconds(),
	})
}

// finish assembles and stores the draft, updates the chapter and queues
// its summary
func (r *runner) finish(ctx context.Context, cc *chapterContext, total int, cancelled bool) (*Result, error) {
	o := r.o

	var parts []string
	words := 0
	for _, s := range r.scenes {
		if s.Status == models.SceneStatusCompleted {
			parts = append(parts, s.Content)
			words += s.WordCount
		}
	}

	var drafts []models.Draft
	if len(parts) > 0 {
		draft := models.Draft{
			ID:         uuid.New().String(),
			ChapterID:  cc.chapter.ID,
			Content:    strings.Join(parts, "\n\n"),
			WordCount:  words,
			SceneCount: len(parts),
		}
		wctx, cancel := o.storageCtx(ctx)
		err := o.storage.SaveDraft(wctx, &draft)
		cancel()
		if err != nil {
			return nil, storageError("save draft", err)
		}
		drafts = append(drafts, draft)
	}

	status := models.ChapterStatusDrafted
	if cancelled || len(parts) < total {
		status = models.ChapterStatusPartial
	}
	wctx, cancel := o.storageCtx(ctx)
	err := o.storage.UpdateChapter(wctx, cc.chapter.ID, status, words)
	cancel()
	if err != nil {
		return nil, storageError("update chapter", err)
	}

	if len(parts) > 0 && o.summaries != nil {
		wctx, cancel := o.storageCtx(ctx)
		if _, err := o.summaries.Enqueue(wctx, models.ScopeChapter, cc.chapter.ID); err != nil {
			// Digests are eventually consistent; a lost job only delays them
			r.logger.Warn("Failed to enqueue chapter summary", "error", err)
		}
		cancel()
	}

	r.sess.update(func(st *models.SessionStats) {
		st.EndTime = o.now()
		st.TotalDuration = st.EndTime.Sub(st.StartTime)
	})
	stats := r.sess.Stats()

	passedScenes := stats.RuleChecksPassed
	summary := fmt.Sprintf("%d/%d scenes passed checks, %d warnings", passedScenes, total, stats.TotalWarnings)

	result := &Result{
		SessionID:        r.sess.ID,
		ChapterID:        cc.chapter.ID,
		WordCount:        words,
		Scenes:           r.scenes,
		Drafts:           drafts,
		RuleChecksPassed: stats.RuleChecksPassed,
		TotalWarnings:    stats.TotalWarnings,
		FailedScenes:     stats.FailedScenes,
		CacheHits:        stats.CacheHits,
		Summary:          summary,
		Cancelled:        cancelled,
	}
	r.sess.mu.Lock()
	r.sess.result = result
	r.sess.mu.Unlock()

	r.logger.Info("Generation session completed",
		"scenes", total,
		"completed", stats.ScenesCompleted,
		"failed", stats.FailedScenes,
		"cache_hits", stats.CacheHits,
		"words", words,
		"cancelled", cancelled,
		"duration", stats.TotalDuration.Round(time.Millisecond))
	return result, nil
}
