package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lamim/chapterforge/internal/api"
	"github.com/lamim/chapterforge/internal/cache"
	"github.com/lamim/chapterforge/internal/config"
	"github.com/lamim/chapterforge/internal/store"
	"github.com/lamim/chapterforge/internal/util"
	"github.com/lamim/chapterforge/pkg/models"
)

// Completer is the model call the summarizer needs
type Completer interface {
	ChatCompletion(ctx context.Context, modelCfg config.ModelConfig, apiKey string, messages []api.Message) (*api.ChatCompletionResponse, error)
}

// Storage is what the summarizer reads sources from and writes digests to
type Storage interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetVolume(ctx context.Context, id string) (*models.Volume, error)
	GetChapter(ctx context.Context, id string) (*models.Chapter, error)
	ListVolumes(ctx context.Context, projectID string) ([]models.Volume, error)
	ListChapters(ctx context.Context, projectID, volumeID string) ([]models.Chapter, error)
	LatestDraft(ctx context.Context, chapterID string) (*models.Draft, error)
	FindDigest(ctx context.Context, scope models.SummaryScope, targetID string) (*models.Digest, error)
	ListDigests(ctx context.Context, scope models.SummaryScope, ids []string) ([]models.Digest, error)
	UpsertDigest(ctx context.Context, d *models.Digest) error
}

// Enqueuer schedules follow-up digests
type Enqueuer interface {
	Enqueue(ctx context.Context, scope models.SummaryScope, targetID string) (*models.SummaryJob, error)
}

// Result reports what processing a job did
type Result struct {
	Success       bool `json:"success"`
	SummaryLength int  `json:"summaryLength"`
	Unchanged     bool `json:"unchanged,omitempty"`
}

// Summarizer computes one digest per job
type Summarizer struct {
	cfg     *config.Config
	secrets *config.Secrets
	client  Completer
	store   Storage
	queue   Enqueuer
	logger  *slog.Logger
	now     func() time.Time
}

// NewSummarizer creates a summarizer. queue receives the parent digest jobs
// a finished digest makes stale.
func NewSummarizer(cfg *config.Config, secrets *config.Secrets, client Completer, st Storage, queue Enqueuer, logger *slog.Logger) *Summarizer {
	return &Summarizer{
		cfg:     cfg,
		secrets: secrets,
		client:  client,
		store:   st,
		queue:   queue,
		logger:  logger.With("component", "summarizer"),
		now:     time.Now,
	}
}

// source is the text a digest is computed from
type source struct {
	prompt   string
	parent   models.SummaryScope
	parentID string
}

// Process recomputes the digest named by job. A target with nothing to
// summarize yet is not an error: the result just reports no success.
func (s *Summarizer) Process(ctx context.Context, job *models.SummaryJob) (Result, error) {
	src, err := s.source(ctx, job)
	if err != nil {
		return Result{}, err
	}
	if src == nil {
		s.logger.Debug("Nothing to summarize yet", "scope", job.Scope, "target_id", job.TargetID)
		return Result{}, nil
	}

	hash := cache.HashText(src.prompt)
	existing, err := s.store.FindDigest(ctx, job.Scope, job.TargetID)
	if err != nil {
		return Result{}, err
	}
	if existing != nil && existing.SourceHash == hash {
		// A previous attempt may have stored the digest and then failed to
		// enqueue the parent
		if err := s.cascade(ctx, src); err != nil {
			return Result{}, err
		}
		return Result{Success: true, SummaryLength: len(existing.Content), Unchanged: true}, nil
	}

	content, err := s.complete(ctx, src.prompt)
	if err != nil {
		return Result{}, err
	}
	digest := &models.Digest{
		Scope:      job.Scope,
		TargetID:   job.TargetID,
		Content:    content,
		SourceHash: hash,
		UpdatedAt:  s.now(),
	}
	if err := s.store.UpsertDigest(ctx, digest); err != nil {
		return Result{}, err
	}
	s.logger.Info("Digest updated", "scope", job.Scope, "target_id", job.TargetID, "length", len(content))

	if err := s.cascade(ctx, src); err != nil {
		return Result{}, err
	}
	return Result{Success: true, SummaryLength: len(content)}, nil
}

// cascade enqueues the parent digest of src. Enqueueing coalesces with an
// unclaimed job for the same target.
func (s *Summarizer) cascade(ctx context.Context, src *source) error {
	if src.parent == "" || s.queue == nil {
		return nil
	}
	if _, err := s.queue.Enqueue(ctx, src.parent, src.parentID); err != nil {
		return fmt.Errorf("cascade to %s %s: %w", src.parent, src.parentID, err)
	}
	return nil
}

func (s *Summarizer) source(ctx context.Context, job *models.SummaryJob) (*source, error) {
	switch job.Scope {
	case models.ScopeChapter:
		return s.chapterSource(ctx, job.TargetID)
	case models.ScopeVolume:
		return s.volumeSource(ctx, job.TargetID)
	case models.ScopeProject:
		return s.projectSource(ctx, job.TargetID)
	}
	return nil, fmt.Errorf("unknown scope %q", job.Scope)
}

func (s *Summarizer) chapterSource(ctx context.Context, chapterID string) (*source, error) {
	ch, err := s.store.GetChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	draft, err := s.store.LatestDraft(ctx, chapterID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	text := util.TruncateWords(draft.Content, s.cfg.Summary.MaxInputWords)
	prompt, err := util.RenderTemplate(s.cfg.PromptTemplates.ChapterSummary, map[string]interface{}{
		"Title": ch.Title,
		"Text":  text,
	})
	if err != nil {
		return nil, fmt.Errorf("render chapter summary prompt: %w", err)
	}

	src := &source{prompt: prompt, parent: models.ScopeProject, parentID: ch.ProjectID}
	if ch.VolumeID != "" {
		src.parent, src.parentID = models.ScopeVolume, ch.VolumeID
	}
	return src, nil
}

func (s *Summarizer) volumeSource(ctx context.Context, volumeID string) (*source, error) {
	vol, err := s.store.GetVolume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	chapters, err := s.store.ListChapters(ctx, vol.ProjectID, vol.ID)
	if err != nil {
		return nil, err
	}
	titles := make(map[string]string, len(chapters))
	ids := make([]string, len(chapters))
	for i, ch := range chapters {
		ids[i] = ch.ID
		titles[ch.ID] = ch.Title
	}
	digests, err := s.store.ListDigests(ctx, models.ScopeChapter, ids)
	if err != nil {
		return nil, err
	}
	if len(digests) == 0 {
		return nil, nil
	}

	parts := make([]string, len(digests))
	for i, d := range digests {
		parts[i] = fmt.Sprintf("%s:\n%s", titles[d.TargetID], d.Content)
	}
	return s.rollup("chapter", vol.Title, parts, models.ScopeProject, vol.ProjectID)
}

// projectSource rolls up volume digests followed by the digests of
// chapters that belong to no volume
func (s *Summarizer) projectSource(ctx context.Context, projectID string) (*source, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	volumes, err := s.store.ListVolumes(ctx, projectID)
	if err != nil {
		return nil, err
	}
	loose, err := s.store.ListChapters(ctx, projectID, "")
	if err != nil {
		return nil, err
	}

	var parts []string
	volIDs := make([]string, len(volumes))
	volTitles := make(map[string]string, len(volumes))
	for i, v := range volumes {
		volIDs[i] = v.ID
		volTitles[v.ID] = v.Title
	}
	vd, err := s.store.ListDigests(ctx, models.ScopeVolume, volIDs)
	if err != nil {
		return nil, err
	}
	for _, d := range vd {
		parts = append(parts, fmt.Sprintf("%s:\n%s", volTitles[d.TargetID], d.Content))
	}

	chIDs := make([]string, len(loose))
	chTitles := make(map[string]string, len(loose))
	for i, ch := range loose {
		chIDs[i] = ch.ID
		chTitles[ch.ID] = ch.Title
	}
	cd, err := s.store.ListDigests(ctx, models.ScopeChapter, chIDs)
	if err != nil {
		return nil, err
	}
	for _, d := range cd {
		parts = append(parts, fmt.Sprintf("%s:\n%s", chTitles[d.TargetID], d.Content))
	}

	if len(parts) == 0 {
		return nil, nil
	}
	return s.rollup("volume", project.Title, parts, "", "")
}

func (s *Summarizer) rollup(scope, title string, parts []string, parent models.SummaryScope, parentID string) (*source, error) {
	text := util.TruncateWords(strings.Join(parts, "\n\n"), s.cfg.Summary.MaxInputWords)
	prompt, err := util.RenderTemplate(s.cfg.PromptTemplates.RollupSummary, map[string]interface{}{
		"Scope": scope,
		"Title": title,
		"Text":  text,
	})
	if err != nil {
		return nil, fmt.Errorf("render rollup prompt: %w", err)
	}
	return &source{prompt: prompt, parent: parent, parentID: parentID}, nil
}

func (s *Summarizer) complete(ctx context.Context, prompt string) (string, error) {
	model := s.cfg.ModelFor(config.RoleSummary)
	messages := make([]api.Message, 0, 2)
	if sys := s.cfg.PromptTemplates.SummarySystemPrompt; sys != "" {
		messages = append(messages, api.Message{Role: "system", Content: sys})
	}
	messages = append(messages, api.Message{Role: "user", Content: prompt})

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.SceneTimeout())
	defer cancel()
	resp, err := s.client.ChatCompletion(callCtx, model, s.secrets.GetAPIKey(model.BaseURL), messages)
	if err != nil {
		return "", err
	}

	content := util.CleanMetaFromLLMResponse(strings.TrimSpace(util.StripThinkTags(resp.Content())))
	if content == "" {
		return "", &api.APIError{Kind: api.KindMalformedOutput, Message: "empty summary"}
	}
	return content, nil
}
