// Package orchestrator turns a chapter outline into persisted prose, one
// scene at a time, streaming its progress as an ordered event sequence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lamim/chapterforge/internal/api"
	"github.com/lamim/chapterforge/internal/apperror"
	"github.com/lamim/chapterforge/internal/cache"
	"github.com/lamim/chapterforge/internal/config"
	"github.com/lamim/chapterforge/internal/judge"
	"github.com/lamim/chapterforge/internal/metrics"
	"github.com/lamim/chapterforge/internal/repair"
	"github.com/lamim/chapterforge/pkg/models"
)

var errWrongProject = errors.New("chapter belongs to another project")

// ModelClient is the model invocation capability
type ModelClient interface {
	ChatCompletion(ctx context.Context, modelCfg config.ModelConfig, apiKey string, messages []api.Message) (*api.ChatCompletionResponse, error)
	ChatCompletionStream(ctx context.Context, modelCfg config.ModelConfig, apiKey string, messages []api.Message, onDelta func(api.StreamDelta)) (*api.ChatCompletionResponse, error)
}

// Storage is the persistence the orchestrator reads context from and
// writes results to
type Storage interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetChapter(ctx context.Context, id string) (*models.Chapter, error)
	GetOutline(ctx context.Context, chapterID string) (*models.Outline, error)
	SaveOutline(ctx context.Context, o *models.Outline) error
	FindCharacters(ctx context.Context, projectID string, names []string) ([]models.Character, error)
	ChaptersBefore(ctx context.Context, ch *models.Chapter) ([]models.Chapter, error)
	ListDigests(ctx context.Context, scope models.SummaryScope, ids []string) ([]models.Digest, error)
	UpsertScene(ctx context.Context, scene *models.Scene) error
	DeleteScenesFrom(ctx context.Context, chapterID string, index int) error
	SaveDraft(ctx context.Context, d *models.Draft) error
	UpdateChapter(ctx context.Context, id string, status models.ChapterStatus, wordCount int) error
	SetChapterStatus(ctx context.Context, id string, status models.ChapterStatus) error
}

// SummaryEnqueuer accepts digest recomputation work
type SummaryEnqueuer interface {
	Enqueue(ctx context.Context, scope models.SummaryScope, targetID string) (*models.SummaryJob, error)
}

// Scorer rates scene prose on a 0-100 scale
type Scorer interface {
	Score(ctx context.Context, purpose, sceneText string) (*judge.Result, error)
}

// Deps are the collaborators of an Orchestrator. Cache, Judge, Summaries
// and Metrics are optional.
type Deps struct {
	Config    *config.Config
	Secrets   *config.Secrets
	Client    ModelClient
	Storage   Storage
	Cache     *cache.Cache
	Repair    *repair.Engine
	Judge     Scorer
	Summaries SummaryEnqueuer
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// Request identifies the chapter to generate
type Request struct {
	ProjectID string `json:"projectId"`
	ChapterID string `json:"chapterId"`
}

// Orchestrator runs generation sessions. Sessions for different chapters
// run concurrently; a chapter has at most one session at a time.
type Orchestrator struct {
	cfg       *config.Config
	secrets   *config.Secrets
	client    ModelClient
	storage   Storage
	cache     *cache.Cache
	repair    *repair.Engine
	judge     Scorer
	summaries SummaryEnqueuer
	metrics   *metrics.Collector
	logger    *slog.Logger
	quality   cache.QualityPolicy
	locks     *chapterLocks
	now       func() time.Time
}

// New creates an orchestrator
func New(d Deps) (*Orchestrator, error) {
	switch {
	case d.Config == nil:
		return nil, errors.New("orchestrator: config is required")
	case d.Client == nil:
		return nil, errors.New("orchestrator: model client is required")
	case d.Storage == nil:
		return nil, errors.New("orchestrator: storage is required")
	case d.Repair == nil:
		return nil, errors.New("orchestrator: repair engine is required")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	secrets := d.Secrets
	if secrets == nil {
		secrets = &config.Secrets{}
	}
	c := d.Cache
	if d.Config.Cache.Disabled {
		c = nil
	}

	return &Orchestrator{
		cfg:       d.Config,
		secrets:   secrets,
		client:    d.Client,
		storage:   d.Storage,
		cache:     c,
		repair:    d.Repair,
		judge:     d.Judge,
		summaries: d.Summaries,
		metrics:   d.Metrics,
		logger:    logger.With("component", "orchestrator"),
		quality: cache.QualityPolicy{
			RuleWeight:  d.Config.Quality.RuleWeight,
			JudgeWeight: d.Config.Quality.JudgeWeight,
		},
		locks: newChapterLocks(),
		now:   time.Now,
	}, nil
}

// Start begins a session for the request's chapter and returns its event
// stream. The chapter lock is taken before Start returns: a chapter that
// already has a session fails immediately with a concurrent-session error.
//
// The session is the only sender on the channel, which is closed after the
// completed or error event. Callers must drain it until it is closed.
// Cancelling ctx abandons the scene in flight and ends the session as a
// cancelled completion; scenes already persisted are kept.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Session, <-chan Event, error) {
	if req.ProjectID == "" || req.ChapterID == "" {
		return nil, nil, apperror.Validation("projectId and chapterId are required", nil)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	if !o.locks.tryAcquire(req.ChapterID, cancel) {
		cancel()
		o.logger.Warn("Rejected concurrent session", "chapter_id", req.ChapterID)
		return nil, nil, apperror.ConcurrentSession(req.ChapterID)
	}

	sess := newSession(uuid.New().String(), req, o.now())
	buffer := o.cfg.Server.EventBuffer
	if buffer <= 0 {
		buffer = 64
	}
	events := make(chan Event, buffer)

	go func() {
		defer close(events)
		defer o.locks.release(req.ChapterID)
		defer cancel()

		end := o.metrics.SessionStarted()
		r := &runner{
			o:      o,
			sess:   sess,
			events: events,
			logger: o.logger.With("session_id", sess.ID, "chapter_id", req.ChapterID),
		}
		r.execute(sessCtx)
		end(string(sess.State()))
	}()

	return sess, events, nil
}

// Generate runs a session to the end and returns its result
func (o *Orchestrator) Generate(ctx context.Context, req Request) (*Result, error) {
	sess, events, err := o.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	for range events {
	}
	if err := sess.Err(); err != nil {
		return sess.Result(), err
	}
	return sess.Result(), nil
}

// Cancel stops the in-flight session for chapterID. Scenes already
// persisted are kept. Reports whether a session was running.
func (o *Orchestrator) Cancel(chapterID string) bool {
	ok := o.locks.cancel(chapterID)
	if ok {
		o.logger.Info("Session cancellation requested", "chapter_id", chapterID)
	}
	return ok
}

// ActiveSessions is the number of chapters currently generating
func (o *Orchestrator) ActiveSessions() int {
	return o.locks.count()
}

// storageCtx bounds a storage write. Writes outlive cancellation of the
// session so that completed work is still committed.
func (o *Orchestrator) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StorageTimeout())
}

func sceneID(chapterID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("chapterforge:%s#%d", chapterID, index))).String()
}
