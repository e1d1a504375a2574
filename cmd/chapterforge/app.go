package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lamim/chapterforge/internal/api"
	"github.com/lamim/chapterforge/internal/cache"
	"github.com/lamim/chapterforge/internal/config"
	"github.com/lamim/chapterforge/internal/judge"
	"github.com/lamim/chapterforge/internal/logging"
	"github.com/lamim/chapterforge/internal/metrics"
	"github.com/lamim/chapterforge/internal/orchestrator"
	"github.com/lamim/chapterforge/internal/repair"
	"github.com/lamim/chapterforge/internal/store"
	"github.com/lamim/chapterforge/internal/summary"
)

// app holds the wired components shared by the commands
type app struct {
	cfg      *config.Config
	secrets  *config.Secrets
	logger   *slog.Logger
	logFile  io.Closer
	store    *store.Store
	metrics  *metrics.Collector
	client   *api.Client
	cache    *cache.Cache
	queue    *summary.Queue
	pipeline *summary.Pipeline
	orch     *orchestrator.Orchestrator
}

// newApp loads configuration and connects storage. migrate creates or
// updates the schema before anything else touches it.
func newApp(migrate bool) (*app, error) {
	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	cfg, secrets, err := config.Load(configPath, envFiles...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, logFile, err := logging.Setup(cfg.Logging, verbose, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	if verbose {
		for provider, key := range secrets.APIKeys {
			if key != "" {
				logger.Debug("Loaded API key", "provider", provider, "length", len(key))
			}
		}
	}

	st, err := store.Open(cfg.Storage, logger)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	if migrate {
		if err := st.Migrate(); err != nil {
			st.Close()
			logFile.Close()
			return nil, err
		}
	}

	return &app{
		cfg:     cfg,
		secrets: secrets,
		logger:  logger,
		logFile: logFile,
		store:   st,
		metrics: metrics.NewCollector(logger),
	}, nil
}

// wire builds the model client, cache, summary pipeline and orchestrator
func (a *app) wire() error {
	opts := []api.Option{api.WithMetrics(a.metrics)}
	if len(a.cfg.ProviderRateLimits) > 0 {
		opts = append(opts, api.WithProviderRateLimits(a.cfg.ProviderRateLimits, a.cfg.ProviderBurstPercent))
		a.logger.Info("Provider rate limits configured",
			"providers", a.cfg.ProviderRateLimits,
			"burst_percent", a.cfg.ProviderBurstPercent)
	}
	a.client = api.NewClient(a.logger, opts...)

	if !a.cfg.Cache.Disabled {
		c, err := cache.New(a.store.DB(), a.cfg.Cache, a.metrics, a.logger)
		if err != nil {
			return err
		}
		a.cache = c
	}

	lease := time.Duration(a.cfg.Summary.LeaseSeconds) * time.Second
	a.queue = summary.NewQueue(a.store.DB(), lease, a.metrics, a.logger)
	summarizer := summary.NewSummarizer(a.cfg, a.secrets, a.client, a.store, a.queue, a.logger)
	a.pipeline = summary.NewPipeline(a.queue, summarizer, a.cfg.Summary, a.metrics, a.logger)

	deps := orchestrator.Deps{
		Config:    a.cfg,
		Secrets:   a.secrets,
		Client:    a.client,
		Storage:   a.store,
		Cache:     a.cache,
		Repair:    repair.NewEngine(a.logger),
		Summaries: a.queue,
		Metrics:   a.metrics,
		Logger:    a.logger,
	}
	if a.cfg.JudgeEnabled() {
		deps.Judge = judge.New(a.cfg, a.secrets, a.client, a.logger)
		a.logger.Info("Judge scoring enabled", "model", a.cfg.ModelFor(config.RoleJudge).ModelName)
	}

	orch, err := orchestrator.New(deps)
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

// cacheAdmin opens the cache without the rest of the pipeline
func (a *app) cacheAdmin() (*cache.Cache, error) {
	if a.cache != nil {
		return a.cache, nil
	}
	c, err := cache.New(a.store.DB(), a.cfg.Cache, a.metrics, a.logger)
	if err != nil {
		return nil, err
	}
	a.cache = c
	return c, nil
}

func (a *app) Close() {
	if a.cache != nil {
		a.cache.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close store", "error", err)
	}
	_ = a.logFile.Close()
}
