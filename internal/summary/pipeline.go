package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/lamim/chapterforge/internal/config"
	"github.com/lamim/chapterforge/internal/metrics"
	"github.com/lamim/chapterforge/internal/store"
	"github.com/lamim/chapterforge/pkg/models"
)

// Processor computes the digest for one job
type Processor interface {
	Process(ctx context.Context, job *models.SummaryJob) (Result, error)
}

// Pipeline runs summary workers against the queue
type Pipeline struct {
	queue   *Queue
	proc    Processor
	cfg     config.SummaryConfig
	metrics *metrics.Collector
	logger  *slog.Logger
	host    string
}

// NewPipeline creates a pipeline
func NewPipeline(q *Queue, proc Processor, cfg config.SummaryConfig, m *metrics.Collector, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		queue:   q,
		proc:    proc,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "summary_pipeline"),
		host:    workerHost(),
	}
}

func workerHost() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "worker"
	}
	return fmt.Sprintf("%s-%d", name, os.Getpid())
}

// Run starts summary.workers workers and blocks until ctx is cancelled or
// a worker hits a queue error
func (p *Pipeline) Run(ctx context.Context) error {
	workers := max(p.cfg.Workers, 1)
	poll := time.Duration(p.cfg.PollIntervalMillis) * time.Millisecond
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}

	p.logger.Info("Summary pipeline started", "workers", workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		workerID := fmt.Sprintf("%s-w%d", p.host, i)
		g.Go(func() error {
			ticker := time.NewTicker(poll)
			defer ticker.Stop()
			for {
				worked, err := p.step(gctx, workerID)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return err
				}
				if worked {
					continue
				}
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	err := g.Wait()
	p.logger.Info("Summary pipeline stopped")
	return err
}

// Drain processes jobs on the calling goroutine until the queue has none
// available. Jobs enqueued by cascades are processed too. It returns the
// number of jobs handled.
func (p *Pipeline) Drain(ctx context.Context) (int, error) {
	workerID := p.host + "-drain"
	n := 0
	for {
		worked, err := p.step(ctx, workerID)
		if err != nil {
			return n, err
		}
		if !worked {
			return n, nil
		}
		n++
	}
}

// step claims and handles one job. It reports false when there was none.
func (p *Pipeline) step(ctx context.Context, workerID string) (bool, error) {
	job, err := p.queue.Claim(ctx, workerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return true, p.handle(ctx, job)
}

// handle runs a job with exponential backoff. Only queue bookkeeping
// errors are returned; a job that cannot be processed is parked.
func (p *Pipeline) handle(ctx context.Context, job *models.SummaryJob) error {
	logger := p.logger.With("job_id", job.ID, "scope", job.Scope, "target_id", job.TargetID)
	maxAttempts := max(p.cfg.MaxAttempts, 1)
	remaining := maxAttempts - job.Attempts
	if remaining <= 0 {
		return p.queue.Park(ctx, job, errors.New(job.LastError))
	}

	b := backoff.NewExponentialBackOff()
	if p.cfg.InitialBackoffMillis > 0 {
		b.InitialInterval = time.Duration(p.cfg.InitialBackoffMillis) * time.Millisecond
	}
	if p.cfg.MaxBackoffSeconds > 0 {
		b.MaxInterval = time.Duration(p.cfg.MaxBackoffSeconds) * time.Second
	}

	op := func() (Result, error) {
		res, err := p.proc.Process(ctx, job)
		if err == nil {
			return res, nil
		}
		if qerr := p.queue.Attempted(ctx, job, err); qerr != nil {
			logger.Error("Failed to record summary attempt", "error", qerr)
		}
		if errors.Is(err, store.ErrNotFound) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	notify := func(err error, next time.Duration) {
		p.metrics.RecordSummaryJob(string(job.Scope), "retried")
		logger.Warn("Summary attempt failed, retrying", "attempt", job.Attempts, "next_in", next, "error", err)
	}

	start := time.Now()
	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(remaining)),
		backoff.WithNotify(notify))
	if err != nil {
		if ctx.Err() != nil {
			// The lease expires and the job is handed out again
			return nil
		}
		return p.queue.Park(context.WithoutCancel(ctx), job, err)
	}

	if err := p.queue.Complete(ctx, job); err != nil {
		return err
	}
	logger.Debug("Summary job done",
		"success", res.Success,
		"unchanged", res.Unchanged,
		"length", res.SummaryLength,
		"duration", time.Since(start).Round(time.Millisecond))
	return nil
}
