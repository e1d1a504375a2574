// Package summary keeps chapter, volume and project digests current. Work
// is queued in the database, claimed under a lease by pipeline workers and
// retried with exponential backoff; jobs that keep failing are parked.
package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lamim/chapterforge/internal/metrics"
	"github.com/lamim/chapterforge/pkg/models"
)

// Queue is the durable summary job queue. Delivery is at least once: a job
// whose lease expires is handed out again.
type Queue struct {
	db      *gorm.DB
	lease   time.Duration
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time
}

// NewQueue creates a queue over db
func NewQueue(db *gorm.DB, lease time.Duration, m *metrics.Collector, logger *slog.Logger) *Queue {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &Queue{
		db:      db,
		lease:   lease,
		metrics: m,
		logger:  logger.With("component", "summary_queue"),
		now:     time.Now,
	}
}

// available selects jobs nobody holds a live lease on
func (q *Queue) available(db *gorm.DB, now time.Time) *gorm.DB {
	return db.Where("(lease_until IS NULL OR lease_until < ?)", now)
}

// Enqueue asks for the digest of (scope, targetID) to be recomputed. A job
// for the same target that no worker has claimed yet absorbs the request.
func (q *Queue) Enqueue(ctx context.Context, scope models.SummaryScope, targetID string) (*models.SummaryJob, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("summary: unknown scope %q", scope)
	}
	if targetID == "" {
		return nil, errors.New("summary: target id is required")
	}

	var job models.SummaryJob
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := q.now()
		err := q.available(tx.Where("scope = ? AND target_id = ?", scope, targetID), now).
			Order("enqueued_at ASC").
			First(&job).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		job = models.SummaryJob{
			ID:         uuid.New().String(),
			Scope:      scope,
			TargetID:   targetID,
			EnqueuedAt: now,
		}
		return tx.Create(&job).Error
	})
	if err != nil {
		return nil, fmt.Errorf("summary: enqueue %s %s: %w", scope, targetID, err)
	}
	q.logger.Debug("Summary job queued", "job_id", job.ID, "scope", scope, "target_id", targetID)
	return &job, nil
}

// Claim leases the oldest available job to workerID. It returns nil when
// the queue has nothing to hand out.
func (q *Queue) Claim(ctx context.Context, workerID string) (*models.SummaryJob, error) {
	db := q.db.WithContext(ctx)
	// Another worker may win the conditional update; try the next candidate
	for i := 0; i < 3; i++ {
		now := q.now()
		var job models.SummaryJob
		err := q.available(db, now).Order("enqueued_at ASC").First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("summary: claim: %w", err)
		}

		until := now.Add(q.lease)
		res := q.available(db.Model(&models.SummaryJob{}).Where("id = ?", job.ID), now).
			Updates(map[string]interface{}{"lease_owner": workerID, "lease_until": until})
		if res.Error != nil {
			return nil, fmt.Errorf("summary: claim %s: %w", job.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			job.LeaseOwner = workerID
			job.LeaseUntil = &until
			return &job, nil
		}
	}
	return nil, nil
}

// Attempted records a failed try and extends the lease for the next one
func (q *Queue) Attempted(ctx context.Context, job *models.SummaryJob, cause error) error {
	job.Attempts++
	job.LastError = cause.Error()
	until := q.now().Add(q.lease)
	job.LeaseUntil = &until
	err := q.db.WithContext(ctx).Model(&models.SummaryJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"attempts":    job.Attempts,
			"last_error":  job.LastError,
			"lease_until": until,
		}).Error
	if err != nil {
		return fmt.Errorf("summary: record attempt %s: %w", job.ID, err)
	}
	return nil
}

// Complete removes a finished job
func (q *Queue) Complete(ctx context.Context, job *models.SummaryJob) error {
	err := q.db.WithContext(ctx).
		Where("id = ? AND lease_owner = ?", job.ID, job.LeaseOwner).
		Delete(&models.SummaryJob{}).Error
	if err != nil {
		return fmt.Errorf("summary: complete %s: %w", job.ID, err)
	}
	q.metrics.RecordSummaryJob(string(job.Scope), "completed")
	return nil
}

// Park moves a job that exhausted its retries to failed_summary_jobs
func (q *Queue) Park(ctx context.Context, job *models.SummaryJob, cause error) error {
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		failed := models.FailedSummaryJob{
			ID:         uuid.New().String(),
			JobID:      job.ID,
			Scope:      job.Scope,
			TargetID:   job.TargetID,
			Attempts:   job.Attempts,
			Error:      cause.Error(),
			EnqueuedAt: job.EnqueuedAt,
			FailedAt:   q.now(),
		}
		if err := tx.Create(&failed).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", job.ID).Delete(&models.SummaryJob{}).Error
	})
	if err != nil {
		return fmt.Errorf("summary: park %s: %w", job.ID, err)
	}
	q.metrics.RecordSummaryJob(string(job.Scope), "parked")
	q.logger.Warn("Summary job parked",
		"job_id", job.ID,
		"scope", job.Scope,
		"target_id", job.TargetID,
		"attempts", job.Attempts,
		"error", cause)
	return nil
}

// Failed lists parked jobs, newest first
func (q *Queue) Failed(ctx context.Context) ([]models.FailedSummaryJob, error) {
	var out []models.FailedSummaryJob
	if err := q.db.WithContext(ctx).Order("failed_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("summary: list failed: %w", err)
	}
	return out, nil
}

// Pending counts queued jobs, leased or not
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	var n int64
	if err := q.db.WithContext(ctx).Model(&models.SummaryJob{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("summary: count pending: %w", err)
	}
	return n, nil
}
