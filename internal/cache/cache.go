// Package cache is the content-addressed execution cache: a signature of a
// generation request maps to the best result produced for it so far.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lamim/chapterforge/internal/config"
	"github.com/lamim/chapterforge/internal/metrics"
	"github.com/lamim/chapterforge/pkg/models"
)

// ErrMiss is returned by RecordHit for an unknown signature
var ErrMiss = errors.New("cache: no entry for signature")

// Stats is an approximate snapshot of cache contents and effectiveness
type Stats struct {
	TotalSignatures int64   `json:"totalSignatures"`
	AvgQualityScore float64 `json:"avgQualityScore"`
	AvgReuseCount   float64 `json:"avgReuseCount"`
	HitRate         float64 `json:"hitRate"`
}

// Cache stores executions in the database with an in-memory hot tier.
// Writes for one signature are serialized; other keys are unaffected.
type Cache struct {
	db      *gorm.DB
	hot     otter.Cache[string, models.CachedExecution]
	locks   *keyedMutex
	cfg     config.CacheConfig
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time

	lookups atomic.Int64
	hits    atomic.Int64
}

// New creates a cache over db. The cached_executions table must exist.
func New(db *gorm.DB, cfg config.CacheConfig, collector *metrics.Collector, logger *slog.Logger) (*Cache, error) {
	capacity := cfg.HotEntries
	if capacity <= 0 {
		capacity = 1024
	}
	hot, err := otter.MustBuilder[string, models.CachedExecution](capacity).Build()
	if err != nil {
		return nil, fmt.Errorf("cache: build hot tier: %w", err)
	}
	return &Cache{
		db:      db,
		hot:     hot,
		locks:   newKeyedMutex(),
		cfg:     cfg,
		metrics: collector,
		logger:  logger.With("component", "cache"),
		now:     time.Now,
	}, nil
}

// Close releases the hot tier
func (c *Cache) Close() {
	c.hot.Close()
}

// Buckets returns the sampling bins configured for signatures
func (c *Cache) Buckets() Buckets {
	return Buckets{
		Temperature: c.cfg.TemperatureBin,
		MaxTokens:   c.cfg.MaxTokensBin,
		Words:       c.cfg.WordsBin,
	}
}

// Sign computes the signature of in using the configured bins
func (c *Cache) Sign(in SignatureInput) string {
	in.Buckets = c.Buckets()
	return Signature(in)
}

// Lookup returns the entry for sig without changing it
func (c *Cache) Lookup(ctx context.Context, sig string) (*models.CachedExecution, bool, error) {
	c.lookups.Add(1)

	if entry, ok := c.hot.Get(sig); ok {
		c.metrics.RecordCacheLookup("found")
		return &entry, true, nil
	}

	// Filled under the key lock so a concurrent writer can't be overwritten
	// with the row we read before it committed
	unlock := c.locks.Lock(sig)
	defer unlock()

	entry, err := c.load(ctx, sig)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.metrics.RecordCacheLookup("miss")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: lookup: %w", err)
	}
	c.metrics.RecordCacheLookup("found")
	return entry, true, nil
}

// RecordHit counts one reuse of sig and returns the updated entry
func (c *Cache) RecordHit(ctx context.Context, sig string) (*models.CachedExecution, error) {
	unlock := c.locks.Lock(sig)
	defer unlock()

	res := c.db.WithContext(ctx).
		Model(&models.CachedExecution{}).
		Where("signature = ?", sig).
		Updates(map[string]interface{}{
			"reuse_count": gorm.Expr("reuse_count + 1"),
			"updated_at":  c.now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("cache: record hit: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		c.hot.Delete(sig)
		return nil, ErrMiss
	}

	c.hits.Add(1)
	c.metrics.RecordCacheLookup("hit")

	entry, err := c.load(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("cache: reload after hit: %w", err)
	}
	return entry, nil
}

// RecordMiss stores a freshly generated result. An existing entry is only
// replaced when the new score is higher. Reports whether anything was written.
func (c *Cache) RecordMiss(ctx context.Context, sig, content, card string, score float64) (bool, error) {
	unlock := c.locks.Lock(sig)
	defer unlock()

	now := c.now()
	entry := models.CachedExecution{
		Signature:    sig,
		ContentHash:  HashText(content),
		Content:      content,
		Card:         card,
		QualityScore: score,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	db := c.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if res.Error != nil {
		return false, fmt.Errorf("cache: record miss: %w", res.Error)
	}
	stored := res.RowsAffected > 0

	if !stored {
		// Conditional so a concurrent process can't regress a better entry
		res = db.Model(&models.CachedExecution{}).
			Where("signature = ? AND quality_score < ?", sig, score).
			Updates(map[string]interface{}{
				"content_hash":  entry.ContentHash,
				"content":       content,
				"card":          card,
				"quality_score": score,
				"reuse_count":   0,
				"updated_at":    now,
			})
		if res.Error != nil {
			return false, fmt.Errorf("cache: replace entry: %w", res.Error)
		}
		stored = res.RowsAffected > 0
	}

	if stored {
		c.hot.Delete(sig)
		if _, err := c.load(ctx, sig); err != nil {
			return true, fmt.Errorf("cache: reload after miss: %w", err)
		}
		c.logger.Debug("Cached execution stored", "signature", short(sig), "quality_score", score)
	}
	return stored, nil
}

// Stats aggregates the stored entries. HitRate covers this process only.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	var agg struct {
		Total      int64
		AvgQuality float64
		AvgReuse   float64
	}
	err := c.db.WithContext(ctx).
		Model(&models.CachedExecution{}).
		Select("COUNT(*) AS total, COALESCE(AVG(quality_score), 0) AS avg_quality, COALESCE(AVG(reuse_count), 0) AS avg_reuse").
		Scan(&agg).Error
	if err != nil {
		return Stats{}, fmt.Errorf("cache: stats: %w", err)
	}

	stats := Stats{
		TotalSignatures: agg.Total,
		AvgQualityScore: agg.AvgQuality,
		AvgReuseCount:   agg.AvgReuse,
	}
	if lookups := c.lookups.Load(); lookups > 0 {
		stats.HitRate = float64(c.hits.Load()) / float64(lookups)
	}
	return stats, nil
}

// Evict deletes entries that are low quality, never reused and older than
// the retention window. Returns the number removed.
func (c *Cache) Evict(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-c.cfg.Retention())
	threshold := c.cfg.LowQualityThreshold

	var candidates []string
	err := c.db.WithContext(ctx).
		Model(&models.CachedExecution{}).
		Where("quality_score < ? AND reuse_count = 0 AND created_at < ?", threshold, cutoff).
		Pluck("signature", &candidates).Error
	if err != nil {
		return 0, fmt.Errorf("cache: find eviction candidates: %w", err)
	}

	evicted := 0
	for _, sig := range candidates {
		if err := ctx.Err(); err != nil {
			return evicted, err
		}
		n, err := c.evictOne(ctx, sig, threshold, cutoff)
		if err != nil {
			return evicted, err
		}
		evicted += n
	}

	c.metrics.RecordEvictions(evicted)
	if evicted > 0 {
		c.logger.Info("Evicted cache entries", "count", evicted)
	}
	return evicted, nil
}

func (c *Cache) evictOne(ctx context.Context, sig string, threshold float64, cutoff time.Time) (int, error) {
	unlock := c.locks.Lock(sig)
	defer unlock()

	// Conditions re-checked: the entry may have been hit or improved since
	res := c.db.WithContext(ctx).
		Where("signature = ? AND quality_score < ? AND reuse_count = 0 AND created_at < ?", sig, threshold, cutoff).
		Delete(&models.CachedExecution{})
	if res.Error != nil {
		return 0, fmt.Errorf("cache: evict %s: %w", short(sig), res.Error)
	}
	if res.RowsAffected > 0 {
		c.hot.Delete(sig)
	}
	return int(res.RowsAffected), nil
}

// StartEviction runs Evict on a cron schedule until the returned stop func
// is called
func (c *Cache) StartEviction(spec string) (func(), error) {
	if spec == "" {
		spec = "@every 1h"
	}
	scheduler := cron.New()
	_, err := scheduler.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := c.Evict(ctx); err != nil {
			c.logger.Warn("Scheduled eviction failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("cache: eviction schedule %q: %w", spec, err)
	}
	scheduler.Start()
	c.logger.Info("Cache eviction scheduled", "schedule", spec)

	return func() {
		<-scheduler.Stop().Done()
	}, nil
}

// load reads sig from the database and refreshes the hot tier.
// Callers hold the key lock.
func (c *Cache) load(ctx context.Context, sig string) (*models.CachedExecution, error) {
	var entry models.CachedExecution
	if err := c.db.WithContext(ctx).Where("signature = ?", sig).First(&entry).Error; err != nil {
		return nil, err
	}
	c.hot.Set(sig, entry)
	return &entry, nil
}

func short(sig string) string {
	if len(sig) > 12 {
		return sig[:12]
	}
	return sig
}
