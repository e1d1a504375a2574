package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lamim/chapterforge/internal/config"
	"github.com/lamim/chapterforge/internal/logging"
	"github.com/lamim/chapterforge/internal/store"
)

func testConfig() config.CacheConfig {
	return config.CacheConfig{
		HotEntries:          64,
		TemperatureBin:      0.1,
		MaxTokensBin:        256,
		WordsBin:            100,
		MinReuseQuality:     60,
		LowQualityThreshold: 40,
		RetentionHours:      24,
	}
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	s, err := store.Open(config.StorageConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "cache.db")}, logging.Discard())
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	if err := s.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	c, err := New(s.DB(), testConfig(), nil, logging.Discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		_ = s.Close()
	})
	return c
}

func TestRecordMissThenLookupAndHit(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	stored, err := c.RecordMiss(ctx, "sig-1", "Rain on the harbor.", `{"title":"Harbor"}`, 72)
	if err != nil || !stored {
		t.Fatalf("RecordMiss() = %v, %v", stored, err)
	}

	entry, ok, err := c.Lookup(ctx, "sig-1")
	if err != nil || !ok {
		t.Fatalf("Lookup() = %v, %v", ok, err)
	}
	if entry.QualityScore != 72 || entry.ReuseCount != 0 {
		t.Errorf("after miss: score = %v, reuse = %d; want 72, 0", entry.QualityScore, entry.ReuseCount)
	}
	if entry.ContentHash != HashText("Rain on the harbor.") {
		t.Errorf("ContentHash = %q", entry.ContentHash)
	}

	hit, err := c.RecordHit(ctx, "sig-1")
	if err != nil {
		t.Fatalf("RecordHit() error = %v", err)
	}
	if hit.ReuseCount != 1 || hit.QualityScore != 72 {
		t.Errorf("after hit: score = %v, reuse = %d; want 72, 1", hit.QualityScore, hit.ReuseCount)
	}

	// Lookup must see the hit through the hot tier
	entry, _, _ = c.Lookup(ctx, "sig-1")
	if entry.ReuseCount != 1 {
		t.Errorf("Lookup after hit: reuse = %d, want 1", entry.ReuseCount)
	}
}

func TestLookupDoesNotMutate(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	if _, err := c.RecordMiss(ctx, "sig", "text", "", 80); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		entry, _, _ := c.Lookup(ctx, "sig")
		if entry.ReuseCount != 0 {
			t.Fatalf("Lookup #%d changed reuse count to %d", i, entry.ReuseCount)
		}
	}
}

func TestRecordHitUnknownSignature(t *testing.T) {
	c := newTestCache(t)
	if _, err := c.RecordHit(context.Background(), "nope"); !errors.Is(err, ErrMiss) {
		t.Errorf("RecordHit() error = %v, want ErrMiss", err)
	}
}

func TestRecordMissReplaceOnImprovement(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if _, err := c.RecordMiss(ctx, "sig", "first", "", 50); err != nil {
		t.Fatal(err)
	}
	if _, err := c.RecordHit(ctx, "sig"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		content     string
		score       float64
		wantStored  bool
		wantContent string
		wantScore   float64
	}{
		{"lower score ignored", "worse", 30, false, "first", 50},
		{"equal score ignored", "same", 50, false, "first", 50},
		{"higher score replaces", "better", 90, true, "better", 90},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored, err := c.RecordMiss(ctx, "sig", tt.content, "", tt.score)
			if err != nil {
				t.Fatal(err)
			}
			if stored != tt.wantStored {
				t.Errorf("stored = %v, want %v", stored, tt.wantStored)
			}
			entry, _, _ := c.Lookup(ctx, "sig")
			if entry.Content != tt.wantContent || entry.QualityScore != tt.wantScore {
				t.Errorf("entry = %q/%v, want %q/%v", entry.Content, entry.QualityScore, tt.wantContent, tt.wantScore)
			}
		})
	}
}

func TestConcurrentHitsAreNotLost(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	if _, err := c.RecordMiss(ctx, "shared", "text", "", 80); err != nil {
		t.Fatal(err)
	}

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.RecordHit(ctx, "shared"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("RecordHit() error = %v", err)
	}

	entry, _, _ := c.Lookup(ctx, "shared")
	if entry.ReuseCount != n {
		t.Errorf("ReuseCount = %d, want %d", entry.ReuseCount, n)
	}
	if c.locks.size() != 0 {
		t.Errorf("key locks leaked: %d", c.locks.size())
	}
}

func TestStatsHitRate(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalSignatures != 0 || stats.HitRate != 0 {
		t.Errorf("empty stats = %+v", stats)
	}

	_, _ = c.RecordMiss(ctx, "a", "x", "", 60)
	_, _ = c.RecordMiss(ctx, "b", "y", "", 80)
	_, _, _ = c.Lookup(ctx, "a")
	_, _ = c.RecordHit(ctx, "a")
	_, _, _ = c.Lookup(ctx, "missing")

	stats, err = c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalSignatures != 2 {
		t.Errorf("TotalSignatures = %d, want 2", stats.TotalSignatures)
	}
	if stats.AvgQualityScore != 70 {
		t.Errorf("AvgQualityScore = %v, want 70", stats.AvgQualityScore)
	}
	if stats.AvgReuseCount != 0.5 {
		t.Errorf("AvgReuseCount = %v, want 0.5", stats.AvgReuseCount)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("HitRate = %v, want 0.5", stats.HitRate)
	}
}

func TestEvict(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	c.now = func() time.Time { return old }
	_, _ = c.RecordMiss(ctx, "old-low", "x", "", 10)
	_, _ = c.RecordMiss(ctx, "old-low-reused", "x", "", 10)
	_, _ = c.RecordMiss(ctx, "old-good", "x", "", 90)
	c.now = time.Now
	_, _ = c.RecordHit(ctx, "old-low-reused")
	_, _ = c.RecordMiss(ctx, "new-low", "x", "", 10)

	n, err := c.Evict(ctx)
	if err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Evict() = %d, want 1", n)
	}

	for sig, want := range map[string]bool{
		"old-low":        false,
		"old-low-reused": true,
		"old-good":       true,
		"new-low":        true,
	} {
		_, ok, err := c.Lookup(ctx, sig)
		if err != nil {
			t.Fatal(err)
		}
		if ok != want {
			t.Errorf("%s present = %v, want %v", sig, ok, want)
		}
	}
}

func TestStartEviction(t *testing.T) {
	c := newTestCache(t)
	if _, err := c.StartEviction("not a schedule"); err == nil {
		t.Error("StartEviction() with bad spec: expected error")
	}
	stop, err := c.StartEviction("@every 1h")
	if err != nil {
		t.Fatalf("StartEviction() error = %v", err)
	}
	stop()
}
