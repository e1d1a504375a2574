package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lamim/chapterforge/internal/orchestrator"
	"github.com/lamim/chapterforge/internal/server"
	"github.com/lamim/chapterforge/internal/store"
	"github.com/lamim/chapterforge/pkg/models"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.wire(); err != nil {
		return err
	}

	a.logger.Info("ChapterForge starting", "version", Version, "config", configPath, "addr", a.cfg.Server.Addr)

	var admin server.CacheAdmin
	if a.cache != nil {
		stop, err := a.cache.StartEviction(a.cfg.Cache.EvictionSchedule)
		if err != nil {
			return err
		}
		defer stop()
		admin = a.cache
	}

	srv, err := server.New(server.Deps{
		Config:    a.cfg.Server,
		Generator: a.orch,
		Cache:     admin,
		Summaries: a.queue,
		Store:     a.store,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return a.pipeline.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("ChapterForge stopped")
	return nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.wire(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	sess, events, err := a.orch.Start(ctx, orchestrator.Request{ProjectID: projectID, ChapterID: chapterID})
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}

	var bar *progressbar.ProgressBar
	if !showText {
		bar = progressbar.Default(100, "Generating "+chapterID)
	}
	for ev := range events {
		switch data := ev.Data.(type) {
		case orchestrator.ProgressData:
			if bar != nil {
				_ = bar.Set(data.Progress)
			}
		case orchestrator.SceneStartData:
			if showText {
				fmt.Printf("\n## Scene %d/%d: %s\n\n", data.SceneIndex+1, data.TotalScenes, data.ScenePurpose)
			}
		case orchestrator.SceneChunkData:
			if showText {
				fmt.Print(data.Chunk)
			}
		case orchestrator.SceneFailedData:
			if showText {
				fmt.Printf("\n[scene %d failed: %s]\n", data.SceneIndex+1, data.Error)
			}
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	fmt.Println()

	if err := sess.Err(); err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}

	res := sess.Result()
	stats := sess.Stats()
	a.logger.Info("Generation complete",
		"chapter_id", chapterID,
		"words", res.WordCount,
		"scenes", len(res.Scenes),
		"failed", res.FailedScenes,
		"cache_hits", res.CacheHits,
		"cancelled", res.Cancelled,
		"duration", stats.EndTime.Sub(stats.StartTime))
	fmt.Println(res.Summary)

	if summarize && !res.Cancelled {
		n, err := a.pipeline.Drain(context.WithoutCancel(ctx))
		if err != nil {
			return fmt.Errorf("summaries failed: %w", err)
		}
		a.logger.Info("Summary jobs processed", "count", n)
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read project file: %w", err)
	}
	imp, err := store.ParseProjectImport(data)
	if err != nil {
		return err
	}

	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.ImportProject(cmd.Context(), imp); err != nil {
		return err
	}
	fmt.Printf("Imported project %s: %d volumes, %d chapters, %d characters\n",
		imp.Project.ID, len(imp.Volumes), len(imp.Chapters), len(imp.Characters))
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()
	fmt.Printf("Schema up to date (%s)\n", a.cfg.Storage.Driver)
	return nil
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()
	c, err := a.cacheAdmin()
	if err != nil {
		return err
	}

	stats, err := c.Stats(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Println("Execution cache")
	fmt.Println(strings.Repeat("=", 40))
	fmt.Printf("Signatures:        %d\n", stats.TotalSignatures)
	fmt.Printf("Avg quality score: %.1f\n", stats.AvgQualityScore)
	fmt.Printf("Avg reuse count:   %.2f\n", stats.AvgReuseCount)
	return nil
}

func runCacheEvict(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()
	c, err := a.cacheAdmin()
	if err != nil {
		return err
	}

	n, err := c.Evict(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Evicted %d entries\n", n)
	return nil
}

func runSummarize(cmd *cobra.Command, args []string) error {
	scope := models.SummaryScope(args[0])
	if !scope.Valid() {
		return fmt.Errorf("scope must be chapter, volume or project, got %q", args[0])
	}

	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.wire(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	started := time.Now()
	if _, err := a.queue.Enqueue(ctx, scope, args[1]); err != nil {
		return err
	}
	n, err := a.pipeline.Drain(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Processed %d summary jobs\n", n)

	failed, err := a.queue.Failed(ctx)
	if err != nil {
		return err
	}
	for _, f := range failed {
		if f.Scope == scope && f.TargetID == args[1] && !f.FailedAt.Before(started) {
			return fmt.Errorf("%s %s summary parked after %d attempts: %s", scope, args[1], f.Attempts, f.Error)
		}
	}
	return nil
}

func runSummarizeFailed(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.wire(); err != nil {
		return err
	}

	failed, err := a.queue.Failed(cmd.Context())
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		fmt.Println("No parked summary jobs.")
		return nil
	}

	fmt.Printf("%-10s %-20s %-8s %-20s %s\n", "SCOPE", "TARGET", "TRIES", "FAILED AT", "ERROR")
	fmt.Println(strings.Repeat("-", 90))
	for _, f := range failed {
		fmt.Printf("%-10s %-20s %-8d %-20s %s\n", f.Scope, f.TargetID, f.Attempts, f.FailedAt.Format("2006-01-02 15:04:05"), f.Error)
	}
	return nil
}
