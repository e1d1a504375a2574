package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	envFile    string
	verbose    bool

	projectID string
	chapterID string
	showText  bool
	summarize bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chapterforge",
		Short: "ChapterForge - outline-to-prose chapter generation engine",
		Long: `ChapterForge turns chapter outlines into prose one scene at a time,
reusing cached scene results, repairing malformed model output and keeping
rolling chapter, volume and project summaries up to date.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to environment file (default .env when present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the summary workers",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate one chapter from its outline",
		Long: `Generate a chapter scene by scene:
1. Validate and repair the chapter outline
2. Decompose it into scenes
3. Reuse cached scenes or call the model for each one
4. Validate, repair and persist every scene
5. Assemble the draft and queue the chapter summary`,
		Args: cobra.NoArgs,
		RunE: runGenerate,
	}
	generateCmd.Flags().StringVar(&projectID, "project", "", "Project ID")
	generateCmd.Flags().StringVar(&chapterID, "chapter", "", "Chapter ID")
	generateCmd.Flags().BoolVar(&showText, "show-text", false, "Print scene prose as it streams instead of a progress bar")
	generateCmd.Flags().BoolVar(&summarize, "summarize", false, "Process queued summary jobs after generation")
	_ = generateCmd.MarkFlagRequired("project")
	_ = generateCmd.MarkFlagRequired("chapter")

	importCmd := &cobra.Command{
		Use:   "import <project.toml>",
		Short: "Import a project with its volumes, chapters, outlines and characters",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	}

	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the execution cache",
	}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show execution cache statistics",
		Args:  cobra.NoArgs,
		RunE:  runCacheStats,
	})
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "evict",
		Short: "Remove stale low-quality cache entries now",
		Args:  cobra.NoArgs,
		RunE:  runCacheEvict,
	})

	summarizeCmd := &cobra.Command{
		Use:   "summarize <chapter|volume|project> <target-id>",
		Short: "Recompute a digest and everything above it",
		Args:  cobra.ExactArgs(2),
		RunE:  runSummarize,
	}
	summarizeCmd.AddCommand(&cobra.Command{
		Use:   "failed",
		Short: "List summary jobs parked after exhausting their retries",
		Args:  cobra.NoArgs,
		RunE:  runSummarizeFailed,
	})

	rootCmd.AddCommand(serveCmd, generateCmd, importCmd, migrateCmd, cacheCmd, summarizeCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
