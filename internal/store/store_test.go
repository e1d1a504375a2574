package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/lamim/chapterforge/internal/config"
	"github.com/lamim/chapterforge/pkg/models"
)

const sampleProject = `
[project]
id = "p1"
title = "The Salt Road"
genre = "fantasy"

[[volumes]]
id = "v1"
title = "Book One"
order_index = 1

[[chapters]]
id = "c1"
volume_id = "v1"
title = "Harbor"
order_index = 1

[chapters.outline]
summary = "Mara leaves the harbor."
beats = ["Mara argues with her father", "Mara boards the caravan"]
required_entities = ["Mara", "Port Sable"]
entry_state = "Mara is trapped at home"
exit_state = "Mara is on the road"
target_words = 1600

[[chapters]]
id = "c2"
volume_id = "v1"
title = "Dunes"
order_index = 2

[[characters]]
name = "Mara"
description = "A cartographer's daughter"

[[characters]]
name = "Port Sable"
kind = "location"
`

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.StorageConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func importSample(t *testing.T, s *Store) {
	t.Helper()
	imp, err := ParseProjectImport([]byte(sampleProject))
	if err != nil {
		t.Fatalf("ParseProjectImport() error = %v", err)
	}
	if err := s.ImportProject(context.Background(), imp); err != nil {
		t.Fatalf("ImportProject() error = %v", err)
	}
}

func TestImportProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	importSample(t, s)
	// Re-import must not duplicate rows
	importSample(t, s)

	p, err := s.GetProject(ctx, "p1")
	if err != nil || p.Title != "The Salt Road" {
		t.Fatalf("GetProject() = %+v, %v", p, err)
	}

	outline, err := s.GetOutline(ctx, "c1")
	if err != nil {
		t.Fatalf("GetOutline() error = %v", err)
	}
	if len(outline.Beats) != 2 || outline.Beats[1] != "Mara boards the caravan" {
		t.Errorf("outline beats = %q", outline.Beats)
	}
	if outline.TargetWords != 1600 {
		t.Errorf("TargetWords = %d", outline.TargetWords)
	}

	chars, err := s.FindCharacters(ctx, "p1", []string{"mara", "PORT SABLE", "nobody"})
	if err != nil {
		t.Fatalf("FindCharacters() error = %v", err)
	}
	if len(chars) != 2 {
		t.Fatalf("FindCharacters() returned %d rows, want 2", len(chars))
	}

	chapters, err := s.ListChapters(ctx, "p1", "v1")
	if err != nil || len(chapters) != 2 || chapters[0].ID != "c1" {
		t.Fatalf("ListChapters() = %+v, %v", chapters, err)
	}

	before, err := s.ChaptersBefore(ctx, &chapters[1])
	if err != nil || len(before) != 1 || before[0].ID != "c1" {
		t.Errorf("ChaptersBefore(c2) = %+v, %v", before, err)
	}
	before, err = s.ChaptersBefore(ctx, &chapters[0])
	if err != nil || len(before) != 0 {
		t.Errorf("ChaptersBefore(c1) = %+v, %v; want none", before, err)
	}
}

const multiVolumeProject = `
[project]
id = "p1"
title = "The Salt Road"

[[volumes]]
id = "v2"
title = "Book Two"
order_index = 2

[[volumes]]
id = "v1"
title = "Book One"
order_index = 1

[[chapters]]
id = "v1c1"
volume_id = "v1"
title = "Harbor"
order_index = 1

[[chapters]]
id = "v1c2"
volume_id = "v1"
title = "Dunes"
order_index = 2

[[chapters]]
id = "v2c1"
volume_id = "v2"
title = "Oasis"
order_index = 1

[[chapters]]
id = "v2c2"
volume_id = "v2"
title = "Ruins"
order_index = 2

[[chapters]]
id = "coda"
title = "Coda"
order_index = 1
`

func TestChaptersBefore_AcrossVolumes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	imp, err := ParseProjectImport([]byte(multiVolumeProject))
	if err != nil {
		t.Fatalf("ParseProjectImport() error = %v", err)
	}
	if err := s.ImportProject(ctx, imp); err != nil {
		t.Fatalf("ImportProject() error = %v", err)
	}

	tests := []struct {
		chapter string
		want    []string
	}{
		{"v1c1", nil},
		{"v1c2", []string{"v1c1"}},
		{"v2c1", []string{"v1c1", "v1c2"}},
		{"v2c2", []string{"v1c1", "v1c2", "v2c1"}},
		{"coda", []string{"v1c1", "v1c2", "v2c1", "v2c2"}},
	}
	for _, tt := range tests {
		t.Run(tt.chapter, func(t *testing.T) {
			ch, err := s.GetChapter(ctx, tt.chapter)
			if err != nil {
				t.Fatalf("GetChapter() error = %v", err)
			}
			before, err := s.ChaptersBefore(ctx, ch)
			if err != nil {
				t.Fatalf("ChaptersBefore() error = %v", err)
			}
			var got []string
			for _, c := range before {
				got = append(got, c.ID)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ChaptersBefore(%s) = %v, want %v", tt.chapter, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("ChaptersBefore(%s) = %v, want %v", tt.chapter, got, tt.want)
					break
				}
			}
		})
	}
}

func TestParseProjectImport_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing project": `[[chapters]]
id = "c1"`,
		"unknown volume": `[project]
id = "p"
title = "t"
[[chapters]]
id = "c1"
volume_id = "nope"`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseProjectImport([]byte(doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestGetMissingRowsReturnErrNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetChapter(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetChapter() error = %v, want ErrNotFound", err)
	}
	if _, err := s.LatestDraft(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestDraft() error = %v, want ErrNotFound", err)
	}
	d, err := s.FindDigest(ctx, models.ScopeChapter, "missing")
	if err != nil || d != nil {
		t.Errorf("FindDigest() = %v, %v; want nil, nil", d, err)
	}
}

func TestUpsertSceneReplacesSameIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &models.Scene{ID: "s0", ChapterID: "c1", SceneIndex: 0, Content: "draft one", Status: models.SceneStatusFailed}
	if err := s.UpsertScene(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := &models.Scene{ID: "s0", ChapterID: "c1", SceneIndex: 0, Content: "draft two", Status: models.SceneStatusCompleted, QualityScore: 80}
	if err := s.UpsertScene(ctx, second); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertScene(ctx, &models.Scene{ID: "s1", ChapterID: "c1", SceneIndex: 1, Content: "next"}); err != nil {
		t.Fatal(err)
	}

	scenes, err := s.ListScenes(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(scenes) != 2 {
		t.Fatalf("ListScenes() returned %d rows, want 2", len(scenes))
	}
	if scenes[0].Content != "draft two" || scenes[0].Status != models.SceneStatusCompleted || scenes[0].QualityScore != 80 {
		t.Errorf("scene 0 not replaced: %+v", scenes[0])
	}

	if err := s.DeleteScenesFrom(ctx, "c1", 1); err != nil {
		t.Fatal(err)
	}
	scenes, _ = s.ListScenes(ctx, "c1")
	if len(scenes) != 1 {
		t.Errorf("DeleteScenesFrom left %d scenes, want 1", len(scenes))
	}
}

func TestDigestUpsertAndOrderedList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, d := range []models.Digest{
		{Scope: models.ScopeChapter, TargetID: "c2", Content: "second"},
		{Scope: models.ScopeChapter, TargetID: "c1", Content: "first"},
		{Scope: models.ScopeChapter, TargetID: "c1", Content: "first, revised"},
	} {
		d := d
		if err := s.UpsertDigest(ctx, &d); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListDigests(ctx, models.ScopeChapter, []string{"c1", "c3", "c2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Content != "first, revised" || got[1].Content != "second" {
		t.Errorf("ListDigests() = %+v", got)
	}
}

func TestImportExampleProject(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "examples", "project.toml"))
	if err != nil {
		t.Fatalf("read example project: %v", err)
	}
	imp, err := ParseProjectImport(data)
	if err != nil {
		t.Fatalf("ParseProjectImport() error = %v", err)
	}

	s := newTestStore(t)
	ctx := context.Background()
	if err := s.ImportProject(ctx, imp); err != nil {
		t.Fatalf("ImportProject() error = %v", err)
	}

	chapters, err := s.ListChapters(ctx, "harbor", "harbor-v1")
	if err != nil {
		t.Fatal(err)
	}
	if len(chapters) != 2 {
		t.Fatalf("chapters = %d, want 2", len(chapters))
	}
	outline, err := s.GetOutline(ctx, "harbor-c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(outline.Beats) != 3 || outline.TargetWords != 2400 {
		t.Errorf("outline = %+v", outline)
	}
	chars, err := s.FindCharacters(ctx, "harbor", []string{"Mara", "Port Sable"})
	if err != nil {
		t.Fatal(err)
	}
	if len(chars) != 2 {
		t.Errorf("characters = %d, want 2", len(chars))
	}
}
