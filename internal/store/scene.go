package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lamim/chapterforge/pkg/models"
)

// UpsertScene writes a scene, replacing any earlier row for the same
// chapter and scene index
func (s *Store) UpsertScene(ctx context.Context, scene *models.Scene) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chapter_id"}, {Name: "scene_index"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"purpose", "content", "card", "word_count", "cache_hit",
			"quality_score", "signature", "status", "error", "updated_at",
		}),
	}).Create(scene).Error
	if err != nil {
		return fmt.Errorf("store: upsert scene %s#%d: %w", scene.ChapterID, scene.SceneIndex, err)
	}
	return nil
}

// ListScenes returns a chapter's scenes ordered by index
func (s *Store) ListScenes(ctx context.Context, chapterID string) ([]models.Scene, error) {
	var scenes []models.Scene
	err := s.db.WithContext(ctx).
		Where("chapter_id = ?", chapterID).
		Order("scene_index ASC").
		Find(&scenes).Error
	if err != nil {
		return nil, fmt.Errorf("store: list scenes: %w", err)
	}
	return scenes, nil
}

// DeleteScenesFrom removes scenes at or after index, used when a chapter is
// regenerated with fewer scenes than before
func (s *Store) DeleteScenesFrom(ctx context.Context, chapterID string, index int) error {
	err := s.db.WithContext(ctx).
		Where("chapter_id = ? AND scene_index >= ?", chapterID, index).
		Delete(&models.Scene{}).Error
	if err != nil {
		return fmt.Errorf("store: delete scenes: %w", err)
	}
	return nil
}

// SaveDraft appends a new draft for a chapter
func (s *Store) SaveDraft(ctx context.Context, d *models.Draft) error {
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("store: save draft %s: %w", d.ChapterID, err)
	}
	return nil
}

// LatestDraft returns the newest draft of a chapter
func (s *Store) LatestDraft(ctx context.Context, chapterID string) (*models.Draft, error) {
	var d models.Draft
	err := s.db.WithContext(ctx).
		Where("chapter_id = ?", chapterID).
		Order("created_at DESC").
		First(&d).Error
	if err != nil {
		return nil, notFound(err, "draft", chapterID)
	}
	return &d, nil
}

// GetDigest returns the digest for a target, or ErrNotFound
func (s *Store) GetDigest(ctx context.Context, scope models.SummaryScope, targetID string) (*models.Digest, error) {
	var d models.Digest
	err := s.db.WithContext(ctx).
		Where("scope = ? AND target_id = ?", scope, targetID).
		First(&d).Error
	if err != nil {
		return nil, notFound(err, string(scope)+" digest", targetID)
	}
	return &d, nil
}

// FindDigest is GetDigest without the not-found error: a missing digest is nil
func (s *Store) FindDigest(ctx context.Context, scope models.SummaryScope, targetID string) (*models.Digest, error) {
	d, err := s.GetDigest(ctx, scope, targetID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return d, err
}

// UpsertDigest replaces the digest for (scope, target)
func (s *Store) UpsertDigest(ctx context.Context, d *models.Digest) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}, {Name: "target_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "source_hash", "updated_at"}),
	}).Create(d).Error
	if err != nil {
		return fmt.Errorf("store: upsert %s digest %s: %w", d.Scope, d.TargetID, err)
	}
	return nil
}

// ListDigests returns the digests of the given targets in the order of ids.
// Targets without a digest are skipped.
func (s *Store) ListDigests(ctx context.Context, scope models.SummaryScope, ids []string) ([]models.Digest, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []models.Digest
	err := s.db.WithContext(ctx).
		Where("scope = ? AND target_id IN ?", scope, ids).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: list digests: %w", err)
	}

	byID := make(map[string]models.Digest, len(rows))
	for _, r := range rows {
		byID[r.TargetID] = r
	}
	ordered := make([]models.Digest, 0, len(rows))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			ordered = append(ordered, d)
		}
	}
	return ordered, nil
}

// InTx runs fn inside a transaction bound to a Store copy
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&Store{db: db, logger: s.logger})
	})
}
