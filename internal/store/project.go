package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lamim/chapterforge/pkg/models"
)

// GetProject loads a project by id
func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "project", id)
	}
	return &p, nil
}

// GetChapter loads a chapter by id
func (s *Store) GetChapter(ctx context.Context, id string) (*models.Chapter, error) {
	var c models.Chapter
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "chapter", id)
	}
	return &c, nil
}

// GetVolume loads a volume by id
func (s *Store) GetVolume(ctx context.Context, id string) (*models.Volume, error) {
	var v models.Volume
	if err := s.db.WithContext(ctx).First(&v, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "volume", id)
	}
	return &v, nil
}

// ListVolumes returns a project's volumes in reading order
func (s *Store) ListVolumes(ctx context.Context, projectID string) ([]models.Volume, error) {
	var vols []models.Volume
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("order_index ASC").
		Find(&vols).Error
	if err != nil {
		return nil, fmt.Errorf("store: list volumes: %w", err)
	}
	return vols, nil
}

// ListChapters returns chapters in reading order. An empty volumeID selects
// the project's chapters that belong to no volume.
func (s *Store) ListChapters(ctx context.Context, projectID, volumeID string) ([]models.Chapter, error) {
	var chapters []models.Chapter
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND volume_id = ?", projectID, volumeID).
		Order("order_index ASC").
		Find(&chapters).Error
	if err != nil {
		return nil, fmt.Errorf("store: list chapters: %w", err)
	}
	return chapters, nil
}

// ChaptersBefore returns the chapters read before ch, in reading order:
// volumes by their order, then the chapters that belong to no volume. A
// sibling sharing ch's order index is not considered earlier.
func (s *Store) ChaptersBefore(ctx context.Context, ch *models.Chapter) ([]models.Chapter, error) {
	vols, err := s.ListVolumes(ctx, ch.ProjectID)
	if err != nil {
		return nil, err
	}
	groups := make([]string, 0, len(vols)+1)
	for _, v := range vols {
		groups = append(groups, v.ID)
	}
	groups = append(groups, "")

	var before []models.Chapter
	for _, volumeID := range groups {
		chapters, err := s.ListChapters(ctx, ch.ProjectID, volumeID)
		if err != nil {
			return nil, err
		}
		for _, c := range chapters {
			if c.ID == ch.ID || (volumeID == ch.VolumeID && c.OrderIndex >= ch.OrderIndex) {
				return before, nil
			}
			before = append(before, c)
		}
		if volumeID == ch.VolumeID {
			return before, nil
		}
	}
	return before, nil
}

// UpdateChapter sets a chapter's status and word count
func (s *Store) UpdateChapter(ctx context.Context, id string, status models.ChapterStatus, wordCount int) error {
	err := s.db.WithContext(ctx).
		Model(&models.Chapter{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "word_count": wordCount}).Error
	if err != nil {
		return fmt.Errorf("store: update chapter %s: %w", id, err)
	}
	return nil
}

// SetChapterStatus changes only the status column
func (s *Store) SetChapterStatus(ctx context.Context, id string, status models.ChapterStatus) error {
	err := s.db.WithContext(ctx).
		Model(&models.Chapter{}).
		Where("id = ?", id).
		Update("status", status).Error
	if err != nil {
		return fmt.Errorf("store: set chapter status %s: %w", id, err)
	}
	return nil
}

// GetOutline loads a chapter's outline
func (s *Store) GetOutline(ctx context.Context, chapterID string) (*models.Outline, error) {
	var o models.Outline
	if err := s.db.WithContext(ctx).First(&o, "chapter_id = ?", chapterID).Error; err != nil {
		return nil, notFound(err, "outline", chapterID)
	}
	return &o, nil
}

// SaveOutline creates or replaces a chapter's outline
func (s *Store) SaveOutline(ctx context.Context, o *models.Outline) error {
	if err := s.db.WithContext(ctx).Save(o).Error; err != nil {
		return fmt.Errorf("store: save outline %s: %w", o.ChapterID, err)
	}
	return nil
}

// FindCharacters returns the project's entities whose names match, ignoring case
func (s *Store) FindCharacters(ctx context.Context, projectID string, names []string) ([]models.Character, error) {
	if len(names) == 0 {
		return nil, nil
	}
	lowered := make([]string, len(names))
	for i, n := range names {
		lowered[i] = strings.ToLower(strings.TrimSpace(n))
	}

	var chars []models.Character
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND LOWER(name) IN ?", projectID, lowered).
		Order("name ASC").
		Find(&chars).Error
	if err != nil {
		return nil, fmt.Errorf("store: find characters: %w", err)
	}
	return chars, nil
}

// ProjectImport is the TOML document accepted by ImportProject
type ProjectImport struct {
	Project struct {
		ID       string `toml:"id"`
		Title    string `toml:"title"`
		Genre    string `toml:"genre"`
		Synopsis string `toml:"synopsis"`
	} `toml:"project"`
	Volumes []struct {
		ID         string `toml:"id"`
		Title      string `toml:"title"`
		OrderIndex int    `toml:"order_index"`
	} `toml:"volumes"`
	Chapters []struct {
		ID         string        `toml:"id"`
		VolumeID   string        `toml:"volume_id"`
		Title      string        `toml:"title"`
		OrderIndex int           `toml:"order_index"`
		Outline    OutlineImport `toml:"outline"`
	} `toml:"chapters"`
	Characters []struct {
		ID          string `toml:"id"`
		Name        string `toml:"name"`
		Kind        string `toml:"kind"`
		Description string `toml:"description"`
	} `toml:"characters"`
}

// OutlineImport is a chapter outline inside a ProjectImport
type OutlineImport struct {
	Summary          string   `toml:"summary"`
	Beats            []string `toml:"beats"`
	RequiredEntities []string `toml:"required_entities"`
	StakesDelta      string   `toml:"stakes_delta"`
	EntryState       string   `toml:"entry_state"`
	ExitState        string   `toml:"exit_state"`
	ThemeTags        []string `toml:"theme_tags"`
	TargetWords      int      `toml:"target_words"`
}

// ParseProjectImport decodes and checks a project import document
func ParseProjectImport(data []byte) (*ProjectImport, error) {
	var imp ProjectImport
	if err := toml.Unmarshal(data, &imp); err != nil {
		return nil, fmt.Errorf("parse project file: %w", err)
	}
	if imp.Project.ID == "" || imp.Project.Title == "" {
		return nil, fmt.Errorf("project.id and project.title are required")
	}
	volumes := make(map[string]bool, len(imp.Volumes))
	for _, v := range imp.Volumes {
		if v.ID == "" {
			return nil, fmt.Errorf("every volume needs an id")
		}
		volumes[v.ID] = true
	}
	for _, c := range imp.Chapters {
		if c.ID == "" {
			return nil, fmt.Errorf("every chapter needs an id")
		}
		if c.VolumeID != "" && !volumes[c.VolumeID] {
			return nil, fmt.Errorf("chapter %s references unknown volume %s", c.ID, c.VolumeID)
		}
	}
	for _, ch := range imp.Characters {
		if ch.Name == "" {
			return nil, fmt.Errorf("every character needs a name")
		}
	}
	return &imp, nil
}

// ImportProject upserts a project with its volumes, chapters, outlines and
// characters in one transaction. Existing chapter status is preserved.
func (s *Store) ImportProject(ctx context.Context, imp *ProjectImport) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project := models.Project{
			ID:       imp.Project.ID,
			Title:    imp.Project.Title,
			Genre:    imp.Project.Genre,
			Synopsis: imp.Project.Synopsis,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "genre", "synopsis", "updated_at"}),
		}).Create(&project).Error; err != nil {
			return fmt.Errorf("store: import project: %w", err)
		}

		for _, v := range imp.Volumes {
			vol := models.Volume{ID: v.ID, ProjectID: project.ID, Title: v.Title, OrderIndex: v.OrderIndex}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"title", "order_index", "updated_at"}),
			}).Create(&vol).Error; err != nil {
				return fmt.Errorf("store: import volume %s: %w", v.ID, err)
			}
		}

		for _, c := range imp.Chapters {
			ch := models.Chapter{
				ID:         c.ID,
				ProjectID:  project.ID,
				VolumeID:   c.VolumeID,
				Title:      c.Title,
				OrderIndex: c.OrderIndex,
				Status:     models.ChapterStatusPlanned,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"volume_id", "title", "order_index", "updated_at"}),
			}).Create(&ch).Error; err != nil {
				return fmt.Errorf("store: import chapter %s: %w", c.ID, err)
			}

			outline := models.Outline{
				ChapterID:        c.ID,
				Title:            c.Title,
				Summary:          c.Outline.Summary,
				Beats:            c.Outline.Beats,
				RequiredEntities: c.Outline.RequiredEntities,
				StakesDelta:      c.Outline.StakesDelta,
				EntryState:       c.Outline.EntryState,
				ExitState:        c.Outline.ExitState,
				ThemeTags:        c.Outline.ThemeTags,
				TargetWords:      c.Outline.TargetWords,
			}
			if err := tx.Save(&outline).Error; err != nil {
				return fmt.Errorf("store: import outline %s: %w", c.ID, err)
			}
		}

		for _, c := range imp.Characters {
			id := c.ID
			if id == "" {
				// Stable across re-imports of the same file
				key := project.ID + "/" + strings.ToLower(strings.TrimSpace(c.Name))
				id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
			}
			kind := models.EntityKind(c.Kind)
			if kind != models.EntityLocation {
				kind = models.EntityCharacter
			}
			char := models.Character{ID: id, ProjectID: project.ID, Name: c.Name, Kind: kind, Description: c.Description}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "kind", "description"}),
			}).Create(&char).Error; err != nil {
				return fmt.Errorf("store: import character %s: %w", c.Name, err)
			}
		}

		s.logger.Info("Project imported",
			"project_id", project.ID,
			"volumes", len(imp.Volumes),
			"chapters", len(imp.Chapters),
			"characters", len(imp.Characters))
		return nil
	})
}
