package models

import "time"

// Project is the top-level manuscript container
type Project struct {
	ID        string `gorm:"primaryKey;size:64"`
	Title     string `gorm:"size:255;not null"`
	Genre     string `gorm:"size:64"`
	Synopsis  string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Volume groups chapters inside a project
type Volume struct {
	ID         string `gorm:"primaryKey;size:64"`
	ProjectID  string `gorm:"size:64;index;not null"`
	Title      string `gorm:"size:255"`
	OrderIndex int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ChapterStatus tracks where a chapter is in its lifecycle
type ChapterStatus string

const (
	ChapterStatusPlanned    ChapterStatus = "planned"
	ChapterStatusGenerating ChapterStatus = "generating"
	ChapterStatusDrafted    ChapterStatus = "drafted"
	ChapterStatusPartial    ChapterStatus = "partial"
)

// Chapter is a single chapter of a project
type Chapter struct {
	ID         string        `gorm:"primaryKey;size:64"`
	ProjectID  string        `gorm:"size:64;index;not null"`
	VolumeID   string        `gorm:"size:64;index"`
	Title      string        `gorm:"size:255"`
	OrderIndex int           `gorm:"index"`
	Status     ChapterStatus `gorm:"size:16;default:planned"`
	WordCount  int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Outline is the structured plan a chapter is generated from
type Outline struct {
	ChapterID        string   `gorm:"primaryKey;size:64"`
	Title            string   `gorm:"size:255"`
	Summary          string   `gorm:"type:text"`
	Beats            []string `gorm:"type:text;serializer:json"`
	RequiredEntities []string `gorm:"type:text;serializer:json"`
	StakesDelta      string   `gorm:"type:text"`
	EntryState       string   `gorm:"type:text"`
	ExitState        string   `gorm:"type:text"`
	ThemeTags        []string `gorm:"type:text;serializer:json"`
	TargetWords      int
	// ScenePlan is the planner model's repaired scene list, reused while
	// PlanHash matches the planning request
	ScenePlan string `gorm:"type:text"`
	PlanHash  string `gorm:"size:64"`
	UpdatedAt time.Time
}

// EntityKind distinguishes characters from locations
type EntityKind string

const (
	EntityCharacter EntityKind = "character"
	EntityLocation  EntityKind = "location"
)

// Character is a named entity (person or place) that scenes may require
type Character struct {
	ID          string     `gorm:"primaryKey;size:64"`
	ProjectID   string     `gorm:"size:64;index;not null"`
	Name        string     `gorm:"size:255;not null"`
	Kind        EntityKind `gorm:"size:16;default:character"`
	Description string     `gorm:"type:text"`
	CreatedAt   time.Time
}

// SceneStatus is the persisted outcome of a scene
type SceneStatus string

const (
	SceneStatusCompleted SceneStatus = "completed"
	SceneStatusFailed    SceneStatus = "failed"
)

// Scene is one persisted, generated sub-unit of a chapter
type Scene struct {
	ID           string      `gorm:"primaryKey;size:64" json:"id"`
	ChapterID    string      `gorm:"size:64;uniqueIndex:idx_scene_chapter_index;not null" json:"chapterId"`
	SceneIndex   int         `gorm:"uniqueIndex:idx_scene_chapter_index" json:"sceneIndex"`
	Purpose      string      `gorm:"type:text" json:"purpose"`
	Content      string      `gorm:"type:longtext" json:"content"`
	Card         string      `gorm:"type:text" json:"card,omitempty"`
	WordCount    int         `json:"wordCount"`
	CacheHit     bool        `json:"cacheHit"`
	QualityScore float64     `json:"qualityScore"`
	Signature    string      `gorm:"size:64;index" json:"signature"`
	Status       SceneStatus `gorm:"size:16" json:"status"`
	Error        string      `gorm:"type:text" json:"error,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// Draft is an assembled chapter text built from its scenes
type Draft struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	ChapterID  string    `gorm:"size:64;index;not null" json:"chapterId"`
	Content    string    `gorm:"type:longtext" json:"content"`
	WordCount  int       `json:"wordCount"`
	SceneCount int       `json:"sceneCount"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SummaryScope is the level a digest summarises
type SummaryScope string

const (
	ScopeChapter SummaryScope = "chapter"
	ScopeVolume  SummaryScope = "volume"
	ScopeProject SummaryScope = "project"
)

// Valid reports whether the scope is one of the known scopes
func (s SummaryScope) Valid() bool {
	switch s {
	case ScopeChapter, ScopeVolume, ScopeProject:
		return true
	}
	return false
}

// Digest is the rolling narrative summary for a chapter, volume or project.
// There is exactly one row per (scope, target); writes replace it.
type Digest struct {
	Scope      SummaryScope `gorm:"primaryKey;size:16" json:"scope"`
	TargetID   string       `gorm:"primaryKey;size:64" json:"targetId"`
	Content    string       `gorm:"type:text" json:"content"`
	SourceHash string       `gorm:"size:64" json:"sourceHash"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// CachedExecution is a reusable generation result keyed by its signature
type CachedExecution struct {
	Signature    string    `gorm:"primaryKey;size:64" json:"signature"`
	ContentHash  string    `gorm:"size:64" json:"contentHash"`
	Content      string    `gorm:"type:longtext" json:"-"`
	Card         string    `gorm:"type:text" json:"-"`
	QualityScore float64   `gorm:"index" json:"qualityScore"`
	ReuseCount   int       `gorm:"index" json:"reuseCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// SummaryJob is a queued request to recompute one digest
type SummaryJob struct {
	ID         string       `gorm:"primaryKey;size:64" json:"id"`
	Scope      SummaryScope `gorm:"size:16;index:idx_job_target;not null" json:"scope"`
	TargetID   string       `gorm:"size:64;index:idx_job_target;not null" json:"targetId"`
	EnqueuedAt time.Time    `gorm:"index" json:"enqueuedAt"`
	Attempts   int          `json:"attempts"`
	LeaseOwner string       `gorm:"size:64" json:"leaseOwner,omitempty"`
	LeaseUntil *time.Time   `json:"leaseUntil,omitempty"`
	LastError  string       `gorm:"type:text" json:"lastError,omitempty"`
}

// FailedSummaryJob is a job parked after exhausting its retries
type FailedSummaryJob struct {
	ID         string       `gorm:"primaryKey;size:64" json:"id"`
	JobID      string       `gorm:"size:64;index" json:"jobId"`
	Scope      SummaryScope `gorm:"size:16" json:"scope"`
	TargetID   string       `gorm:"size:64" json:"targetId"`
	Attempts   int          `json:"attempts"`
	Error      string       `gorm:"type:text" json:"error"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`
	FailedAt   time.Time    `json:"failedAt"`
}

// ScenePlan is one decomposed unit of a chapter outline.
// It is not mutated after decomposition.
type ScenePlan struct {
	Index            int      `json:"index"`
	Purpose          string   `json:"purpose"`
	Beats            []string `json:"beats"`
	RequiredEntities []string `json:"requiredEntities"`
	EntryState       string   `json:"entryState"`
	ExitState        string   `json:"exitState"`
	StakesDelta      string   `json:"stakesDelta"`
	TargetWords      int      `json:"targetWords"`
}

// SessionStats tracks statistics for a generation session
type SessionStats struct {
	ScenesTotal      int
	ScenesCompleted  int
	FailedScenes     int
	CacheHits        int
	WordsGenerated   int
	RuleChecksPassed int
	TotalWarnings    int
	StartTime        time.Time
	EndTime          time.Time
	TotalDuration    time.Duration
}
