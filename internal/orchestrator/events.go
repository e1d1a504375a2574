package orchestrator

import (
	"github.com/lamim/chapterforge/internal/apperror"
)

// EventKind names a streamed session event
type EventKind string

const (
	EventConnected        EventKind = "connected"
	EventProgress         EventKind = "progress"
	EventScenesDecomposed EventKind = "scenes_decomposed"
	EventSceneStart       EventKind = "scene_start"
	EventThinkingStart    EventKind = "thinking_start"
	EventThinkingEnd      EventKind = "thinking_end"
	EventSceneChunk       EventKind = "scene_content_chunk"
	EventSceneCompleted   EventKind = "scene_completed"
	EventSceneFailed      EventKind = "scene_failed"
	EventCompleted        EventKind = "completed"
	EventError            EventKind = "error"
)

// Terminal reports whether the stream ends after this kind
func (k EventKind) Terminal() bool {
	return k == EventCompleted || k == EventError
}

// Event is one record of a session's ordered output stream
type Event struct {
	Kind      EventKind   `json:"type"`
	SessionID string      `json:"sessionId"`
	Seq       int         `json:"seq"`
	Data      interface{} `json:"data"`
}

type ConnectedData struct {
	SessionID string `json:"sessionId"`
	ProjectID string `json:"projectId"`
	ChapterID string `json:"chapterId"`
}

type ProgressData struct {
	Progress int    `json:"progress"`
	Step     string `json:"step"`
	Message  string `json:"message"`
}

type ScenePlanSummary struct {
	Index       int      `json:"index"`
	Purpose     string   `json:"purpose"`
	Entities    []string `json:"requiredEntities"`
	TargetWords int      `json:"targetWords"`
}

type ScenesDecomposedData struct {
	TotalScenes int                `json:"totalScenes"`
	Scenes      []ScenePlanSummary `json:"scenes"`
	Planner     string             `json:"planner"` // "outline" or "model"
}

type SceneStartData struct {
	SceneIndex   int    `json:"sceneIndex"`
	TotalScenes  int    `json:"totalScenes"`
	ScenePurpose string `json:"scenePurpose"`
}

type ThinkingData struct {
	SceneIndex int `json:"sceneIndex"`
}

type SceneChunkData struct {
	SceneIndex int    `json:"sceneIndex"`
	Chunk      string `json:"chunk"`
}

type SceneCompletedData struct {
	SceneIndex       int     `json:"sceneIndex"`
	WordCount        int     `json:"wordCount"`
	CacheHit         bool    `json:"cacheHit"`
	QualityScore     float64 `json:"qualityScore"`
	RuleChecksPassed int     `json:"ruleChecksPassed"`
	Warnings         int     `json:"warnings"`
	Repairs          int     `json:"repairs"`
}

type SceneFailedData struct {
	SceneIndex int           `json:"sceneIndex"`
	Error      string        `json:"error"`
	Type       apperror.Kind `json:"type"`
}

type CompletedData struct {
	WordCount        int    `json:"wordCount"`
	SuccessfulScenes int    `json:"successfulScenes"`
	TotalScenes      int    `json:"totalScenes"`
	FailedScenes     int    `json:"failedScenes"`
	CacheHits        int    `json:"cacheHits"`
	RuleChecksPassed int    `json:"ruleChecksPassed"`
	TotalWarnings    int    `json:"totalWarnings"`
	Summary          string `json:"summary"`
	DraftID          string `json:"draftId,omitempty"`
	Cancelled        bool   `json:"cancelled"`
	DurationMillis   int64  `json:"durationMs"`
}

// ErrorData is the payload of the terminal error event
type ErrorData = apperror.Payload
