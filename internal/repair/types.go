// Package repair checks generated plan content against its expected shape
// and deterministically fixes the structural defects that can be fixed
// without judgement.
package repair

import (
	"fmt"
	"regexp"
	"strconv"
)

// ViolationType tags a class of defect
type ViolationType string

const (
	MissingField  ViolationType = "missing_field"
	EmptyArray    ViolationType = "empty_array"
	InvalidFormat ViolationType = "invalid_format"
	Coherence     ViolationType = "coherence"
)

// Severity orders repairs: high first
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

func (s Severity) rank() int {
	switch s {
	case SeverityHigh:
		return 0
	case SeverityMedium:
		return 1
	case SeverityLow:
		return 2
	}
	return 3
}

// PlanKind selects the field rules applied to plan items
type PlanKind string

const (
	KindScenes   PlanKind = "scenes"
	KindChapters PlanKind = "chapters"
)

// Violation is one defect found in plan content.
//
// Path addresses what it applies to: "[2].title" is one field of one item,
// "[2]" the whole item, "title" that field on every item, and "" every
// field of every item.
type Violation struct {
	Type        ViolationType `json:"type"`
	Severity    Severity      `json:"severity"`
	AutoFixable bool          `json:"autoFixable"`
	Path        string        `json:"path,omitempty"`
	Message     string        `json:"message,omitempty"`
}

// RepairAction records one applied fix with JSON snapshots of the item
type RepairAction struct {
	Type        ViolationType `json:"type"`
	Path        string        `json:"path"`
	Description string        `json:"description"`
	Before      string        `json:"before"`
	After       string        `json:"after"`
}

// Result is the outcome of a repair pass
type Result struct {
	Success     bool           `json:"success"`
	Actions     []RepairAction `json:"actions"`
	Message     string         `json:"message"`
	Replacement []byte         `json:"-"`
	Remaining   []Violation    `json:"remaining,omitempty"`
}

// Expectations are facts the content is checked against beyond its shape
type Expectations struct {
	RequiredEntities []string
}

// Field names of plan items
const (
	fieldTitle            = "title"
	fieldSummary          = "summary"
	fieldBeats            = "beats"
	fieldOrderIndex       = "orderIndex"
	fieldVolumeIndex      = "volumeIndex"
	fieldRequiredEntities = "requiredEntities"
	fieldStakesDelta      = "stakesDelta"
	fieldThemeTags        = "themeTags"
)

var pathRe = regexp.MustCompile(`^(?:\[(\d+)\])?\.?([A-Za-z]*)$`)

// target is a parsed Path: index -1 means every item, "" field every field
type target struct {
	index int
	field string
}

func parsePath(path string) (target, error) {
	m := pathRe.FindStringSubmatch(path)
	if m == nil {
		return target{}, fmt.Errorf("unrecognised path %q", path)
	}
	t := target{index: -1, field: m[2]}
	if m[1] != "" {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return target{}, fmt.Errorf("path %q: %w", path, err)
		}
		t.index = n
	}
	return t, nil
}

func itemPath(index int, field string) string {
	if field == "" {
		return fmt.Sprintf("[%d]", index)
	}
	return fmt.Sprintf("[%d].%s", index, field)
}
