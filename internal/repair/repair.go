package repair

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Placeholders written by repairs
const (
	PlaceholderBeat   = "The story advances toward the next beat."
	PlaceholderStakes = "unspecified"
)

// PlaceholderTitle is the title given to an item that had none
func PlaceholderTitle(kind PlanKind) string {
	if kind == KindChapters {
		return "Untitled chapter"
	}
	return "Untitled scene"
}

// Engine applies deterministic repairs. It holds no state between calls.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates a repair engine
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger.With("component", "repair")}
}

// Repair applies the auto-fixable violations to content in severity order
// (stable within a severity) and returns the repaired content. Coherence
// violations are never acted on. Content that is not a plan yields
// Success=false and is returned untouched.
//
// Each fix checks the field's current state first, so repairing already
// repaired content produces no actions.
func (e *Engine) Repair(kind PlanKind, content []byte, violations []Violation) Result {
	doc, err := parseDocument(content)
	if err != nil {
		e.logger.Debug("Repair skipped, content is not a plan", "error", err)
		return Result{
			Success:     false,
			Message:     fmt.Sprintf("no repair possible: %v", err),
			Replacement: content,
			Remaining:   violations,
		}
	}

	ordered := make([]Violation, len(violations))
	copy(ordered, violations)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Severity.rank() < ordered[j].Severity.rank()
	})

	var actions []RepairAction
	var remaining []Violation
	for _, v := range ordered {
		if !v.AutoFixable || v.Type == Coherence {
			remaining = append(remaining, v)
			continue
		}
		t, err := parsePath(v.Path)
		if err != nil || t.index >= len(doc.items) {
			remaining = append(remaining, v)
			continue
		}

		first, last := 0, len(doc.items)-1
		if t.index >= 0 {
			first, last = t.index, t.index
		}
		resolved := true
		for i := first; i <= last; i++ {
			item, ok := doc.items[i].(map[string]interface{})
			if !ok {
				resolved = false
				continue
			}
			before := snapshot(item)
			changes := fixItem(kind, v.Type, t.field, item)
			if len(changes) == 0 {
				continue
			}
			actions = append(actions, RepairAction{
				Type:        v.Type,
				Path:        itemPath(i, t.field),
				Description: strings.Join(changes, "; "),
				Before:      before,
				After:       snapshot(item),
			})
		}
		if !resolved {
			remaining = append(remaining, v)
		}
	}

	replacement, err := doc.encode()
	if err != nil {
		return Result{
			Success:     false,
			Message:     fmt.Sprintf("encode repaired plan: %v", err),
			Replacement: content,
			Remaining:   violations,
		}
	}

	msg := fmt.Sprintf("applied %d repair(s)", len(actions))
	if len(remaining) > 0 {
		msg += fmt.Sprintf(", %d violation(s) need review", len(remaining))
	}
	if len(actions) > 0 {
		e.logger.Debug("Plan repaired", "kind", kind, "actions", len(actions), "remaining", len(remaining))
	}
	return Result{
		Success:     true,
		Actions:     actions,
		Message:     msg,
		Replacement: replacement,
		Remaining:   remaining,
	}
}

func fixItem(kind PlanKind, typ ViolationType, field string, item map[string]interface{}) []string {
	var fields []string
	var fix func(PlanKind, string, map[string]interface{}) string

	switch typ {
	case MissingField:
		fields = []string{fieldTitle, fieldSummary, fieldBeats}
		if kind == KindChapters {
			fields = append(fields, fieldRequiredEntities, fieldStakesDelta)
		}
		fix = fixMissing
	case EmptyArray:
		fields = []string{fieldBeats}
		fix = fixEmpty
	case InvalidFormat:
		fields = []string{fieldOrderIndex, fieldVolumeIndex, fieldBeats, fieldRequiredEntities}
		fix = fixFormat
	default:
		return nil
	}
	if field != "" {
		fields = []string{field}
	}

	var changes []string
	for _, f := range fields {
		if c := fix(kind, f, item); c != "" {
			changes = append(changes, c)
		}
	}
	return changes
}

func fixMissing(kind PlanKind, field string, item map[string]interface{}) string {
	switch field {
	case fieldTitle:
		if _, ok := nonEmptyString(item[fieldTitle]); !ok {
			item[fieldTitle] = PlaceholderTitle(kind)
			return "title set to placeholder"
		}
	case fieldSummary:
		if _, ok := nonEmptyString(item[fieldSummary]); !ok {
			if title, ok := nonEmptyString(item[fieldTitle]); ok {
				item[fieldSummary] = title
				return "summary set from title"
			}
			item[fieldSummary] = PlaceholderTitle(kind)
			return "summary set to placeholder"
		}
	case fieldBeats:
		switch v := item[fieldBeats].(type) {
		case []interface{}:
		case string:
			if _, ok := nonEmptyString(v); ok {
				item[fieldBeats] = []interface{}{v}
				return "beats wrapped in an array"
			}
			item[fieldBeats] = []interface{}{PlaceholderBeat}
			return "beats set to a placeholder beat"
		default:
			item[fieldBeats] = []interface{}{PlaceholderBeat}
			return "beats set to a placeholder beat"
		}
	case fieldRequiredEntities, fieldThemeTags:
		if item[field] == nil {
			item[field] = []interface{}{}
			return field + " set to empty array"
		}
	case fieldStakesDelta:
		if item[fieldStakesDelta] == nil {
			item[fieldStakesDelta] = PlaceholderStakes
			return "stakesDelta set to placeholder"
		}
	}
	return ""
}

// Empty requiredEntities and themeTags are valid and left alone
func fixEmpty(_ PlanKind, field string, item map[string]interface{}) string {
	if field != fieldBeats {
		return ""
	}
	if beats, ok := item[fieldBeats].([]interface{}); ok && len(beats) == 0 {
		item[fieldBeats] = []interface{}{PlaceholderBeat}
		return "empty beats replaced with a placeholder beat"
	}
	return ""
}

func fixFormat(_ PlanKind, field string, item map[string]interface{}) string {
	switch field {
	case fieldOrderIndex, fieldVolumeIndex:
		v, present := item[field]
		if !present || isInteger(v) {
			return ""
		}
		n := coerceInt(v)
		item[field] = json.Number(strconv.Itoa(n))
		return fmt.Sprintf("%s coerced to %d", field, n)
	case fieldBeats:
		if _, ok := item[fieldBeats].([]interface{}); ok {
			return ""
		}
		if s, ok := scalarText(item[fieldBeats]); ok {
			item[fieldBeats] = []interface{}{s}
			return "beats wrapped in an array"
		}
		item[fieldBeats] = []interface{}{PlaceholderBeat}
		return "beats set to a placeholder beat"
	case fieldRequiredEntities:
		v, present := item[fieldRequiredEntities]
		if !present {
			return ""
		}
		if _, ok := v.([]interface{}); ok {
			return ""
		}
		if s, ok := scalarText(v); ok {
			item[fieldRequiredEntities] = []interface{}{s}
			return "requiredEntities wrapped in an array"
		}
		item[fieldRequiredEntities] = []interface{}{}
		return "requiredEntities set to empty array"
	}
	return ""
}

// coerceInt parses v as an integer, truncating fractions; anything
// unparseable or outside the int range becomes 0
func coerceInt(v interface{}) int {
	var f float64
	switch t := v.(type) {
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if math.IsNaN(f) || f >= math.MaxInt || f < math.MinInt {
		return 0
	}
	return int(math.Trunc(f))
}

func scalarText(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return nonEmptyString(t)
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}
