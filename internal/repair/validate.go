package repair

import (
	"fmt"
	"strings"
)

// Validate checks every item of a plan against the field rules of kind.
// A single JSON object is treated as a one-item array. An error means the
// content is not a plan at all.
func Validate(kind PlanKind, content []byte, exp Expectations) ([]Violation, error) {
	doc, err := parseDocument(content)
	if err != nil {
		return nil, err
	}
	if len(doc.items) == 0 {
		return []Violation{{
			Type:     EmptyArray,
			Severity: SeverityHigh,
			Message:  "plan has no items",
		}}, nil
	}

	var out []Violation
	for i, raw := range doc.items {
		item, ok := raw.(map[string]interface{})
		if !ok {
			out = append(out, Violation{
				Type:     InvalidFormat,
				Severity: SeverityHigh,
				Path:     itemPath(i, ""),
				Message:  fmt.Sprintf("item is %T, not an object", raw),
			})
			continue
		}
		out = append(out, checkItem(kind, i, item)...)
	}
	out = append(out, checkCoherence(doc, exp)...)
	return out, nil
}

func checkItem(kind PlanKind, i int, item map[string]interface{}) []Violation {
	var out []Violation
	add := func(t ViolationType, sev Severity, field, msg string) {
		out = append(out, Violation{
			Type:        t,
			Severity:    sev,
			AutoFixable: true,
			Path:        itemPath(i, field),
			Message:     msg,
		})
	}

	if _, ok := nonEmptyString(item[fieldTitle]); !ok {
		add(MissingField, SeverityHigh, fieldTitle, "title is missing or empty")
	}
	if _, ok := nonEmptyString(item[fieldSummary]); !ok {
		add(MissingField, SeverityMedium, fieldSummary, "summary is missing")
	}

	switch beats := item[fieldBeats].(type) {
	case nil:
		add(MissingField, SeverityHigh, fieldBeats, "beats are missing")
	case []interface{}:
		if len(beats) == 0 {
			add(EmptyArray, SeverityMedium, fieldBeats, "beats array is empty")
		}
	default:
		add(InvalidFormat, SeverityMedium, fieldBeats, fmt.Sprintf("beats is %T, not an array", beats))
	}

	for _, field := range []string{fieldOrderIndex, fieldVolumeIndex} {
		if v, present := item[field]; present && !isInteger(v) {
			add(InvalidFormat, SeverityLow, field, field+" is not an integer")
		}
	}

	entities, present := item[fieldRequiredEntities]
	switch {
	case !present:
		if kind == KindChapters {
			add(MissingField, SeverityLow, fieldRequiredEntities, "requiredEntities is missing")
		}
	default:
		if _, ok := entities.([]interface{}); !ok {
			add(InvalidFormat, SeverityMedium, fieldRequiredEntities, "requiredEntities is not an array")
		}
	}

	if kind == KindChapters {
		if _, present := item[fieldStakesDelta]; !present {
			add(MissingField, SeverityLow, fieldStakesDelta, "stakesDelta is missing")
		}
	}
	return out
}

// checkCoherence reports expected entities that no item mentions, either in
// its requiredEntities or in its text
func checkCoherence(doc *document, exp Expectations) []Violation {
	if len(exp.RequiredEntities) == 0 {
		return nil
	}

	var corpus strings.Builder
	for _, raw := range doc.items {
		item, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		for _, field := range []string{fieldTitle, fieldSummary, fieldBeats, fieldRequiredEntities} {
			writeText(&corpus, item[field])
		}
	}
	text := strings.ToLower(corpus.String())

	path := fieldRequiredEntities
	if len(doc.items) == 1 {
		path = itemPath(0, fieldRequiredEntities)
	}

	var out []Violation
	for _, entity := range exp.RequiredEntities {
		name := strings.ToLower(strings.TrimSpace(entity))
		if name == "" || strings.Contains(text, name) {
			continue
		}
		out = append(out, Violation{
			Type:     Coherence,
			Severity: SeverityMedium,
			Path:     path,
			Message:  fmt.Sprintf("required entity %q is not present", entity),
		})
	}
	return out
}

func writeText(b *strings.Builder, v interface{}) {
	switch t := v.(type) {
	case string:
		b.WriteString(t)
		b.WriteByte('\n')
	case []interface{}:
		for _, e := range t {
			writeText(b, e)
		}
	}
}
