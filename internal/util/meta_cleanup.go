package util

import "strings"

// trailing meta or self-referential chatter; everything from the earliest
// occurrence onwards is dropped
var metaPhrases = []string{
	"we don't want too many lines",
	"sure! let's start over",
	"let's start over",
	"i realize i wrote a confusing mixture",
	"i'll rewrite and incorporate all",
	"i hope this scene",
	"let me know if you",
	"would you like me to",
	"(word count:",
	"word count:",
}

// openers of a preamble line such as "Here is the scene:"
var preambleOpeners = []string{"here is", "here's", "sure", "certainly", "okay,", "of course"}

// CleanMetaFromLLMResponse trims obvious meta chatter from an LLM response:
// a leading "Here is..." line and trailing commentary such as "Let me know if
// you want changes". The story text itself is preserved.
func CleanMetaFromLLMResponse(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return content
	}

	trimmed = stripPreamble(trimmed)

	lower := strings.ToLower(trimmed)
	cutIndex := len(trimmed)
	for _, phrase := range metaPhrases {
		if idx := strings.Index(lower, phrase); idx >= 0 && idx < cutIndex {
			cutIndex = idx
		}
	}

	if cutIndex < len(trimmed) {
		result := strings.TrimSpace(trimmed[:cutIndex])
		if result != "" {
			return result
		}
	}

	return trimmed
}

func stripPreamble(s string) string {
	nl := strings.IndexByte(s, '\n')
	if nl == -1 {
		return s
	}
	first := strings.TrimSpace(s[:nl])
	if len(first) > 120 || !strings.HasSuffix(first, ":") {
		return s
	}
	lower := strings.ToLower(first)
	for _, opener := range preambleOpeners {
		if strings.HasPrefix(lower, opener) {
			return strings.TrimSpace(s[nl+1:])
		}
	}
	return s
}
