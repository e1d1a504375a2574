package repair

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lamim/chapterforge/internal/util"
)

// Common refusal patterns from LLM responses
var refusalPatterns = []string{
	"i'm sorry, but i can't help with that",
	"i cannot help with that",
	"i can't assist with that",
	"i'm unable to help with that",
	"i apologize, but i cannot",
	"i'm not able to assist",
	"i cannot provide",
	"i cannot generate",
	"i'm sorry, i cannot",
	"i'm sorry, but i cannot",
	"as an ai",
	"i don't feel comfortable",
}

// shortReplyWords is the length under which a refusal phrase anywhere in the
// narration blocks the scene. Longer replies only block when they open with one.
const shortReplyWords = 60

var (
	quotedSpan      = regexp.MustCompile(`"[^"]*"|“[^”]*”`)
	refusalAnywhere = make([]*regexp.Regexp, len(refusalPatterns))
	refusalOpening  = make([]*regexp.Regexp, len(refusalPatterns))
)

func init() {
	for i, p := range refusalPatterns {
		q := regexp.QuoteMeta(p)
		refusalAnywhere[i] = regexp.MustCompile(`\b` + q + `\b`)
		refusalOpening[i] = regexp.MustCompile(`^[\s*_#>]*` + q + `\b`)
	}
}

// Prose check names
const (
	CheckNonEmpty       = "non_empty"
	CheckNotRefusal     = "not_refusal"
	CheckMinLength      = "min_length"
	CheckCompleteEnding = "complete_ending"
	CheckEntities       = "required_entities"
)

// ProseExpectations describe what a generated scene should satisfy
type ProseExpectations struct {
	TargetWords      int
	MinLengthRatio   float64
	RequiredEntities []string
	// FinishReason from the model; "length" means the text was cut at the
	// token limit rather than interrupted
	FinishReason string
}

// CheckResult is the outcome of one rule check
type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// ProseReport collects the rule checks run against one scene
type ProseReport struct {
	Checks   []CheckResult `json:"checks"`
	Passed   int           `json:"passed"`
	Warnings int           `json:"warnings"`
}

// Blocking reports whether the text is unusable: empty or a refusal
func (r ProseReport) Blocking() (bool, string) {
	for _, c := range r.Checks {
		if !c.Passed && (c.Name == CheckNonEmpty || c.Name == CheckNotRefusal) {
			return true, c.Message
		}
	}
	return false, ""
}

func (r *ProseReport) add(name string, passed bool, msg string) {
	r.Checks = append(r.Checks, CheckResult{Name: name, Passed: passed, Message: msg})
	if passed {
		r.Passed++
	} else {
		r.Warnings++
	}
}

// CheckProse runs the scene rule checks. Every failed check counts as one
// warning.
func CheckProse(text string, exp ProseExpectations) ProseReport {
	var r ProseReport
	trimmed := strings.TrimSpace(text)

	if trimmed == "" {
		r.add(CheckNonEmpty, false, "scene text is empty")
		return r
	}
	r.add(CheckNonEmpty, true, "")

	if pattern := refusalPattern(trimmed); pattern != "" {
		r.add(CheckNotRefusal, false, "contains refusal pattern: "+pattern)
	} else {
		r.add(CheckNotRefusal, true, "")
	}

	words := util.CountWords(trimmed)
	if exp.TargetWords > 0 && exp.MinLengthRatio > 0 {
		minWords := int(float64(exp.TargetWords) * exp.MinLengthRatio)
		if words < minWords {
			r.add(CheckMinLength, false, fmt.Sprintf("%d words, expected at least %d", words, minWords))
		} else {
			r.add(CheckMinLength, true, "")
		}
	}

	if incomplete, reason := incompleteEnding(trimmed, exp.FinishReason); incomplete {
		r.add(CheckCompleteEnding, false, reason)
	} else {
		r.add(CheckCompleteEnding, true, "")
	}

	if len(exp.RequiredEntities) > 0 {
		if missing := missingEntities(trimmed, exp.RequiredEntities); len(missing) > 0 {
			r.add(CheckEntities, false, "not mentioned: "+strings.Join(missing, ", "))
		} else {
			r.add(CheckEntities, true, "")
		}
	}
	return r
}

// refusalPattern reports the refusal phrase a reply opens with, or that a
// short reply contains outside quoted dialogue. Matches are on word
// boundaries, so "as an aide" is not "as an ai".
func refusalPattern(text string) string {
	lower := strings.ReplaceAll(strings.ToLower(text), "’", "'")
	narration := quotedSpan.ReplaceAllString(lower, " ")
	short := util.CountWords(narration) <= shortReplyWords
	for i, pattern := range refusalPatterns {
		if refusalOpening[i].MatchString(lower) || (short && refusalAnywhere[i].MatchString(narration)) {
			return pattern
		}
	}
	return ""
}

// incompleteEnding detects text cut off mid-sentence. Hitting the token limit
// is not treated as incomplete.
func incompleteEnding(trimmed, finishReason string) (bool, string) {
	if finishReason == "length" {
		return false, ""
	}

	lastChar := trimmed[len(trimmed)-1]
	switch lastChar {
	case '.', '!', '?', '"', '\'', ')', '*':
		return false, ""
	}
	// Closing curly quotes and ellipses are multi-byte
	for _, suffix := range []string{"”", "’", "…", "—"} {
		if strings.HasSuffix(trimmed, suffix) {
			return false, ""
		}
	}

	words := strings.Fields(trimmed)
	lastWord := strings.TrimRight(words[len(words)-1], ".,;:!?\"'")
	if len(lastWord) > 2 {
		lastRune := lastWord[len(lastWord)-1]
		if lastRune >= 'a' && lastRune <= 'z' {
			return true, fmt.Sprintf("last word %q suggests a mid-sentence cutoff", lastWord)
		}
	}
	return true, "no terminal punctuation at end"
}

func missingEntities(text string, entities []string) []string {
	lower := strings.ToLower(text)
	var missing []string
	for _, e := range entities {
		name := strings.TrimSpace(e)
		if name == "" {
			continue
		}
		if !strings.Contains(lower, strings.ToLower(name)) {
			missing = append(missing, name)
		}
	}
	return missing
}

// CleanProse strips reasoning tags, a wrapping code fence and meta chatter
// from model output
func CleanProse(text string) string {
	text = util.StripThinkTags(text)
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") && strings.HasSuffix(text, "```") && len(text) > 6 {
		inner := strings.TrimSuffix(text, "```")
		if nl := strings.IndexByte(inner, '\n'); nl >= 0 {
			text = strings.TrimSpace(inner[nl+1:])
		}
	}

	return util.CleanMetaFromLLMResponse(text)
}
