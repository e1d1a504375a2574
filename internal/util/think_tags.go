package util

import (
	"regexp"
	"strings"
)

// Precompiled regex patterns for think tag detection and extraction
var (
	// Matches various think/reasoning tag formats
	thinkTagRegex = regexp.MustCompile(`(?i)<think(?:ing)?>([\s\S]*?)</think(?:ing)?>`)
	// Matches Chinese reasoning tags (some Chinese models use these)
	chineseThinkTagRegex = regexp.MustCompile(`(?i)<思考>([\s\S]*?)</思考>`)
	// An opening tag whose closing tag never arrived
	unclosedThinkRegex = regexp.MustCompile(`(?i)<think(?:ing)?>[\s\S]*$`)
)

// ContainsThinkTags checks if the response contains think/reasoning tags
func ContainsThinkTags(response string) bool {
	return thinkTagRegex.MatchString(response) || chineseThinkTagRegex.MatchString(response)
}

// ExtractThinkContent extracts only the content within think/reasoning tags.
// Returns empty string if no think tags found.
func ExtractThinkContent(response string) string {
	var thinkContent []string

	for _, re := range []*regexp.Regexp{thinkTagRegex, chineseThinkTagRegex} {
		for _, match := range re.FindAllStringSubmatch(response, -1) {
			if len(match) > 1 {
				thinkContent = append(thinkContent, strings.TrimSpace(match[1]))
			}
		}
	}

	return strings.Join(thinkContent, "\n\n")
}

// StripThinkTags removes think/reasoning tags and their content from response,
// including a trailing opening tag that was never closed.
func StripThinkTags(response string) string {
	result := thinkTagRegex.ReplaceAllString(response, "")
	result = chineseThinkTagRegex.ReplaceAllString(result, "")
	result = unclosedThinkRegex.ReplaceAllString(result, "")
	return strings.TrimSpace(result)
}

// SplitThinkAndAnswer splits response into thinking content and final answer
func SplitThinkAndAnswer(response string) (string, string) {
	return ExtractThinkContent(response), StripThinkTags(response)
}

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// ThinkSegment is a piece of streamed text classified as thinking or answer
type ThinkSegment struct {
	Text     string
	Thinking bool
}

// ThinkSplitter separates inline <think>...</think> sections from content that
// arrives in arbitrary chunks. Tags split across chunk boundaries are held
// back until they can be recognised.
type ThinkSplitter struct {
	inThink bool
	pending string
}

// InThink reports whether the splitter is currently inside a think section
func (s *ThinkSplitter) InThink() bool {
	return s.inThink
}

// Push consumes a chunk and returns the segments that are now certain
func (s *ThinkSplitter) Push(chunk string) []ThinkSegment {
	buf := s.pending + chunk
	s.pending = ""

	var out []ThinkSegment
	for buf != "" {
		tag := thinkOpen
		if s.inThink {
			tag = thinkClose
		}

		if idx := indexASCIIFold(buf, tag); idx >= 0 {
			if idx > 0 {
				out = append(out, ThinkSegment{Text: buf[:idx], Thinking: s.inThink})
			}
			s.inThink = !s.inThink
			buf = buf[idx+len(tag):]
			continue
		}

		hold := partialSuffix(buf, tag)
		if emit := buf[:len(buf)-hold]; emit != "" {
			out = append(out, ThinkSegment{Text: emit, Thinking: s.inThink})
		}
		s.pending = buf[len(buf)-hold:]
		break
	}
	return out
}

// Flush returns any held back text
func (s *ThinkSplitter) Flush() []ThinkSegment {
	if s.pending == "" {
		return nil
	}
	seg := ThinkSegment{Text: s.pending, Thinking: s.inThink}
	s.pending = ""
	return []ThinkSegment{seg}
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of tag
func partialSuffix(s, tag string) int {
	for n := min(len(tag)-1, len(s)); n > 0; n-- {
		if strings.EqualFold(s[len(s)-n:], tag[:n]) {
			return n
		}
	}
	return 0
}

// indexASCIIFold is a case-insensitive strings.Index for ASCII needles that
// keeps byte offsets of s intact
func indexASCIIFold(s, needle string) int {
	n := len(needle)
	for i := 0; i+n <= len(s); i++ {
		if strings.EqualFold(s[i:i+n], needle) {
			return i
		}
	}
	return -1
}
