package util

import (
	"regexp"
	"strings"
	"unicode"
)

// Precompiled regex patterns (compiled once at package init)
var (
	jsonCodeBlockRegex = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")
)

// ExtractJSON extracts JSON content from a response that may contain markdown
// code blocks or surrounding prose. Truncated arrays and objects are closed.
func ExtractJSON(s string) string {
	matches := jsonCodeBlockRegex.FindStringSubmatch(s)
	if len(matches) > 1 {
		s = strings.TrimSpace(matches[1])
	} else {
		s = strings.TrimSpace(s)
	}

	start := strings.IndexAny(s, "[{")
	if start == -1 {
		return s
	}

	open := rune(s[start])
	closeChar := ']'
	if open == '{' {
		closeChar = '}'
	}
	if end := findMatchingBracket(s, start, open, closeChar); end != -1 {
		return s[start : end+1]
	}

	return closeTruncated(s[start:])
}

// closeTruncated appends whatever closing quotes and brackets a truncated
// JSON document is missing
func closeTruncated(s string) string {
	stack, inString := openBrackets(s)
	if inString {
		s += `"`
	}
	s = strings.TrimRight(s, " \n\t\r,")
	if strings.HasSuffix(s, ":") {
		s += " null"
	}

	var b strings.Builder
	b.WriteString(s)
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '[' {
			b.WriteByte(']')
		} else {
			b.WriteByte('}')
		}
	}
	return b.String()
}

// openBrackets returns the unmatched opening brackets of s, outermost first,
// and whether s ends inside a string literal
func openBrackets(s string) ([]byte, bool) {
	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '[', '{':
			stack = append(stack, ch)
		case ']', '}':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	return stack, inString
}

// countUnmatchedBraces counts opening brackets of one kind left unclosed
func countUnmatchedBraces(s string, openChar, closeChar rune) int {
	stack, _ := openBrackets(s)
	count := 0
	for _, ch := range stack {
		if rune(ch) == openChar {
			count++
		}
	}
	return count
}

// findMatchingBracket finds the matching closing bracket for an opening bracket,
// skipping brackets inside strings. Returns -1 if no matching bracket is found.
func findMatchingBracket(s string, startPos int, openChar, closeChar rune) int {
	count := 0
	inString := false
	escaped := false

	for i := startPos; i < len(s); i++ {
		ch := rune(s[i])

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}

		if !inString {
			if ch == openChar {
				count++
			} else if ch == closeChar {
				count--
				if count == 0 {
					return i
				}
			}
		}
	}

	return -1
}

// SanitizeJSON fixes common JSON issues from LLM responses.
// Specifically handles unescaped newlines in string values.
func SanitizeJSON(s string) string {
	var result strings.Builder
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			result.WriteByte(ch)
			escaped = false
			continue
		}

		if ch == '\\' {
			result.WriteByte(ch)
			escaped = true
			continue
		}

		if ch == '"' {
			result.WriteByte(ch)
			inString = !inString
			continue
		}

		if inString && (ch == '\n' || ch == '\r') {
			result.WriteString("\\n")
			if ch == '\r' && i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			continue
		}

		result.WriteByte(ch)
	}

	return result.String()
}

// RepairJSON applies SanitizeJSON and then removes stray commas and inserts
// missing commas between adjacent string or container values.
func RepairJSON(s string) string {
	s = SanitizeJSON(s)
	out := make([]byte, 0, len(s)+8)
	inString := false
	escaped := false
	var prev byte

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			out = append(out, ch)
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
				prev = '"'
			}
			continue
		}

		switch ch {
		case ' ', '\n', '\t', '\r':
			out = append(out, ch)
			continue
		case ',':
			if prev == ',' || prev == '[' || prev == '{' || prev == 0 {
				continue
			}
		case ']', '}':
			out = dropTrailingComma(out)
		case '"':
			if prev == '"' || prev == ']' || prev == '}' {
				out = append(out, ',')
			}
			inString = true
		case '[', '{':
			if prev == '"' || prev == ']' || prev == '}' {
				out = append(out, ',')
			}
		}
		out = append(out, ch)
		prev = ch
	}
	return string(out)
}

func dropTrailingComma(out []byte) []byte {
	i := len(out) - 1
	for i >= 0 && (out[i] == ' ' || out[i] == '\n' || out[i] == '\t' || out[i] == '\r') {
		i--
	}
	if i >= 0 && out[i] == ',' {
		return append(out[:i], out[i+1:]...)
	}
	return out
}

// SplitTrailingJSONBlock separates prose from a fenced JSON block that ends
// the text. ok is false when the text does not end with such a block.
func SplitTrailingJSONBlock(text string) (prose, block string, ok bool) {
	trimmed := strings.TrimRightFunc(text, unicode.IsSpace)
	if !strings.HasSuffix(trimmed, "```") {
		return text, "", false
	}
	body := trimmed[:len(trimmed)-3]
	open := strings.LastIndex(body, "```")
	if open == -1 {
		return text, "", false
	}

	inner := body[open+3:]
	if len(inner) >= 4 && strings.EqualFold(inner[:4], "json") {
		inner = inner[4:]
	}
	inner = strings.TrimSpace(inner)
	if inner == "" || (inner[0] != '{' && inner[0] != '[') {
		return text, "", false
	}
	return strings.TrimSpace(body[:open]), inner, true
}
