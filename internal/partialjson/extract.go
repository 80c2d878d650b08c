// Package partialjson extracts displayable text from agent payloads that are
// still streaming in: the input may be any prefix of an eventual JSON object.
package partialjson

import (
	"regexp"
	"strings"
)

// reasoningPattern matches the "reasoning" string value inside a JSON object.
// The closing quote is optional so a value cut off mid-token still matches up
// to the end of the input instead of flashing empty.
var reasoningPattern = regexp.MustCompile(`"reasoning"\s*:\s*"((?:\\.|[^"\\])*)`)

// Reasoning returns the best-effort human-readable text for a possibly
// truncated agent payload. It never fails: input that does not look like a
// JSON object (or has no reasoning field yet visible) is returned as-is after
// fence stripping. Calling it on growing prefixes of the same final string
// yields a stable, extending display string.
func Reasoning(raw string) string {
	cleaned := stripFences(raw)
	if !strings.HasPrefix(strings.TrimSpace(cleaned), "{") {
		return cleaned
	}

	m := reasoningPattern.FindStringSubmatch(cleaned)
	if m == nil {
		return cleaned
	}
	return unescape(m[1])
}

// stripFences removes Markdown code-fence markers whether or not the closing
// fence has arrived yet.
func stripFences(s string) string {
	out := strings.TrimSpace(s)
	for _, open := range []string{"```json", "```"} {
		if strings.HasPrefix(out, open) {
			out = strings.TrimPrefix(out, open)
			break
		}
	}
	out = strings.TrimSuffix(strings.TrimRight(out, " \n"), "```")
	return strings.TrimSpace(out)
}

// unescape handles the JSON string escapes that appear in streamed reasoning
// text. A trailing lone backslash (an escape split across chunks) is dropped
// so the output stays a prefix of the eventual full value.
func unescape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			break
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '"':
			b.WriteByte('"')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
