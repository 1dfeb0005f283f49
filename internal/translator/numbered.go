package translator

import (
	"regexp"
	"strconv"
	"strings"
)

// ordinalRe matches the "12." marker a model echoes back, or its "12)"
// variant. The marker must be followed by a space or the end of the line so
// that unnumbered text such as "3:00 PM" or "3.5 million" is kept whole.
var ordinalRe = regexp.MustCompile(`^\s*\d+[.)](?:\s+|$)`)

// Render numbers each line from 1 and joins them with newlines.
func Render(lines []string) string {
	var sb strings.Builder
	for i, line := range lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(strconv.Itoa(i + 1))
		sb.WriteString(". ")
		sb.WriteString(line)
	}
	return sb.String()
}

// Parse reverses Render on a model response: it splits on newlines, strips
// ordinal markers and surrounding whitespace, and drops a single trailing
// empty fragment left by a final separator.
func Parse(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	parts := strings.Split(raw, "\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = ordinalRe.ReplaceAllString(p, "")
		out = append(out, strings.TrimSpace(p))
	}
	if n := len(out); n > 0 && out[n-1] == "" {
		out = out[:n-1]
	}
	return out
}
