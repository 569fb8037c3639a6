package agent

import (
	"regexp"
	"strings"
)

// Agent replies are strict JSON, but models wrap them in markdown fences and
// surround them with stray prose. Every agent-facing component parses replies
// through this one extraction path.

var jsonBlockRegex = regexp.MustCompile("(?s)```(?:json)?\\s*([\\s\\S]*)```")

// ExtractJSON pulls the JSON object out of an agent reply: strip a markdown
// code fence if present, then take everything from the first '{' to the last
// '}'. ok is false when no object boundaries exist.
func ExtractJSON(text string) (string, bool) {
	if matches := jsonBlockRegex.FindStringSubmatch(text); len(matches) > 1 {
		text = matches[1]
	}
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return "", false
	}
	return text[start : end+1], true
}
