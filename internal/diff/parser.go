// Package diff parses unified diffs so review comments can be filtered to the
// lines a PR diff actually shows.
package diff

import (
	"strconv"
	"strings"
)

// LineType represents the type of a line in a diff.
type LineType int

const (
	// LineContext represents an unchanged context line (starts with ' ').
	LineContext LineType = iota
	// LineAddition represents an added line (starts with '+').
	LineAddition
	// LineDeletion represents a deleted line (starts with '-').
	LineDeletion
)

// Line represents a single line in a diff hunk.
type Line struct {
	Type     LineType
	Content  string
	NewLine  *int // line number in the new file; nil for deletions
	Position int  // 1-indexed from the first @@ header
}

// Hunk represents a single @@ hunk in a unified diff.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// ParsedDiff represents a parsed unified diff for a single file.
type ParsedDiff struct {
	Hunks []Hunk
}

// Parse parses a unified diff string, tolerating git file headers and
// "no newline" markers. Malformed hunk headers are skipped, not fatal.
func Parse(patch string) ParsedDiff {
	if patch == "" {
		return ParsedDiff{}
	}

	result := ParsedDiff{}
	var current *Hunk
	position := 0
	newLine := 0

	for _, line := range strings.Split(patch, "\n") {
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "diff --git"),
			strings.HasPrefix(line, "index "),
			strings.HasPrefix(line, "--- "),
			strings.HasPrefix(line, "+++ "),
			strings.HasPrefix(line, "\\ "):
			continue
		case strings.HasPrefix(line, "@@"):
			if current != nil {
				result.Hunks = append(result.Hunks, *current)
			}
			hunk, ok := parseHunkHeader(line)
			if !ok {
				current = nil
				continue
			}
			current = &hunk
			newLine = hunk.NewStart
			continue
		}

		if current == nil {
			continue
		}

		position++
		parsed := Line{Position: position}
		switch line[0] {
		case '+':
			parsed.Type = LineAddition
			parsed.Content = line[1:]
			parsed.NewLine = intPtr(newLine)
			newLine++
		case '-':
			parsed.Type = LineDeletion
			parsed.Content = line[1:]
		default:
			parsed.Type = LineContext
			parsed.Content = strings.TrimPrefix(line, " ")
			parsed.NewLine = intPtr(newLine)
			newLine++
		}
		current.Lines = append(current.Lines, parsed)
	}

	if current != nil {
		result.Hunks = append(result.Hunks, *current)
	}
	return result
}

// FindPosition returns the diff position for a new-side line number, or nil
// when the line is outside the diff's visible range.
func (pd ParsedDiff) FindPosition(newLineNumber int) *int {
	if newLineNumber <= 0 {
		return nil
	}
	for _, hunk := range pd.Hunks {
		for _, line := range hunk.Lines {
			if line.NewLine != nil && *line.NewLine == newLineNumber {
				return intPtr(line.Position)
			}
		}
	}
	return nil
}

// Visible reports whether a new-side line number appears in the diff.
func (pd ParsedDiff) Visible(newLineNumber int) bool {
	return pd.FindPosition(newLineNumber) != nil
}

// parseHunkHeader parses "@@ -10,7 +10,8 @@ optional context".
func parseHunkHeader(line string) (Hunk, bool) {
	parts := strings.Split(line, "@@")
	if len(parts) < 2 {
		return Hunk{}, false
	}

	hunk := Hunk{}
	seenNew := false
	for _, field := range strings.Fields(strings.TrimSpace(parts[1])) {
		switch {
		case strings.HasPrefix(field, "-"):
			hunk.OldStart, hunk.OldLines = parseRange(field[1:])
		case strings.HasPrefix(field, "+"):
			hunk.NewStart, hunk.NewLines = parseRange(field[1:])
			seenNew = true
		}
	}
	return hunk, seenNew
}

// parseRange parses "start,count" or "start".
func parseRange(s string) (start, count int) {
	if idx := strings.Index(s, ","); idx >= 0 {
		start, _ = strconv.Atoi(s[:idx])
		count, _ = strconv.Atoi(s[idx+1:])
		return start, count
	}
	start, _ = strconv.Atoi(s)
	return start, 1
}

func intPtr(n int) *int {
	return &n
}
