// Package match maps issues back to the bot's previously-posted review
// comments so triage can reply on the right thread.
package match

import (
	"strings"

	"github.com/mendbot/mendbot/internal/domain"
)

// Comment is a previously-posted bot review comment candidate.
type Comment struct {
	ID       int64
	ThreadID string // GraphQL node id of the comment's thread
	Path     string
	Line     int
	Body     string
}

// Matcher finds the comment an issue originated from. Matched comments are
// claimed for the remainder of the run so one comment is never reused for
// two issues. A Matcher is single-run, not safe for concurrent use.
type Matcher struct {
	comments []Comment
	claimed  map[int64]bool
}

// NewMatcher creates a matcher over the bot's comments on one PR.
func NewMatcher(comments []Comment) *Matcher {
	return &Matcher{
		comments: comments,
		claimed:  make(map[int64]bool),
	}
}

// Match returns the comment for an issue, trying an exact path+line match
// first and a fuzzy keyword match second. ok is false when the issue only
// existed in the review summary text (a body-only finding).
func (m *Matcher) Match(issue domain.Issue) (Comment, bool) {
	for _, c := range m.comments {
		if m.claimed[c.ID] {
			continue
		}
		if c.Path == issue.File && c.Line == issue.Line {
			m.claimed[c.ID] = true
			return c, true
		}
	}

	words := contentWords(issue.Message)
	if len(words) == 0 {
		return Comment{}, false
	}
	for _, c := range m.comments {
		if m.claimed[c.ID] || c.Path != issue.File {
			continue
		}
		body := strings.ToLower(c.Body)
		hits := 0
		for _, w := range words {
			if strings.Contains(body, w) {
				hits++
			}
		}
		if hits >= 2 {
			m.claimed[c.ID] = true
			return c, true
		}
	}

	return Comment{}, false
}

// contentWords extracts the fuzzy-match keywords from an issue message:
// the first 50 characters, lower-cased, split on whitespace, keeping only
// words longer than 4 characters.
func contentWords(message string) []string {
	prefix := message
	if len(prefix) > 50 {
		prefix = prefix[:50]
	}
	var words []string
	for _, w := range strings.Fields(strings.ToLower(prefix)) {
		if len(w) > 4 {
			words = append(words, w)
		}
	}
	return words
}
