package review

import (
	"fmt"
	"strings"

	"github.com/mendbot/mendbot/internal/adapter/github"
	"github.com/mendbot/mendbot/internal/diff"
	"github.com/mendbot/mendbot/internal/domain"
)

// severityBadge maps a severity to its comment prefix.
func severityBadge(severity string) string {
	switch severity {
	case domain.SeverityCritical:
		return "🔴 **Critical**"
	case domain.SeverityWarning:
		return "🟡 **Warning**"
	default:
		return "🔵 **Suggestion**"
	}
}

// reviewEvent picks the review action: clean PRs get approved, critical
// findings block, anything else is a plain comment.
func reviewEvent(issues []domain.Issue) github.ReviewEvent {
	if len(issues) == 0 {
		return github.EventApprove
	}
	for _, issue := range issues {
		if issue.Severity == domain.SeverityCritical {
			return github.EventRequestChanges
		}
	}
	return github.EventComment
}

// buildComments converts issues into positioned draft comments, dropping any
// whose line is outside the diff's visible range. Dropped issues come back
// as the body-only list for the summary.
func buildComments(issues []domain.Issue, diffs map[string]diff.ParsedDiff) ([]github.DraftComment, []domain.Issue) {
	var comments []github.DraftComment
	var bodyOnly []domain.Issue

	for _, issue := range issues {
		pd, ok := diffs[issue.File]
		if !ok {
			bodyOnly = append(bodyOnly, issue)
			continue
		}
		pos := pd.FindPosition(issue.Line)
		if pos == nil {
			bodyOnly = append(bodyOnly, issue)
			continue
		}
		comments = append(comments, github.DraftComment{
			Path:     issue.File,
			Position: *pos,
			Body:     formatIssueComment(issue),
		})
	}
	return comments, bodyOnly
}

// formatIssueComment renders one inline comment.
func formatIssueComment(issue domain.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s): %s", severityBadge(issue.Severity), issue.Type, issue.Message)
	if issue.Suggestion != "" {
		fmt.Fprintf(&b, "\n\n```suggestion\n%s\n```", issue.Suggestion)
	}
	return b.String()
}

// buildSummary renders the review body. Body-only findings are listed here
// because they have no inline thread.
func buildSummary(summary string, issues []domain.Issue, bodyOnly []domain.Issue) string {
	var b strings.Builder

	if summary != "" {
		b.WriteString(summary)
	} else if len(issues) == 0 {
		b.WriteString("No issues found. 👍")
	}

	if len(issues) > 0 {
		fmt.Fprintf(&b, "\n\nFound %d issue%s.", len(issues), plural(len(issues)))
	}

	if len(bodyOnly) > 0 {
		b.WriteString("\n\n**Findings outside the diff:**\n")
		for _, issue := range bodyOnly {
			location := issue.File
			if issue.Line > 0 {
				location = fmt.Sprintf("%s:%d", issue.File, issue.Line)
			}
			if location == "" {
				location = "general"
			}
			fmt.Fprintf(&b, "- `%s` — %s\n", location, issue.Message)
		}
	}

	return strings.TrimSpace(b.String())
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
