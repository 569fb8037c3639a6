package triage

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/mendbot/mendbot/internal/domain"
)

var titleCaser = cases.Title(language.English)

// issueLabel renders an issue type for humans: "bug-risk" -> "Bug Risk".
func issueLabel(issueType string) string {
	if issueType == "" {
		return "Issue"
	}
	return titleCaser.String(strings.ReplaceAll(issueType, "-", " "))
}

// formatReply renders the threaded reply for one outcome.
func formatReply(outcome Outcome) string {
	label := issueLabel(outcome.Issue.Type)
	switch outcome.Status {
	case StatusFixed:
		return fmt.Sprintf("✅ %s fixed in %s.", label, shortSHA(outcome.CommitSHA))
	case StatusNeedsClarification:
		return fmt.Sprintf("❓ %s: before I can fix this I need an answer:\n\n> %s\n\nReply in this thread and I will pick it up.", label, outcome.Question)
	default:
		reason := outcome.Reason
		if reason == "" {
			reason = "no safe automated fix was found"
		}
		return fmt.Sprintf("⏭️ %s not auto-fixed: %s.", label, strings.TrimSuffix(reason, "."))
	}
}

// formatSummaryComment aggregates outcomes that had no inline thread into a
// single conversation comment.
func formatSummaryComment(outcomes []Outcome) string {
	var b strings.Builder
	b.WriteString("### Automated fix summary\n\n")
	for _, outcome := range outcomes {
		location := outcome.Issue.File
		if outcome.Issue.Line > 0 {
			location = fmt.Sprintf("%s:%d", outcome.Issue.File, outcome.Issue.Line)
		}
		if location == "" {
			location = "general"
		}
		switch outcome.Status {
		case StatusFixed:
			fmt.Fprintf(&b, "- ✅ `%s` — fixed in %s\n", location, shortSHA(outcome.CommitSHA))
		case StatusNeedsClarification:
			fmt.Fprintf(&b, "- ❓ `%s` — needs clarification: %s\n", location, outcome.Question)
		default:
			fmt.Fprintf(&b, "- ⏭️ `%s` — not auto-fixed: %s\n", location, outcome.Reason)
		}
	}
	return strings.TrimSpace(b.String())
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	if sha == "" {
		return "a local commit"
	}
	return sha
}

const maxCommitSubject = 72

// commitMessage derives the commit message for a fixed issue, preferring the
// agent's own summary over the issue text.
func commitMessage(issue domain.Issue, agentMessage string) string {
	subject := strings.TrimSpace(agentMessage)
	if subject == "" {
		subject = fmt.Sprintf("fix %s: %s", issue.Type, issue.Message)
	}
	subject = strings.SplitN(subject, "\n", 2)[0]
	if len(subject) > maxCommitSubject {
		subject = subject[:maxCommitSubject-3] + "..."
	}
	return subject
}
