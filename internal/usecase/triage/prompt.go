package triage

import (
	"fmt"
	"strings"

	"github.com/mendbot/mendbot/internal/domain"
)

// buildFixPrompt assembles the fixer agent's instructions for one issue,
// plus the strict output contract.
func buildFixPrompt(issue domain.Issue) string {
	var b strings.Builder

	b.WriteString("You are fixing a single code review finding in the repository you have tool access to. Make the smallest change that resolves it.\n\n")
	fmt.Fprintf(&b, "Type: %s\nSeverity: %s\n", issue.Type, issue.Severity)
	if issue.File != "" {
		location := issue.File
		if issue.Line > 0 {
			location = fmt.Sprintf("%s:%d", issue.File, issue.Line)
		}
		fmt.Fprintf(&b, "Location: %s\n", location)
	}
	fmt.Fprintf(&b, "Finding: %s\n", issue.Message)
	if issue.Suggestion != "" {
		fmt.Fprintf(&b, "Suggested replacement:\n```\n%s\n```\n", issue.Suggestion)
	}

	b.WriteString(`
Use the tools to read the surrounding code, then edit the files if you can fix it.

When you are done, respond with ONLY a JSON object of this exact shape:
{
  "status": "fixed|needs_clarification|cannot_fix",
  "commit_message": "one-line imperative summary, only when status is fixed",
  "question": "the question a human must answer, only when status is needs_clarification",
  "reason": "why the issue cannot be fixed, only when status is cannot_fix"
}

Rules:
- "fixed" requires that you actually edited files; do not claim it otherwise.
- Ask for clarification only when the intended behavior is genuinely ambiguous.
- Do not fix unrelated problems you notice along the way.
`)

	return b.String()
}
