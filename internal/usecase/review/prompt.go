package review

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mendbot/mendbot/internal/adapter/github"
)

// buildReviewPrompt assembles the reviewer agent's instructions: PR context,
// per-file patches, and head-ref contents, plus the strict output contract.
func buildReviewPrompt(pr *github.PullRequest, files []github.PullRequestFile, contents map[string]string) string {
	var b strings.Builder

	b.WriteString("You are reviewing a pull request. Examine the changed files and report concrete problems.\n\n")
	fmt.Fprintf(&b, "Title: %s\n", pr.Title)
	if pr.Body != "" {
		fmt.Fprintf(&b, "Description:\n%s\n", pr.Body)
	}
	fmt.Fprintf(&b, "Branch: %s -> %s\n\n", pr.Head.Ref, pr.Base.Ref)

	b.WriteString("## Changed files\n\n")
	for _, file := range files {
		fmt.Fprintf(&b, "### %s (%s, +%d -%d)\n", file.Filename, file.Status, file.Additions, file.Deletions)
		if file.Patch != "" {
			fmt.Fprintf(&b, "```diff\n%s\n```\n", file.Patch)
		}
	}

	if len(contents) > 0 {
		b.WriteString("\n## File contents at the PR head\n\n")
		names := make([]string, 0, len(contents))
		for name := range contents {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "### %s\n```\n%s\n```\n", name, contents[name])
		}
	}

	b.WriteString(`
You may use the provided tools to read surrounding code in the repository.

Respond with ONLY a JSON object of this exact shape:
{
  "summary": "one-paragraph overview of the change and its risks",
  "issues": [
    {
      "type": "security|anti-pattern|performance|style|bug-risk",
      "severity": "critical|warning|suggestion",
      "file": "path/relative/to/repo/root",
      "line": 42,
      "message": "what is wrong and why it matters",
      "suggestion": "replacement code for that line, if a drop-in fix exists"
    }
  ]
}

Rules:
- "line" refers to the new (post-change) file. Use 0 for findings not tied to a line.
- Only flag real problems in the changed code; do not restate the diff.
- An empty "issues" array is the correct answer for a clean PR.
`)

	return b.String()
}
