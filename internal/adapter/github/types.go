package github

import "time"

// GitHub REST/GraphQL API types used by the bot.
// See: https://docs.github.com/en/rest/pulls

// ReviewEvent represents the action to take when submitting a review.
type ReviewEvent string

const (
	// EventComment submits the review without approval.
	EventComment ReviewEvent = "COMMENT"

	// EventApprove approves the pull request.
	EventApprove ReviewEvent = "APPROVE"

	// EventRequestChanges requests changes to the pull request.
	EventRequestChanges ReviewEvent = "REQUEST_CHANGES"
)

// User represents a GitHub user or bot account.
type User struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
	Type  string `json:"type"` // "User" or "Bot"
}

// BranchRef is one side of a pull request.
type BranchRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// PullRequest is the metadata for one pull request.
type PullRequest struct {
	Number int       `json:"number"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	State  string    `json:"state"`
	Draft  bool      `json:"draft"`
	User   User      `json:"user"`
	Head   BranchRef `json:"head"`
	Base   BranchRef `json:"base"`
}

// PullRequestFile is one changed file in a pull request, including its patch.
type PullRequestFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"` // added, modified, removed, renamed
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch"`
}

// DraftComment is an inline comment attached to a review being created.
// Position is 1-indexed from the file's first @@ hunk header.
type DraftComment struct {
	Path     string `json:"path"`
	Position int    `json:"position"`
	Body     string `json:"body"`
}

// CreateReviewRequest is the body for POST /repos/{owner}/{repo}/pulls/{n}/reviews.
type CreateReviewRequest struct {
	CommitID string         `json:"commit_id"`
	Event    ReviewEvent    `json:"event"`
	Body     string         `json:"body"`
	Comments []DraftComment `json:"comments,omitempty"`
}

// Review is a submitted pull request review.
type Review struct {
	ID          int64  `json:"id"`
	NodeID      string `json:"node_id"`
	User        User   `json:"user"`
	Body        string `json:"body"`
	State       string `json:"state"`
	HTMLURL     string `json:"html_url"`
	SubmittedAt string `json:"submitted_at"`
}

// ReviewComment is an inline review comment on a pull request.
type ReviewComment struct {
	ID        int64  `json:"id"`
	NodeID    string `json:"node_id"`
	Path      string `json:"path"`
	Line      int    `json:"line"`
	Body      string `json:"body"`
	User      User   `json:"user"`
	InReplyTo int64  `json:"in_reply_to_id,omitempty"`
}

// IssueComment is a top-level comment on the PR conversation tab.
type IssueComment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
	User User   `json:"user"`
}

// InstallationToken is a short-lived credential for a GitHub App installation.
type InstallationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// errorResponse is the GitHub API error body.
type errorResponse struct {
	Message          string `json:"message"`
	DocumentationURL string `json:"documentation_url"`
	Errors           []struct {
		Resource string `json:"resource"`
		Field    string `json:"field"`
		Code     string `json:"code"`
		Message  string `json:"message"`
	} `json:"errors,omitempty"`
}
