package domain

import (
	"fmt"
	"time"
)

// ReviewKind identifies what triggered a review pass.
type ReviewKind string

const (
	// ReviewKindInitial is a review of a newly opened or synchronized PR.
	ReviewKindInitial ReviewKind = "initial"
	// ReviewKindCommentReply is a review cycle triggered by a human reply
	// on one of the bot's comment threads.
	ReviewKindCommentReply ReviewKind = "comment_reply"
	// ReviewKindLocal is a review produced without posting to the platform.
	ReviewKindLocal ReviewKind = "local"
)

// IsValid returns true if the kind is a recognized value.
func (k ReviewKind) IsValid() bool {
	switch k {
	case ReviewKindInitial, ReviewKindCommentReply, ReviewKindLocal:
		return true
	default:
		return false
	}
}

// Issue types reported by the reviewer.
const (
	IssueTypeSecurity    = "security"
	IssueTypeAntiPattern = "anti-pattern"
	IssueTypePerformance = "performance"
	IssueTypeStyle       = "style"
	IssueTypeBugRisk     = "bug-risk"
)

// Issue severities.
const (
	SeverityCritical   = "critical"
	SeverityWarning    = "warning"
	SeveritySuggestion = "suggestion"
)

// Issue is a single finding produced by the AI reviewer within one review.
// Issues are never mutated after creation.
type Issue struct {
	Type       string `json:"type"`
	Severity   string `json:"severity"`
	File       string `json:"file"`
	Line       int    `json:"line"` // 0 means "general", not tied to a line
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Review records one AI review pass over a PR at a specific head commit.
// Created when the review pipeline completes successfully; immutable thereafter.
type Review struct {
	Owner      string
	Repo       string
	PullNumber int
	HeadSHA    string
	Kind       ReviewKind
	ReviewID   int64 // platform-assigned review id
	Issues     []Issue
	TokensUsed int
	CreatedAt  time.Time
}

// FixState is the remediation lifecycle state attached to an issue fingerprint.
type FixState string

const (
	// FixStatePending indicates remediation has not completed yet.
	FixStatePending FixState = "PENDING"
	// FixStateAccepted indicates a fix was committed.
	FixStateAccepted FixState = "ACCEPTED"
	// FixStateFailed indicates the fix attempt failed; a later cycle may retry.
	FixStateFailed FixState = "FAILED"
	// FixStateRejected indicates the issue will not be auto-fixed again.
	FixStateRejected FixState = "REJECTED"
	// FixStateWaitingForUser indicates a clarification question is pending.
	FixStateWaitingForUser FixState = "WAITING_FOR_USER"
)

// IsValid returns true if the state is a recognized value.
func (s FixState) IsValid() bool {
	switch s {
	case FixStatePending, FixStateAccepted, FixStateFailed, FixStateRejected, FixStateWaitingForUser:
		return true
	default:
		return false
	}
}

// Fix is the remediation state attached to one issue fingerprint on one PR.
// Invariant: at most one Fix per fingerprint per PR.
type Fix struct {
	Owner       string
	Repo        string
	PullNumber  int
	Fingerprint string
	State       FixState
	Attempts    int
	CommitSHA   string
	Diff        string
	Reason      string
	UpdatedAt   time.Time
}

// Transition validates and applies a state change. ACCEPTED and REJECTED are
// terminal. FAILED re-enters PENDING when a later cycle retries the fingerprint.
func (f *Fix) Transition(next FixState) error {
	if !next.IsValid() {
		return fmt.Errorf("invalid fix state: %s", next)
	}
	switch f.State {
	case FixStateWaitingForUser:
		if next != FixStateAccepted && next != FixStatePending {
			return fmt.Errorf("fix %s: cannot move from %s to %s", f.Fingerprint, f.State, next)
		}
	case FixStateFailed:
		if next != FixStatePending && next != FixStateRejected && next != FixStateFailed {
			return fmt.Errorf("fix %s: cannot move from %s to %s", f.Fingerprint, f.State, next)
		}
	case FixStateAccepted, FixStateRejected:
		return fmt.Errorf("fix %s: state %s is terminal", f.Fingerprint, f.State)
	}
	f.State = next
	return nil
}

// ClarificationLock suppresses re-flagging and re-fixing a fingerprint while
// a clarifying question awaits a human answer.
type ClarificationLock struct {
	Owner       string
	Repo        string
	PullNumber  int
	Fingerprint string
	Active      bool
	CommentID   int64
	Question    string
	Context     string
	CreatedAt   time.Time
}

// ExecutionLock is a create-once idempotency record collapsing duplicate
// webhook deliveries into a single pipeline run. Released by expiry, never by
// explicit unlock.
type ExecutionLock struct {
	Key       string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// TriageLockKey builds the execution-lock key for a triage run.
func TriageLockKey(owner, repo string, pullNumber int) string {
	return fmt.Sprintf("triage:%s/%s#%d", owner, repo, pullNumber)
}

// ReviewLockKey builds the execution-lock key for a review run.
func ReviewLockKey(owner, repo string, pullNumber int) string {
	return fmt.Sprintf("review:%s/%s#%d", owner, repo, pullNumber)
}
