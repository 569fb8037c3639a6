// Package store defines the persistence ports for reviews, fixes, and the
// idempotency primitives.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mendbot/mendbot/internal/domain"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrLockHeld indicates an execution lock with the same key already exists.
var ErrLockHeld = errors.New("execution lock already held")

// ReviewRecord stores metadata about one completed review pass.
type ReviewRecord struct {
	ReviewID         string // internal id
	Owner            string
	Repo             string
	PullNumber       int
	HeadSHA          string
	Kind             domain.ReviewKind
	PlatformReviewID int64
	TokensUsed       int
	CreatedAt        time.Time
}

// IssueComment links an issue fingerprint to the inline comment (if any) the
// platform assigned to it. BodyOnly marks findings that only appear in the
// review summary text.
type IssueComment struct {
	ReviewID    string
	Fingerprint string
	CommentID   int64
	File        string
	Line        int
	BodyOnly    bool
}

// Store is the persistence layer for the orchestration core.
type Store interface {
	// Reviews
	SaveReview(ctx context.Context, review ReviewRecord) error
	GetReviewByHead(ctx context.Context, owner, repo string, pullNumber int, headSHA string, kind domain.ReviewKind) (ReviewRecord, error)

	// Issue comments
	SaveIssueComments(ctx context.Context, comments []IssueComment) error
	GetIssueCommentsByReview(ctx context.Context, reviewID string) ([]IssueComment, error)

	// Fixes: at most one row per (owner, repo, pull, fingerprint)
	UpsertFix(ctx context.Context, fix domain.Fix) error
	GetFix(ctx context.Context, owner, repo string, pullNumber int, fingerprint string) (domain.Fix, error)
	ListFixes(ctx context.Context, owner, repo string, pullNumber int) ([]domain.Fix, error)

	// Clarification locks
	SaveClarificationLock(ctx context.Context, lock domain.ClarificationLock) error
	GetClarificationLockByComment(ctx context.Context, commentID int64) (domain.ClarificationLock, error)
	ListActiveClarificationLocks(ctx context.Context, owner, repo string, pullNumber int) ([]domain.ClarificationLock, error)
	DeactivateClarificationLock(ctx context.Context, owner, repo string, pullNumber int, fingerprint string) error

	// Execution locks: create-if-absent; a second create with the same key
	// fails with ErrLockHeld until the record expires.
	CreateExecutionLock(ctx context.Context, key string, ttl time.Duration) error

	Close() error
}
