// Package sqlite implements the store.Store interface using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/mendbot/mendbot/internal/domain"
	"github.com/mendbot/mendbot/internal/store"
)

// Store implements store.Store backed by a SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a store at the given path. Use ":memory:" for tests.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers (SQLite allows one anyway) and
	// keeps ":memory:" databases from splitting across pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
	-- One row per completed review pass
	CREATE TABLE IF NOT EXISTS reviews (
		review_id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		repo TEXT NOT NULL,
		pull_number INTEGER NOT NULL,
		head_sha TEXT NOT NULL,
		kind TEXT NOT NULL,
		platform_review_id INTEGER NOT NULL DEFAULT 0,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	-- Fingerprint-to-inline-comment mapping per review
	CREATE TABLE IF NOT EXISTS issue_comments (
		review_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		comment_id INTEGER NOT NULL DEFAULT 0,
		file TEXT NOT NULL,
		line INTEGER NOT NULL,
		body_only INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (review_id, fingerprint),
		FOREIGN KEY (review_id) REFERENCES reviews(review_id) ON DELETE CASCADE
	);

	-- Remediation state, one row per fingerprint per PR
	CREATE TABLE IF NOT EXISTS fixes (
		owner TEXT NOT NULL,
		repo TEXT NOT NULL,
		pull_number INTEGER NOT NULL,
		fingerprint TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		commit_sha TEXT NOT NULL DEFAULT '',
		diff TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (owner, repo, pull_number, fingerprint)
	);

	-- Active clarification questions per fingerprint per PR
	CREATE TABLE IF NOT EXISTS clarification_locks (
		owner TEXT NOT NULL,
		repo TEXT NOT NULL,
		pull_number INTEGER NOT NULL,
		fingerprint TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		comment_id INTEGER NOT NULL DEFAULT 0,
		question TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (owner, repo, pull_number, fingerprint)
	);

	-- Create-once idempotency records, released by expiry
	CREATE TABLE IF NOT EXISTS execution_locks (
		lock_key TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reviews_pr ON reviews(owner, repo, pull_number);
	CREATE INDEX IF NOT EXISTS idx_reviews_head ON reviews(owner, repo, pull_number, head_sha, kind);
	CREATE INDEX IF NOT EXISTS idx_clarification_comment ON clarification_locks(comment_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveReview stores one completed review pass.
func (s *Store) SaveReview(ctx context.Context, review store.ReviewRecord) error {
	query := `
		INSERT INTO reviews (review_id, owner, repo, pull_number, head_sha, kind, platform_review_id, tokens_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		review.ReviewID,
		review.Owner,
		review.Repo,
		review.PullNumber,
		review.HeadSHA,
		string(review.Kind),
		review.PlatformReviewID,
		review.TokensUsed,
		review.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save review: %w", err)
	}
	return nil
}

// GetReviewByHead returns the review recorded for a head commit and kind, if any.
func (s *Store) GetReviewByHead(ctx context.Context, owner, repo string, pullNumber int, headSHA string, kind domain.ReviewKind) (store.ReviewRecord, error) {
	query := `
		SELECT review_id, owner, repo, pull_number, head_sha, kind, platform_review_id, tokens_used, created_at
		FROM reviews
		WHERE owner = ? AND repo = ? AND pull_number = ? AND head_sha = ? AND kind = ?
		ORDER BY created_at DESC
		LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, query, owner, repo, pullNumber, headSHA, string(kind))

	var rec store.ReviewRecord
	var kindStr string
	var createdAt int64
	err := row.Scan(&rec.ReviewID, &rec.Owner, &rec.Repo, &rec.PullNumber, &rec.HeadSHA, &kindStr, &rec.PlatformReviewID, &rec.TokensUsed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ReviewRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.ReviewRecord{}, fmt.Errorf("failed to scan review: %w", err)
	}
	rec.Kind = domain.ReviewKind(kindStr)
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	return rec, nil
}

// SaveIssueComments stores the fingerprint-to-comment mapping for a review.
func (s *Store) SaveIssueComments(ctx context.Context, comments []store.IssueComment) error {
	if len(comments) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT OR REPLACE INTO issue_comments (review_id, fingerprint, comment_id, file, line, body_only)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	for _, c := range comments {
		if _, err := tx.ExecContext(ctx, query, c.ReviewID, c.Fingerprint, c.CommentID, c.File, c.Line, boolToInt(c.BodyOnly)); err != nil {
			return fmt.Errorf("failed to save issue comment %s: %w", c.Fingerprint, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit issue comments: %w", err)
	}
	return nil
}

// GetIssueCommentsByReview returns all issue comment mappings for a review.
func (s *Store) GetIssueCommentsByReview(ctx context.Context, reviewID string) ([]store.IssueComment, error) {
	query := `
		SELECT review_id, fingerprint, comment_id, file, line, body_only
		FROM issue_comments
		WHERE review_id = ?
	`
	rows, err := s.db.QueryContext(ctx, query, reviewID)
	if err != nil {
		return nil, fmt.Errorf("failed to query issue comments: %w", err)
	}
	defer rows.Close()

	var comments []store.IssueComment
	for rows.Next() {
		var c store.IssueComment
		var bodyOnly int
		if err := rows.Scan(&c.ReviewID, &c.Fingerprint, &c.CommentID, &c.File, &c.Line, &bodyOnly); err != nil {
			return nil, fmt.Errorf("failed to scan issue comment: %w", err)
		}
		c.BodyOnly = bodyOnly != 0
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// UpsertFix inserts or replaces the single fix row for a fingerprint on a PR.
func (s *Store) UpsertFix(ctx context.Context, fix domain.Fix) error {
	query := `
		INSERT INTO fixes (owner, repo, pull_number, fingerprint, state, attempts, commit_sha, diff, reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, repo, pull_number, fingerprint) DO UPDATE SET
			state = excluded.state,
			attempts = excluded.attempts,
			commit_sha = excluded.commit_sha,
			diff = excluded.diff,
			reason = excluded.reason,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		fix.Owner, fix.Repo, fix.PullNumber, fix.Fingerprint,
		string(fix.State), fix.Attempts, fix.CommitSHA, fix.Diff, fix.Reason,
		fix.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert fix: %w", err)
	}
	return nil
}

// GetFix returns the fix row for a fingerprint on a PR.
func (s *Store) GetFix(ctx context.Context, owner, repo string, pullNumber int, fingerprint string) (domain.Fix, error) {
	query := `
		SELECT owner, repo, pull_number, fingerprint, state, attempts, commit_sha, diff, reason, updated_at
		FROM fixes
		WHERE owner = ? AND repo = ? AND pull_number = ? AND fingerprint = ?
	`
	row := s.db.QueryRowContext(ctx, query, owner, repo, pullNumber, fingerprint)
	fix, err := scanFix(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Fix{}, store.ErrNotFound
	}
	return fix, err
}

// ListFixes returns all fix rows for a PR.
func (s *Store) ListFixes(ctx context.Context, owner, repo string, pullNumber int) ([]domain.Fix, error) {
	query := `
		SELECT owner, repo, pull_number, fingerprint, state, attempts, commit_sha, diff, reason, updated_at
		FROM fixes
		WHERE owner = ? AND repo = ? AND pull_number = ?
	`
	rows, err := s.db.QueryContext(ctx, query, owner, repo, pullNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to query fixes: %w", err)
	}
	defer rows.Close()

	var fixes []domain.Fix
	for rows.Next() {
		fix, err := scanFix(rows.Scan)
		if err != nil {
			return nil, err
		}
		fixes = append(fixes, fix)
	}
	return fixes, rows.Err()
}

func scanFix(scan func(dest ...interface{}) error) (domain.Fix, error) {
	var fix domain.Fix
	var state string
	var updatedAt int64
	err := scan(&fix.Owner, &fix.Repo, &fix.PullNumber, &fix.Fingerprint, &state, &fix.Attempts, &fix.CommitSHA, &fix.Diff, &fix.Reason, &updatedAt)
	if err != nil {
		return domain.Fix{}, err
	}
	fix.State = domain.FixState(state)
	fix.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return fix, nil
}

// SaveClarificationLock inserts or replaces a clarification lock.
func (s *Store) SaveClarificationLock(ctx context.Context, lock domain.ClarificationLock) error {
	query := `
		INSERT INTO clarification_locks (owner, repo, pull_number, fingerprint, active, comment_id, question, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, repo, pull_number, fingerprint) DO UPDATE SET
			active = excluded.active,
			comment_id = excluded.comment_id,
			question = excluded.question,
			context = excluded.context
	`
	_, err := s.db.ExecContext(ctx, query,
		lock.Owner, lock.Repo, lock.PullNumber, lock.Fingerprint,
		boolToInt(lock.Active), lock.CommentID, lock.Question, lock.Context,
		lock.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save clarification lock: %w", err)
	}
	return nil
}

// GetClarificationLockByComment finds the lock that originated a comment.
func (s *Store) GetClarificationLockByComment(ctx context.Context, commentID int64) (domain.ClarificationLock, error) {
	query := `
		SELECT owner, repo, pull_number, fingerprint, active, comment_id, question, context, created_at
		FROM clarification_locks
		WHERE comment_id = ?
	`
	row := s.db.QueryRowContext(ctx, query, commentID)
	lock, err := scanClarificationLock(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ClarificationLock{}, store.ErrNotFound
	}
	return lock, err
}

// ListActiveClarificationLocks returns the active locks for a PR.
func (s *Store) ListActiveClarificationLocks(ctx context.Context, owner, repo string, pullNumber int) ([]domain.ClarificationLock, error) {
	query := `
		SELECT owner, repo, pull_number, fingerprint, active, comment_id, question, context, created_at
		FROM clarification_locks
		WHERE owner = ? AND repo = ? AND pull_number = ? AND active = 1
	`
	rows, err := s.db.QueryContext(ctx, query, owner, repo, pullNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to query clarification locks: %w", err)
	}
	defer rows.Close()

	var locks []domain.ClarificationLock
	for rows.Next() {
		lock, err := scanClarificationLock(rows.Scan)
		if err != nil {
			return nil, err
		}
		locks = append(locks, lock)
	}
	return locks, rows.Err()
}

// DeactivateClarificationLock marks a lock inactive. Missing rows are not an error.
func (s *Store) DeactivateClarificationLock(ctx context.Context, owner, repo string, pullNumber int, fingerprint string) error {
	query := `
		UPDATE clarification_locks SET active = 0
		WHERE owner = ? AND repo = ? AND pull_number = ? AND fingerprint = ?
	`
	if _, err := s.db.ExecContext(ctx, query, owner, repo, pullNumber, fingerprint); err != nil {
		return fmt.Errorf("failed to deactivate clarification lock: %w", err)
	}
	return nil
}

func scanClarificationLock(scan func(dest ...interface{}) error) (domain.ClarificationLock, error) {
	var lock domain.ClarificationLock
	var active int
	var createdAt int64
	err := scan(&lock.Owner, &lock.Repo, &lock.PullNumber, &lock.Fingerprint, &active, &lock.CommentID, &lock.Question, &lock.Context, &createdAt)
	if err != nil {
		return domain.ClarificationLock{}, err
	}
	lock.Active = active != 0
	lock.CreatedAt = time.Unix(createdAt, 0).UTC()
	return lock, nil
}

// CreateExecutionLock atomically creates a lock record. Expired rows are
// reaped on the way in, so crashed runs release their keys by TTL alone.
func (s *Store) CreateExecutionLock(ctx context.Context, key string, ttl time.Duration) error {
	now := s.now()

	reap := `DELETE FROM execution_locks WHERE expires_at <= ?`
	if _, err := s.db.ExecContext(ctx, reap, now.Unix()); err != nil {
		return fmt.Errorf("failed to reap expired locks: %w", err)
	}

	query := `INSERT INTO execution_locks (lock_key, created_at, expires_at) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, key, now.Unix(), now.Add(ttl).Unix())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return store.ErrLockHeld
		}
		return fmt.Errorf("failed to create execution lock: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Compile-time interface check
var _ store.Store = (*Store)(nil)
