package sqlite_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mendbot/mendbot/internal/adapter/store/sqlite"
	"github.com/mendbot/mendbot/internal/domain"
	"github.com/mendbot/mendbot/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndGetReview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := store.ReviewRecord{
		ReviewID:         "rev-1",
		Owner:            "octo",
		Repo:             "widgets",
		PullNumber:       7,
		HeadSHA:          "abc123",
		Kind:             domain.ReviewKindInitial,
		PlatformReviewID: 99,
		TokensUsed:       1234,
		CreatedAt:        time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveReview(ctx, rec))

	got, err := s.GetReviewByHead(ctx, "octo", "widgets", 7, "abc123", domain.ReviewKindInitial)
	require.NoError(t, err)
	assert.Equal(t, rec.ReviewID, got.ReviewID)
	assert.Equal(t, rec.PlatformReviewID, got.PlatformReviewID)
	assert.Equal(t, rec.TokensUsed, got.TokensUsed)
}

func TestGetReviewByHead_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetReviewByHead(context.Background(), "octo", "widgets", 7, "missing", domain.ReviewKindInitial)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIssueComments_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveReview(ctx, store.ReviewRecord{
		ReviewID: "rev-1", Owner: "o", Repo: "r", PullNumber: 1,
		HeadSHA: "sha", Kind: domain.ReviewKindInitial, CreatedAt: time.Now(),
	}))

	comments := []store.IssueComment{
		{ReviewID: "rev-1", Fingerprint: "fp1", CommentID: 11, File: "a.go", Line: 10},
		{ReviewID: "rev-1", Fingerprint: "fp2", File: "b.go", Line: 0, BodyOnly: true},
	}
	require.NoError(t, s.SaveIssueComments(ctx, comments))

	got, err := s.GetIssueCommentsByReview(ctx, "rev-1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	byFp := map[string]store.IssueComment{}
	for _, c := range got {
		byFp[c.Fingerprint] = c
	}
	assert.Equal(t, int64(11), byFp["fp1"].CommentID)
	assert.False(t, byFp["fp1"].BodyOnly)
	assert.True(t, byFp["fp2"].BodyOnly)
}

func TestUpsertFix_SingleRowPerFingerprint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fix := domain.Fix{
		Owner: "o", Repo: "r", PullNumber: 1, Fingerprint: "fp1",
		State: domain.FixStatePending, Attempts: 1, UpdatedAt: time.Now(),
	}
	require.NoError(t, s.UpsertFix(ctx, fix))

	fix.State = domain.FixStateAccepted
	fix.Attempts = 2
	fix.CommitSHA = "deadbeef"
	require.NoError(t, s.UpsertFix(ctx, fix))

	fixes, err := s.ListFixes(ctx, "o", "r", 1)
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	assert.Equal(t, domain.FixStateAccepted, fixes[0].State)
	assert.Equal(t, 2, fixes[0].Attempts)
	assert.Equal(t, "deadbeef", fixes[0].CommitSHA)
}

func TestGetFix_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetFix(context.Background(), "o", "r", 1, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClarificationLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lock := domain.ClarificationLock{
		Owner: "o", Repo: "r", PullNumber: 1, Fingerprint: "fp1",
		Active: true, CommentID: 42, Question: "which retry policy?",
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.SaveClarificationLock(ctx, lock))

	active, err := s.ListActiveClarificationLocks(ctx, "o", "r", 1)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "which retry policy?", active[0].Question)

	byComment, err := s.GetClarificationLockByComment(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "fp1", byComment.Fingerprint)

	require.NoError(t, s.DeactivateClarificationLock(ctx, "o", "r", 1, "fp1"))
	active, err = s.ListActiveClarificationLocks(ctx, "o", "r", 1)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCreateExecutionLock_ExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateExecutionLock(ctx, "triage:o/r#1", time.Minute))
	err := s.CreateExecutionLock(ctx, "triage:o/r#1", time.Minute)
	assert.ErrorIs(t, err, store.ErrLockHeld)

	// A different key is independent.
	assert.NoError(t, s.CreateExecutionLock(ctx, "triage:o/r#2", time.Minute))
}

func TestCreateExecutionLock_ConcurrentAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = s.CreateExecutionLock(ctx, "triage:o/r#9", time.Minute)
		}(i)
	}
	wg.Wait()

	var successes, held int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case err == store.ErrLockHeld:
			held++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, held)
}

func TestCreateExecutionLock_ExpiryReleases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateExecutionLock(ctx, "review:o/r#1", time.Millisecond))
	time.Sleep(1100 * time.Millisecond)

	// The expired row is reaped on the next create attempt.
	assert.NoError(t, s.CreateExecutionLock(ctx, "review:o/r#1", time.Minute))
}
