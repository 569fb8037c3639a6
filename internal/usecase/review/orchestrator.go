// Package review runs the end-to-end review pipeline: gate, clone, invoke
// the reviewer agent, filter findings to the visible diff, submit, persist.
// A failed review is reported to the caller, never silently retried.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mendbot/mendbot/internal/adapter/agent"
	"github.com/mendbot/mendbot/internal/adapter/github"
	"github.com/mendbot/mendbot/internal/diff"
	"github.com/mendbot/mendbot/internal/domain"
	"github.com/mendbot/mendbot/internal/match"
	"github.com/mendbot/mendbot/internal/observability"
	"github.com/mendbot/mendbot/internal/store"
	"github.com/mendbot/mendbot/internal/workspace"
)

const (
	defaultLockTTL       = 10 * time.Minute
	defaultMaxTurns      = 15
	contentFetchParallel = 4
	maxContextBytes      = 16 * 1024 // per-file cap on content embedded in the prompt
)

// Platform is the hosting-platform surface the review pipeline consumes.
type Platform interface {
	GetPullRequest(ctx context.Context, owner, repo string, pullNumber int) (*github.PullRequest, error)
	ListFiles(ctx context.Context, owner, repo string, pullNumber int) ([]github.PullRequestFile, error)
	GetRawContent(ctx context.Context, owner, repo, path, ref string) ([]byte, bool, error)
	CreateReview(ctx context.Context, owner, repo string, pullNumber int, input github.CreateReviewRequest) (*github.Review, error)
	ListReviewComments(ctx context.Context, owner, repo string, pullNumber int) ([]github.ReviewComment, error)
}

// Workspaces acquires disposable clones.
type Workspaces interface {
	With(ctx context.Context, opts workspace.Options, fn func(ws workspace.Workspace) error) error
}

// Config tunes the review pipeline.
type Config struct {
	BotLogin string
	MaxTurns int
	LockTTL  time.Duration
}

// Request identifies the PR to review.
type Request struct {
	Owner      string
	Repo       string
	PullNumber int
	Kind       domain.ReviewKind
}

// Result is the structured outcome of one review pass.
type Result struct {
	ReviewID         string
	PlatformReviewID int64
	HeadSHA          string
	Branch           string
	Issues           []domain.Issue
	TokensUsed       int
	Skipped          bool
	SkipReason       string
}

// Orchestrator drives one review pass. Safe for concurrent use across PRs.
type Orchestrator struct {
	platform   Platform
	workspaces Workspaces
	runner     agent.Runner
	store      store.Store
	logger     observability.Logger
	cfg        Config
}

// NewOrchestrator wires the review pipeline.
func NewOrchestrator(platform Platform, workspaces Workspaces, runner agent.Runner, st store.Store, logger observability.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	return &Orchestrator{
		platform:   platform,
		workspaces: workspaces,
		runner:     runner,
		store:      st,
		logger:     logger,
		cfg:        cfg,
	}
}

// agentReply is the strict-JSON shape the reviewer agent must return.
type agentReply struct {
	Summary string         `json:"summary"`
	Issues  []domain.Issue `json:"issues"`
}

// Run executes the pipeline for one PR head.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	lockKey := domain.ReviewLockKey(req.Owner, req.Repo, req.PullNumber)
	if err := o.store.CreateExecutionLock(ctx, lockKey, o.cfg.LockTTL); err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			o.logger.LogInfo(ctx, "review already running, skipping duplicate delivery", map[string]interface{}{
				"lockKey": lockKey,
			})
			return Result{Skipped: true, SkipReason: "review already running"}, nil
		}
		return Result{}, fmt.Errorf("acquiring review lock: %w", err)
	}

	pr, err := o.platform.GetPullRequest(ctx, req.Owner, req.Repo, req.PullNumber)
	if err != nil {
		return Result{}, fmt.Errorf("fetching PR metadata: %w", err)
	}

	// Redeliveries can outlive the execution lock TTL; a persisted review
	// for the same head and kind means this work is already done.
	if existing, err := o.store.GetReviewByHead(ctx, req.Owner, req.Repo, req.PullNumber, pr.Head.SHA, req.Kind); err == nil {
		return Result{
			ReviewID:         existing.ReviewID,
			PlatformReviewID: existing.PlatformReviewID,
			HeadSHA:          pr.Head.SHA,
			Branch:           pr.Head.Ref,
			Skipped:          true,
			SkipReason:       "head already reviewed",
		}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("checking reviewed head: %w", err)
	}

	// Reviewing our own fix commits would loop forever.
	if o.cfg.BotLogin != "" && pr.User.Login == o.cfg.BotLogin {
		return o.submitAndPersist(ctx, req, pr, nil, nil, "Automated changes by the bot; no review needed.", 0)
	}

	files, err := o.platform.ListFiles(ctx, req.Owner, req.Repo, req.PullNumber)
	if err != nil {
		return Result{}, fmt.Errorf("listing PR files: %w", err)
	}

	contents, err := o.fetchContents(ctx, req, pr.Head.SHA, files)
	if err != nil {
		return Result{}, err
	}

	var reply agentReply
	var tokensUsed int
	err = o.workspaces.With(ctx, workspace.Options{
		Owner:  req.Owner,
		Repo:   req.Repo,
		Branch: pr.Head.Ref,
		Mode:   workspace.ModeReadOnly,
		Label:  fmt.Sprintf("review-%d", req.PullNumber),
	}, func(ws workspace.Workspace) error {
		res, runErr := o.runner.Run(ctx, agent.Request{
			Prompt:   buildReviewPrompt(pr, files, contents),
			Workdir:  ws.Dir(),
			Mode:     agent.ModeReadOnly,
			MaxTurns: o.cfg.MaxTurns,
		})
		tokensUsed = res.TokensUsed
		if runErr != nil {
			return fmt.Errorf("reviewer agent: %w", runErr)
		}

		jsonText, ok := agent.ExtractJSON(res.Text)
		if !ok {
			return fmt.Errorf("reviewer agent returned no JSON result")
		}
		if err := json.Unmarshal([]byte(jsonText), &reply); err != nil {
			return fmt.Errorf("parsing reviewer result: %w", err)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	issues := validIssues(reply.Issues)
	return o.submitAndPersist(ctx, req, pr, files, issues, reply.Summary, tokensUsed)
}

// fetchContents pulls the head-ref contents of each changed file in bounded
// parallel, for embedding in the prompt. Deleted files are skipped.
func (o *Orchestrator) fetchContents(ctx context.Context, req Request, headSHA string, files []github.PullRequestFile) (map[string]string, error) {
	contents := make(map[string]string, len(files))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(contentFetchParallel)
	for _, file := range files {
		if file.Status == "removed" {
			continue
		}
		file := file
		g.Go(func() error {
			raw, ok, err := o.platform.GetRawContent(gctx, req.Owner, req.Repo, file.Filename, headSHA)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", file.Filename, err)
			}
			if !ok {
				return nil // deleted between listing and fetch
			}
			if len(raw) > maxContextBytes {
				raw = raw[:maxContextBytes]
			}
			mu.Lock()
			contents[file.Filename] = string(raw)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return contents, nil
}

// submitAndPersist formats the findings, submits the platform review, and
// records the pass. Zero issues is the successful APPROVE case.
func (o *Orchestrator) submitAndPersist(ctx context.Context, req Request, pr *github.PullRequest, files []github.PullRequestFile, issues []domain.Issue, summary string, tokensUsed int) (Result, error) {
	parsed := parseDiffs(files)

	comments, bodyOnly := buildComments(issues, parsed)
	input := github.CreateReviewRequest{
		CommitID: pr.Head.SHA,
		Event:    reviewEvent(issues),
		Body:     buildSummary(summary, issues, bodyOnly),
		Comments: comments,
	}

	platformReview, err := o.platform.CreateReview(ctx, req.Owner, req.Repo, req.PullNumber, input)
	if err != nil {
		return Result{}, fmt.Errorf("submitting review: %w", err)
	}

	reviewID := uuid.NewString()
	record := store.ReviewRecord{
		ReviewID:         reviewID,
		Owner:            req.Owner,
		Repo:             req.Repo,
		PullNumber:       req.PullNumber,
		HeadSHA:          pr.Head.SHA,
		Kind:             req.Kind,
		PlatformReviewID: platformReview.ID,
		TokensUsed:       tokensUsed,
		CreatedAt:        time.Now(),
	}
	if err := o.store.SaveReview(ctx, record); err != nil {
		return Result{}, fmt.Errorf("persisting review: %w", err)
	}

	if err := o.persistIssueComments(ctx, req, reviewID, issues); err != nil {
		// The review is already on the platform; losing the comment links
		// degrades matching, not correctness.
		o.logger.LogError(ctx, "persisting issue comments failed", map[string]interface{}{
			"reviewID": reviewID,
			"error":    err.Error(),
		})
	}

	o.deactivateStaleLocks(ctx, req, issues)

	return Result{
		ReviewID:         reviewID,
		PlatformReviewID: platformReview.ID,
		HeadSHA:          pr.Head.SHA,
		Branch:           pr.Head.Ref,
		Issues:           issues,
		TokensUsed:       tokensUsed,
	}, nil
}

// parseDiffs parses each changed file's patch for position filtering.
func parseDiffs(files []github.PullRequestFile) map[string]diff.ParsedDiff {
	parsed := make(map[string]diff.ParsedDiff)
	for _, file := range files {
		if file.Patch == "" {
			continue
		}
		parsed[file.Filename] = diff.Parse(file.Patch)
	}
	return parsed
}

// persistIssueComments links each issue fingerprint to the inline comment
// the platform created for it, marking the rest body-only.
func (o *Orchestrator) persistIssueComments(ctx context.Context, req Request, reviewID string, issues []domain.Issue) error {
	if len(issues) == 0 {
		return nil
	}

	posted, err := o.platform.ListReviewComments(ctx, req.Owner, req.Repo, req.PullNumber)
	if err != nil {
		return fmt.Errorf("listing review comments: %w", err)
	}

	candidates := make([]match.Comment, 0, len(posted))
	for _, c := range posted {
		if o.cfg.BotLogin != "" && c.User.Login != o.cfg.BotLogin {
			continue
		}
		candidates = append(candidates, match.Comment{
			ID:   c.ID,
			Path: c.Path,
			Line: c.Line,
			Body: c.Body,
		})
	}

	matcher := match.NewMatcher(candidates)
	records := make([]store.IssueComment, 0, len(issues))
	for _, issue := range issues {
		record := store.IssueComment{
			ReviewID:    reviewID,
			Fingerprint: domain.Fingerprint(issue),
			File:        issue.File,
			Line:        issue.Line,
		}
		if comment, ok := matcher.Match(issue); ok {
			record.CommentID = comment.ID
		} else {
			record.BodyOnly = true
		}
		records = append(records, record)
	}
	return o.store.SaveIssueComments(ctx, records)
}

// deactivateStaleLocks releases clarification locks whose fingerprint no
// longer appears in the current findings: the underlying issue is gone, so
// the pending question is moot.
func (o *Orchestrator) deactivateStaleLocks(ctx context.Context, req Request, issues []domain.Issue) {
	locks, err := o.store.ListActiveClarificationLocks(ctx, req.Owner, req.Repo, req.PullNumber)
	if err != nil {
		o.logger.LogWarning(ctx, "listing clarification locks failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if len(locks) == 0 {
		return
	}

	current := make(map[string]bool, len(issues))
	for _, issue := range issues {
		current[domain.Fingerprint(issue)] = true
	}

	for _, lock := range locks {
		if current[lock.Fingerprint] {
			continue
		}
		if err := o.store.DeactivateClarificationLock(ctx, req.Owner, req.Repo, req.PullNumber, lock.Fingerprint); err != nil {
			o.logger.LogWarning(ctx, "deactivating stale clarification lock failed", map[string]interface{}{
				"fingerprint": lock.Fingerprint,
				"error":       err.Error(),
			})
		}
	}
}

// validIssues drops entries with unrecognized types or severities rather
// than failing the pass.
func validIssues(issues []domain.Issue) []domain.Issue {
	valid := make([]domain.Issue, 0, len(issues))
	for _, issue := range issues {
		if issue.Message == "" {
			continue
		}
		valid = append(valid, issue)
	}
	return valid
}
