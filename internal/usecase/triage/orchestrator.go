// Package triage drives auto-remediation after a review that produced
// issues: one fix attempt per candidate issue, one commit per successful fix,
// at most one push per cycle. Per-issue failures downgrade to skipped so a
// single bad issue cannot abort the batch.
package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mendbot/mendbot/internal/adapter/agent"
	"github.com/mendbot/mendbot/internal/adapter/github"
	"github.com/mendbot/mendbot/internal/domain"
	"github.com/mendbot/mendbot/internal/observability"
	"github.com/mendbot/mendbot/internal/store"
	"github.com/mendbot/mendbot/internal/workspace"
)

const (
	defaultLockTTL           = 30 * time.Minute
	defaultMaxTurns          = 30
	defaultMaxIssuesPerCycle = 10
	defaultMaxFixAttempts    = 3
)

// Status classifies one fix attempt's outcome.
type Status string

const (
	// StatusFixed means the agent produced edits that were committed.
	StatusFixed Status = "fixed"
	// StatusNeedsClarification means a question is pending a human answer.
	StatusNeedsClarification Status = "needs_clarification"
	// StatusCannotFix means the agent declined; the issue may retry next cycle.
	StatusCannotFix Status = "cannot_fix"
	// StatusSkipped means the issue was not attempted this cycle.
	StatusSkipped Status = "skipped"
)

// Platform is the hosting-platform surface triage consumes for replies.
type Platform interface {
	ReplyToComment(ctx context.Context, owner, repo string, pullNumber int, commentID int64, body string) (*github.ReviewComment, error)
	ListReviewThreads(ctx context.Context, owner, repo string, pullNumber int) (map[int64]string, error)
	ResolveThread(ctx context.Context, threadID string) error
	CreateIssueComment(ctx context.Context, owner, repo string, pullNumber int, body string) (*github.IssueComment, error)
}

// Workspaces acquires disposable clones.
type Workspaces interface {
	With(ctx context.Context, opts workspace.Options, fn func(ws workspace.Workspace) error) error
}

// Config tunes the triage pipeline.
type Config struct {
	AutofixEnabled    bool
	MaxIssuesPerCycle int
	MaxFixAttempts    int
	MaxTurns          int
	LockTTL           time.Duration
}

// Request carries a successful review's findings into triage.
type Request struct {
	Owner      string
	Repo       string
	PullNumber int
	ReviewID   string
	Branch     string
	Issues     []domain.Issue
}

// Outcome is the result of one issue's fix attempt.
type Outcome struct {
	Issue       domain.Issue
	Fingerprint string
	Status      Status
	CommitSHA   string
	Question    string
	Reason      string
	CommentID   int64 // inline comment linked at review time; 0 when body-only
}

// Result is the structured mixed outcome of one triage cycle.
type Result struct {
	Outcomes   []Outcome
	Fixed      int
	Skipped    int
	Waiting    int
	Failed     int
	Pushed     bool
	TokensUsed int
	SkippedRun bool
	SkipReason string
}

// Orchestrator drives one triage cycle. Safe for concurrent use across PRs.
type Orchestrator struct {
	platform   Platform
	workspaces Workspaces
	runner     agent.Runner
	store      store.Store
	logger     observability.Logger
	cfg        Config
}

// NewOrchestrator wires the triage pipeline.
func NewOrchestrator(platform Platform, workspaces Workspaces, runner agent.Runner, st store.Store, logger observability.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	if cfg.MaxIssuesPerCycle <= 0 {
		cfg.MaxIssuesPerCycle = defaultMaxIssuesPerCycle
	}
	if cfg.MaxFixAttempts <= 0 {
		cfg.MaxFixAttempts = defaultMaxFixAttempts
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

// fixReply is the strict-JSON shape the fixer agent must return.
type fixReply struct {
	Status        string `json:"status"`
	CommitMessage string `json:"commit_message"`
	Question      string `json:"question"`
	Reason        string `json:"reason"`
}

// Run executes one triage cycle over the review's findings.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	if len(req.Issues) == 0 {
		return Result{SkippedRun: true, SkipReason: "no issues to triage"}, nil
	}

	lockKey := domain.TriageLockKey(req.Owner, req.Repo, req.PullNumber)
	if err := o.store.CreateExecutionLock(ctx, lockKey, o.cfg.LockTTL); err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			o.logger.LogInfo(ctx, "triage already running, skipping duplicate delivery", map[string]interface{}{
				"lockKey": lockKey,
			})
			return Result{SkippedRun: true, SkipReason: "triage already running"}, nil
		}
		return Result{}, fmt.Errorf("acquiring triage lock: %w", err)
	}

	candidates, preSkipped, err := o.selectCandidates(ctx, req)
	if err != nil {
		return Result{}, err
	}

	result := Result{Outcomes: preSkipped}
	commentIDs := o.loadCommentLinks(ctx, req.ReviewID)

	if len(candidates) > 0 {
		err = o.workspaces.With(ctx, workspace.Options{
			Owner:  req.Owner,
			Repo:   req.Repo,
			Branch: req.Branch,
			Mode:   workspace.ModeReadWrite,
			Label:  fmt.Sprintf("triage-%d", req.PullNumber),
		}, func(ws workspace.Workspace) error {
			for _, candidate := range candidates {
				candidate.commentID = commentIDs[candidate.fingerprint]
				result.Outcomes = append(result.Outcomes, o.fixOne(ctx, req, ws, candidate, &result.TokensUsed))
			}

			// Exactly one push per cycle, and only when enabled: with
			// autofix off the commits stay local for diff preview.
			if o.cfg.AutofixEnabled && countFixed(result.Outcomes) > 0 {
				if err := ws.Push(ctx); err != nil {
					return fmt.Errorf("pushing fixes: %w", err)
				}
				result.Pushed = true
			}
			return nil
		})
		if err != nil {
			return Result{}, err
		}
	}

	if o.cfg.AutofixEnabled {
		o.postReplies(ctx, req, result.Outcomes)
	}

	for _, outcome := range result.Outcomes {
		switch outcome.Status {
		case StatusFixed:
			result.Fixed++
		case StatusNeedsClarification:
			result.Waiting++
		case StatusCannotFix:
			result.Failed++
		default:
			result.Skipped++
		}
	}
	return result, nil
}

// candidate pairs an issue with its persisted fix state.
type candidate struct {
	issue       domain.Issue
	fingerprint string
	fix         domain.Fix
	commentID   int64
}

// selectCandidates applies the per-cycle cap and skips fingerprints that are
// locked, terminal, or out of attempts. Exhausted fingerprints move to
// REJECTED so they are never attempted again.
func (o *Orchestrator) selectCandidates(ctx context.Context, req Request) ([]candidate, []Outcome, error) {
	locks, err := o.store.ListActiveClarificationLocks(ctx, req.Owner, req.Repo, req.PullNumber)
	if err != nil {
		return nil, nil, fmt.Errorf("listing clarification locks: %w", err)
	}
	locked := make(map[string]bool, len(locks))
	for _, lock := range locks {
		locked[lock.Fingerprint] = true
	}

	var candidates []candidate
	var skipped []Outcome
	for _, issue := range req.Issues {
		if len(candidates) >= o.cfg.MaxIssuesPerCycle {
			break // deferred to the next trigger
		}
		fingerprint := domain.Fingerprint(issue)

		if locked[fingerprint] {
			skipped = append(skipped, Outcome{
				Issue: issue, Fingerprint: fingerprint,
				Status: StatusSkipped, Reason: "awaiting clarification",
			})
			continue
		}

		fix, err := o.store.GetFix(ctx, req.Owner, req.Repo, req.PullNumber, fingerprint)
		if errors.Is(err, store.ErrNotFound) {
			fix = domain.Fix{
				Owner:       req.Owner,
				Repo:        req.Repo,
				PullNumber:  req.PullNumber,
				Fingerprint: fingerprint,
				State:       domain.FixStatePending,
			}
		} else if err != nil {
			return nil, nil, fmt.Errorf("loading fix state: %w", err)
		}

		switch fix.State {
		case domain.FixStateAccepted, domain.FixStateRejected:
			skipped = append(skipped, Outcome{
				Issue: issue, Fingerprint: fingerprint,
				Status: StatusSkipped, Reason: fmt.Sprintf("fix state is %s", fix.State),
			})
			continue
		case domain.FixStateWaitingForUser:
			skipped = append(skipped, Outcome{
				Issue: issue, Fingerprint: fingerprint,
				Status: StatusSkipped, Reason: "awaiting clarification",
			})
			continue
		}

		if fix.Attempts >= o.cfg.MaxFixAttempts {
			if err := fix.Transition(domain.FixStateRejected); err == nil {
				fix.Reason = fmt.Sprintf("gave up after %d attempts", fix.Attempts)
				fix.UpdatedAt = time.Now()
				if err := o.store.UpsertFix(ctx, fix); err != nil {
					o.logger.LogWarning(ctx, "recording rejected fix failed", map[string]interface{}{
						"fingerprint": fingerprint,
						"error":       err.Error(),
					})
				}
			}
			skipped = append(skipped, Outcome{
				Issue: issue, Fingerprint: fingerprint,
				Status: StatusSkipped, Reason: "attempt ceiling reached",
			})
			continue
		}

		candidates = append(candidates, candidate{issue: issue, fingerprint: fingerprint, fix: fix})
	}
	return candidates, skipped, nil
}

// fixOne runs a single fix attempt. Errors downgrade to a skipped outcome.
func (o *Orchestrator) fixOne(ctx context.Context, req Request, ws workspace.Workspace, cand candidate, tokensUsed *int) Outcome {
	outcome := Outcome{Issue: cand.issue, Fingerprint: cand.fingerprint, CommentID: cand.commentID}

	res, err := o.runner.Run(ctx, agent.Request{
		Prompt:   buildFixPrompt(cand.issue),
		Workdir:  ws.Dir(),
		Mode:     agent.ModeReadWrite,
		MaxTurns: o.cfg.MaxTurns,
	})
	*tokensUsed += res.TokensUsed
	if err != nil {
		o.logger.LogWarning(ctx, "fix attempt failed", map[string]interface{}{
			"fingerprint": cand.fingerprint,
			"error":       err.Error(),
		})
		outcome.Status = StatusSkipped
		outcome.Reason = err.Error()
		o.discard(ctx, ws, cand.fingerprint)
		return outcome
	}

	reply, ok := parseFixReply(res)
	if !ok {
		outcome.Status = StatusSkipped
		outcome.Reason = "fixer returned no usable result"
		o.discard(ctx, ws, cand.fingerprint)
		return outcome
	}

	fix := cand.fix
	fix.Attempts++
	fix.UpdatedAt = time.Now()

	switch reply.Status {
	case string(StatusFixed):
		sha, diff, err := ws.CommitAll(ctx, commitMessage(cand.issue, reply.CommitMessage))
		if err != nil {
			o.logger.LogWarning(ctx, "committing fix failed", map[string]interface{}{
				"fingerprint": cand.fingerprint,
				"error":       err.Error(),
			})
			outcome.Status = StatusSkipped
			outcome.Reason = err.Error()
			o.discard(ctx, ws, cand.fingerprint)
			return outcome
		}
		if err := fix.Transition(domain.FixStateAccepted); err != nil {
			outcome.Status = StatusSkipped
			outcome.Reason = err.Error()
			return outcome
		}
		fix.CommitSHA = sha
		fix.Diff = diff
		outcome.Status = StatusFixed
		outcome.CommitSHA = sha

	case string(StatusNeedsClarification):
		if err := fix.Transition(domain.FixStateWaitingForUser); err != nil {
			outcome.Status = StatusSkipped
			outcome.Reason = err.Error()
			return outcome
		}
		fix.Reason = reply.Question
		outcome.Status = StatusNeedsClarification
		outcome.Question = reply.Question
		o.discard(ctx, ws, cand.fingerprint)

		lock := domain.ClarificationLock{
			Owner:       req.Owner,
			Repo:        req.Repo,
			PullNumber:  req.PullNumber,
			Fingerprint: cand.fingerprint,
			Active:      true,
			// A human reply anywhere in this thread carries the root
			// comment id, which is how the resolver finds the lock.
			CommentID: cand.commentID,
			Question:  reply.Question,
			Context:     cand.issue.Message,
			CreatedAt:   time.Now(),
		}
		if err := o.store.SaveClarificationLock(ctx, lock); err != nil {
			o.logger.LogWarning(ctx, "saving clarification lock failed", map[string]interface{}{
				"fingerprint": cand.fingerprint,
				"error":       err.Error(),
			})
		}

	default: // cannot_fix
		if err := fix.Transition(domain.FixStateFailed); err != nil {
			outcome.Status = StatusSkipped
			outcome.Reason = err.Error()
			return outcome
		}
		fix.Reason = reply.Reason
		outcome.Status = StatusCannotFix
		outcome.Reason = reply.Reason
		o.discard(ctx, ws, cand.fingerprint)
	}

	if err := o.store.UpsertFix(ctx, fix); err != nil {
		o.logger.LogError(ctx, "persisting fix state failed", map[string]interface{}{
			"fingerprint": cand.fingerprint,
			"error":       err.Error(),
		})
	}
	return outcome
}

// parseFixReply extracts the fixer's JSON reply. An unparseable reply that
// still produced file edits counts as fixed: observed side effects beat an
// unparseable self-report.
func parseFixReply(res agent.Result) (fixReply, bool) {
	if jsonText, ok := agent.ExtractJSON(res.Text); ok {
		var reply fixReply
		if err := json.Unmarshal([]byte(jsonText), &reply); err == nil && validStatus(reply.Status) {
			return reply, true
		}
	}
	if len(res.EditedFiles) > 0 {
		return fixReply{Status: string(StatusFixed)}, true
	}
	return fixReply{}, false
}

func validStatus(s string) bool {
	switch Status(s) {
	case StatusFixed, StatusNeedsClarification, StatusCannotFix:
		return true
	default:
		return false
	}
}

// discard drops uncommitted edits so an abandoned attempt cannot leak into
// the next issue's commit.
func (o *Orchestrator) discard(ctx context.Context, ws workspace.Workspace, fingerprint string) {
	dirty, err := ws.HasChanges()
	if err == nil && !dirty {
		return
	}
	if err := ws.Discard(ctx); err != nil {
		o.logger.LogWarning(ctx, "discarding workspace changes failed", map[string]interface{}{
			"fingerprint": fingerprint,
			"error":       err.Error(),
		})
	}
}

// loadCommentLinks maps each fingerprint to the inline comment the review
// pass linked it to. Missing links only cost inline replies, not correctness.
func (o *Orchestrator) loadCommentLinks(ctx context.Context, reviewID string) map[string]int64 {
	links := make(map[string]int64)
	if reviewID == "" {
		return links
	}
	records, err := o.store.GetIssueCommentsByReview(ctx, reviewID)
	if err != nil {
		o.logger.LogWarning(ctx, "loading issue comment links failed", map[string]interface{}{
			"reviewID": reviewID,
			"error":    err.Error(),
		})
		return links
	}
	for _, record := range records {
		if record.CommentID != 0 {
			links[record.Fingerprint] = record.CommentID
		}
	}
	return links
}

func countFixed(outcomes []Outcome) int {
	n := 0
	for _, outcome := range outcomes {
		if outcome.Status == StatusFixed {
			n++
		}
	}
	return n
}

// postReplies reports each outcome on its inline thread, resolving settled
// ones. Outcomes with no matched comment are aggregated into one summary.
// Reply failures are logged and never fail the cycle.
func (o *Orchestrator) postReplies(ctx context.Context, req Request, outcomes []Outcome) {
	threads, err := o.platform.ListReviewThreads(ctx, req.Owner, req.Repo, req.PullNumber)
	if err != nil {
		o.logger.LogWarning(ctx, "listing review threads failed", map[string]interface{}{
			"error": err.Error(),
		})
		threads = map[int64]string{}
	}

	var unmatched []Outcome
	for _, outcome := range outcomes {
		if outcome.Status == StatusSkipped {
			continue
		}
		if outcome.CommentID == 0 {
			unmatched = append(unmatched, outcome)
			continue
		}

		if _, err := o.platform.ReplyToComment(ctx, req.Owner, req.Repo, req.PullNumber, outcome.CommentID, formatReply(outcome)); err != nil {
			o.logger.LogWarning(ctx, "replying to comment failed", map[string]interface{}{
				"commentID": outcome.CommentID,
				"error":     err.Error(),
			})
			continue
		}

		// A settled outcome closes its thread; a pending question keeps it open.
		if outcome.Status == StatusNeedsClarification {
			continue
		}
		threadID, ok := threads[outcome.CommentID]
		if !ok {
			continue
		}
		if err := o.platform.ResolveThread(ctx, threadID); err != nil {
			o.logger.LogWarning(ctx, "resolving thread failed", map[string]interface{}{
				"threadID": threadID,
				"error":    err.Error(),
			})
		}
	}

	if len(unmatched) == 0 {
		return
	}
	if _, err := o.platform.CreateIssueComment(ctx, req.Owner, req.Repo, req.PullNumber, formatSummaryComment(unmatched)); err != nil {
		o.logger.LogWarning(ctx, "posting summary comment failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
