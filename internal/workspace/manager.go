// Package workspace acquires disposable local clones of PR branches. A
// workspace is exclusively owned by one orchestrator run and always cleaned
// up, whatever the callback does.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/mendbot/mendbot/internal/adapter/github"
	"github.com/mendbot/mendbot/internal/adapter/remote"
	"github.com/mendbot/mendbot/internal/observability"
)

// Mode controls whether the workspace may produce commits.
type Mode string

const (
	// ModeReadOnly is for review passes; no commit identity is configured.
	ModeReadOnly Mode = "read_only"
	// ModeReadWrite additionally configures the bot identity and local
	// ignore patterns so triage can commit safely.
	ModeReadWrite Mode = "read_write"
)

const (
	defaultBotName  = "mendbot"
	defaultBotEmail = "mendbot[bot]@users.noreply.github.com"

	// Push retries follow a linear schedule to ride out a human pushing to
	// the same branch: 10s before the first retry, then 30s, 60s, 90s.
	defaultMaxPushAttempts = 4
)

// Patterns appended to .git/info/exclude in read-write mode so crash
// artifacts and agent state never end up in a commit.
var localExcludes = []string{"core", "core.*", "*.core", ".mendbot/"}

// Options selects what to clone and how.
type Options struct {
	Owner  string
	Repo   string
	Branch string
	Mode   Mode
	Label  string // distinguishes concurrent runs in the temp dir name
}

// Workspace is a live clone handed to the With callback.
type Workspace interface {
	// Dir is the absolute path of the clone.
	Dir() string
	// Branch is the checked-out branch name.
	Branch() string
	// HasChanges reports whether the worktree differs from HEAD.
	HasChanges() (bool, error)
	// CommitAll stages every change, captures the staged diff text, and
	// commits. Returns the commit SHA and the diff.
	CommitAll(ctx context.Context, message string) (sha, diff string, err error)
	// Discard throws away all uncommitted changes, including new files.
	Discard(ctx context.Context) error
	// Push uploads the branch, retrying on the linear schedule.
	Push(ctx context.Context) error
}

// Manager clones PR branches into temporary directories.
type Manager struct {
	tokens       github.TokenSource
	cloneBaseURL string
	baseDir      string
	botName      string
	botEmail     string
	logger       observability.Logger
	retryConf    remote.RetryConfig

	maxPushAttempts int
	sleep           func(ctx context.Context, d time.Duration) error
	pushFn          func(ctx context.Context, c *clone) error
}

// NewManager creates a workspace manager that authenticates clones and
// pushes with tokens from the source.
func NewManager(tokens github.TokenSource, logger observability.Logger) *Manager {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	m := &Manager{
		tokens:          tokens,
		cloneBaseURL:    "https://github.com",
		baseDir:         os.TempDir(),
		botName:         defaultBotName,
		botEmail:        defaultBotEmail,
		logger:          logger,
		retryConf:       remote.DefaultRetryConfig(),
		maxPushAttempts: defaultMaxPushAttempts,
		sleep:           sleepContext,
	}
	m.pushFn = pushOnce
	return m
}

// SetCloneBaseURL sets a custom clone URL prefix (for testing).
func (m *Manager) SetCloneBaseURL(url string) {
	m.cloneBaseURL = url
}

// SetBotIdentity overrides the commit author used in read-write mode.
func (m *Manager) SetBotIdentity(name, email string) {
	m.botName = name
	m.botEmail = email
}

// clone is the live Workspace backed by a real repository on disk.
type clone struct {
	dir     string
	branch  string
	repo    *gogit.Repository
	auth    transport.AuthMethod
	manager *Manager
}

// With acquires a workspace, invokes fn, and removes the clone directory on
// every exit path.
func (m *Manager) With(ctx context.Context, opts Options, fn func(ws Workspace) error) error {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquiring clone credential: %w", err)
	}
	var auth transport.AuthMethod
	if token != "" {
		auth = &githttp.BasicAuth{Username: "x-access-token", Password: token}
	}

	label := opts.Label
	if label == "" {
		label = "run"
	}
	dir, err := os.MkdirTemp(m.baseDir, fmt.Sprintf("mendbot-%s-%s-", opts.Repo, label))
	if err != nil {
		return fmt.Errorf("creating workspace dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			m.logger.LogWarning(ctx, "workspace cleanup failed", map[string]interface{}{
				"dir":   dir,
				"error": rmErr.Error(),
			})
		}
	}()

	repo, err := m.cloneRepo(ctx, dir, opts, auth)
	if err != nil {
		return err
	}

	ws := &clone{
		dir:     dir,
		branch:  opts.Branch,
		repo:    repo,
		auth:    auth,
		manager: m,
	}

	if opts.Mode == ModeReadWrite {
		if err := ws.prepareForCommits(); err != nil {
			return err
		}
	}

	return fn(ws)
}

// cloneRepo performs a shallow single-branch clone, retried across transient
// platform failures.
func (m *Manager) cloneRepo(ctx context.Context, dir string, opts Options, auth transport.AuthMethod) (*gogit.Repository, error) {
	url := fmt.Sprintf("%s/%s/%s.git", m.cloneBaseURL, opts.Owner, opts.Repo)

	var repo *gogit.Repository
	err := remote.RetryWithBackoff(ctx, func(ctx context.Context) error {
		// A failed attempt leaves a partial .git; start each attempt clean.
		if err := clearDir(dir); err != nil {
			return fmt.Errorf("resetting workspace dir: %w", err)
		}

		cloned, err := gogit.PlainCloneContext(ctx, dir, false, &gogit.CloneOptions{
			URL:           url,
			Auth:          auth,
			ReferenceName: plumbing.NewBranchReferenceName(opts.Branch),
			SingleBranch:  true,
			Depth:         1,
		})
		if err != nil {
			return remote.NewTimeoutError("git", fmt.Sprintf("clone %s/%s@%s: %v", opts.Owner, opts.Repo, opts.Branch, err))
		}
		repo = cloned
		return nil
	}, m.retryConf)
	if err != nil {
		return nil, fmt.Errorf("cloning %s/%s: %w", opts.Owner, opts.Repo, err)
	}
	return repo, nil
}

func (c *clone) Dir() string {
	return c.dir
}

func (c *clone) Branch() string {
	return c.branch
}

// prepareForCommits sets the bot commit identity and local exclusions.
func (c *clone) prepareForCommits() error {
	cfg, err := c.repo.Config()
	if err != nil {
		return fmt.Errorf("reading repo config: %w", err)
	}
	cfg.User.Name = c.manager.botName
	cfg.User.Email = c.manager.botEmail
	if err := c.repo.SetConfig(cfg); err != nil {
		return fmt.Errorf("setting commit identity: %w", err)
	}

	excludePath := filepath.Join(c.dir, ".git", "info", "exclude")
	if err := os.MkdirAll(filepath.Dir(excludePath), 0o755); err != nil {
		return fmt.Errorf("preparing exclude file: %w", err)
	}
	f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening exclude file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString("\n" + strings.Join(localExcludes, "\n") + "\n"); err != nil {
		return fmt.Errorf("writing exclude patterns: %w", err)
	}
	return nil
}

func (c *clone) HasChanges() (bool, error) {
	wt, err := c.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("opening worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("reading status: %w", err)
	}
	return !status.IsClean(), nil
}

func (c *clone) CommitAll(ctx context.Context, message string) (string, string, error) {
	wt, err := c.repo.Worktree()
	if err != nil {
		return "", "", fmt.Errorf("opening worktree: %w", err)
	}

	if err := wt.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
		return "", "", fmt.Errorf("staging changes: %w", err)
	}

	// go-git has no staged-diff encoder; shell out the way the rest of the
	// toolchain does.
	diff, err := runGit(ctx, c.dir, "diff", "--cached")
	if err != nil {
		return "", "", fmt.Errorf("capturing staged diff: %w", err)
	}

	hash, err := wt.Commit(message, &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  c.manager.botName,
			Email: c.manager.botEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("committing: %w", err)
	}

	return hash.String(), diff, nil
}

// Discard resets the worktree to HEAD and removes untracked files, so one
// abandoned attempt cannot leak into the next commit.
func (c *clone) Discard(ctx context.Context) error {
	if _, err := runGit(ctx, c.dir, "reset", "--hard", "HEAD"); err != nil {
		return fmt.Errorf("discarding changes: %w", err)
	}
	if _, err := runGit(ctx, c.dir, "clean", "-fd"); err != nil {
		return fmt.Errorf("removing untracked files: %w", err)
	}
	return nil
}

// pushRetryDelay is the wait before retry n (1-indexed): 10s, then 30s more
// each time.
func pushRetryDelay(retry int) time.Duration {
	if retry <= 1 {
		return 10 * time.Second
	}
	return time.Duration(retry-1) * 30 * time.Second
}

// Push uploads the branch, retrying on the linear schedule to let a racing
// human push settle. After the attempt cap the failure is reported, never
// silently dropped.
func (c *clone) Push(ctx context.Context) error {
	m := c.manager
	var lastErr error
	for attempt := 1; attempt <= m.maxPushAttempts; attempt++ {
		if attempt > 1 {
			delay := pushRetryDelay(attempt - 1)
			m.logger.LogWarning(ctx, "push failed, retrying", map[string]interface{}{
				"attempt": attempt - 1,
				"delay":   delay.String(),
				"error":   lastErr.Error(),
			})
			if err := m.sleep(ctx, delay); err != nil {
				return err
			}
		}

		lastErr = m.pushFn(ctx, c)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("push failed after %d attempts: %w", m.maxPushAttempts, lastErr)
}

func pushOnce(ctx context.Context, c *clone) error {
	err := c.repo.PushContext(ctx, &gogit.PushOptions{Auth: c.auth})
	if err == gogit.NoErrAlreadyUpToDate {
		return nil
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func runGit(ctx context.Context, repoDir string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", repoDir}, args...)
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("git %v: %w", args, ctx.Err())
		}
		if stderr.Len() > 0 {
			err = fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("git %v: %w", args, err)
	}
	return stdout.String(), nil
}
