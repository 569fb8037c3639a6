package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendbot/mendbot/internal/adapter/github"
	"github.com/mendbot/mendbot/internal/adapter/remote"
)

// newOriginRepo creates a local repository at <base>/<owner>/<repo>.git with
// one commit on master, so the manager can clone it over the file transport.
func newOriginRepo(t *testing.T, base, owner, repo string) string {
	t.Helper()

	dir := filepath.Join(base, owner, repo+".git")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	r, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"),
		[]byte("package main\n\nfunc main() {}\n"), 0o644))

	wt, err := r.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("main.go")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &gogit.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	return dir
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	base := t.TempDir()
	newOriginRepo(t, base, "acme", "widgets")

	m := NewManager(github.StaticTokenSource(""), nil)
	m.SetCloneBaseURL(base)
	m.baseDir = t.TempDir()
	m.retryConf = remote.RetryConfig{MaxRetries: 0, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}
	return m
}

func TestWith_CloneAndCleanup(t *testing.T) {
	m := newTestManager(t)

	var clonedDir string
	err := m.With(context.Background(), Options{
		Owner: "acme", Repo: "widgets", Branch: "master", Mode: ModeReadOnly,
	}, func(ws Workspace) error {
		clonedDir = ws.Dir()
		assert.Equal(t, "master", ws.Branch())
		_, statErr := os.Stat(filepath.Join(ws.Dir(), "main.go"))
		return statErr
	})
	require.NoError(t, err)

	_, err = os.Stat(clonedDir)
	assert.True(t, os.IsNotExist(err), "workspace dir must be removed after the callback")
}

func TestWith_CleanupOnCallbackError(t *testing.T) {
	m := newTestManager(t)

	var clonedDir string
	wantErr := errors.New("callback exploded")
	err := m.With(context.Background(), Options{
		Owner: "acme", Repo: "widgets", Branch: "master", Mode: ModeReadOnly,
	}, func(ws Workspace) error {
		clonedDir = ws.Dir()
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	_, err = os.Stat(clonedDir)
	assert.True(t, os.IsNotExist(err), "workspace dir must be removed when the callback fails")
}

func TestWith_ReadWritePreparesIdentityAndExcludes(t *testing.T) {
	m := newTestManager(t)
	m.SetBotIdentity("mendbot", "mendbot[bot]@users.noreply.github.com")

	err := m.With(context.Background(), Options{
		Owner: "acme", Repo: "widgets", Branch: "master", Mode: ModeReadWrite,
	}, func(ws Workspace) error {
		c := ws.(*clone)
		cfg, err := c.repo.Config()
		require.NoError(t, err)
		assert.Equal(t, "mendbot", cfg.User.Name)
		assert.Equal(t, "mendbot[bot]@users.noreply.github.com", cfg.User.Email)

		exclude, err := os.ReadFile(filepath.Join(ws.Dir(), ".git", "info", "exclude"))
		require.NoError(t, err)
		assert.Contains(t, string(exclude), "*.core")
		assert.Contains(t, string(exclude), ".mendbot/")
		return nil
	})
	require.NoError(t, err)
}

func TestWith_CloneFailureSurfaces(t *testing.T) {
	m := NewManager(github.StaticTokenSource(""), nil)
	m.SetCloneBaseURL(t.TempDir()) // no repos under it
	m.baseDir = t.TempDir()
	m.retryConf = remote.RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}

	called := false
	err := m.With(context.Background(), Options{
		Owner: "ghost", Repo: "nowhere", Branch: "master", Mode: ModeReadOnly,
	}, func(ws Workspace) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called, "callback must not run when the clone fails")
}

func TestCommitAll(t *testing.T) {
	m := newTestManager(t)

	err := m.With(context.Background(), Options{
		Owner: "acme", Repo: "widgets", Branch: "master", Mode: ModeReadWrite,
	}, func(ws Workspace) error {
		dirty, err := ws.HasChanges()
		require.NoError(t, err)
		assert.False(t, dirty)

		require.NoError(t, os.WriteFile(filepath.Join(ws.Dir(), "main.go"),
			[]byte("package main\n\nfunc main() { println(\"fixed\") }\n"), 0o644))

		dirty, err = ws.HasChanges()
		require.NoError(t, err)
		assert.True(t, dirty)

		sha, diff, err := ws.CommitAll(context.Background(), "fix: handle error return")
		require.NoError(t, err)
		assert.Len(t, sha, 40)
		assert.Contains(t, diff, `println("fixed")`)

		commit, err := ws.(*clone).repo.CommitObject(plumbing.NewHash(sha))
		require.NoError(t, err)
		assert.Equal(t, "fix: handle error return", commit.Message)
		assert.Equal(t, "mendbot", commit.Author.Name)
		return nil
	})
	require.NoError(t, err)
}

func TestDiscard(t *testing.T) {
	m := newTestManager(t)

	err := m.With(context.Background(), Options{
		Owner: "acme", Repo: "widgets", Branch: "master", Mode: ModeReadWrite,
	}, func(ws Workspace) error {
		require.NoError(t, os.WriteFile(filepath.Join(ws.Dir(), "main.go"),
			[]byte("package main\n\nfunc main() { panic(\"broken\") }\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(ws.Dir(), "scratch.txt"),
			[]byte("leftover\n"), 0o644))

		require.NoError(t, ws.Discard(context.Background()))

		dirty, err := ws.HasChanges()
		require.NoError(t, err)
		assert.False(t, dirty)

		_, err = os.Stat(filepath.Join(ws.Dir(), "scratch.txt"))
		assert.True(t, os.IsNotExist(err), "untracked files are removed")
		return nil
	})
	require.NoError(t, err)
}

func TestPushRetrySchedule(t *testing.T) {
	m := NewManager(github.StaticTokenSource(""), nil)

	var delays []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	attempts := 0
	m.pushFn = func(ctx context.Context, c *clone) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("non-fast-forward")
		}
		return nil
	}

	ws := &clone{manager: m}
	err := ws.Push(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{10 * time.Second, 30 * time.Second}, delays,
		"two failures cost 10s + 30s before the third attempt")
}

func TestPushRetryCapSurfacesFailure(t *testing.T) {
	m := NewManager(github.StaticTokenSource(""), nil)

	var delays []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	attempts := 0
	m.pushFn = func(ctx context.Context, c *clone) error {
		attempts++
		return fmt.Errorf("non-fast-forward")
	}

	ws := &clone{manager: m}
	err := ws.Push(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "push failed after 4 attempts")

	assert.Equal(t, 4, attempts)
	assert.Equal(t, []time.Duration{
		10 * time.Second, 30 * time.Second, 60 * time.Second,
	}, delays, "delays grow by a fixed 30s increment")
}

func TestPushStopsOnContextCancel(t *testing.T) {
	m := NewManager(github.StaticTokenSource(""), nil)
	m.pushFn = func(ctx context.Context, c *clone) error {
		return fmt.Errorf("non-fast-forward")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ws := &clone{manager: m}
	err := ws.Push(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
