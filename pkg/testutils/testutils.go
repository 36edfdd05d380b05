// Package testutils provides shared helpers for orchestrator tests: a
// throwaway sqlite-backed store, fake tmux/git executables, and seed rows
// for a workflow with one phase.
package testutils

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hephaestus/pkg/config"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
)

// NewStore opens a fresh sqlite-backed store under t.TempDir.
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	pool := config.NewDBPool()
	t.Cleanup(func() { _ = pool.Close() })
	st, err := store.New(context.Background(), pool, &config.DatabaseConfig{
		Driver:   "sqlite",
		Database: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	return st
}

// SeedWorkflow creates a workflow with a single phase and returns both.
func SeedWorkflow(t *testing.T, st *store.Store) (*store.Workflow, *store.Phase) {
	t.Helper()
	ctx := context.Background()
	wf := &store.Workflow{
		ID:            "wf-test",
		Name:          "test",
		GoalText:      "ship the feature",
		OnResultFound: store.OnResultStopAll,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, st.CreateWorkflow(ctx, wf))
	ph := &store.Phase{
		ID:              1,
		WorkflowID:      wf.ID,
		Name:            "build",
		Description:     "implement it",
		DoneDefinitions: []string{"tests pass"},
	}
	require.NoError(t, st.CreatePhase(ctx, ph))
	return wf, ph
}

// FakeTmux writes a stub tmux executable that accepts the subcommands the
// session driver issues and returns its path.
func FakeTmux(t *testing.T) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "tmux")
	body := `#!/bin/sh
case "$1" in
  new-session|send-keys|kill-session) exit 0 ;;
  has-session) exit 0 ;;
  capture-pane) echo "working on the task"; exit 0 ;;
  list-sessions) exit 0 ;;
esac
exit 0
`
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return script
}

// FakeGit writes a stub git executable that accepts the worktree
// subcommands the worktree manager issues and returns its path.
func FakeGit(t *testing.T) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "git")
	body := `#!/bin/sh
case "$1 $2" in
  "worktree add"|"worktree remove"|"worktree prune") exit 0 ;;
esac
case "$1" in
  branch) exit 0 ;;
esac
exit 0
`
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return script
}

// SessionConfig returns a session config pointing at the fake tmux.
func SessionConfig(t *testing.T) config.SessionConfig {
	t.Helper()
	return config.SessionConfig{TmuxCommand: FakeTmux(t)}
}

// WorktreeConfig returns a worktree config pointing at the fake git.
func WorktreeConfig(t *testing.T) config.WorktreeConfig {
	t.Helper()
	return config.WorktreeConfig{
		RepoPath:   t.TempDir(),
		BaseDir:    t.TempDir(),
		BaseBranch: "main",
		GitCommand: FakeGit(t),
	}
}
