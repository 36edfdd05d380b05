// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package worktree gives every spawned agent its
// own disjoint filesystem view of the same git repository via `git
// worktree`, so concurrent agents never clobber each other's working tree.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kadirpekel/hephaestus/pkg/config"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
)

// Manager creates and destroys per-agent git worktrees rooted at one
// shared repository.
type Manager struct {
	git        string
	repoPath   string
	baseDir    string
	baseBranch string
}

// New builds a Manager from the orchestrator's worktree config.
func New(cfg config.WorktreeConfig) *Manager {
	git := cfg.GitCommand
	if git == "" {
		git = "git"
	}
	return &Manager{git: git, repoPath: cfg.RepoPath, baseDir: cfg.BaseDir, baseBranch: cfg.BaseBranch}
}

func (m *Manager) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, m.git, args...)
	cmd.Dir = dir
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errs.Wrap(errs.ExternalUnavailable, fmt.Sprintf("git %s", strings.Join(args, " ")), fmt.Errorf("%w: %s", err, stderr.String()))
	}
	return out.String(), nil
}

// Create checks out a new worktree and branch for agentID, named so two
// agents never collide, and returns its absolute path.
func (m *Manager) Create(ctx context.Context, agentID string) (string, error) {
	path := filepath.Join(m.baseDir, agentID)
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errs.Wrap(errs.ExternalUnavailable, "create worktree parent dir", err)
	}
	branch := "agent/" + agentID
	if _, err := m.run(ctx, m.repoPath, "worktree", "add", "-b", branch, path, m.baseBranch); err != nil {
		return "", err
	}
	return path, nil
}

// Destroy removes an agent's worktree and its branch. Safe to call on a
// worktree that was already removed.
func (m *Manager) Destroy(ctx context.Context, agentID, path string) error {
	if path == "" {
		path = filepath.Join(m.baseDir, agentID)
	}
	if _, err := m.run(ctx, m.repoPath, "worktree", "remove", "--force", path); err != nil {
		if !strings.Contains(err.Error(), "not a working tree") && !strings.Contains(err.Error(), "no such file") {
			return err
		}
	}
	branch := "agent/" + agentID
	if _, err := m.run(ctx, m.repoPath, "branch", "-D", branch); err != nil {
		if !strings.Contains(err.Error(), "not found") {
			return err
		}
	}
	return nil
}

// CleanupOrphaned prunes worktree metadata for directories git no longer
// considers valid (e.g. a crash left a stale registration), used at
// startup alongside session orphan reconciliation.
func (m *Manager) CleanupOrphaned(ctx context.Context) error {
	_, err := m.run(ctx, m.repoPath, "worktree", "prune")
	return err
}

// Path returns the filesystem path an agent's worktree would live at,
// without checking it exists.
func (m *Manager) Path(agentID string) string {
	path := filepath.Join(m.baseDir, agentID)
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
