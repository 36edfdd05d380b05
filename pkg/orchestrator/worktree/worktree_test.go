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

package worktree

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hephaestus/pkg/config"
)

func fakeGit(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "git")
	body := `#!/bin/sh
case "$1 $2" in
  "worktree add") exit 0 ;;
  "worktree remove") exit 0 ;;
  "worktree prune") exit 0 ;;
esac
case "$1" in
  branch) exit 0 ;;
esac
`
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return script
}

func TestManagerCreateDestroy(t *testing.T) {
	repo := t.TempDir()
	base := t.TempDir()
	m := New(config.WorktreeConfig{RepoPath: repo, BaseDir: base, BaseBranch: "main", GitCommand: fakeGit(t)})

	path, err := m.Create(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Contains(t, path, "agent-1")

	require.NoError(t, m.Destroy(context.Background(), "agent-1", path))
}

func TestManagerCleanupOrphaned(t *testing.T) {
	repo := t.TempDir()
	m := New(config.WorktreeConfig{RepoPath: repo, BaseDir: t.TempDir(), BaseBranch: "main", GitCommand: fakeGit(t)})
	assert.NoError(t, m.CleanupOrphaned(context.Background()))
}
