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

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalOrchestratorYAML = `
name: demo
goal_text: "Migrate the auth middleware"
llms:
  default:
    type: anthropic
    model: claude-sonnet-4-20250514
    api_key: ${TEST_LLM_KEY}
database:
  driver: sqlite
  database: ./demo.db
worktree:
  repo_path: .
phases:
  - name: implementation
    done_definitions:
      - tests pass
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadOrchestratorConfigFileExpandsEnvAndDefaults(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-test-123")

	cfg, loader, err := LoadOrchestratorConfigFile(context.Background(), writeConfig(t, minimalOrchestratorYAML))
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, "demo", cfg.Name)
	assert.Equal(t, "sk-test-123", cfg.LLMs.Default.APIKey, "${VAR} must be expanded from the environment")

	// SetDefaults filled in the operational knobs.
	assert.Equal(t, "stop_all", cfg.OnResultFound)
	assert.Equal(t, "tmux", cfg.Session.TmuxCommand)
	assert.Equal(t, 0.92, cfg.Queue.SimThreshold)
	assert.NotZero(t, cfg.Queue.MaxConcurrentAgents)
	assert.NotEmpty(t, cfg.Board.Columns)
}

func TestOrchestratorConfigValidateFailsLoudly(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-test-123")

	llms := `
llms:
  default:
    type: anthropic
    model: claude-sonnet-4-20250514
    api_key: k
`
	database := `
database:
  driver: sqlite
  database: ./demo.db
`
	phases := `
phases:
  - name: implementation
`
	worktree := `
worktree:
  repo_path: .
`
	goal := "goal_text: \"do the thing\"\n"

	cases := []struct {
		name    string
		content string
	}{
		{"missing goal_text", llms + database + phases + worktree},
		{"missing phases", goal + llms + database + worktree},
		{"missing llms", goal + database + phases + worktree},
		{"missing database", goal + llms + phases + worktree},
		{"missing worktree repo_path", goal + llms + database + phases},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := LoadOrchestratorConfigFile(context.Background(), writeConfig(t, tc.content))
			require.Error(t, err, "an unusable config must fail at startup, not silently degrade")
		})
	}
}

func TestDuplicatePhaseNamesRejected(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-test-123")
	content := minimalOrchestratorYAML + `  - name: implementation
    done_definitions:
      - twice
`
	_, _, err := LoadOrchestratorConfigFile(context.Background(), writeConfig(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate phase name")
}

func TestMultiProviderResolvedFallsBackToDefault(t *testing.T) {
	m := &MultiProviderConfig{
		Default: &LLMProviderConfig{Type: "openai", Model: "gpt-4o", APIKey: "k", Host: "https://api.openai.com/v1"},
		Routes: map[string]*LLMProviderConfig{
			"guardian_analysis": {Type: "anthropic", Model: "claude-sonnet-4-20250514", APIKey: "k2", Host: "https://api.anthropic.com"},
		},
	}
	resolved, err := m.Resolved("guardian_analysis", "task_enrichment")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", resolved["guardian_analysis"].Type)
	assert.Equal(t, "openai", resolved["task_enrichment"].Type)

	empty := &MultiProviderConfig{Routes: map[string]*LLMProviderConfig{}}
	_, err = empty.Resolved("conductor_analysis")
	require.Error(t, err, "an unrouted component with no default must fail loudly")
}
