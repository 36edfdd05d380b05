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

package agentmgr

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hephaestus/pkg/config"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/events"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/session"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/worktree"
)

func fakeTmux(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "tmux")
	body := "#!/bin/sh\ncase \"$1\" in\n  new-session) exit 0 ;;\n  send-keys) exit 0 ;;\n  kill-session) exit 0 ;;\nesac\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return script
}

func fakeGit(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "git")
	body := "#!/bin/sh\ncase \"$1 $2\" in\n  \"worktree add\") exit 0 ;;\n  \"worktree remove\") exit 0 ;;\nesac\ncase \"$1\" in\n  branch) exit 0 ;;\nesac\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return script
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	pool := config.NewDBPool()
	cfg := &config.DatabaseConfig{Driver: "sqlite", Database: filepath.Join(t.TempDir(), "test.db")}
	st, err := store.New(context.Background(), pool, cfg)
	require.NoError(t, err)
	return st
}

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	st := newTestStore(t)
	sessions := session.New(config.SessionConfig{TmuxCommand: fakeTmux(t)})
	worktrees := worktree.New(config.WorktreeConfig{RepoPath: t.TempDir(), BaseDir: t.TempDir(), BaseBranch: "main", GitCommand: fakeGit(t)})
	bus := events.NewBus()
	return New(st, sessions, worktrees, bus, []string{"create_task", "create_ticket"}), st
}

// seedWorkflowPhase creates the workflow and phase rows directly (they are
// one-time setup, not part of any per-request transaction) and returns a
// task ready to be created inside the caller's own transaction.
func seedWorkflowPhase(t *testing.T, st *store.Store) (*store.Workflow, *store.Phase) {
	t.Helper()
	ctx := context.Background()

	wf := &store.Workflow{ID: "wf-1", Name: "demo", GoalText: "ship the feature", OnResultFound: store.OnResultStopAll}
	require.NoError(t, st.CreateWorkflow(ctx, wf))

	ph := &store.Phase{ID: 1, WorkflowID: wf.ID, Name: "build", Description: "implement it", DoneDefinitions: []string{"tests pass"}}
	require.NoError(t, st.CreatePhase(ctx, ph))

	return wf, ph
}

func newTask(wf *store.Workflow, ph *store.Phase) *store.Task {
	return &store.Task{
		WorkflowID:     wf.ID,
		PhaseID:        &ph.ID,
		AgentType:      store.AgentTypePhase,
		Description:    "write the handler",
		DoneDefinition: "handler compiles and is tested",
		Priority:       store.PriorityMedium,
		Status:         store.TaskAssigned,
	}
}

func TestManagerSpawnCreatesWorkingAgent(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	wf, ph := seedWorkflowPhase(t, st)
	task := newTask(wf, ph)

	var agent *store.Agent
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := st.CreateTask(ctx, tx, task); err != nil {
			return err
		}
		var spawnErr error
		agent, spawnErr = m.Spawn(ctx, tx, wf, ph, task)
		return spawnErr
	})
	require.NoError(t, err)

	assert.Equal(t, store.AgentWorking, agent.Status)
	assert.NotEmpty(t, agent.SessionName)
	assert.Contains(t, agent.WorktreePath, agent.ID)

	stored, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentWorking, stored.Status)
}

func TestManagerSpawnDiagnosticSkipsWorktreeIsolation(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	wf, ph := seedWorkflowPhase(t, st)
	task := newTask(wf, ph)
	task.AgentType = store.AgentTypeDiagnostic

	var agent *store.Agent
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := st.CreateTask(ctx, tx, task); err != nil {
			return err
		}
		var spawnErr error
		agent, spawnErr = m.Spawn(ctx, tx, wf, ph, task)
		return spawnErr
	})
	require.NoError(t, err)
	assert.Equal(t, store.AgentTypeDiagnostic, agent.AgentType)
	assert.Equal(t, m.MainWorktreePath(), agent.WorktreePath)
}

func TestManagerTerminateIsIdempotentAndFailsOwnedTask(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	wf, ph := seedWorkflowPhase(t, st)
	task := newTask(wf, ph)

	var agent *store.Agent
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := st.CreateTask(ctx, tx, task); err != nil {
			return err
		}
		var spawnErr error
		agent, spawnErr = m.Spawn(ctx, tx, wf, ph, task)
		if spawnErr != nil {
			return spawnErr
		}
		_, err := st.UpdateTaskStatus(ctx, tx, task.ID, agent.ID, store.TaskInProgress, nil)
		return err
	})
	require.NoError(t, err)

	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		return m.Terminate(ctx, tx, agent.ID, "killed by operator", true)
	})
	require.NoError(t, err)

	stored, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentTerminated, stored.Status)

	storedTask, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, storedTask.Status)
	require.NotNil(t, storedTask.FailureReason)
	assert.Equal(t, "killed by operator", *storedTask.FailureReason)

	// Terminating again is a no-op, not an error.
	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		return m.Terminate(ctx, tx, agent.ID, "second call", true)
	})
	require.NoError(t, err)
}
