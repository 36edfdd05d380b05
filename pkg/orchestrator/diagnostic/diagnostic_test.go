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

package diagnostic

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hephaestus/pkg/config"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/agentmgr"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/events"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/session"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/worktree"
	"github.com/kadirpekel/hephaestus/pkg/testutils"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, *store.Workflow, *store.Phase) {
	t.Helper()
	st := testutils.NewStore(t)
	wf, ph := testutils.SeedWorkflow(t, st)

	sessions := session.New(testutils.SessionConfig(t))
	worktrees := worktree.New(testutils.WorktreeConfig(t))
	agents := agentmgr.New(st, sessions, worktrees, events.NewBus(), nil)

	cfg := config.MonitoringConfig{DiagnosticCooldownSecs: 60, DiagnosticStuckSecs: 60}
	return New(st, agents, cfg), st, wf, ph
}

// seedTerminalTask creates a task that finished long enough ago to count as
// stalled.
func seedTerminalTask(t *testing.T, st *store.Store, wf *store.Workflow, ph *store.Phase, status store.TaskStatus, endedAgo time.Duration) *store.Task {
	t.Helper()
	ctx := context.Background()
	ended := time.Now().UTC().Add(-endedAgo)
	task := &store.Task{
		WorkflowID:     wf.ID,
		PhaseID:        &ph.ID,
		Description:    "old finished work",
		DoneDefinition: "done",
		Priority:       store.PriorityMedium,
		Status:         status,
		AgentType:      store.AgentTypePhase,
		CreatedAt:      ended,
		CompletedAt:    &ended,
	}
	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.CreateTask(ctx, tx, task)
	}))
	return task
}

func TestNoTriggerWithoutTasks(t *testing.T) {
	e, _, wf, _ := newTestEngine(t)

	run, err := e.CheckAndTrigger(context.Background(), wf)
	require.NoError(t, err)
	assert.Nil(t, run, "an empty workflow is not stalled, it just hasn't started")
}

func TestNoTriggerWhileTasksLive(t *testing.T) {
	e, st, wf, ph := newTestEngine(t)
	ctx := context.Background()

	live := &store.Task{
		WorkflowID:     wf.ID,
		PhaseID:        &ph.ID,
		Description:    "still running",
		DoneDefinition: "done",
		Priority:       store.PriorityMedium,
		Status:         store.TaskInProgress,
		AgentType:      store.AgentTypePhase,
		CreatedAt:      time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.CreateTask(ctx, tx, live)
	}))

	run, err := e.CheckAndTrigger(ctx, wf)
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestNoTriggerWithinStuckWindow(t *testing.T) {
	e, st, wf, ph := newTestEngine(t)

	// Everything terminal, but it finished seconds ago.
	seedTerminalTask(t, st, wf, ph, store.TaskDone, 5*time.Second)

	run, err := e.CheckAndTrigger(context.Background(), wf)
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestTriggerSpawnsDoctorAndRecordsRun(t *testing.T) {
	e, st, wf, ph := newTestEngine(t)
	ctx := context.Background()

	seedTerminalTask(t, st, wf, ph, store.TaskFailed, 10*time.Minute)

	run, err := e.CheckAndTrigger(ctx, wf)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, store.DiagnosticRunning, run.Status)
	assert.NotEmpty(t, run.TriggerStats)

	// A doctor agent is live, with no worktree isolation of its own.
	working, err := st.ListWorkingAgents(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, working, 1)
	assert.Equal(t, store.AgentTypeDiagnostic, working[0].AgentType)

	stored, err := st.LastDiagnosticRun(ctx, wf.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, run.ID, stored.ID)
}

func TestCooldownBlocksBackToBackRuns(t *testing.T) {
	e, st, wf, ph := newTestEngine(t)
	ctx := context.Background()

	seedTerminalTask(t, st, wf, ph, store.TaskFailed, 10*time.Minute)

	first, err := e.CheckAndTrigger(ctx, wf)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := e.CheckAndTrigger(ctx, wf)
	require.NoError(t, err)
	assert.Nil(t, second, "a second doctor within the cooldown window is not spawned")
}

func TestValidatedResultSuppressesDiagnostic(t *testing.T) {
	e, st, wf, ph := newTestEngine(t)
	ctx := context.Background()

	seedTerminalTask(t, st, wf, ph, store.TaskDone, 10*time.Minute)

	r := &store.WorkflowResult{WorkflowID: wf.ID, AgentID: "agent-1", MarkdownPath: "results/final.md", MarkdownContent: "# Done"}
	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := st.CreateWorkflowResult(ctx, tx, r); err != nil {
			return err
		}
		return st.SetWorkflowResultValidated(ctx, tx, r.ID, "validator-1")
	}))

	run, err := e.CheckAndTrigger(ctx, wf)
	require.NoError(t, err)
	assert.Nil(t, run, "a validated result means the workflow finished, not stalled")
}
