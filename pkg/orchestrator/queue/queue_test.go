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

package queue

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hephaestus/pkg/config"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/agentmgr"
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

func newTestEngine(t *testing.T, maxConcurrent int) (*Engine, *store.Store, *store.Workflow, *store.Phase) {
	t.Helper()
	ctx := context.Background()

	pool := config.NewDBPool()
	st, err := store.New(ctx, pool, &config.DatabaseConfig{Driver: "sqlite", Database: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)

	sessions := session.New(config.SessionConfig{TmuxCommand: fakeTmux(t)})
	worktrees := worktree.New(config.WorktreeConfig{RepoPath: t.TempDir(), BaseDir: t.TempDir(), BaseBranch: "main", GitCommand: fakeGit(t)})
	bus := events.NewBus()
	mgr := agentmgr.New(st, sessions, worktrees, bus, []string{"create_task"})

	wf := &store.Workflow{ID: "wf-1", Name: "demo", GoalText: "ship the feature", OnResultFound: store.OnResultStopAll}
	require.NoError(t, st.CreateWorkflow(ctx, wf))
	ph := &store.Phase{ID: 1, WorkflowID: wf.ID, Name: "build", Description: "implement it", DoneDefinitions: []string{"tests pass"}}
	require.NoError(t, st.CreatePhase(ctx, ph))

	cfg := config.QueueConfig{MaxConcurrentAgents: maxConcurrent, SimThreshold: 0.92}
	return New(st, nil, nil, mgr, bus, cfg), st, wf, ph
}

func TestCreateTaskSpawnsImmediatelyUnderCapacity(t *testing.T) {
	e, _, wf, ph := newTestEngine(t, 3)
	ctx := context.Background()

	res, err := e.CreateTask(ctx, CreateRequest{
		WorkflowID:     wf.ID,
		PhaseID:        &ph.ID,
		Description:    "write the handler",
		DoneDefinition: "handler compiles and is tested",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Equal(t, store.TaskAssigned, res.Task.Status)
	require.NotNil(t, res.Task.AssignedAgentID)
}

func TestCreateTaskQueuesOverCapacity(t *testing.T) {
	e, _, wf, ph := newTestEngine(t, 1)
	ctx := context.Background()

	first, err := e.CreateTask(ctx, CreateRequest{WorkflowID: wf.ID, PhaseID: &ph.ID, Description: "task one", DoneDefinition: "done one"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, first.Outcome)

	second, err := e.CreateTask(ctx, CreateRequest{WorkflowID: wf.ID, PhaseID: &ph.ID, Description: "task two", DoneDefinition: "done two"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, second.Outcome)
	assert.Equal(t, store.TaskQueued, second.Task.Status)
	require.NotNil(t, second.Task.QueuePosition)
	assert.Equal(t, 1, *second.Task.QueuePosition)
}

func TestProcessQueueNeverExceedsCapacity(t *testing.T) {
	e, st, wf, ph := newTestEngine(t, 1)
	ctx := context.Background()

	var queuedTaskID string
	for i := 0; i < 3; i++ {
		res, err := e.CreateTask(ctx, CreateRequest{
			WorkflowID:     wf.ID,
			PhaseID:        &ph.ID,
			Description:    "distinct task body " + string(rune('a'+i)),
			DoneDefinition: "done",
		})
		require.NoError(t, err)
		if res.Outcome == OutcomeQueued && queuedTaskID == "" {
			queuedTaskID = res.Task.ID
		}
	}

	active, err := st.CountActiveAgents(ctx, st.Q(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, active, "capacity bound must never be exceeded")

	require.NotEmpty(t, queuedTaskID)

	// Finish the one active task; the queue processor must dispatch exactly
	// one more, never two, and must never exceed the cap.
	working, err := st.ListWorkingAgents(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, working, 1)
	require.NotNil(t, working[0].TaskID)

	// The agent must first pick the task up before it can report it done.
	_, err = e.ReportStatus(ctx, working[0].ID, *working[0].TaskID, store.TaskInProgress, "")
	require.NoError(t, err)
	_, err = e.ReportStatus(ctx, working[0].ID, *working[0].TaskID, store.TaskDone, "finished")
	require.NoError(t, err)

	active, err = st.CountActiveAgents(ctx, st.Q(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, active, "queue processor dispatched the next task, still within the cap")

	next, err := st.GetTask(ctx, queuedTaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskAssigned, next.Status)
}

func TestBumpTaskPriorityDequeuesImmediately(t *testing.T) {
	e, _, wf, ph := newTestEngine(t, 1)
	ctx := context.Background()

	_, err := e.CreateTask(ctx, CreateRequest{WorkflowID: wf.ID, PhaseID: &ph.ID, Description: "task one", DoneDefinition: "done one"})
	require.NoError(t, err)
	second, err := e.CreateTask(ctx, CreateRequest{WorkflowID: wf.ID, PhaseID: &ph.ID, Description: "task two", DoneDefinition: "done two"})
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, second.Outcome)

	bumped, err := e.BumpTaskPriority(ctx, second.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskAssigned, bumped.Status)
	assert.True(t, bumped.PriorityBoosted)
}

func TestBumpTaskPriorityRejectsNonQueuedTask(t *testing.T) {
	e, _, wf, ph := newTestEngine(t, 3)
	ctx := context.Background()

	res, err := e.CreateTask(ctx, CreateRequest{WorkflowID: wf.ID, PhaseID: &ph.ID, Description: "task one", DoneDefinition: "done one"})
	require.NoError(t, err)
	require.Equal(t, store.TaskAssigned, res.Task.Status)

	_, err = e.BumpTaskPriority(ctx, res.Task.ID)
	require.Error(t, err)
}

func TestCancelQueuedTaskFailsWithoutSpawning(t *testing.T) {
	e, _, wf, ph := newTestEngine(t, 1)
	ctx := context.Background()

	_, err := e.CreateTask(ctx, CreateRequest{WorkflowID: wf.ID, PhaseID: &ph.ID, Description: "task one", DoneDefinition: "done one"})
	require.NoError(t, err)
	second, err := e.CreateTask(ctx, CreateRequest{WorkflowID: wf.ID, PhaseID: &ph.ID, Description: "task two", DoneDefinition: "done two"})
	require.NoError(t, err)

	cancelled, err := e.CancelQueuedTask(ctx, second.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, cancelled.Status)
	require.NotNil(t, cancelled.FailureReason)
}

func TestTicketLinkageRequiresLiteralMention(t *testing.T) {
	e, _, wf, ph := newTestEngine(t, 3)
	ctx := context.Background()

	ticketID := "tix-42"
	_, err := e.CreateTask(ctx, CreateRequest{
		WorkflowID:     wf.ID,
		PhaseID:        &ph.ID,
		TicketID:       &ticketID,
		Description:    "fix the thing without mentioning the ticket",
		DoneDefinition: "done",
	})
	require.Error(t, err)

	res, err := e.CreateTask(ctx, CreateRequest{
		WorkflowID:     wf.ID,
		PhaseID:        &ph.ID,
		TicketID:       &ticketID,
		Description:    "TICKET: tix-42 fix the thing",
		DoneDefinition: "done",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
}
