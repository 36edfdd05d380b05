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

package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
	"github.com/kadirpekel/hephaestus/pkg/testutils"
)

func seedTask(t *testing.T, st *store.Store, wf *store.Workflow, ph *store.Phase, description string) *store.Task {
	t.Helper()
	task := &store.Task{
		WorkflowID:     wf.ID,
		PhaseID:        &ph.ID,
		Description:    description,
		DoneDefinition: "done",
		Priority:       store.PriorityMedium,
		Status:         store.TaskPending,
		AgentType:      store.AgentTypePhase,
	}
	require.NoError(t, st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return st.CreateTask(context.Background(), tx, task)
	}))
	return task
}

func TestCanTransitionMatchesStateMachine(t *testing.T) {
	legal := []struct{ from, to store.TaskStatus }{
		{store.TaskPending, store.TaskAssigned},
		{store.TaskPending, store.TaskQueued},
		{store.TaskPending, store.TaskDuplicated},
		{store.TaskQueued, store.TaskAssigned},
		{store.TaskQueued, store.TaskFailed},
		{store.TaskAssigned, store.TaskInProgress},
		{store.TaskInProgress, store.TaskUnderReview},
		{store.TaskInProgress, store.TaskDone},
		{store.TaskInProgress, store.TaskFailed},
		{store.TaskUnderReview, store.TaskValidationInProgress},
		{store.TaskValidationInProgress, store.TaskDone},
		{store.TaskValidationInProgress, store.TaskNeedsWork},
		{store.TaskNeedsWork, store.TaskInProgress},
		{store.TaskDone, store.TaskPending},
		{store.TaskFailed, store.TaskPending},
	}
	for _, tc := range legal {
		assert.True(t, store.CanTransition(tc.from, tc.to), "%s -> %s must be legal", tc.from, tc.to)
	}

	illegal := []struct{ from, to store.TaskStatus }{
		{store.TaskPending, store.TaskDone},
		{store.TaskQueued, store.TaskInProgress},
		{store.TaskAssigned, store.TaskDone},
		{store.TaskDuplicated, store.TaskAssigned},
		{store.TaskDone, store.TaskInProgress},
		{store.TaskUnderReview, store.TaskDone},
		{store.TaskValidationInProgress, store.TaskFailed},
	}
	for _, tc := range illegal {
		assert.False(t, store.CanTransition(tc.from, tc.to), "%s -> %s must be illegal", tc.from, tc.to)
	}
}

func TestUpdateTaskStatusEnforcesOwnership(t *testing.T) {
	st := testutils.NewStore(t)
	wf, ph := testutils.SeedWorkflow(t, st)
	task := seedTask(t, st, wf, ph, "write the parser")
	ctx := context.Background()

	owner := "11111111-1111-1111-1111-111111111111"
	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		tk, err := st.GetTaskTx(ctx, tx, task.ID)
		if err != nil {
			return err
		}
		tk.AssignedAgentID = &owner
		tk.Status = store.TaskAssigned
		return st.SaveTask(ctx, tx, tk)
	}))

	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := st.UpdateTaskStatus(ctx, tx, task.ID, "someone-else", store.TaskInProgress, nil)
		return err
	})
	require.Error(t, err)
	assert.Equal(t, errs.NotAuthorized, errs.KindOf(err))

	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := st.UpdateTaskStatus(ctx, tx, task.ID, owner, store.TaskInProgress, nil)
		return err
	}))
}

func TestUpdateTaskStatusRejectsIllegalEdge(t *testing.T) {
	st := testutils.NewStore(t)
	wf, ph := testutils.SeedWorkflow(t, st)
	task := seedTask(t, st, wf, ph, "write the parser")
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := st.UpdateTaskStatus(ctx, tx, task.ID, "", store.TaskDone, nil)
		return err
	})
	require.Error(t, err)
	assert.Equal(t, errs.InvalidState, errs.KindOf(err))
}

func TestTicketBlockRejectsCycle(t *testing.T) {
	st := testutils.NewStore(t)
	wf, _ := testutils.SeedWorkflow(t, st)
	ctx := context.Background()

	mk := func(title string) *store.Ticket {
		tk := &store.Ticket{WorkflowID: wf.ID, Title: title, Status: "open", Priority: store.PriorityMedium, ApprovalStatus: store.ApprovalNotRequired}
		require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
			return st.CreateTicket(ctx, tx, tk)
		}))
		return tk
	}
	a, b, c := mk("a"), mk("b"), mk("c")

	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.AddTicketBlock(ctx, tx, a.ID, b.ID)
	}))
	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.AddTicketBlock(ctx, tx, b.ID, c.ID)
	}))

	// c -> a would close the cycle a -> b -> c -> a.
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.AddTicketBlock(ctx, tx, c.ID, a.ID)
	})
	require.Error(t, err)
	assert.Equal(t, errs.Conflict, errs.KindOf(err))
}

func TestNearestTaskEmbeddingScopedToPhase(t *testing.T) {
	st := testutils.NewStore(t)
	wf, ph := testutils.SeedWorkflow(t, st)
	ctx := context.Background()

	ph2 := &store.Phase{ID: 2, WorkflowID: wf.ID, Name: "validate", Description: "check it"}
	require.NoError(t, st.CreatePhase(ctx, ph2))

	task := seedTask(t, st, wf, ph, "implement JWT login")
	task.DescriptionEmbedding = []float32{1, 0, 0}
	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.SaveTask(ctx, tx, task)
	}))

	// Same phase: near-identical vector matches with high similarity.
	best, score, err := st.NearestTaskEmbedding(ctx, st.Q(), wf.ID, ph.ID, []float32{1, 0, 0})
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, task.ID, best.ID)
	assert.InDelta(t, 1.0, score, 0.001)

	// Different phase: the same text is NOT a duplicate.
	best, _, err = st.NearestTaskEmbedding(ctx, st.Q(), wf.ID, ph2.ID, []float32{1, 0, 0})
	require.NoError(t, err)
	assert.Nil(t, best)
}

func TestListQueuedTasksOrdered(t *testing.T) {
	st := testutils.NewStore(t)
	wf, ph := testutils.SeedWorkflow(t, st)
	ctx := context.Background()

	mkQueued := func(desc string, priority store.TaskPriority, boosted bool, offset time.Duration) *store.Task {
		task := seedTask(t, st, wf, ph, desc)
		now := time.Now().UTC().Add(offset)
		task.Status = store.TaskQueued
		task.Priority = priority
		task.PriorityBoosted = boosted
		task.QueuedAt = &now
		require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
			return st.SaveTask(ctx, tx, task)
		}))
		return task
	}

	low := mkQueued("low early", store.PriorityLow, false, -3*time.Minute)
	high := mkQueued("high late", store.PriorityHigh, false, -1*time.Minute)
	boosted := mkQueued("boosted low", store.PriorityLow, true, 0)

	queued, err := st.ListQueuedTasksOrdered(ctx, st.Q(), wf.ID)
	require.NoError(t, err)
	require.Len(t, queued, 3)
	assert.Equal(t, boosted.ID, queued[0].ID, "priority_boosted sorts first")
	assert.Equal(t, high.ID, queued[1].ID, "then priority desc")
	assert.Equal(t, low.ID, queued[2].ID, "then queued_at asc")
}

func TestWorkflowResultLifecycle(t *testing.T) {
	st := testutils.NewStore(t)
	wf, _ := testutils.SeedWorkflow(t, st)
	ctx := context.Background()

	r := &store.WorkflowResult{WorkflowID: wf.ID, AgentID: "agent-1", MarkdownPath: "results/final.md", MarkdownContent: "# Done"}
	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.CreateWorkflowResult(ctx, tx, r)
	}))
	assert.Equal(t, store.WorkflowResultPendingValidation, r.Status)

	pending, err := st.ListPendingWorkflowResults(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.SetWorkflowResultValidated(ctx, tx, r.ID, "validator-1")
	}))
	has, err := st.HasValidatedWorkflowResult(ctx, st.Q(), wf.ID)
	require.NoError(t, err)
	assert.True(t, has)

	pending, err = st.ListPendingWorkflowResults(ctx, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
