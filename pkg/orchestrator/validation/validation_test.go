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

package validation_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hephaestus/pkg/config"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/agentmgr"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/events"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/queue"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/session"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/validation"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/worktree"
	"github.com/kadirpekel/hephaestus/pkg/testutils"
)

type stack struct {
	st    *store.Store
	queue *queue.Engine
	valid *validation.Engine
	wf    *store.Workflow
	phase *store.Phase
}

func newStack(t *testing.T, maxIterations int) *stack {
	t.Helper()
	ctx := context.Background()

	st := testutils.NewStore(t)
	wf, _ := testutils.SeedWorkflow(t, st)

	// A second phase with validation enabled, so under_review triggers the
	// validator pipeline.
	phase := &store.Phase{
		ID:                 2,
		WorkflowID:         wf.ID,
		Name:               "implement",
		Description:        "build it",
		DoneDefinitions:    []string{"feature complete"},
		ValidationEnabled:  true,
		ValidationCriteria: []string{"file exists: handler.go", "tests pass"},
	}
	require.NoError(t, st.CreatePhase(ctx, phase))

	sessions := session.New(testutils.SessionConfig(t))
	worktrees := worktree.New(testutils.WorktreeConfig(t))
	bus := events.NewBus()
	agents := agentmgr.New(st, sessions, worktrees, bus, []string{"give_validation_review"})

	q := queue.New(st, nil, nil, agents, bus, config.QueueConfig{MaxConcurrentAgents: 5})
	valid := validation.New(st, agents, sessions, bus, config.ValidationConfig{MaxIterations: maxIterations}, q.ProcessQueue)
	q.Hooks.OnUnderReview = valid.OnUnderReview

	return &stack{st: st, queue: q, valid: valid, wf: wf, phase: phase}
}

// driveToValidation creates a task, walks it to in_progress, self-reports
// done (which, with validation enabled, becomes under_review and spawns a
// validator), and returns the task and its original agent's ID.
func driveToValidation(t *testing.T, s *stack) (*store.Task, string) {
	t.Helper()
	ctx := context.Background()

	res, err := s.queue.CreateTask(ctx, queue.CreateRequest{
		WorkflowID:     s.wf.ID,
		PhaseID:        &s.phase.ID,
		Description:    "implement the request handler",
		DoneDefinition: "handler implemented and covered",
	})
	require.NoError(t, err)
	require.Equal(t, store.TaskAssigned, res.Task.Status)
	require.NotNil(t, res.Task.AssignedAgentID)
	agentID := *res.Task.AssignedAgentID

	_, err = s.queue.ReportStatus(ctx, agentID, res.Task.ID, store.TaskInProgress, "")
	require.NoError(t, err)

	// The agent reports under_review (the RPC layer maps "done" to this
	// when the phase has validation enabled).
	task, err := s.queue.ReportStatus(ctx, agentID, res.Task.ID, store.TaskUnderReview, "finished")
	require.NoError(t, err)
	assert.Equal(t, store.TaskValidationInProgress, task.Status)

	return task, agentID
}

func findValidator(t *testing.T, s *stack) *store.Agent {
	t.Helper()
	working, err := s.st.ListWorkingAgents(context.Background(), s.wf.ID)
	require.NoError(t, err)
	for _, a := range working {
		if a.AgentType == store.AgentTypeValidator {
			return a
		}
	}
	t.Fatal("no validator agent spawned")
	return nil
}

func TestUnderReviewSpawnsValidatorAndKeepsOriginalAlive(t *testing.T) {
	s := newStack(t, 3)
	task, agentID := driveToValidation(t, s)
	_ = task

	validator := findValidator(t, s)
	assert.NotEqual(t, agentID, validator.ID)

	original, err := s.st.GetAgent(context.Background(), agentID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentWorking, original.Status)
	assert.True(t, original.KeptAliveForValidation)
}

func TestValidationPassCompletesTaskAndVerifiesResults(t *testing.T) {
	s := newStack(t, 3)
	ctx := context.Background()
	task, agentID := driveToValidation(t, s)

	// The original agent recorded a deliverable before reporting done.
	_, err := s.valid.SubmitTaskResult(ctx, agentID, task.ID, "results/handler.md", "# Handler", store.ResultImplementation, "handler built")
	require.NoError(t, err)

	validator := findValidator(t, s)
	updated, err := s.valid.GiveValidationReview(ctx, validator.ID, task.ID, true, "all criteria met", `{"files":["handler.go"]}`)
	require.NoError(t, err)
	assert.Equal(t, store.TaskDone, updated.Status)

	results, err := s.st.ListTaskResults(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.VerificationVerified, results[0].VerificationStatus)

	// Both the validator and the original agent are gone.
	working, err := s.st.ListWorkingAgents(ctx, s.wf.ID)
	require.NoError(t, err)
	assert.Empty(t, working)
}

func TestValidationFailReinjectsAndIncrementsIteration(t *testing.T) {
	s := newStack(t, 3)
	ctx := context.Background()
	task, agentID := driveToValidation(t, s)

	validator := findValidator(t, s)
	updated, err := s.valid.GiveValidationReview(ctx, validator.ID, task.ID, false, "tests are failing", "")
	require.NoError(t, err)
	assert.Equal(t, store.TaskInProgress, updated.Status, "needs_work resumes into in_progress after feedback injection")

	got, err := s.st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ValidationIteration)
	require.NotNil(t, got.LastValidationFeedback)
	assert.Equal(t, "tests are failing", *got.LastValidationFeedback)

	// The original agent is still alive to act on the feedback.
	original, err := s.st.GetAgent(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentWorking, original.Status)
}

func TestValidationIterationCapFailsTask(t *testing.T) {
	s := newStack(t, 1)
	ctx := context.Background()
	task, _ := driveToValidation(t, s)

	validator := findValidator(t, s)
	updated, err := s.valid.GiveValidationReview(ctx, validator.ID, task.ID, false, "still broken", "")
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, updated.Status)
	require.NotNil(t, updated.FailureReason)
}

func TestWorkflowResultStopAllTerminatesEverything(t *testing.T) {
	s := newStack(t, 3)
	ctx := context.Background()

	// Three live phase agents.
	var lastTask *store.Task
	for _, desc := range []string{"first job", "second job", "third job"} {
		res, err := s.queue.CreateTask(ctx, queue.CreateRequest{
			WorkflowID:     s.wf.ID,
			PhaseID:        &s.phase.ID,
			Description:    desc,
			DoneDefinition: "done",
		})
		require.NoError(t, err)
		lastTask = res.Task
	}
	_ = lastTask

	// Make the workflow require a validated result.
	s.wf.ResultRequired = true
	s.wf.ResultCriteria = "run the test suite and confirm it passes"

	r, err := s.valid.SubmitWorkflowResult(ctx, s.wf, "00000000-0000-0000-0000-000000000001", "results/final.md", "# All done")
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowResultPendingValidation, r.Status)

	// A result-validator agent was spawned for it.
	working, err := s.st.ListWorkingAgents(ctx, s.wf.ID)
	require.NoError(t, err)
	var resultValidator *store.Agent
	for _, a := range working {
		if a.AgentType == store.AgentTypeResultValidator {
			resultValidator = a
		}
	}
	require.NotNil(t, resultValidator)

	validated, err := s.valid.SubmitResultValidation(ctx, resultValidator.ID, r.ID, true, "criteria verified", []string{"test suite green"})
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowResultValidated, validated.Status)

	// stop_all: every live agent terminated, every non-terminal task failed.
	working, err = s.st.ListWorkingAgents(ctx, s.wf.ID)
	require.NoError(t, err)
	assert.Empty(t, working)

	nonTerminal, err := s.st.ListNonTerminalTasksForWorkflow(ctx, s.st.Q(), s.wf.ID)
	require.NoError(t, err)
	assert.Empty(t, nonTerminal)

	// Only one validated result per workflow: further submissions rejected.
	_, err = s.valid.SubmitWorkflowResult(ctx, s.wf, "00000000-0000-0000-0000-000000000001", "results/again.md", "# More")
	require.Error(t, err)
}
