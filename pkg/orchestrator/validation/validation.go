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

// Package validation is the result-validation pipeline: spawns validator agents
// against task-level and workflow-level results, interprets their
// verdicts, and applies the workflow's termination policy. It wires into
// pkg/orchestrator/queue via Engine.Hooks.OnUnderReview, the same
// inversion agentmgr already uses against the queue package.
package validation

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kadirpekel/hephaestus/pkg/config"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/agentmgr"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/events"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/session"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
)

// Engine runs the task- and workflow-level validation pipeline.
type Engine struct {
	store    *store.Store
	agents   *agentmgr.Manager
	sessions *session.Driver
	bus      *events.Bus
	cfg      config.ValidationConfig

	// processQueue is called after a task reaches a terminal state, so the
	// queue can dispatch the next one. Injected rather than imported to
	// avoid a validation<->queue import cycle (queue already imports
	// agentmgr, which this package also depends on).
	processQueue func(ctx context.Context, workflowID string) error
}

// New builds a validation Engine. processQueue is queue.Engine.ProcessQueue.
func New(st *store.Store, agents *agentmgr.Manager, sessions *session.Driver, bus *events.Bus, cfg config.ValidationConfig, processQueue func(ctx context.Context, workflowID string) error) *Engine {
	return &Engine{store: st, agents: agents, sessions: sessions, bus: bus, cfg: cfg, processQueue: processQueue}
}

func (e *Engine) maxIterations() int {
	if e.cfg.MaxIterations > 0 {
		return e.cfg.MaxIterations
	}
	return 10
}

// OnUnderReview is queue.Engine.Hooks.OnUnderReview: when a phase task with
// validation enabled self-reports under_review, spawn a validator agent
// against the original agent's worktree, read-only, and keep the original
// agent alive.
func (e *Engine) OnUnderReview(ctx context.Context, q store.Querier, workflow *store.Workflow, task *store.Task) error {
	if !task.ValidationEnabled || task.PhaseID == nil {
		return nil
	}
	if task.AssignedAgentID == nil {
		return errs.New(errs.InvalidState, "under-review task has no assigned agent")
	}

	original, err := e.store.GetAgentTx(ctx, q, *task.AssignedAgentID)
	if err != nil {
		return err
	}
	phase, err := e.store.GetPhase(ctx, workflow.ID, *task.PhaseID)
	if err != nil {
		return err
	}

	original.KeptAliveForValidation = true
	if err := e.store.SaveAgent(ctx, q, original); err != nil {
		return err
	}

	if _, err := e.store.UpdateTaskStatus(ctx, q, task.ID, "", store.TaskValidationInProgress, nil); err != nil {
		return err
	}

	// A configured validator plugin replaces the validator agent entirely:
	// the verdict comes from an out-of-process go-plugin binary instead of
	// an interactive session. The plugin run happens after this transaction
	// commits — it executes commands and must not hold the store open.
	if e.cfg.PluginPath != "" {
		go e.runPluginValidation(task.ID, phase, original.WorktreePath)
		return nil
	}

	prompt := composeValidatorPrompt(task, phase)
	_, err = e.agents.SpawnAuxiliary(ctx, q, workflow, store.AgentTypeValidator, &task.ID, original.WorktreePath, prompt)
	return err
}

func composeValidatorPrompt(task *store.Task, phase *store.Phase) string {
	var b strings.Builder
	b.WriteString("You are a validator agent. Verify the following task was completed as specified, read-only.\n\n")
	fmt.Fprintf(&b, "# Task\n%s\n\nDone when: %s\n\n", task.Description, task.DoneDefinition)
	if phase != nil && phase.ValidationEnabled {
		b.WriteString("# Validation criteria\n")
		for _, c := range phase.ValidationCriteria {
			b.WriteString("- " + c + "\n")
		}
		if phase.ValidatorInstructions != "" {
			b.WriteString("\n# Instructions\n" + phase.ValidatorInstructions + "\n")
		}
	}
	b.WriteString("\nCriteria may require checking file existence, grepping file contents, running a command " +
		"and checking its exit status, running the test suite, or manual verification against the description.\n\n")
	b.WriteString("Call give_validation_review(task_id, pass, feedback, evidence) with your verdict when done.\n")
	return b.String()
}

// GiveValidationReview applies a validator agent's verdict to its task
// (RPC give_validation_review).
func (e *Engine) GiveValidationReview(ctx context.Context, validatorAgentID, taskID string, pass bool, feedback, evidence string) (*store.Task, error) {
	return e.completeReview(ctx, validatorAgentID, true, taskID, pass, feedback, evidence)
}

// completeReview records a verdict and applies its task transition.
// terminateValidator is false when the verdict came from a validator
// plugin rather than a spawned validator agent.
func (e *Engine) completeReview(ctx context.Context, validatorAgentID string, terminateValidator bool, taskID string, pass bool, feedback, evidence string) (*store.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != store.TaskValidationInProgress {
		return nil, errs.New(errs.InvalidState, "task is not under validation: "+string(task.Status))
	}
	if task.AssignedAgentID == nil {
		return nil, errs.New(errs.InvalidState, "validated task has no original agent")
	}
	originalAgentID := *task.AssignedAgentID

	review := &store.ValidationReview{
		TaskID:           taskID,
		ValidatorAgentID: validatorAgentID,
		Iteration:        task.ValidationIteration,
		ValidationPassed: pass,
		Feedback:         feedback,
		Evidence:         evidence,
	}

	var updated *store.Task
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.store.CreateValidationReview(ctx, tx, review); err != nil {
			return err
		}
		if pass {
			t, err := e.store.UpdateTaskStatus(ctx, tx, taskID, "", store.TaskDone, func(t *store.Task) {
				t.ReviewDone = true
			})
			if err != nil {
				return err
			}
			if err := e.store.MarkTaskResultsVerified(ctx, tx, taskID, review.ID); err != nil {
				return err
			}
			updated = t
			return nil
		}

		if task.ValidationIteration+1 >= e.maxIterations() {
			// Administrative cascade: the ordinary state machine has no
			// validation_in_progress -> failed edge, so the cap write goes
			// through SaveTask directly, like stopAll's.
			t, err := e.store.GetTaskTx(ctx, tx, taskID)
			if err != nil {
				return err
			}
			reason := "validation iteration cap reached"
			t.Status = store.TaskFailed
			t.FailureReason = &reason
			t.LastValidationFeedback = &feedback
			if err := e.store.SaveTask(ctx, tx, t); err != nil {
				return err
			}
			updated = t
			return nil
		}

		t, err := e.store.UpdateTaskStatus(ctx, tx, taskID, "", store.TaskNeedsWork, func(t *store.Task) {
			t.LastValidationFeedback = &feedback
			t.ValidationIteration++
		})
		if err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	if terminateValidator {
		if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			return e.agents.Terminate(ctx, tx, validatorAgentID, "validation complete", false)
		}); err != nil {
			return nil, err
		}
	}

	if updated.Status == store.TaskNeedsWork {
		if err := e.injectAndResume(ctx, originalAgentID, taskID, feedback); err != nil {
			return nil, err
		}
	} else {
		if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			return e.agents.Terminate(ctx, tx, originalAgentID, "task "+string(updated.Status), false)
		}); err != nil {
			return nil, err
		}
	}

	e.bus.Publish(events.ResultValidationCompleted, updated)
	if err := e.processQueue(ctx, task.WorkflowID); err != nil {
		return nil, err
	}
	return updated, nil
}

// injectAndResume injects the validator's feedback into the original
// agent's still-live session, then moves its task back to in_progress
// .
func (e *Engine) injectAndResume(ctx context.Context, originalAgentID, taskID, feedback string) error {
	original, err := e.store.GetAgent(ctx, originalAgentID)
	if err != nil {
		return err
	}
	if err := e.sessions.Inject(ctx, original.SessionName, "Validation failed: "+feedback+"\nPlease address this feedback and continue."); err != nil {
		return err
	}
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := e.store.UpdateTaskStatus(ctx, tx, taskID, "", store.TaskInProgress, nil)
		return err
	})
}

// SubmitTaskResult persists a task-level deliverable (RPC submit_result,
// task form).
func (e *Engine) SubmitTaskResult(ctx context.Context, agentID, taskID, markdownPath, markdownContent string, resultType store.ResultType, summary string) (*store.TaskResult, error) {
	r := &store.TaskResult{
		AgentID:         agentID,
		TaskID:          taskID,
		MarkdownPath:    markdownPath,
		MarkdownContent: markdownContent,
		ResultType:      resultType,
		Summary:         summary,
	}
	if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.CreateTaskResult(ctx, tx, r)
	}); err != nil {
		return nil, err
	}
	e.bus.Publish(events.ResultsReported, r)
	return r, nil
}

// SubmitWorkflowResult persists a candidate final deliverable and, if the
// workflow requires a validated result, spawns a result-validator agent
// (RPC submit_result, workflow form).
func (e *Engine) SubmitWorkflowResult(ctx context.Context, workflow *store.Workflow, agentID, markdownPath, markdownContent string) (*store.WorkflowResult, error) {
	already, err := e.store.HasValidatedWorkflowResult(ctx, e.store.Q(), workflow.ID)
	if err != nil {
		return nil, err
	}
	if already {
		return nil, errs.New(errs.InvalidState, "workflow already has a validated result")
	}

	r := &store.WorkflowResult{
		WorkflowID:      workflow.ID,
		AgentID:         agentID,
		MarkdownPath:    markdownPath,
		MarkdownContent: markdownContent,
	}
	if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.CreateWorkflowResult(ctx, tx, r)
	}); err != nil {
		return nil, err
	}
	e.bus.Publish(events.ResultsReported, r)

	if workflow.ResultRequired && workflow.ResultCriteria != "" {
		prompt := composeResultValidatorPrompt(workflow, r)
		if _, err := e.agents.SpawnAuxiliary(ctx, e.store.Q(), workflow, store.AgentTypeResultValidator, nil, e.agents.MainWorktreePath(), prompt); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func composeResultValidatorPrompt(workflow *store.Workflow, r *store.WorkflowResult) string {
	var b strings.Builder
	b.WriteString("You are a result-validator agent. Verify the following candidate workflow result satisfies the criteria below. ")
	b.WriteString("The criteria may prescribe step-by-step verification commands — execute them.\n\n")
	fmt.Fprintf(&b, "# Workflow goal\n%s\n\n# Criteria\n%s\n\n# Candidate result\n%s\n\n", workflow.GoalText, workflow.ResultCriteria, r.MarkdownContent)
	b.WriteString("Call submit_result_validation(result_id, pass, feedback, evidence) with your verdict when done.\n")
	return b.String()
}

// RetryPendingValidations respawns a result-validator for the oldest
// workflow result stranded in pending_validation with no live validator
// agent — a validator session crash must never silently lose a result
// . Called once per monitoring cycle.
func (e *Engine) RetryPendingValidations(ctx context.Context, workflow *store.Workflow) error {
	if !workflow.ResultRequired || workflow.ResultCriteria == "" {
		return nil
	}
	pending, err := e.store.ListPendingWorkflowResults(ctx, workflow.ID)
	if err != nil || len(pending) == 0 {
		return err
	}
	working, err := e.store.ListWorkingAgents(ctx, workflow.ID)
	if err != nil {
		return err
	}
	for _, a := range working {
		if a.AgentType == store.AgentTypeResultValidator {
			// A validator is already on the case.
			return nil
		}
	}
	r := pending[0]
	prompt := composeResultValidatorPrompt(workflow, r)
	_, err = e.agents.SpawnAuxiliary(ctx, e.store.Q(), workflow, store.AgentTypeResultValidator, nil, e.agents.MainWorktreePath(), prompt)
	return err
}

// SubmitResultValidation applies a result-validator's verdict to a
// WorkflowResult and enforces the workflow's termination policy (RPC
// submit_result_validation).
func (e *Engine) SubmitResultValidation(ctx context.Context, validatorAgentID, resultID string, pass bool, feedback string, evidence []string) (*store.WorkflowResult, error) {
	result, err := e.store.GetWorkflowResult(ctx, resultID)
	if err != nil {
		return nil, err
	}

	if pass {
		if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			return e.store.SetWorkflowResultValidated(ctx, tx, resultID, validatorAgentID)
		}); err != nil {
			return nil, err
		}
		result.Status = store.WorkflowResultValidated
	} else {
		if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			return e.store.SetWorkflowResultRejected(ctx, tx, resultID, feedback, evidence)
		}); err != nil {
			return nil, err
		}
		result.Status = store.WorkflowResultRejected
	}

	if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.agents.Terminate(ctx, tx, validatorAgentID, "result validation complete", false)
	}); err != nil {
		return nil, err
	}

	e.bus.Publish(events.ResultValidationCompleted, result)

	if pass {
		workflow, err := e.store.GetWorkflow(ctx, result.WorkflowID)
		if err != nil {
			return nil, err
		}
		if workflow.OnResultFound == store.OnResultStopAll {
			if err := e.stopAll(ctx, workflow); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// stopAll terminates every live agent and fails every non-terminal task in
// workflow, then emits workflow_completed.
func (e *Engine) stopAll(ctx context.Context, workflow *store.Workflow) error {
	agents, err := e.store.ListWorkingAgents(ctx, workflow.ID)
	if err != nil {
		return err
	}
	for _, a := range agents {
		if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			return e.agents.Terminate(ctx, tx, a.ID, "workflow completed", true)
		}); err != nil {
			return err
		}
	}

	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		tasks, err := e.store.ListNonTerminalTasksForWorkflow(ctx, tx, workflow.ID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			// Administrative cascade, not a self-reported transition: a
			// stop_all can catch tasks in states (pending, assigned,
			// under_review, validation_in_progress, needs_work) with no
			// legal edge to failed in the ordinary state machine, so this
			// writes the terminal status directly rather than going
			// through UpdateTaskStatus's CanTransition check.
			reason := "workflow completed"
			t.Status = store.TaskFailed
			t.FailureReason = &reason
			if err := e.store.SaveTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.bus.Publish(events.WorkflowCompleted, workflow.ID)
	return nil
}
