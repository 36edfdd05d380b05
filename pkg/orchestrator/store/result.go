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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
)

func (s *Store) CreateTaskResult(ctx context.Context, q querier, r *TaskResult) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.VerificationStatus == "" {
		r.VerificationStatus = VerificationUnverified
	}
	_, err := q.ExecContext(ctx, s.rebind(`
		INSERT INTO task_results (id, agent_id, task_id, markdown_path, markdown_content, result_type, summary, verification_status, created_at, verified_at, verified_by_validation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.AgentID, r.TaskID, r.MarkdownPath, r.MarkdownContent, string(r.ResultType), r.Summary, string(r.VerificationStatus), r.CreatedAt, r.VerifiedAt, r.VerifiedByValidationID)
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "create task result", err)
	}
	return nil
}

// MarkTaskResultsVerified flips every TaskResult for taskID to verified,
// stamping the validation that confirmed them.
func (s *Store) MarkTaskResultsVerified(ctx context.Context, q querier, taskID, validationID string) error {
	now := time.Now().UTC()
	_, err := q.ExecContext(ctx, s.rebind(`
		UPDATE task_results SET verification_status=?, verified_at=?, verified_by_validation_id=? WHERE task_id=?`),
		string(VerificationVerified), now, validationID, taskID)
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "mark task results verified", err)
	}
	return nil
}

func (s *Store) ListTaskResults(ctx context.Context, taskID string) ([]*TaskResult, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, agent_id, task_id, markdown_path, markdown_content, result_type, summary, verification_status, created_at, verified_at, verified_by_validation_id
		FROM task_results WHERE task_id = ? ORDER BY created_at ASC`), taskID)
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "list task results", err)
	}
	defer rows.Close()
	var out []*TaskResult
	for rows.Next() {
		r := &TaskResult{}
		var resultType, verification string
		if err := rows.Scan(&r.ID, &r.AgentID, &r.TaskID, &r.MarkdownPath, &r.MarkdownContent, &resultType, &r.Summary, &verification, &r.CreatedAt, &r.VerifiedAt, &r.VerifiedByValidationID); err != nil {
			return nil, errs.Wrap(errs.ExternalUnavailable, "scan task result", err)
		}
		r.ResultType = ResultType(resultType)
		r.VerificationStatus = VerificationStatus(verification)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CreateWorkflowResult(ctx context.Context, q querier, r *WorkflowResult) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = WorkflowResultPendingValidation
	}
	_, err := q.ExecContext(ctx, s.rebind(`
		INSERT INTO workflow_results (id, workflow_id, agent_id, markdown_path, markdown_content, status, validation_feedback, validation_evidence, created_at, validated_at, validated_by_agent_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.WorkflowID, r.AgentID, r.MarkdownPath, r.MarkdownContent, string(r.Status), r.ValidationFeedback, r.ValidationEvidence, r.CreatedAt, r.ValidatedAt, r.ValidatedByAgentID)
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "create workflow result", err)
	}
	return nil
}

func scanWorkflowResult(row scannable) (*WorkflowResult, error) {
	r := &WorkflowResult{}
	var status string
	if err := row.Scan(&r.ID, &r.WorkflowID, &r.AgentID, &r.MarkdownPath, &r.MarkdownContent, &status, &r.ValidationFeedback, &r.ValidationEvidence, &r.CreatedAt, &r.ValidatedAt, &r.ValidatedByAgentID); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "workflow result not found")
		}
		return nil, errs.Wrap(errs.ExternalUnavailable, "scan workflow result", err)
	}
	r.Status = WorkflowResultStatus(status)
	return r, nil
}

func (s *Store) GetWorkflowResult(ctx context.Context, id string) (*WorkflowResult, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, workflow_id, agent_id, markdown_path, markdown_content, status, validation_feedback, validation_evidence, created_at, validated_at, validated_by_agent_id
		FROM workflow_results WHERE id = ?`), id)
	return scanWorkflowResult(row)
}

// HasValidatedWorkflowResult reports whether a workflow already has a
// validated result (only one is allowed per workflow).
func (s *Store) HasValidatedWorkflowResult(ctx context.Context, q querier, workflowID string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM workflow_results WHERE workflow_id = ? AND status = ?`), workflowID, string(WorkflowResultValidated)).Scan(&n)
	if err != nil {
		return false, errs.Wrap(errs.ExternalUnavailable, "check validated workflow result", err)
	}
	return n > 0, nil
}

func (s *Store) SetWorkflowResultValidated(ctx context.Context, q querier, id, validatedByAgentID string) error {
	now := time.Now().UTC()
	_, err := q.ExecContext(ctx, s.rebind(`
		UPDATE workflow_results SET status=?, validated_at=?, validated_by_agent_id=? WHERE id=?`),
		string(WorkflowResultValidated), now, validatedByAgentID, id)
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "set workflow result validated", err)
	}
	return nil
}

func (s *Store) SetWorkflowResultRejected(ctx context.Context, q querier, id, feedback string, evidence []string) error {
	ev, err := json.Marshal(evidence)
	if err != nil {
		return errs.Wrap(errs.ValidationFailed, "encode validation evidence", err)
	}
	_, err = q.ExecContext(ctx, s.rebind(`
		UPDATE workflow_results SET status=?, validation_feedback=?, validation_evidence=? WHERE id=?`),
		string(WorkflowResultRejected), feedback, string(ev), id)
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "set workflow result rejected", err)
	}
	return nil
}

func (s *Store) CreateMemory(ctx context.Context, m *Memory) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return errs.Wrap(errs.ValidationFailed, "encode memory tags", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO memories (id, workflow_id, agent_id, content, memory_type, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.WorkflowID, m.AgentID, m.Content, m.MemoryType, string(tags), m.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "create memory", err)
	}
	return nil
}

func (s *Store) CreateDiagnosticRun(ctx context.Context, q querier, d *DiagnosticRun) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.TriggeredAt.IsZero() {
		d.TriggeredAt = time.Now().UTC()
	}
	ids, err := json.Marshal(d.TasksCreatedIDs)
	if err != nil {
		return errs.Wrap(errs.ValidationFailed, "encode tasks created ids", err)
	}
	_, err = q.ExecContext(ctx, s.rebind(`
		INSERT INTO diagnostic_runs (id, workflow_id, triggered_at, trigger_stats, tasks_created_ids, diagnosis, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.WorkflowID, d.TriggeredAt, d.TriggerStats, string(ids), d.Diagnosis, string(d.Status))
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "create diagnostic run", err)
	}
	return nil
}

// UpdateDiagnosticRun persists the doctor agent's outcome: the tasks it
// created, its diagnosis narrative, and its final status.
func (s *Store) UpdateDiagnosticRun(ctx context.Context, q querier, id string, tasksCreatedIDs []string, diagnosis string, status DiagnosticRunStatus) error {
	ids, err := json.Marshal(tasksCreatedIDs)
	if err != nil {
		return errs.Wrap(errs.ValidationFailed, "encode tasks created ids", err)
	}
	_, err = q.ExecContext(ctx, s.rebind(`
		UPDATE diagnostic_runs SET tasks_created_ids=?, diagnosis=?, status=? WHERE id=?`),
		string(ids), diagnosis, string(status), id)
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "update diagnostic run", err)
	}
	return nil
}

// LastDiagnosticRun returns the most recently triggered run for a workflow,
// or nil if none exists yet.
func (s *Store) LastDiagnosticRun(ctx context.Context, workflowID string) (*DiagnosticRun, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, workflow_id, triggered_at, trigger_stats, tasks_created_ids, diagnosis, status
		FROM diagnostic_runs WHERE workflow_id = ? ORDER BY triggered_at DESC LIMIT 1`), workflowID)
	d := &DiagnosticRun{}
	var ids, status string
	if err := row.Scan(&d.ID, &d.WorkflowID, &d.TriggeredAt, &d.TriggerStats, &ids, &d.Diagnosis, &status); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.Wrap(errs.ExternalUnavailable, "get last diagnostic run", err)
	}
	d.Status = DiagnosticRunStatus(status)
	_ = json.Unmarshal([]byte(ids), &d.TasksCreatedIDs)
	return d, nil
}

// ListRecentTerminalAgents returns the last limit agents for a workflow
// that have finished (terminated or failed), most-recent-first — context
// for the diagnostic doctor agent's "what already happened" summary
// .
func (s *Store) ListRecentTerminalAgents(ctx context.Context, workflowID string, limit int) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+agentColumns+` FROM agents
		WHERE workflow_id = ? AND status IN (?, ?)
		ORDER BY created_at DESC LIMIT ?`),
		workflowID, string(AgentTerminated), string(AgentFailed), limit)
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "list recent terminal agents", err)
	}
	defer rows.Close()
	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListRejectedWorkflowResults returns every rejected WorkflowResult for a
// workflow, most-recent-first — the diagnostic spawner folds the
// validator feedback from these into the doctor agent's context.
func (s *Store) ListRejectedWorkflowResults(ctx context.Context, workflowID string) ([]*WorkflowResult, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, workflow_id, agent_id, markdown_path, markdown_content, status, validation_feedback, validation_evidence, created_at, validated_at, validated_by_agent_id
		FROM workflow_results WHERE workflow_id = ? AND status = ? ORDER BY created_at DESC`),
		workflowID, string(WorkflowResultRejected))
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "list rejected workflow results", err)
	}
	defer rows.Close()
	var out []*WorkflowResult
	for rows.Next() {
		r, err := scanWorkflowResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListNonTerminalTasksForWorkflow returns every task in a non-terminal
// state for workflowID — used by the stop_all cascade to fail
// every task still in flight when a workflow result validates.
func (s *Store) ListNonTerminalTasksForWorkflow(ctx context.Context, q querier, workflowID string) ([]*Task, error) {
	rows, err := q.QueryContext(ctx, s.rebind(`
		SELECT `+taskColumns+` FROM tasks
		WHERE workflow_id = ? AND status NOT IN (?, ?, ?)`),
		workflowID, string(TaskDone), string(TaskFailed), string(TaskDuplicated))
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "list non-terminal tasks", err)
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountNonTerminalTasks returns the count of tasks whose status is still
// in-flight — used by the diagnostic trigger predicate and by
// submit_result's stop_all cascade.
func (s *Store) CountNonTerminalTasks(ctx context.Context, q querier, workflowID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM tasks WHERE workflow_id = ? AND status IN (?, ?, ?, ?, ?, ?)`),
		workflowID, string(TaskPending), string(TaskQueued), string(TaskAssigned), string(TaskInProgress), string(TaskUnderReview), string(TaskValidationInProgress)).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(errs.ExternalUnavailable, "count non-terminal tasks", err)
	}
	return n, nil
}

// LastTaskActivity returns the most recent created_at/completed_at instant
// across all tasks in the workflow, used by the diagnostic stuck-time check.
func (s *Store) LastTaskActivity(ctx context.Context, workflowID string) (time.Time, error) {
	var createdMax, completedMax sql.NullTime
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT MAX(created_at) FROM tasks WHERE workflow_id = ?`), workflowID).Scan(&createdMax)
	if err != nil {
		return time.Time{}, errs.Wrap(errs.ExternalUnavailable, "max task created_at", err)
	}
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT MAX(completed_at) FROM tasks WHERE workflow_id = ?`), workflowID).Scan(&completedMax)
	if err != nil {
		return time.Time{}, errs.Wrap(errs.ExternalUnavailable, "max task completed_at", err)
	}
	latest := createdMax.Time
	if completedMax.Valid && completedMax.Time.After(latest) {
		latest = completedMax.Time
	}
	return latest, nil
}
