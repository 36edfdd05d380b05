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

	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
)

// FindWorkflowByName returns the most recently created workflow with the
// given name, or nil when none exists — the composition root uses this to
// resume a workflow across orchestrator restarts instead of always minting
// a fresh one.
func (s *Store) FindWorkflowByName(ctx context.Context, name string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, name, goal_text, result_required, result_criteria, on_result_found, board_config, created_at
		FROM workflows WHERE name = ? ORDER BY created_at DESC LIMIT 1`), name)
	w := &Workflow{}
	var onResult string
	if err := row.Scan(&w.ID, &w.Name, &w.GoalText, &w.ResultRequired, &w.ResultCriteria, &onResult, &w.BoardConfig, &w.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.Wrap(errs.ExternalUnavailable, "find workflow by name", err)
	}
	w.OnResultFound = OnResultFound(onResult)
	return w, nil
}

// ListTickets returns every ticket of a workflow, newest first, for the
// dashboard's board and graph views.
func (s *Store) ListTickets(ctx context.Context, workflowID string) ([]*Ticket, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+ticketColumns+` FROM tickets WHERE workflow_id = ? ORDER BY created_at DESC`), workflowID)
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "list tickets", err)
	}
	defer rows.Close()

	var out []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTicketBlocks returns the full blocking edge set of a workflow's
// tickets, for the dashboard's graph view.
func (s *Store) ListTicketBlocks(ctx context.Context, workflowID string) ([]*TicketBlock, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT b.blocker_id, b.blocked_id FROM ticket_blocks b
		JOIN tickets t ON t.id = b.blocker_id
		WHERE t.workflow_id = ?`), workflowID)
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "list ticket blocks", err)
	}
	defer rows.Close()

	var out []*TicketBlock
	for rows.Next() {
		e := &TicketBlock{}
		if err := rows.Scan(&e.BlockerID, &e.BlockedID); err != nil {
			return nil, errs.Wrap(errs.ExternalUnavailable, "scan ticket block", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListWorkflowResults returns every submitted workflow result, newest
// first.
func (s *Store) ListWorkflowResults(ctx context.Context, workflowID string) ([]*WorkflowResult, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, workflow_id, agent_id, markdown_path, markdown_content, status, validation_feedback, validation_evidence, created_at, validated_at, validated_by_agent_id
		FROM workflow_results WHERE workflow_id = ? ORDER BY created_at DESC`), workflowID)
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "list workflow results", err)
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

// ListPendingWorkflowResults returns results still awaiting validation,
// oldest first. The monitoring loop re-checks these every cycle so a result
// whose validator crashed is never silently stranded.
func (s *Store) ListPendingWorkflowResults(ctx context.Context, workflowID string) ([]*WorkflowResult, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, workflow_id, agent_id, markdown_path, markdown_content, status, validation_feedback, validation_evidence, created_at, validated_at, validated_by_agent_id
		FROM workflow_results WHERE workflow_id = ? AND status = ? ORDER BY created_at ASC`),
		workflowID, string(WorkflowResultPendingValidation))
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "list pending workflow results", err)
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

// ListValidationReviews returns every validator verdict recorded for a
// task, oldest iteration first.
func (s *Store) ListValidationReviews(ctx context.Context, taskID string) ([]*ValidationReview, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, task_id, validator_agent_id, iteration, validation_passed, feedback, evidence, created_at
		FROM validation_reviews WHERE task_id = ? ORDER BY iteration ASC, created_at ASC`), taskID)
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "list validation reviews", err)
	}
	defer rows.Close()

	var out []*ValidationReview
	for rows.Next() {
		v := &ValidationReview{}
		if err := rows.Scan(&v.ID, &v.TaskID, &v.ValidatorAgentID, &v.Iteration, &v.ValidationPassed, &v.Feedback, &v.Evidence, &v.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.ExternalUnavailable, "scan validation review", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
