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
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
)

// CreateTask inserts a new task row. Callers are responsible for having
// already resolved dedup/enrichment; CreateTask only
// persists whatever status the caller decided on.
func (s *Store) CreateTask(ctx context.Context, q querier, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := q.ExecContext(ctx, s.rebind(`
		INSERT INTO tasks (
			id, workflow_id, phase_id, ticket_id, parent_task_id, created_by_agent_id, agent_type,
			description, done_definition, priority, description_embedding,
			status, failure_reason, completion_notes, duplicate_of_task_id, similarity_score,
			queued_at, queue_position, priority_boosted,
			validation_enabled, validation_iteration, last_validation_feedback, review_done,
			assigned_agent_id, started_at, completed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.WorkflowID, t.PhaseID, t.TicketID, t.ParentTaskID, t.CreatedByAgentID, string(t.AgentType),
		t.Description, t.DoneDefinition, string(t.Priority), encodeVector(t.DescriptionEmbedding),
		string(t.Status), t.FailureReason, t.CompletionNotes, t.DuplicateOfTaskID, t.SimilarityScore,
		t.QueuedAt, t.QueuePosition, t.PriorityBoosted,
		t.ValidationEnabled, t.ValidationIteration, t.LastValidationFeedback, t.ReviewDone,
		t.AssignedAgentID, t.StartedAt, t.CompletedAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "create task", err)
	}
	return nil
}

var taskColumns = `id, workflow_id, phase_id, ticket_id, parent_task_id, created_by_agent_id, agent_type,
	description, done_definition, priority, description_embedding,
	status, failure_reason, completion_notes, duplicate_of_task_id, similarity_score,
	queued_at, queue_position, priority_boosted,
	validation_enabled, validation_iteration, last_validation_feedback, review_done,
	assigned_agent_id, started_at, completed_at, created_at, updated_at`

func scanTask(row scannable) (*Task, error) {
	t := &Task{}
	var agentType, priority, status string
	var embedding []byte
	if err := row.Scan(
		&t.ID, &t.WorkflowID, &t.PhaseID, &t.TicketID, &t.ParentTaskID, &t.CreatedByAgentID, &agentType,
		&t.Description, &t.DoneDefinition, &priority, &embedding,
		&status, &t.FailureReason, &t.CompletionNotes, &t.DuplicateOfTaskID, &t.SimilarityScore,
		&t.QueuedAt, &t.QueuePosition, &t.PriorityBoosted,
		&t.ValidationEnabled, &t.ValidationIteration, &t.LastValidationFeedback, &t.ReviewDone,
		&t.AssignedAgentID, &t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "task not found")
		}
		return nil, errs.Wrap(errs.ExternalUnavailable, "scan task", err)
	}
	t.AgentType = AgentType(agentType)
	t.Priority = TaskPriority(priority)
	t.Status = TaskStatus(status)
	t.DescriptionEmbedding = decodeVector(embedding)
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	return scanTask(row)
}

func (s *Store) getTaskTx(ctx context.Context, q querier, id string) (*Task, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	return scanTask(row)
}

// GetTaskTx exposes the tx-scoped lookup to other orchestrator packages.
func (s *Store) GetTaskTx(ctx context.Context, q querier, id string) (*Task, error) {
	return s.getTaskTx(ctx, q, id)
}

// UpdateTaskStatus enforces the transition edge set and, when
// agentID is non-empty, the authorisation check that the caller owns the
// task (task.assigned_agent_id == agentID).
func (s *Store) UpdateTaskStatus(ctx context.Context, q querier, taskID string, agentID string, to TaskStatus, mutate func(*Task)) (*Task, error) {
	t, err := s.getTaskTx(ctx, q, taskID)
	if err != nil {
		return nil, err
	}
	if agentID != "" && (t.AssignedAgentID == nil || *t.AssignedAgentID != agentID) {
		return nil, errs.New(errs.NotAuthorized, "agent does not own task "+taskID)
	}
	if !CanTransition(t.Status, to) {
		return nil, errs.New(errs.InvalidState, "illegal transition "+string(t.Status)+" -> "+string(to))
	}
	from := t.Status
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(t)
	}
	if err := s.saveTask(ctx, q, t); err != nil {
		return nil, err
	}
	auditID := uuid.NewString()
	_, err = q.ExecContext(ctx, s.rebind(`
		INSERT INTO task_status_audit (id, task_id, from_status, to_status, changed_at) VALUES (?, ?, ?, ?, ?)`),
		auditID, taskID, string(from), string(to), t.UpdatedAt)
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "write task status audit", err)
	}
	return t, nil
}

func (s *Store) saveTask(ctx context.Context, q querier, t *Task) error {
	_, err := q.ExecContext(ctx, s.rebind(`
		UPDATE tasks SET
			phase_id=?, ticket_id=?, parent_task_id=?, created_by_agent_id=?, agent_type=?,
			description=?, done_definition=?, priority=?, description_embedding=?,
			status=?, failure_reason=?, completion_notes=?, duplicate_of_task_id=?, similarity_score=?,
			queued_at=?, queue_position=?, priority_boosted=?,
			validation_enabled=?, validation_iteration=?, last_validation_feedback=?, review_done=?,
			assigned_agent_id=?, started_at=?, completed_at=?, updated_at=?
		WHERE id=?`),
		t.PhaseID, t.TicketID, t.ParentTaskID, t.CreatedByAgentID, string(t.AgentType),
		t.Description, t.DoneDefinition, string(t.Priority), encodeVector(t.DescriptionEmbedding),
		string(t.Status), t.FailureReason, t.CompletionNotes, t.DuplicateOfTaskID, t.SimilarityScore,
		t.QueuedAt, t.QueuePosition, t.PriorityBoosted,
		t.ValidationEnabled, t.ValidationIteration, t.LastValidationFeedback, t.ReviewDone,
		t.AssignedAgentID, t.StartedAt, t.CompletedAt, t.UpdatedAt,
		t.ID)
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "update task", err)
	}
	return nil
}

// SaveTask persists whatever fields the caller has mutated, without going
// through the state-machine check — used by the queue processor, which
// already validated the transition itself before calling in.
func (s *Store) SaveTask(ctx context.Context, q querier, t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	return s.saveTask(ctx, q, t)
}

// ListQueuedTasksOrdered returns queued tasks for a workflow in dispatch
// order: priority_boosted desc, priority desc, queued_at asc.
func (s *Store) ListQueuedTasksOrdered(ctx context.Context, q querier, workflowID string) ([]*Task, error) {
	rows, err := q.QueryContext(ctx, s.rebind(`
		SELECT `+taskColumns+` FROM tasks
		WHERE workflow_id = ? AND status = ?
		ORDER BY priority_boosted DESC,
			CASE priority WHEN 'high' THEN 2 WHEN 'med' THEN 1 ELSE 0 END DESC,
			queued_at ASC`),
		workflowID, string(TaskQueued))
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "list queued tasks", err)
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

// CountActiveAgents returns the number of agents currently working for a
// workflow — the quantity the capacity bound is enforced against.
func (s *Store) CountActiveAgents(ctx context.Context, q querier, workflowID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM agents WHERE workflow_id = ? AND status IN (?, ?)`),
		workflowID, string(AgentSpawning), string(AgentWorking)).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(errs.ExternalUnavailable, "count active agents", err)
	}
	return n, nil
}

// NearestTaskEmbedding finds the closest existing task (by cosine
// similarity of description_embedding) within the same (workflow_id,
// phase_id), excluding duplicated/failed tasks. Used by the dedup check in
// task creation.
func (s *Store) NearestTaskEmbedding(ctx context.Context, q querier, workflowID string, phaseID int, vec []float32) (*Task, float64, error) {
	rows, err := q.QueryContext(ctx, s.rebind(`
		SELECT `+taskColumns+` FROM tasks
		WHERE workflow_id = ? AND phase_id = ? AND status != ? AND description_embedding IS NOT NULL`),
		workflowID, phaseID, string(TaskDuplicated))
	if err != nil {
		return nil, 0, errs.Wrap(errs.ExternalUnavailable, "scan tasks for dedup", err)
	}
	defer rows.Close()

	var best *Task
	bestScore := -1.0
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		score := cosineSimilarity(vec, t.DescriptionEmbedding)
		if score > bestScore {
			bestScore = score
			best = t
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errs.Wrap(errs.ExternalUnavailable, "iterate dedup candidates", err)
	}
	if best == nil {
		return nil, 0, nil
	}
	return best, bestScore, nil
}

// StallStats summarises a workflow's task activity for the diagnostic
// spawner's trigger predicate.
type StallStats struct {
	TaskCount           int
	ActiveCount         int
	LastTaskCreatedAt   time.Time
	LastTaskCompletedAt *time.Time
}

// activeTaskStatuses is the set of in-flight statuses that block a
// diagnostic run from triggering.
var activeTaskStatuses = []TaskStatus{
	TaskPending, TaskQueued, TaskAssigned, TaskInProgress, TaskUnderReview, TaskValidationInProgress,
}

// TaskStallStats gathers the counts and timestamps the diagnostic spawner's
// trigger predicate needs, in one round trip.
func (s *Store) TaskStallStats(ctx context.Context, workflowID string) (*StallStats, error) {
	stats := &StallStats{}
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM tasks WHERE workflow_id = ?`), workflowID).Scan(&stats.TaskCount)
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "count tasks", err)
	}

	placeholders := "?, ?, ?, ?, ?, ?"
	args := make([]any, 0, len(activeTaskStatuses)+1)
	args = append(args, workflowID)
	for _, st := range activeTaskStatuses {
		args = append(args, string(st))
	}
	err = s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM tasks WHERE workflow_id = ? AND status IN (`+placeholders+`)`), args...).Scan(&stats.ActiveCount)
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "count active tasks", err)
	}

	err = s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COALESCE(MAX(created_at), ?) FROM tasks WHERE workflow_id = ?`), time.Time{}, workflowID).Scan(&stats.LastTaskCreatedAt)
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "last task created", err)
	}

	var completed sql.NullTime
	err = s.db.QueryRowContext(ctx, s.rebind(`
		SELECT MAX(completed_at) FROM tasks WHERE workflow_id = ? AND completed_at IS NOT NULL`), workflowID).Scan(&completed)
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "last task completed", err)
	}
	if completed.Valid {
		stats.LastTaskCompletedAt = &completed.Time
	}
	return stats, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
