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
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
)

var agentColumns = `id, workflow_id, task_id, agent_type, status, session_name, worktree_path, created_at, last_activity, kept_alive_for_validation`

func scanAgent(row scannable) (*Agent, error) {
	a := &Agent{}
	var agentType, status string
	if err := row.Scan(&a.ID, &a.WorkflowID, &a.TaskID, &agentType, &status, &a.SessionName, &a.WorktreePath, &a.CreatedAt, &a.LastActivity, &a.KeptAliveForValidation); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "agent not found")
		}
		return nil, errs.Wrap(errs.ExternalUnavailable, "scan agent", err)
	}
	a.AgentType = AgentType(agentType)
	a.Status = AgentStatus(status)
	return a, nil
}

func (s *Store) CreateAgent(ctx context.Context, q querier, a *Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.LastActivity.IsZero() {
		a.LastActivity = now
	}
	_, err := q.ExecContext(ctx, s.rebind(`
		INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.WorkflowID, a.TaskID, string(a.AgentType), string(a.Status), a.SessionName, a.WorktreePath, a.CreatedAt, a.LastActivity, a.KeptAliveForValidation)
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "create agent", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	return scanAgent(row)
}

func (s *Store) getAgentTx(ctx context.Context, q querier, id string) (*Agent, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	return scanAgent(row)
}

func (s *Store) SaveAgent(ctx context.Context, q querier, a *Agent) error {
	_, err := q.ExecContext(ctx, s.rebind(`
		UPDATE agents SET task_id=?, agent_type=?, status=?, session_name=?, worktree_path=?, last_activity=?, kept_alive_for_validation=?
		WHERE id=?`),
		a.TaskID, string(a.AgentType), string(a.Status), a.SessionName, a.WorktreePath, a.LastActivity, a.KeptAliveForValidation, a.ID)
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "update agent", err)
	}
	return nil
}

// GetAgentTx exposes the tx-scoped lookup to other orchestrator packages.
func (s *Store) GetAgentTx(ctx context.Context, q querier, id string) (*Agent, error) {
	return s.getAgentTx(ctx, q, id)
}

// ListWorkingAgents returns every agent currently spawning or working for a
// workflow — the Guardian fan-out and Conductor batch population.
func (s *Store) ListWorkingAgents(ctx context.Context, workflowID string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+agentColumns+` FROM agents WHERE workflow_id = ? AND status IN (?, ?) ORDER BY created_at ASC`),
		workflowID, string(AgentSpawning), string(AgentWorking))
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "list working agents", err)
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

// ListAllAgentSessionNames returns the session_name of every non-terminated
// agent, used by orphan-session reconciliation.
func (s *Store) ListAllAgentSessionNames(ctx context.Context, workflowID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT session_name FROM agents WHERE workflow_id = ? AND status IN (?, ?)`),
		workflowID, string(AgentSpawning), string(AgentWorking))
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "list agent sessions", err)
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errs.Wrap(errs.ExternalUnavailable, "scan session name", err)
		}
		out[name] = true
	}
	return out, rows.Err()
}

// RecentGuardianAnalysesForAgent returns the last K trajectory summaries
// for one agent, most-recent-last, for Guardian's context build.
func (s *Store) RecentGuardianAnalysesForAgent(ctx context.Context, agentID string, k int) ([]*GuardianAnalysis, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, agent_id, ts, current_phase, alignment_score, trajectory_aligned, trajectory_summary, needs_steering, steering_type, steering_message, details
		FROM guardian_analyses WHERE agent_id = ? ORDER BY ts DESC LIMIT ?`), agentID, k)
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "list guardian analyses", err)
	}
	defer rows.Close()
	var out []*GuardianAnalysis
	for rows.Next() {
		g, err := scanGuardianAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	// reverse to chronological order (oldest first) — callers rely on
	// totally-ordered-by-wall-clock reads.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}
