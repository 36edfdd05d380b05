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

	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
)

func (s *Store) CreateWorkflow(ctx context.Context, w *Workflow) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO workflows (id, name, goal_text, result_required, result_criteria, on_result_found, board_config, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		w.ID, w.Name, w.GoalText, w.ResultRequired, w.ResultCriteria, string(w.OnResultFound), w.BoardConfig, w.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "create workflow", err)
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, name, goal_text, result_required, result_criteria, on_result_found, board_config, created_at
		FROM workflows WHERE id = ?`), id)
	w := &Workflow{}
	var onResult string
	if err := row.Scan(&w.ID, &w.Name, &w.GoalText, &w.ResultRequired, &w.ResultCriteria, &onResult, &w.BoardConfig, &w.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "workflow not found: "+id)
		}
		return nil, errs.Wrap(errs.ExternalUnavailable, "get workflow", err)
	}
	w.OnResultFound = OnResultFound(onResult)
	return w, nil
}

func (s *Store) CreatePhase(ctx context.Context, p *Phase) error {
	doneDefs, err := json.Marshal(p.DoneDefinitions)
	if err != nil {
		return errs.Wrap(errs.ValidationFailed, "encode done_definitions", err)
	}
	criteria, err := json.Marshal(p.ValidationCriteria)
	if err != nil {
		return errs.Wrap(errs.ValidationFailed, "encode validation_criteria", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO phases (id, workflow_id, name, description, done_definitions, additional_notes, validation_enabled, validation_criteria, validator_instructions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.WorkflowID, p.Name, p.Description, string(doneDefs), p.AdditionalNotes, p.ValidationEnabled, string(criteria), p.ValidatorInstructions)
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "create phase", err)
	}
	return nil
}

func (s *Store) GetPhase(ctx context.Context, workflowID string, id int) (*Phase, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, workflow_id, name, description, done_definitions, additional_notes, validation_enabled, validation_criteria, validator_instructions
		FROM phases WHERE workflow_id = ? AND id = ?`), workflowID, id)
	return scanPhase(row)
}

func (s *Store) ListPhases(ctx context.Context, workflowID string) ([]*Phase, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, workflow_id, name, description, done_definitions, additional_notes, validation_enabled, validation_criteria, validator_instructions
		FROM phases WHERE workflow_id = ? ORDER BY id ASC`), workflowID)
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "list phases", err)
	}
	defer rows.Close()

	var out []*Phase
	for rows.Next() {
		p, err := scanPhaseRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPhase(row scannable) (*Phase, error) {
	p := &Phase{}
	var doneDefs, criteria string
	if err := row.Scan(&p.ID, &p.WorkflowID, &p.Name, &p.Description, &doneDefs, &p.AdditionalNotes, &p.ValidationEnabled, &criteria, &p.ValidatorInstructions); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "phase not found")
		}
		return nil, errs.Wrap(errs.ExternalUnavailable, "get phase", err)
	}
	_ = json.Unmarshal([]byte(doneDefs), &p.DoneDefinitions)
	_ = json.Unmarshal([]byte(criteria), &p.ValidationCriteria)
	return p, nil
}

func scanPhaseRows(rows *sql.Rows) (*Phase, error) {
	return scanPhase(rows)
}
