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

func scanGuardianAnalysis(row scannable) (*GuardianAnalysis, error) {
	g := &GuardianAnalysis{}
	var steeringType string
	if err := row.Scan(&g.ID, &g.AgentID, &g.Timestamp, &g.CurrentPhase, &g.AlignmentScore, &g.TrajectoryAligned, &g.TrajectorySummary, &g.NeedsSteering, &steeringType, &g.SteeringMessage, &g.Details); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "guardian analysis not found")
		}
		return nil, errs.Wrap(errs.ExternalUnavailable, "scan guardian analysis", err)
	}
	g.SteeringType = SteeringType(steeringType)
	return g, nil
}

func (s *Store) CreateGuardianAnalysis(ctx context.Context, q querier, g *GuardianAnalysis) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Timestamp.IsZero() {
		g.Timestamp = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, s.rebind(`
		INSERT INTO guardian_analyses (id, agent_id, ts, current_phase, alignment_score, trajectory_aligned, trajectory_summary, needs_steering, steering_type, steering_message, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		g.ID, g.AgentID, g.Timestamp, g.CurrentPhase, g.AlignmentScore, g.TrajectoryAligned, g.TrajectorySummary, g.NeedsSteering, string(g.SteeringType), g.SteeringMessage, g.Details)
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "create guardian analysis", err)
	}
	return nil
}

func (s *Store) CreateSteeringIntervention(ctx context.Context, q querier, si *SteeringIntervention) error {
	if si.ID == "" {
		si.ID = uuid.NewString()
	}
	if si.Timestamp.IsZero() {
		si.Timestamp = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, s.rebind(`
		INSERT INTO steering_interventions (id, agent_id, guardian_analysis_id, ts, steering_type, message, was_successful)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		si.ID, si.AgentID, si.GuardianAnalysisID, si.Timestamp, string(si.SteeringType), si.Message, si.WasSuccessful)
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "create steering intervention", err)
	}
	return nil
}

// MarkSteeringSuccess records whether a prior intervention improved the next
// cycle's alignment score.
func (s *Store) MarkSteeringSuccess(ctx context.Context, q querier, id string, successful bool) error {
	_, err := q.ExecContext(ctx, s.rebind(`UPDATE steering_interventions SET was_successful=? WHERE id=?`), successful, id)
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "mark steering success", err)
	}
	return nil
}

// LastUnresolvedSteeringIntervention returns the most recent steering
// intervention for agentID whose success has not yet been recorded
// (was_successful IS NULL), or nil if none. Guardian uses this at the top
// of each cycle to score the previous cycle's injection against this
// cycle's alignment score.
func (s *Store) LastUnresolvedSteeringIntervention(ctx context.Context, q querier, agentID string) (*SteeringIntervention, error) {
	row := q.QueryRowContext(ctx, s.rebind(`
		SELECT id, agent_id, guardian_analysis_id, ts, steering_type, message, was_successful
		FROM steering_interventions WHERE agent_id = ? AND was_successful IS NULL ORDER BY ts DESC LIMIT 1`), agentID)
	si := &SteeringIntervention{}
	var steeringType string
	if err := row.Scan(&si.ID, &si.AgentID, &si.GuardianAnalysisID, &si.Timestamp, &steeringType, &si.Message, &si.WasSuccessful); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.Wrap(errs.ExternalUnavailable, "get last unresolved steering intervention", err)
	}
	si.SteeringType = SteeringType(steeringType)
	return si, nil
}

// AlignmentScoreOf returns the alignment_score recorded on a given
// GuardianAnalysis row, used to compare a steering intervention's
// before/after scores.
func (s *Store) AlignmentScoreOf(ctx context.Context, q querier, guardianAnalysisID string) (float64, error) {
	var score float64
	err := q.QueryRowContext(ctx, s.rebind(`SELECT alignment_score FROM guardian_analyses WHERE id = ?`), guardianAnalysisID).Scan(&score)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, errs.New(errs.NotFound, "guardian analysis not found: "+guardianAnalysisID)
		}
		return 0, errs.Wrap(errs.ExternalUnavailable, "get alignment score", err)
	}
	return score, nil
}

// DeleteGuardianHistoryForAgent removes Guardian analyses and steering
// interventions tied to an agent — used by task restart.
func (s *Store) DeleteGuardianHistoryForAgent(ctx context.Context, q querier, agentID string) error {
	if _, err := q.ExecContext(ctx, s.rebind(`DELETE FROM steering_interventions WHERE agent_id = ?`), agentID); err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "delete steering interventions", err)
	}
	if _, err := q.ExecContext(ctx, s.rebind(`DELETE FROM guardian_analyses WHERE agent_id = ?`), agentID); err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "delete guardian analyses", err)
	}
	return nil
}

func (s *Store) CreateConductorAnalysis(ctx context.Context, q querier, c *ConductorAnalysis) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	dups, err := json.Marshal(c.DetectedDuplicates)
	if err != nil {
		return errs.Wrap(errs.ValidationFailed, "encode detected duplicates", err)
	}
	recs, err := json.Marshal(c.TerminationRecommendations)
	if err != nil {
		return errs.Wrap(errs.ValidationFailed, "encode termination recommendations", err)
	}
	_, err = q.ExecContext(ctx, s.rebind(`
		INSERT INTO conductor_analyses (id, ts, coherence_score, num_agents, system_status, recommendations, detected_duplicates, termination_recommendations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.Timestamp, c.CoherenceScore, c.NumAgents, c.SystemStatus, c.Recommendations, string(dups), string(recs))
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "create conductor analysis", err)
	}
	return nil
}

// RecentConductorAnalyses returns the last N analyses, most-recent-last.
func (s *Store) RecentConductorAnalyses(ctx context.Context, n int) ([]*ConductorAnalysis, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, ts, coherence_score, num_agents, system_status, recommendations, detected_duplicates, termination_recommendations
		FROM conductor_analyses ORDER BY ts DESC LIMIT ?`), n)
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "list conductor analyses", err)
	}
	defer rows.Close()
	var out []*ConductorAnalysis
	for rows.Next() {
		c := &ConductorAnalysis{}
		var dups, recs string
		if err := rows.Scan(&c.ID, &c.Timestamp, &c.CoherenceScore, &c.NumAgents, &c.SystemStatus, &c.Recommendations, &dups, &recs); err != nil {
			return nil, errs.Wrap(errs.ExternalUnavailable, "scan conductor analysis", err)
		}
		_ = json.Unmarshal([]byte(dups), &c.DetectedDuplicates)
		_ = json.Unmarshal([]byte(recs), &c.TerminationRecommendations)
		out = append(out, c)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (s *Store) CreateValidationReview(ctx context.Context, q querier, v *ValidationReview) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, s.rebind(`
		INSERT INTO validation_reviews (id, task_id, validator_agent_id, iteration, validation_passed, feedback, evidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		v.ID, v.TaskID, v.ValidatorAgentID, v.Iteration, v.ValidationPassed, v.Feedback, v.Evidence, v.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "create validation review", err)
	}
	return nil
}
