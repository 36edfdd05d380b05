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

// Package conductor is the system-wide coherence judge: given a batch of fresh
// Guardian judgements across every working agent, asks the LLM client for
// a system-wide coherence and duplicate-work judgement, then enforces the
// rules the prompt alone can't guarantee — validator-type agents are never
// treated as duplicates, and the less-advanced side of any surviving
// duplicate pair with similarity of at least 0.8 is terminated.
package conductor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kadirpekel/hephaestus/pkg/orchestrator/agentmgr"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/llmclient"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
)

// similarityTerminationThreshold is the minimum duplicate-pair similarity
// that triggers termination of the less-advanced agent.
const similarityTerminationThreshold = 0.8

// Engine runs the system-wide coherence/duplicate-detection pass.
type Engine struct {
	store  *store.Store
	llm    *llmclient.Client
	agents *agentmgr.Manager
}

// New builds a Conductor Engine.
func New(st *store.Store, llm *llmclient.Client, agents *agentmgr.Manager) *Engine {
	return &Engine{store: st, llm: llm, agents: agents}
}

type duplicatePairResponse struct {
	AgentA          string  `json:"agent_a"`
	AgentB          string  `json:"agent_b"`
	Similarity      float64 `json:"similarity"`
	WorkDescription string  `json:"work_description"`
}

type conductorResponse struct {
	CoherenceScore             float64                 `json:"coherence_score"`
	SystemStatus               string                  `json:"system_status"`
	Recommendations            string                  `json:"recommendations"`
	DetectedDuplicates         []duplicatePairResponse `json:"detected_duplicates"`
	TerminationRecommendations []string                `json:"termination_recommendations"`
}

// isValidatorType reports whether an agent type is excluded from duplicate
// detection entirely.
func isValidatorType(t store.AgentType) bool {
	return t == store.AgentTypeValidator || t == store.AgentTypeResultValidator
}

// RunCycle runs one Conductor pass over the batch of agents that received
// a fresh Guardian analysis this tick. Requires at least two agents.
func (e *Engine) RunCycle(ctx context.Context, workflow *store.Workflow, agents []*store.Agent, fresh map[string]*store.GuardianAnalysis) (*store.ConductorAnalysis, error) {
	if len(agents) < 2 {
		return nil, nil
	}

	byID := make(map[string]*store.Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}

	systemInstruction := "You are Conductor, judging the coherence of a multi-agent coding workflow as a whole. " +
		"Identify any pair of agents doing substantially the same work (duplicate pairs), and produce a " +
		"3-5 sentence progress narrative plus termination recommendations for agents that should stop."

	var b strings.Builder
	fmt.Fprintf(&b, "# Workflow goal\n%s\n\n# Agents (%d working)\n", workflow.GoalText, len(agents))
	for _, a := range agents {
		summary := "no analysis this cycle"
		if g, ok := fresh[a.ID]; ok {
			summary = g.TrajectorySummary
		}
		fmt.Fprintf(&b, "- agent %s (type=%s, created_at=%s): %s\n", a.ID, a.AgentType, a.CreatedAt.Format("15:04:05"), summary)
	}

	var resp conductorResponse
	if err := e.llm.Complete(ctx, llmclient.ComponentConductorAnalysis, systemInstruction, b.String(), &resp); err != nil {
		return nil, err
	}

	var survivingDuplicates []store.DuplicatePair
	var toTerminate []string
	for _, dup := range resp.DetectedDuplicates {
		a, okA := byID[dup.AgentA]
		bAgent, okB := byID[dup.AgentB]
		if !okA || !okB {
			continue
		}
		if isValidatorType(a.AgentType) || isValidatorType(bAgent.AgentType) {
			continue
		}
		survivingDuplicates = append(survivingDuplicates, store.DuplicatePair{
			AgentA: dup.AgentA, AgentB: dup.AgentB, Similarity: dup.Similarity, WorkDescription: dup.WorkDescription,
		})
		if dup.Similarity >= similarityTerminationThreshold {
			loser, err := e.lessAdvanced(ctx, a, bAgent, fresh)
			if err != nil {
				return nil, err
			}
			toTerminate = append(toTerminate, loser)
		}
	}

	analysis := &store.ConductorAnalysis{
		CoherenceScore:             resp.CoherenceScore,
		NumAgents:                  len(agents),
		SystemStatus:               resp.SystemStatus,
		Recommendations:            resp.Recommendations,
		DetectedDuplicates:         survivingDuplicates,
		TerminationRecommendations: resp.TerminationRecommendations,
	}
	if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.CreateConductorAnalysis(ctx, tx, analysis)
	}); err != nil {
		return nil, err
	}

	for _, agentID := range toTerminate {
		if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			return e.agents.Terminate(ctx, tx, agentID, "conductor: duplicate of another agent's work", true)
		}); err != nil {
			return nil, err
		}
	}

	return analysis, nil
}

// lessAdvanced picks which of a/b to terminate: prefer keeping earlier
// created_at, then the one in a later phase, then the one with the higher
// last alignment score.
func (e *Engine) lessAdvanced(ctx context.Context, a, b *store.Agent, fresh map[string]*store.GuardianAnalysis) (string, error) {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		if a.CreatedAt.Before(b.CreatedAt) {
			return b.ID, nil
		}
		return a.ID, nil
	}

	phaseA, err := e.currentPhase(ctx, a)
	if err != nil {
		return "", err
	}
	phaseB, err := e.currentPhase(ctx, b)
	if err != nil {
		return "", err
	}
	if phaseA != phaseB {
		if phaseA > phaseB {
			return b.ID, nil
		}
		return a.ID, nil
	}

	scoreA, scoreB := 0.0, 0.0
	if g, ok := fresh[a.ID]; ok {
		scoreA = g.AlignmentScore
	}
	if g, ok := fresh[b.ID]; ok {
		scoreB = g.AlignmentScore
	}
	if scoreA >= scoreB {
		return b.ID, nil
	}
	return a.ID, nil
}

// currentPhase resolves an agent's current phase ordinal via its task, -1
// if it has none (treated as least advanced).
func (e *Engine) currentPhase(ctx context.Context, agent *store.Agent) (int, error) {
	if agent.TaskID == nil {
		return -1, nil
	}
	task, err := e.store.GetTask(ctx, *agent.TaskID)
	if err != nil {
		return -1, nil
	}
	if task.PhaseID == nil {
		return -1, nil
	}
	return *task.PhaseID, nil
}
