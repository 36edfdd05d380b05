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

// Package diagnostic watches for a workflow that
// has gone completely quiet, and when it has, spawns a specialised "doctor"
// agent carrying a summary of everything that already happened, whose job
// is to create the tasks needed to get the workflow moving again.
package diagnostic

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/hephaestus/pkg/config"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/agentmgr"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
)

// Engine runs the stall detector and doctor-agent spawner.
type Engine struct {
	store  *store.Store
	agents *agentmgr.Manager
	cfg    config.MonitoringConfig
}

// New builds a diagnostic Engine.
func New(st *store.Store, agents *agentmgr.Manager, cfg config.MonitoringConfig) *Engine {
	return &Engine{store: st, agents: agents, cfg: cfg}
}

func (e *Engine) cooldown() time.Duration {
	if e.cfg.DiagnosticCooldownSecs > 0 {
		return time.Duration(e.cfg.DiagnosticCooldownSecs) * time.Second
	}
	return 60 * time.Second
}

func (e *Engine) minStuckTime() time.Duration {
	if e.cfg.DiagnosticStuckSecs > 0 {
		return time.Duration(e.cfg.DiagnosticStuckSecs) * time.Second
	}
	return 60 * time.Second
}

func (e *Engine) contextAgents() int {
	if e.cfg.DiagnosticContextAgents > 0 {
		return e.cfg.DiagnosticContextAgents
	}
	return 15
}

func (e *Engine) maxTasksPerRun() int {
	if e.cfg.DiagnosticMaxTasksPerRun > 0 {
		return e.cfg.DiagnosticMaxTasksPerRun
	}
	return 5
}

// shouldTrigger evaluates the stall predicate: every
// condition must hold for a doctor agent to be worth spawning.
func (e *Engine) shouldTrigger(ctx context.Context, workflow *store.Workflow) (bool, *store.StallStats, error) {
	stats, err := e.store.TaskStallStats(ctx, workflow.ID)
	if err != nil {
		return false, nil, err
	}
	if stats.TaskCount == 0 || stats.ActiveCount > 0 {
		return false, stats, nil
	}

	validated, err := e.store.HasValidatedWorkflowResult(ctx, e.store.Q(), workflow.ID)
	if err != nil {
		return false, nil, err
	}
	if validated {
		return false, stats, nil
	}

	last, err := e.store.LastDiagnosticRun(ctx, workflow.ID)
	if err != nil {
		return false, nil, err
	}
	now := time.Now().UTC()
	if last != nil && now.Sub(last.TriggeredAt) < e.cooldown() {
		return false, stats, nil
	}

	lastActivity := stats.LastTaskCreatedAt
	if stats.LastTaskCompletedAt != nil && stats.LastTaskCompletedAt.After(lastActivity) {
		lastActivity = *stats.LastTaskCompletedAt
	}
	if now.Sub(lastActivity) < e.minStuckTime() {
		return false, stats, nil
	}

	return true, stats, nil
}

// CheckAndTrigger runs one diagnostic check for workflow (called once per
// monitoring cycle, after Conductor). Returns the DiagnosticRun it created,
// or nil if the stall predicate didn't hold this cycle.
func (e *Engine) CheckAndTrigger(ctx context.Context, workflow *store.Workflow) (*store.DiagnosticRun, error) {
	trigger, stats, err := e.shouldTrigger(ctx, workflow)
	if err != nil {
		return nil, err
	}
	if !trigger {
		return nil, nil
	}

	phases, err := e.store.ListPhases(ctx, workflow.ID)
	if err != nil {
		return nil, err
	}
	terminalAgents, err := e.store.ListRecentTerminalAgents(ctx, workflow.ID, e.contextAgents())
	if err != nil {
		return nil, err
	}
	recentConductor, err := e.store.RecentConductorAnalyses(ctx, 5)
	if err != nil {
		return nil, err
	}
	rejected, err := e.store.ListRejectedWorkflowResults(ctx, workflow.ID)
	if err != nil {
		return nil, err
	}

	statsJSON, _ := json.Marshal(stats)
	run := &store.DiagnosticRun{
		WorkflowID:   workflow.ID,
		TriggerStats: string(statsJSON),
		Status:       store.DiagnosticCreated,
	}
	if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.CreateDiagnosticRun(ctx, tx, run)
	}); err != nil {
		return nil, err
	}

	prompt := composeDoctorPrompt(workflow, phases, terminalAgents, recentConductor, rejected, e.maxTasksPerRun())

	_, err = e.agents.SpawnAuxiliary(ctx, e.store.Q(), workflow, store.AgentTypeDiagnostic, nil, e.agents.MainWorktreePath(), prompt)
	if err != nil {
		if txErr := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			return e.store.UpdateDiagnosticRun(ctx, tx, run.ID, nil, "", store.DiagnosticFailed)
		}); txErr != nil {
			return nil, txErr
		}
		return nil, err
	}

	if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.UpdateDiagnosticRun(ctx, tx, run.ID, nil, "", store.DiagnosticRunning)
	}); err != nil {
		return nil, err
	}
	run.Status = store.DiagnosticRunning
	return run, nil
}

// composeDoctorPrompt builds the "workflow doctor" prompt: the goal, the
// phase list to create tasks against, what already happened, and the
// 1..max_tasks requirement.
func composeDoctorPrompt(workflow *store.Workflow, phases []*store.Phase, terminalAgents []*store.Agent, conductorHistory []*store.ConductorAnalysis, rejected []*store.WorkflowResult, maxTasks int) string {
	var b strings.Builder
	b.WriteString("You are the workflow doctor. This workflow has gone completely idle: no task is " +
		"pending, queued, assigned, or in progress, and no validated result exists yet. Diagnose why " +
		"and create the tasks needed to get it moving again.\n\n")

	fmt.Fprintf(&b, "# Workflow goal\n%s\n\n", workflow.GoalText)

	b.WriteString("# Phases (use one of these phase_id values for every task you create)\n")
	for _, p := range phases {
		fmt.Fprintf(&b, "- phase_id=%d %q: %s\n", p.ID, p.Name, p.Description)
	}
	b.WriteString("\n")

	if len(terminalAgents) > 0 {
		b.WriteString("# Recent finished agents\n")
		for _, a := range terminalAgents {
			fmt.Fprintf(&b, "- agent %s (type=%s) ended %s\n", a.ID, a.AgentType, a.Status)
		}
		b.WriteString("\n")
	}

	if len(conductorHistory) > 0 {
		b.WriteString("# Recent system-wide coherence judgements\n")
		for _, c := range conductorHistory {
			fmt.Fprintf(&b, "- coherence=%.2f status=%q: %s\n", c.CoherenceScore, c.SystemStatus, c.Recommendations)
		}
		b.WriteString("\n")
	}

	if len(rejected) > 0 {
		b.WriteString("# Rejected workflow results\n")
		for _, r := range rejected {
			feedback := ""
			if r.ValidationFeedback != nil {
				feedback = *r.ValidationFeedback
			}
			fmt.Fprintf(&b, "- result %s rejected: %s\n", r.ID, feedback)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "You must create between 1 and %d new tasks, each with a valid phase_id from the list "+
		"above, using create_task. Once you have created them, mark yourself done.\n", maxTasks)
	return b.String()
}
