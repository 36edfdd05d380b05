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

// Package agentmgr is the agent lifecycle manager: spawns an agent by
// composing the session driver and the worktree manager, injects its
// initial prompt, and tears
// both down again on termination. It holds no scheduling policy of its own
// — capacity accounting and queue reprocessing live in
// pkg/orchestrator/queue, which calls into this package as its spawn/kill
// primitive.
package agentmgr

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/events"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/session"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/worktree"
)

// Manager spawns and terminates agents.
type Manager struct {
	store     *store.Store
	sessions  *session.Driver
	worktrees *worktree.Manager
	bus       *events.Bus
	toolNames []string
}

// New builds a Manager. toolNames is the exact list of MCP tool names
// agents are told they may call.
func New(st *store.Store, sessions *session.Driver, worktrees *worktree.Manager, bus *events.Bus, toolNames []string) *Manager {
	return &Manager{store: st, sessions: sessions, worktrees: worktrees, bus: bus, toolNames: toolNames}
}

// needsWorktreeIsolation reports whether an agent of this type gets its
// own disjoint worktree. Only phase agents do actual work that must stay
// isolated from every other agent's changes; diagnostic agents read the
// main repo, and validator/result-validator agents are
// spawned read-only against the worktree of the agent they're judging
// rather than cutting a fresh one of their own.
func needsWorktreeIsolation(t store.AgentType) bool {
	return t == store.AgentTypePhase
}

// Spawn creates an agent for task, isolates it, and injects its prompt
// . q is the transaction the caller already holds open for
// the task transition that preceded this call; the agent row is created in
// the same transaction so a crash between "task assigned" and "agent
// created" can never happen.
func (m *Manager) Spawn(ctx context.Context, q store.Querier, workflow *store.Workflow, phase *store.Phase, task *store.Task) (*store.Agent, error) {
	agent := &store.Agent{
		WorkflowID: workflow.ID,
		TaskID:     &task.ID,
		AgentType:  task.AgentType,
		Status:     store.AgentSpawning,
	}
	if err := m.store.CreateAgent(ctx, q, agent); err != nil {
		return nil, err
	}
	task.AssignedAgentID = &agent.ID
	if err := m.store.SaveTask(ctx, q, task); err != nil {
		return nil, err
	}

	var worktreePath string
	if needsWorktreeIsolation(agent.AgentType) {
		path, err := m.worktrees.Create(ctx, agent.ID)
		if err != nil {
			return nil, errs.Wrap(errs.ExternalUnavailable, "create worktree for agent "+agent.ID, err)
		}
		worktreePath = path
	} else {
		worktreePath = m.worktrees.Path("main")
	}

	handle, err := m.sessions.Create(ctx, agent.ID, worktreePath, "")
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "create session for agent "+agent.ID, err)
	}

	agent.WorktreePath = worktreePath
	agent.SessionName = handle

	prompt := m.composePrompt(agent, workflow, phase, task)
	if err := m.sessions.Inject(ctx, handle, prompt); err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "inject initial prompt for agent "+agent.ID, err)
	}

	agent.Status = store.AgentWorking
	if err := m.store.SaveAgent(ctx, q, agent); err != nil {
		return nil, err
	}

	m.bus.Publish(events.AgentCreated, agent)
	return agent, nil
}

// MainWorktreePath is the main repository checkout, used for agents that
// read rather than isolate: diagnostics and result-validators.
func (m *Manager) MainWorktreePath() string {
	return m.worktrees.Path("main")
}

// SpawnAuxiliary creates a validator, result-validator, or diagnostic agent
// against an explicit worktree path (the original agent's, for read-only
// task-level validation, or the main repo, for result-validators and
// diagnostics) with a caller-composed prompt. It shares Spawn's session and
// row bookkeeping but skips worktree creation, since auxiliary agents never
// own their own worktree (see needsWorktreeIsolation).
func (m *Manager) SpawnAuxiliary(ctx context.Context, q store.Querier, workflow *store.Workflow, agentType store.AgentType, taskID *string, worktreePath, prompt string) (*store.Agent, error) {
	agent := &store.Agent{
		WorkflowID:   workflow.ID,
		TaskID:       taskID,
		AgentType:    agentType,
		Status:       store.AgentSpawning,
		WorktreePath: worktreePath,
	}
	if err := m.store.CreateAgent(ctx, q, agent); err != nil {
		return nil, err
	}

	handle, err := m.sessions.Create(ctx, agent.ID, worktreePath, "")
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "create session for agent "+agent.ID, err)
	}
	agent.SessionName = handle

	if err := m.sessions.Inject(ctx, handle, prompt); err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "inject initial prompt for agent "+agent.ID, err)
	}

	agent.Status = store.AgentWorking
	if err := m.store.SaveAgent(ctx, q, agent); err != nil {
		return nil, err
	}

	m.bus.Publish(events.AgentCreated, agent)
	return agent, nil
}

// composePrompt builds the initial prompt: the agent's
// own ID with an explicit warning against placeholder IDs, the workflow
// goal, the phase's description/done-definitions/additional notes, the
// task's description/done-definition, and the exact MCP tool names the
// agent may call.
func (m *Manager) composePrompt(agent *store.Agent, workflow *store.Workflow, phase *store.Phase, task *store.Task) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Your agent ID is: %s\n", agent.ID)
	b.WriteString("Every tool call you make must carry this exact ID in the X-Agent-ID header. ")
	b.WriteString("Do not invent, shorten, or guess an ID — a placeholder such as \"agent\", \"me\", \"self\", ")
	b.WriteString("\"<agent_id>\", or any ID copied from an example will be rejected by every tool call.\n\n")

	fmt.Fprintf(&b, "# Workflow goal\n%s\n\n", workflow.GoalText)

	if phase != nil {
		fmt.Fprintf(&b, "# Phase: %s\n%s\n", phase.Name, phase.Description)
		if len(phase.DoneDefinitions) > 0 {
			b.WriteString("Done when:\n")
			for _, d := range phase.DoneDefinitions {
				fmt.Fprintf(&b, "- %s\n", d)
			}
		}
		if phase.AdditionalNotes != "" {
			fmt.Fprintf(&b, "\nAdditional notes:\n%s\n", phase.AdditionalNotes)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "# Your task\n%s\n\nDone when:\n%s\n\n", task.Description, task.DoneDefinition)

	if len(m.toolNames) > 0 {
		b.WriteString("# Tools available to you\n")
		b.WriteString("You may only call the following tools by name:\n")
		for _, name := range m.toolNames {
			fmt.Fprintf(&b, "- %s\n", name)
		}
	}

	return b.String()
}

// Terminate kills an agent's session, destroys its worktree, and marks it
// terminated. Idempotent on an already-terminated agent. When external is
// true (a kill from the monitoring loop or Conductor, not the agent's own
// self-report), an in-progress task the agent still owns is marked failed
// so the queue processor can re-enqueue it.
func (m *Manager) Terminate(ctx context.Context, q store.Querier, agentID, reason string, external bool) error {
	agent, err := m.store.GetAgentTx(ctx, q, agentID)
	if err != nil {
		return err
	}
	if agent.Status == store.AgentTerminated {
		return nil
	}

	if err := m.sessions.Kill(ctx, agent.SessionName); err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "kill session for agent "+agentID, err)
	}
	if needsWorktreeIsolation(agent.AgentType) {
		if err := m.worktrees.Destroy(ctx, agentID, agent.WorktreePath); err != nil {
			return errs.Wrap(errs.ExternalUnavailable, "destroy worktree for agent "+agentID, err)
		}
	}

	agent.Status = store.AgentTerminated
	if err := m.store.SaveAgent(ctx, q, agent); err != nil {
		return err
	}

	if external && agent.TaskID != nil {
		task, err := m.store.GetTaskTx(ctx, q, *agent.TaskID)
		if err != nil {
			return err
		}
		if task.Status == store.TaskInProgress {
			failureReason := reason
			if _, err := m.store.UpdateTaskStatus(ctx, q, task.ID, agentID, store.TaskFailed, func(t *store.Task) {
				t.FailureReason = &failureReason
			}); err != nil {
				return err
			}
		}
	}

	m.bus.Publish(events.AgentStatusChanged, agent)
	return nil
}
