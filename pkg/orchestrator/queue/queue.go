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

// Package queue is the task engine: task creation (dedup check,
// optional enrichment, capacity-gated dispatch or queueing), the queue
// processor that drains queued tasks as capacity frees up, priority bump,
// cancellation and restart. Every multi-step operation here runs inside
// one store.WithTx transaction and is serialised per workflow. Alternative
// results of task creation are an explicit tagged Outcome, never
// cross-component errors used as control flow.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/hephaestus/pkg/config"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/agentmgr"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/embedclient"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/events"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/llmclient"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
)

// Outcome tags the alternative results of a task-creation request.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeQueued    Outcome = "queued"
	OutcomeDuplicate Outcome = "duplicate"
)

// CreateRequest is the input to CreateTask.
type CreateRequest struct {
	WorkflowID     string
	PhaseID        *int
	TicketID       *string
	ParentTaskID   *string
	CreatedByAgent string
	AgentType      store.AgentType
	Description    string
	DoneDefinition string
	Priority       store.TaskPriority
}

// CreateResult is what CreateTask returns: the persisted task row plus
// which of the three outcomes (created, queued, duplicate) happened. A
// description that fails the ticket-linkage check is refused with an error
// and no CreateResult.
type CreateResult struct {
	Task    *store.Task
	Outcome Outcome
}

// Hooks lets higher layers (the validation pipeline) react to queue-driven
// transitions without the queue package importing them back — the same
// inversion agentmgr already uses against this package's Spawn call.
type Hooks struct {
	// OnUnderReview is invoked after a self-reported task transitions
	// in_progress -> under_review, inside the same transaction, so the
	// validation pipeline can spawn a validator agent atomically.
	OnUnderReview func(ctx context.Context, q store.Querier, workflow *store.Workflow, task *store.Task) error
}

// Engine is the queue + task engine.
type Engine struct {
	store  *store.Store
	embed  *embedclient.Client
	llm    *llmclient.Client
	agents *agentmgr.Manager
	bus    *events.Bus
	cfg    config.QueueConfig

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	Hooks Hooks
}

// New builds a queue Engine. llm may be nil — enrichment is then always
// skipped, consistent with its "asynchronous, bounded, failure non-fatal"
// contract.
func New(st *store.Store, embed *embedclient.Client, llm *llmclient.Client, agents *agentmgr.Manager, bus *events.Bus, cfg config.QueueConfig) *Engine {
	return &Engine{store: st, embed: embed, llm: llm, agents: agents, bus: bus, cfg: cfg, locks: map[string]*sync.Mutex{}}
}

// workflowLock returns (creating if necessary) the serialising lock for a
// single workflow's dispatch critical section.
func (e *Engine) workflowLock(workflowID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[workflowID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[workflowID] = l
	}
	return l
}

const ticketLinkagePrefix = "TICKET: "

// validateTicketLinkage enforces the ticket-linkage contract: any task description
// tied to a ticket must literally contain "TICKET: <ticket_id>".
func validateTicketLinkage(description string, ticketID *string) error {
	if ticketID == nil {
		return nil
	}
	if !strings.Contains(description, ticketLinkagePrefix+*ticketID) {
		return errs.New(errs.ValidationFailed, fmt.Sprintf("task description must contain literal %q", ticketLinkagePrefix+*ticketID))
	}
	return nil
}

// CreateTask runs the full creation pipeline: ticket-linkage check,
// dedup, best-effort enrichment, persistence, then either immediate spawn
// or queueing.
func (e *Engine) CreateTask(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := validateTicketLinkage(req.Description, req.TicketID); err != nil {
		return nil, err
	}

	task := &store.Task{
		WorkflowID:     req.WorkflowID,
		PhaseID:        req.PhaseID,
		TicketID:       req.TicketID,
		ParentTaskID:   req.ParentTaskID,
		Description:    req.Description,
		DoneDefinition: req.DoneDefinition,
		Priority:       req.Priority,
		Status:         store.TaskPending,
		AgentType:      req.AgentType,
	}
	if req.CreatedByAgent != "" {
		task.CreatedByAgentID = &req.CreatedByAgent
	}
	if task.Priority == "" {
		task.Priority = store.PriorityMedium
	}
	if task.AgentType == "" {
		task.AgentType = store.AgentTypePhase
	}

	// Step 1: dedup, outside the dispatch transaction — embedding is a
	// network call and must never hold a DB transaction open.
	outcome := OutcomeCreated
	if e.cfg.DedupEnabled && task.PhaseID != nil && e.embed != nil && e.embed.Available() {
		dup, err := e.dedup(ctx, task)
		if err != nil {
			return nil, err
		}
		if dup != nil {
			task.Status = store.TaskDuplicated
			task.DuplicateOfTaskID = &dup.Task.ID
			task.SimilarityScore = &dup.Score
			task.DescriptionEmbedding = dup.Vector
			outcome = OutcomeDuplicate
			if err := e.persistOnly(ctx, task); err != nil {
				return nil, err
			}
			e.bus.Publish(events.TaskCreated, task)
			return &CreateResult{Task: task, Outcome: outcome}, nil
		}
	}

	// Step 3: best-effort enrichment before persistence, so the stored
	// description is already the enriched one. Non-fatal: any failure
	// just leaves the original description in place.
	if e.cfg.EnrichmentEnabled && e.llm != nil {
		e.enrich(ctx, task)
	}

	workflow, err := e.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	var phase *store.Phase
	if task.PhaseID != nil {
		phase, err = e.store.GetPhase(ctx, req.WorkflowID, *task.PhaseID)
		if err != nil {
			return nil, err
		}
		task.ValidationEnabled = phase.ValidationEnabled
	}

	lock := e.workflowLock(req.WorkflowID)
	lock.Lock()
	defer lock.Unlock()

	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.store.CreateTask(ctx, tx, task); err != nil {
			return err
		}
		active, err := e.store.CountActiveAgents(ctx, tx, req.WorkflowID)
		if err != nil {
			return err
		}
		if active < e.cfg.MaxConcurrentAgents {
			if _, err := e.agents.Spawn(ctx, tx, workflow, phase, task); err != nil {
				return err
			}
			if _, err := e.store.UpdateTaskStatus(ctx, tx, task.ID, "", store.TaskAssigned, nil); err != nil {
				return err
			}
			task.Status = store.TaskAssigned
			return nil
		}
		outcome = OutcomeQueued
		now := time.Now().UTC()
		task.Status = store.TaskQueued
		task.QueuedAt = &now
		if err := e.store.SaveTask(ctx, tx, task); err != nil {
			return err
		}
		if err := e.recomputePositions(ctx, tx, req.WorkflowID); err != nil {
			return err
		}
		stored, err := e.store.GetTaskTx(ctx, tx, task.ID)
		if err != nil {
			return err
		}
		task.QueuePosition = stored.QueuePosition
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.bus.Publish(events.TaskCreated, task)
	if outcome == OutcomeQueued {
		e.bus.Publish(events.TaskQueued, task)
	}
	return &CreateResult{Task: task, Outcome: outcome}, nil
}

type dedupMatch struct {
	Task   *store.Task
	Score  float64
	Vector []float32
}

func (e *Engine) dedup(ctx context.Context, task *store.Task) (*dedupMatch, error) {
	vec, err := e.embed.Embed(ctx, task.Description)
	if err != nil {
		// Unavailable embedder means dedup is skipped, not an error
		//.
		return nil, nil
	}
	best, score, err := e.store.NearestTaskEmbedding(ctx, e.store.Q(), task.WorkflowID, *task.PhaseID, vec)
	if err != nil {
		return nil, err
	}
	threshold := e.cfg.SimThreshold
	if threshold == 0 {
		threshold = 0.92
	}
	if best != nil && score >= threshold {
		return &dedupMatch{Task: best, Score: score, Vector: vec}, nil
	}
	task.DescriptionEmbedding = vec
	return nil, nil
}

func (e *Engine) enrich(ctx context.Context, task *store.Task) {
	var out struct {
		EnrichedDescription string `json:"enriched_description"`
	}
	err := e.llm.Complete(ctx, llmclient.ComponentTaskEnrichment,
		"You refine a worker task description for clarity without changing its scope.",
		task.Description, &out)
	if err != nil || out.EnrichedDescription == "" {
		return
	}
	task.Description = out.EnrichedDescription
}

func (e *Engine) persistOnly(ctx context.Context, task *store.Task) error {
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.CreateTask(ctx, tx, task)
	})
}

// recomputePositions recomputes dense 1..N queue_position for every
// queued task of a workflow, in dispatch order.
func (e *Engine) recomputePositions(ctx context.Context, q store.Querier, workflowID string) error {
	queued, err := e.store.ListQueuedTasksOrdered(ctx, q, workflowID)
	if err != nil {
		return err
	}
	for i, t := range queued {
		pos := i + 1
		t.QueuePosition = &pos
		if err := e.store.SaveTask(ctx, q, t); err != nil {
			return err
		}
	}
	return nil
}

// ProcessQueue drains the queue while capacity allows. ReportStatus calls it
// when a task reaches a terminal status, and the validation pipeline and the
// dashboard call it too; terminating an agent does not call it.
func (e *Engine) ProcessQueue(ctx context.Context, workflowID string) error {
	lock := e.workflowLock(workflowID)
	lock.Lock()
	defer lock.Unlock()

	workflow, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}

	for {
		more := false
		err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			active, err := e.store.CountActiveAgents(ctx, tx, workflowID)
			if err != nil {
				return err
			}
			if active >= e.cfg.MaxConcurrentAgents {
				return nil
			}
			queued, err := e.store.ListQueuedTasksOrdered(ctx, tx, workflowID)
			if err != nil || len(queued) == 0 {
				return err
			}
			top := queued[0]
			var phase *store.Phase
			if top.PhaseID != nil {
				phase, err = e.store.GetPhase(ctx, workflowID, *top.PhaseID)
				if err != nil {
					return err
				}
			}
			top.QueuedAt = nil
			top.QueuePosition = nil
			top.Status = store.TaskAssigned
			if err := e.store.SaveTask(ctx, tx, top); err != nil {
				return err
			}
			if _, err := e.agents.Spawn(ctx, tx, workflow, phase, top); err != nil {
				return err
			}
			if err := e.recomputePositions(ctx, tx, workflowID); err != nil {
				return err
			}
			more = true
			return nil
		})
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// BumpTaskPriority dequeues a task regardless of capacity and spawns it
// immediately. A safety rail refuses the bump
// once active agents already reached double the configured cap.
func (e *Engine) BumpTaskPriority(ctx context.Context, taskID string) (*store.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != store.TaskQueued {
		return nil, errs.New(errs.InvalidState, "task is not queued: "+string(task.Status))
	}

	lock := e.workflowLock(task.WorkflowID)
	lock.Lock()
	defer lock.Unlock()

	workflow, err := e.store.GetWorkflow(ctx, task.WorkflowID)
	if err != nil {
		return nil, err
	}
	var phase *store.Phase
	if task.PhaseID != nil {
		phase, err = e.store.GetPhase(ctx, task.WorkflowID, *task.PhaseID)
		if err != nil {
			return nil, err
		}
	}

	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		active, err := e.store.CountActiveAgents(ctx, tx, task.WorkflowID)
		if err != nil {
			return err
		}
		if active+1 > 2*e.cfg.MaxConcurrentAgents {
			return errs.New(errs.CapacityExceeded, "bump would exceed twice the configured agent cap")
		}
		t, err := e.store.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		t.PriorityBoosted = true
		t.QueuedAt = nil
		t.QueuePosition = nil
		t.Status = store.TaskAssigned
		if err := e.store.SaveTask(ctx, tx, t); err != nil {
			return err
		}
		if _, err := e.agents.Spawn(ctx, tx, workflow, phase, t); err != nil {
			return err
		}
		task = t
		return e.recomputePositions(ctx, tx, task.WorkflowID)
	})
	if err != nil {
		return nil, err
	}
	e.bus.Publish(events.TaskPriorityBumped, task)
	return task, nil
}

// CancelQueuedTask fails a still-queued task without ever spawning an
// agent for it.
func (e *Engine) CancelQueuedTask(ctx context.Context, taskID string) (*store.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != store.TaskQueued {
		return nil, errs.New(errs.InvalidState, "task is not queued: "+string(task.Status))
	}

	lock := e.workflowLock(task.WorkflowID)
	lock.Lock()
	defer lock.Unlock()

	reason := "cancelled"
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := e.store.UpdateTaskStatus(ctx, tx, taskID, "", store.TaskFailed, func(t *store.Task) {
			t.FailureReason = &reason
			t.QueuedAt = nil
			t.QueuePosition = nil
		})
		if err != nil {
			return err
		}
		task = t
		return e.recomputePositions(ctx, tx, task.WorkflowID)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// RestartTask resets a terminal task back to pending and re-runs the
// creation pipeline's dispatch step.
func (e *Engine) RestartTask(ctx context.Context, taskID string) (*CreateResult, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != store.TaskDone && task.Status != store.TaskFailed {
		return nil, errs.New(errs.InvalidState, "task is not done or failed: "+string(task.Status))
	}

	workflow, err := e.store.GetWorkflow(ctx, task.WorkflowID)
	if err != nil {
		return nil, err
	}
	var phase *store.Phase
	if task.PhaseID != nil {
		phase, err = e.store.GetPhase(ctx, task.WorkflowID, *task.PhaseID)
		if err != nil {
			return nil, err
		}
	}

	lock := e.workflowLock(task.WorkflowID)
	lock.Lock()
	defer lock.Unlock()

	outcome := OutcomeCreated
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if task.AssignedAgentID != nil {
			if err := e.store.DeleteGuardianHistoryForAgent(ctx, tx, *task.AssignedAgentID); err != nil {
				return err
			}
		}
		t, err := e.store.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		t.Status = store.TaskPending
		t.FailureReason = nil
		t.CompletionNotes = nil
		t.CompletedAt = nil
		t.StartedAt = nil
		t.AssignedAgentID = nil
		if err := e.store.SaveTask(ctx, tx, t); err != nil {
			return err
		}

		active, err := e.store.CountActiveAgents(ctx, tx, task.WorkflowID)
		if err != nil {
			return err
		}
		if active < e.cfg.MaxConcurrentAgents {
			if _, err := e.agents.Spawn(ctx, tx, workflow, phase, t); err != nil {
				return err
			}
			t.Status = store.TaskAssigned
			if err := e.store.SaveTask(ctx, tx, t); err != nil {
				return err
			}
		} else {
			outcome = OutcomeQueued
			now := time.Now().UTC()
			t.Status = store.TaskQueued
			t.QueuedAt = &now
			if err := e.store.SaveTask(ctx, tx, t); err != nil {
				return err
			}
			if err := e.recomputePositions(ctx, tx, task.WorkflowID); err != nil {
				return err
			}
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &CreateResult{Task: task, Outcome: outcome}, nil
}

// ReportStatus applies an agent's self-reported transition
// (in_progress -> under_review|done|failed, or needs_work -> in_progress),
// authorising against agentID, and triggers the appropriate side effect:
// queue reprocessing on a terminal state, or the under-review hook.
func (e *Engine) ReportStatus(ctx context.Context, agentID, taskID string, to store.TaskStatus, notes string) (*store.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	workflow, err := e.store.GetWorkflow(ctx, task.WorkflowID)
	if err != nil {
		return nil, err
	}

	var updated *store.Task
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := e.store.UpdateTaskStatus(ctx, tx, taskID, agentID, to, func(t *store.Task) {
			if notes != "" {
				t.CompletionNotes = &notes
			}
			now := time.Now().UTC()
			if to == store.TaskInProgress && t.StartedAt == nil {
				t.StartedAt = &now
			}
			if to == store.TaskDone || to == store.TaskFailed {
				t.CompletedAt = &now
			}
		})
		if err != nil {
			return err
		}
		updated = t
		if to == store.TaskUnderReview && e.Hooks.OnUnderReview != nil {
			return e.Hooks.OnUnderReview(ctx, tx, workflow, t)
		}
		// A terminal self-report releases the agent: session killed,
		// worktree destroyed, capacity freed for the queue processor below.
		if (to == store.TaskDone || to == store.TaskFailed) && agentID != "" {
			return e.agents.Terminate(ctx, tx, agentID, "task "+string(to), false)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if to == store.TaskDone || to == store.TaskFailed {
		e.bus.Publish(events.TaskCompleted, updated)
		if err := e.ProcessQueue(ctx, task.WorkflowID); err != nil {
			return nil, err
		}
	}
	return updated, nil
}
