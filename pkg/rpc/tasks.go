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

package rpc

import (
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/queue"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
	"github.com/kadirpekel/hephaestus/pkg/tool"
)

// createTaskTool implements create_task.
type createTaskTool struct{ deps Deps }

func (t *createTaskTool) Name() string { return "create_task" }
func (t *createTaskTool) Description() string {
	return "Create a new task, optionally linked to a ticket and/or phase."
}
func (t *createTaskTool) IsLongRunning() bool    { return false }
func (t *createTaskTool) RequiresApproval() bool { return false }
func (t *createTaskTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"description":     map[string]any{"type": "string"},
			"done_definition": map[string]any{"type": "string"},
			"phase_id":        map[string]any{"type": "integer"},
			"priority":        map[string]any{"type": "string", "enum": []string{"low", "med", "high"}},
			"ticket_id":       map[string]any{"type": "string"},
		},
		"required": []string{"description", "done_definition"},
	}
}

func (t *createTaskTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	priority := store.TaskPriority(argString(args, "priority"))
	req := queue.CreateRequest{
		WorkflowID:     t.deps.Workflow.ID,
		PhaseID:        argIntPtr(args, "phase_id"),
		TicketID:       argStringPtr(args, "ticket_id"),
		CreatedByAgent: ctx.AgentID(),
		AgentType:      store.AgentTypePhase,
		Description:    argString(args, "description"),
		DoneDefinition: argString(args, "done_definition"),
		Priority:       priority,
	}
	res, err := t.deps.Queue.CreateTask(ctx, req)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"task_id": res.Task.ID,
		"status":  string(res.Task.Status),
		"outcome": string(res.Outcome),
	}
	if res.Task.DuplicateOfTaskID != nil {
		out["duplicate_of_task_id"] = *res.Task.DuplicateOfTaskID
	}
	return out, nil
}

// updateTaskStatusTool implements update_task_status.
type updateTaskStatusTool struct{ deps Deps }

func (t *updateTaskStatusTool) Name() string { return "update_task_status" }
func (t *updateTaskStatusTool) Description() string {
	return "Report a task's new status: done, failed, or in_progress."
}
func (t *updateTaskStatusTool) IsLongRunning() bool    { return false }
func (t *updateTaskStatusTool) RequiresApproval() bool { return false }
func (t *updateTaskStatusTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_id":   map[string]any{"type": "string"},
			"status":    map[string]any{"type": "string", "enum": []string{"done", "failed", "in_progress"}},
			"summary":   map[string]any{"type": "string"},
			"learnings": map[string]any{"type": "string"},
		},
		"required": []string{"task_id", "status"},
	}
}

func (t *updateTaskStatusTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	taskID := argString(args, "task_id")
	if taskID == "" {
		taskID = ctx.TaskID()
	}
	if taskID == "" {
		return nil, errs.New(errs.ValidationFailed, "task_id is required")
	}
	status := store.TaskStatus(argString(args, "status"))
	notes := argString(args, "summary")
	if learnings := argString(args, "learnings"); learnings != "" {
		notes = notes + "\n\nLearnings: " + learnings
	}

	// The RPC surface only accepts {done, failed, in_progress} from an
	// agent. "done" on a task whose phase has validation enabled
	// means "under review", not "done" outright
	// — the agent neither knows nor needs to know the distinction.
	if status == store.TaskDone {
		existing, err := t.deps.Store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if existing.ValidationEnabled {
			status = store.TaskUnderReview
		}
	}

	updated, err := t.deps.Queue.ReportStatus(ctx, ctx.AgentID(), taskID, status, notes)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_id": updated.ID, "status": string(updated.Status)}, nil
}
