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
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/ticket"
	"github.com/kadirpekel/hephaestus/pkg/tool"
)

type createTicketTool struct{ deps Deps }

func (t *createTicketTool) Name() string { return "create_ticket" }
func (t *createTicketTool) Description() string {
	return "Create a kanban ticket coordinating work across tasks/phases."
}
func (t *createTicketTool) IsLongRunning() bool    { return false }
func (t *createTicketTool) RequiresApproval() bool { return false }
func (t *createTicketTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":       map[string]any{"type": "string"},
			"description": map[string]any{"type": "string"},
			"ticket_type": map[string]any{"type": "string"},
			"status":      map[string]any{"type": "string"},
			"priority":    map[string]any{"type": "string", "enum": []string{"low", "med", "high"}},
		},
		"required": []string{"title", "description"},
	}
}

func (t *createTicketTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	tk, err := t.deps.Tickets.CreateTicket(ctx, ticket.CreateRequest{
		WorkflowID:       t.deps.Workflow.ID,
		Title:            argString(args, "title"),
		Description:      argString(args, "description"),
		TicketType:       argString(args, "ticket_type"),
		Status:           argString(args, "status"),
		Priority:         store.TaskPriority(argString(args, "priority")),
		CreatedByAgentID: ctx.AgentID(),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"ticket_id": tk.ID, "status": tk.Status, "approval_status": string(tk.ApprovalStatus)}, nil
}

type changeTicketStatusTool struct{ deps Deps }

func (t *changeTicketStatusTool) Name() string           { return "change_ticket_status" }
func (t *changeTicketStatusTool) Description() string    { return "Move a ticket to a new board column." }
func (t *changeTicketStatusTool) IsLongRunning() bool    { return false }
func (t *changeTicketStatusTool) RequiresApproval() bool { return false }
func (t *changeTicketStatusTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"ticket_id":  map[string]any{"type": "string"},
			"new_status": map[string]any{"type": "string"},
			"comment":    map[string]any{"type": "string"},
		},
		"required": []string{"ticket_id", "new_status"},
	}
}

func (t *changeTicketStatusTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	tk, err := t.deps.Tickets.ChangeStatus(ctx, argString(args, "ticket_id"), argString(args, "new_status"), ctx.AgentID(), argString(args, "comment"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"ticket_id": tk.ID, "status": tk.Status}, nil
}

type addTicketCommentTool struct{ deps Deps }

func (t *addTicketCommentTool) Name() string           { return "add_ticket_comment" }
func (t *addTicketCommentTool) Description() string    { return "Append a comment to a ticket." }
func (t *addTicketCommentTool) IsLongRunning() bool    { return false }
func (t *addTicketCommentTool) RequiresApproval() bool { return false }
func (t *addTicketCommentTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"ticket_id": map[string]any{"type": "string"},
			"text":      map[string]any{"type": "string"},
		},
		"required": []string{"ticket_id", "text"},
	}
}

func (t *addTicketCommentTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	ticketID := argString(args, "ticket_id")
	if ticketID == "" {
		return nil, errs.New(errs.ValidationFailed, "ticket_id is required")
	}
	if err := t.deps.Tickets.AddComment(ctx, ticketID, ctx.AgentID(), argString(args, "text")); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

type resolveTicketTool struct{ deps Deps }

func (t *resolveTicketTool) Name() string { return "resolve_ticket" }
func (t *resolveTicketTool) Description() string {
	return "Resolve a ticket if nothing unresolved still blocks it; unblocks successors."
}
func (t *resolveTicketTool) IsLongRunning() bool    { return false }
func (t *resolveTicketTool) RequiresApproval() bool { return false }
func (t *resolveTicketTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"ticket_id":          map[string]any{"type": "string"},
			"resolution_comment": map[string]any{"type": "string"},
		},
		"required": []string{"ticket_id"},
	}
}

func (t *resolveTicketTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	tk, unblocked, err := t.deps.Tickets.Resolve(ctx, argString(args, "ticket_id"), argString(args, "resolution_comment"))
	if err != nil {
		return nil, err
	}
	out := map[string]any{"ticket_id": tk.ID, "status": tk.Status}
	if len(unblocked) > 0 {
		out["unblocked_ticket_ids"] = unblocked
	}
	return out, nil
}

type searchTicketsTool struct{ deps Deps }

func (t *searchTicketsTool) Name() string { return "search_tickets" }
func (t *searchTicketsTool) Description() string {
	return "Search tickets by semantic similarity, keyword match, or both."
}
func (t *searchTicketsTool) IsLongRunning() bool    { return false }
func (t *searchTicketsTool) RequiresApproval() bool { return false }
func (t *searchTicketsTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"mode":  map[string]any{"type": "string", "enum": []string{"semantic", "keyword", "hybrid"}},
			"limit": map[string]any{"type": "integer"},
		},
		"required": []string{"query"},
	}
}

func (t *searchTicketsTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	mode := ticket.SearchMode(argString(args, "mode"))
	if mode == "" {
		mode = ticket.SearchHybrid
	}
	results, err := t.deps.Tickets.Search(ctx, t.deps.Workflow.ID, argString(args, "query"), mode, argInt(args, "limit"))
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(results))
	for _, tk := range results {
		out = append(out, map[string]any{"ticket_id": tk.ID, "title": tk.Title, "status": tk.Status})
	}
	return map[string]any{"results": out}, nil
}
