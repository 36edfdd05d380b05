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

// Package rpc is the agent-facing RPC surface: one
// tool.CallableTool per named call (create_task, update_task_status,
// save_memory, qdrant_find, the ticket CRUD calls, give_validation_review,
// submit_result, submit_result_validation, validate_agent_id), registered
// by name in a registry.Registry[tool.CallableTool] and dispatched through
// Dispatcher, which owns the one piece of cross-cutting policy every call
// shares: X-Agent-ID authorisation.
//
// The handler table is statically registered and keyed by tool name: no
// dynamic tool-protocol SDK dispatch, no reflection over method names —
// every call is a typed struct implementing tool.CallableTool, wired up
// once in NewDispatcher.
package rpc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kadirpekel/hephaestus/pkg/orchestrator/agentmgr"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/embedclient"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/queue"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/ticket"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/validation"
	"github.com/kadirpekel/hephaestus/pkg/registry"
	"github.com/kadirpekel/hephaestus/pkg/tool"
	"github.com/kadirpekel/hephaestus/pkg/vector"
)

// Deps bundles every engine an RPC handler might need. A single active
// Workflow is resolved once at composition-root time and handed to every handler, rather
// than each handler re-deriving it from a request field.
type Deps struct {
	Store      *store.Store
	Queue      *queue.Engine
	Tickets    *ticket.Engine
	Validation *validation.Engine
	Agents     *agentmgr.Manager
	Vector     vector.Provider
	Embed      *embedclient.Client
	Workflow   *store.Workflow
}

// memoryEmbedder returns deps.Embed, or nil if no embedder is configured —
// save_memory/qdrant_find then degrade to storing/recalling without a
// vector.
func memoryEmbedder(deps Deps) *embedclient.Client { return deps.Embed }

// agentContext is the concrete tool.Context every dispatched call receives.
type agentContext struct {
	context.Context
	agentID string
	taskID  string
	callID  string
}

func (c *agentContext) AgentID() string { return c.agentID }
func (c *agentContext) TaskID() string  { return c.taskID }
func (c *agentContext) CallID() string  { return c.callID }

// Dispatcher authorises inbound tool calls against the agent manager's
// store of `working` agents and routes
// them to the registered CallableTool by name.
type Dispatcher struct {
	store *store.Store
	tools registry.Registry[tool.CallableTool]
}

// NewDispatcher builds a Dispatcher over deps, registering every RPC call
// the orchestrator exposes.
func NewDispatcher(deps Deps) *Dispatcher {
	d := &Dispatcher{store: deps.Store, tools: registry.NewBaseRegistry[tool.CallableTool]()}
	for _, t := range buildTools(deps) {
		if err := d.tools.Register(t.Name(), t); err != nil {
			// Names are compile-time constants declared once below; a
			// collision here is a programming error, not a runtime one.
			panic(fmt.Sprintf("rpc: duplicate tool registration: %v", err))
		}
	}
	return d
}

// ToolNames lists every registered RPC call name, used by agentmgr to tell
// a freshly spawned agent exactly which MCP tools it may call.
func (d *Dispatcher) ToolNames() []string {
	names := make([]string, 0, d.tools.Count())
	for _, t := range d.tools.List() {
		names = append(names, t.Name())
	}
	return names
}

// Definitions exposes every registered tool's LLM-function-calling shape,
// for whatever bridges the RPC surface out to the agent's tool protocol
// (e.g. an MCP server advertising these as callable tools).
func (d *Dispatcher) Definitions() []tool.Definition {
	defs := make([]tool.Definition, 0, d.tools.Count())
	for _, t := range d.tools.List() {
		defs = append(defs, tool.ToDefinition(t))
	}
	return defs
}

// RegisterToolset merges an external toolset's callable tools into the
// dispatcher — the config's `tools:` entries, bridged in through
// pkg/tool/mcptoolset, so deployers can extend the surface agents see
// beyond the built-in orchestrator calls. Built-in names always win: an
// external tool whose name collides with an orchestrator call is skipped
// rather than allowed to shadow it.
func (d *Dispatcher) RegisterToolset(ctx context.Context, ts tool.Toolset) error {
	tools, err := ts.Tools(ctx)
	if err != nil {
		return fmt.Errorf("resolve toolset %s: %w", ts.Name(), err)
	}
	for _, t := range tools {
		ct, ok := t.(tool.CallableTool)
		if !ok {
			continue
		}
		if _, exists := d.tools.Get(ct.Name()); exists {
			slog.Warn("external tool shadows a built-in RPC call, skipping", "toolset", ts.Name(), "tool", ct.Name())
			continue
		}
		if err := d.tools.Register(ct.Name(), ct); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch authorises agentID then routes the named
// call to its handler. taskID is the agent's bound task, if any.
func (d *Dispatcher) Dispatch(ctx context.Context, agentID, toolName string, args map[string]any) (map[string]any, error) {
	agent, err := d.authorize(ctx, agentID)
	if err != nil {
		return nil, err
	}
	t, ok := d.tools.Get(toolName)
	if !ok {
		return nil, errs.New(errs.NotFound, "no such RPC call: "+toolName)
	}
	taskID := ""
	if agent.TaskID != nil {
		taskID = *agent.TaskID
	}
	ac := &agentContext{Context: ctx, agentID: agentID, taskID: taskID, callID: uuid.NewString()}
	return t.Call(ac, args)
}

// authorize runs the agent-ID check every call shares: the ID must
// be a well-formed identifier and must match an existing `working` agent.
// Placeholder strings (the empty string, or the literal word an agent
// sometimes invents instead of its real assigned ID) are rejected with a
// diagnostic message.
func (d *Dispatcher) authorize(ctx context.Context, agentID string) (*store.Agent, error) {
	if err := validateAgentIDFormat(agentID); err != nil {
		return nil, err
	}
	agent, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, errs.Wrap(errs.NotAuthorized, "agent id not recognised: "+agentID, err)
	}
	if agent.Status != store.AgentWorking {
		return nil, errs.New(errs.NotAuthorized, fmt.Sprintf("agent %s is not an active working agent (status=%s)", agentID, agent.Status))
	}
	return agent, nil
}

// validateAgentIDFormat rejects the common placeholder mistakes agents
// make when they haven't internalised their real assigned ID: empty
// strings, the literal words "agent_id"/"your_agent_id"/
// "unknown"/"placeholder", and anything that doesn't parse as a UUID.
func validateAgentIDFormat(agentID string) error {
	if agentID == "" {
		return errs.New(errs.NotAuthorized, "missing X-Agent-ID header")
	}
	for _, placeholder := range commonPlaceholders {
		if agentID == placeholder {
			return errs.New(errs.NotAuthorized, fmt.Sprintf(
				"X-Agent-ID %q looks like a placeholder, not a real agent ID; use the exact id given to you in your initial prompt", agentID))
		}
	}
	if _, err := uuid.Parse(agentID); err != nil {
		return errs.New(errs.NotAuthorized, fmt.Sprintf("X-Agent-ID %q is not a well-formed agent identifier", agentID))
	}
	return nil
}

var commonPlaceholders = []string{
	"agent_id", "your_agent_id", "your-agent-id", "AGENT_ID",
	"unknown", "placeholder", "<agent_id>", "REPLACE_ME", "TODO",
}

// ToolNames lists every RPC call name without requiring a constructed
// Dispatcher — used by the composition root to tell agentmgr.New which
// tool names to advertise in a freshly spawned agent's initial prompt
// before the rest of the engine graph (which agentmgr sits inside) exists.
func ToolNames() []string {
	tools := buildTools(Deps{})
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name())
	}
	return names
}

// buildTools instantiates every RPC call handler.
func buildTools(deps Deps) []tool.CallableTool {
	return []tool.CallableTool{
		&createTaskTool{deps},
		&updateTaskStatusTool{deps},
		&createTicketTool{deps},
		&changeTicketStatusTool{deps},
		&addTicketCommentTool{deps},
		&resolveTicketTool{deps},
		&searchTicketsTool{deps},
		&saveMemoryTool{deps},
		&qdrantFindTool{deps},
		&giveValidationReviewTool{deps},
		&submitTaskResultTool{deps},
		&submitWorkflowResultTool{deps},
		&submitResultValidationTool{deps},
		&validateAgentIDTool{deps},
	}
}

// --- arg decoding helpers shared by every handler below ---

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argStringPtr(args map[string]any, key string) *string {
	v := argString(args, key)
	if v == "" {
		return nil
	}
	return &v
}

func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func argIntPtr(args map[string]any, key string) *int {
	if _, ok := args[key]; !ok {
		return nil
	}
	v := argInt(args, key)
	return &v
}

func argBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func argStringSlice(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
