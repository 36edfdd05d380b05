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

// Package tool defines the interfaces agents use to call back into the
// orchestrator over its RPC surface.
//
// An agent process never talks to the store, the ticket board, or the vector
// memory directly: every side effect goes through a named tool call
// (create_task, update_task_status, save_memory, qdrant_find, ...) dispatched
// through the Registry and executed against the calling agent's Context.
// This mirrors the layered tool design of a framework where agents can only
// affect the world through declared, schema-checked capabilities.
//
// # Tool Interface Hierarchy
//
//	Tool (base)
//	  ├── CallableTool       - synchronous request/response RPC
//	  └── StreamingTool      - incremental output (diagnostic run logs)
//
// # Creating Tools
//
// Each RPC handler in pkg/rpc implements CallableTool and is registered by
// name in a registry.Registry[tool.CallableTool] at orchestrator startup.
// External MCP servers are bridged in via mcptoolset, which lazily connects
// and exposes remote tools as if they were local CallableTools.
package tool

import (
	"context"
	"iter"
)

// Tool defines the base interface for a callable RPC operation.
type Tool interface {
	// Name returns the unique RPC method name (e.g. "create_task").
	Name() string

	// Description returns a human-readable description of what the tool does.
	// Used when advertising the RPC surface to agent processes.
	Description() string

	// IsLongRunning indicates whether this tool is a long-running async operation
	// (e.g. a diagnostic run) that returns a run ID and is polled for completion.
	IsLongRunning() bool

	// RequiresApproval indicates whether this tool needs human approval before
	// execution. When true, the calling ticket's workflow pauses and a
	// TicketApprovalGate blocks until a human signs off.
	RequiresApproval() bool
}

// CallableTool extends Tool with synchronous execution capability.
type CallableTool interface {
	Tool

	// Call executes the tool with the given arguments.
	// Returns the result as a map and any error that occurred.
	Call(ctx Context, args map[string]any) (map[string]any, error)

	// Schema returns the JSON schema for the tool's parameters.
	// Returns nil if the tool takes no parameters.
	Schema() map[string]any
}

// StreamingTool extends Tool with incremental output capability.
//
// Use StreamingTool for diagnostic runs and other operations where
// incremental feedback (log lines, partial validator verdicts) should reach
// the dashboard before the call completes.
type StreamingTool interface {
	Tool

	// CallStreaming executes the tool and yields incremental results.
	CallStreaming(ctx Context, args map[string]any) iter.Seq2[*Result, error]

	// Schema returns the JSON schema for the tool's parameters.
	Schema() map[string]any
}

// Result represents the output of a tool execution.
type Result struct {
	// Content is the output content, typically a string or structured data.
	Content any

	// Streaming indicates this is an intermediate chunk, not the final result.
	Streaming bool

	// Error is set if an error occurred during execution.
	Error string

	// Metadata contains optional additional data about this result.
	Metadata map[string]any
}

// Context provides the execution context for an RPC call: which agent
// process is calling, which task/ticket it is bound to, and a handle back
// to the request's deadline/cancellation.
//
// Every RPC handler receives a Context instead of a raw context.Context so
// that validate_agent_id-style checks (does the caller's AgentID actually
// own TaskID?) can be enforced once, in the dispatcher, rather than
// re-implemented per handler.
type Context interface {
	context.Context

	// AgentID identifies the agent process making the call.
	AgentID() string

	// TaskID is the task the calling agent was spawned to work on.
	// Empty for calls made outside of a task (e.g. Conductor, dashboard).
	TaskID() string

	// CallID returns the unique ID of this tool invocation, for audit logs.
	CallID() string
}

// Toolset groups related tools and provides dynamic resolution.
// Toolsets enable lazy loading - tools are resolved only when needed.
type Toolset interface {
	// Name returns the name of this toolset.
	Name() string

	// Tools returns the available tools based on the current context.
	Tools(ctx context.Context) ([]Tool, error)
}

// Predicate determines whether a tool should be available to a given caller.
// Used to scope the RPC surface an agent process sees (e.g. a validator
// agent can call give_validation_review but not create_task).
type Predicate func(ctx context.Context, t Tool) bool

// StringPredicate creates a Predicate that allows only named tools.
func StringPredicate(allowedTools []string) Predicate {
	allowed := make(map[string]bool, len(allowedTools))
	for _, name := range allowedTools {
		allowed[name] = true
	}

	return func(_ context.Context, t Tool) bool {
		return allowed[t.Name()]
	}
}

// AllowAll returns a Predicate that allows all tools.
func AllowAll() Predicate {
	return func(_ context.Context, _ Tool) bool { return true }
}

// DenyAll returns a Predicate that denies all tools.
func DenyAll() Predicate {
	return func(_ context.Context, _ Tool) bool { return false }
}

// Combine combines multiple predicates with AND logic.
func Combine(predicates ...Predicate) Predicate {
	return func(ctx context.Context, t Tool) bool {
		for _, p := range predicates {
			if !p(ctx, t) {
				return false
			}
		}
		return true
	}
}

// Definition represents a tool definition for LLM function calling.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToDefinition converts a tool to a Definition.
func ToDefinition(t Tool) Definition {
	def := Definition{
		Name:        t.Name(),
		Description: t.Description(),
	}

	if ct, ok := t.(CallableTool); ok {
		def.Parameters = ct.Schema()
	} else if st, ok := t.(StreamingTool); ok {
		def.Parameters = st.Schema()
	}

	return def
}

// ToolCall represents an agent's request to invoke a tool.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult represents the result of a tool invocation.
type ToolResult struct {
	ToolCallID string
	Content    string
	Error      string
	Metadata   map[string]any
}
