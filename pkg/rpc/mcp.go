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
	"context"
	"encoding/json"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// agentIDContextKey carries the X-Agent-ID header value from the MCP HTTP
// transport into tool handlers.
type agentIDContextKey struct{}

// MCPHandler exposes the dispatcher as an MCP server over streamable HTTP:
// every registered RPC call becomes an MCP tool of the same name, and the
// calling agent's identity travels in the X-Agent-ID header exactly as it
// does on the plain /rpc bridge. Agent CLIs that speak MCP natively point
// their tool-server config here instead of at the JSON bridge.
func (d *Dispatcher) MCPHandler() http.Handler {
	s := server.NewMCPServer("hephaestus-orchestrator", "2.0.0-alpha",
		server.WithToolCapabilities(false),
	)

	for _, def := range d.Definitions() {
		t := mcp.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: toInputSchema(def.Parameters),
		}
		name := def.Name
		s.AddTool(t, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			agentID, _ := ctx.Value(agentIDContextKey{}).(string)
			result, err := d.Dispatch(ctx, agentID, name, req.GetArguments())
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			body, err := json.Marshal(result)
			if err != nil {
				return mcp.NewToolResultError("encode result: " + err.Error()), nil
			}
			return mcp.NewToolResultText(string(body)), nil
		})
	}

	return server.NewStreamableHTTPServer(s,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return context.WithValue(ctx, agentIDContextKey{}, r.Header.Get("X-Agent-ID"))
		}),
	)
}

// toInputSchema converts a tool's JSON-schema parameter map into the MCP
// wire shape. A tool with no declared parameters advertises an open object.
func toInputSchema(params map[string]any) mcp.ToolInputSchema {
	schema := mcp.ToolInputSchema{Type: "object"}
	if params == nil {
		return schema
	}
	if props, ok := params["properties"].(map[string]any); ok {
		schema.Properties = props
	}
	switch req := params["required"].(type) {
	case []string:
		schema.Required = req
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	return schema
}
