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

import "github.com/kadirpekel/hephaestus/pkg/tool"

// validateAgentIDTool implements validate_agent_id: a format
// check an agent can call proactively before trusting the ID it was given,
// separate from the authorisation check Dispatcher already runs on every
// call.
type validateAgentIDTool struct{ deps Deps }

func (t *validateAgentIDTool) Name() string { return "validate_agent_id" }
func (t *validateAgentIDTool) Description() string {
	return "Check whether a string is a well-formed agent identifier."
}
func (t *validateAgentIDTool) IsLongRunning() bool    { return false }
func (t *validateAgentIDTool) RequiresApproval() bool { return false }
func (t *validateAgentIDTool) Schema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"id": map[string]any{"type": "string"}},
		"required":   []string{"id"},
	}
}

func (t *validateAgentIDTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	id := argString(args, "id")
	if err := validateAgentIDFormat(id); err != nil {
		return map[string]any{"valid": false, "reason": err.Error()}, nil
	}
	return map[string]any{"valid": true}, nil
}
