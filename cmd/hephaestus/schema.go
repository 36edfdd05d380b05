// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/kadirpekel/hephaestus/pkg/config"
)

// SchemaCmd generates the JSON Schema for the workflow/phase configuration
// format, so external tooling can validate authored configs client-side
// before handing them to `hephaestus validate`/`hephaestus serve`.
type SchemaCmd struct {
	// Compact enables compact JSON output (no indentation)
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

// Run executes the schema generation command.
func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		// The config types carry yaml tags; name properties after them.
		FieldNameTag: "yaml",
		// Inline all definitions (no $ref) for @rjsf/core compatibility
		DoNotReference: true,
	}

	schema := reflector.Reflect(&config.OrchestratorConfig{})

	schema.ID = "https://hephaestus.dev/schemas/orchestrator.json"
	schema.Title = "Hephaestus Orchestrator Configuration Schema"
	schema.Description = "Workflow, phase, and subsystem configuration for a Hephaestus orchestrator instance"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	schema.Examples = []interface{}{
		map[string]interface{}{
			"name":      "refactor-auth",
			"goal_text": "Migrate the auth middleware to the new session store.",
			"llms": map[string]interface{}{
				"default": map[string]interface{}{
					"type":     "anthropic",
					"model":    "claude-sonnet-4-20250514",
					"api_key":  "${ANTHROPIC_API_KEY}",
				},
			},
			"database": map[string]interface{}{
				"driver":   "sqlite3",
				"database": ".hephaestus/orchestrator.db",
			},
			"worktree": map[string]interface{}{
				"repo_path": ".",
			},
			"phases": []interface{}{
				map[string]interface{}{
					"name":             "implementation",
					"done_definitions": []string{"tests pass", "no linter errors"},
				},
			},
		},
	}

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	return nil
}
