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

package config

import (
	"fmt"

	"github.com/kadirpekel/hephaestus/pkg/observability"
	"github.com/kadirpekel/hephaestus/pkg/vector"
)

// OrchestratorConfig is the root configuration for a Hephaestus orchestrator
// instance: one workflow, its phases, the subsystems that drive it, and the
// ambient stack (database, LLM routing, embedder, logging, auth, rate
// limiting), scoped to a single always-on workflow.
type OrchestratorConfig struct {
	Name     string `yaml:"name,omitempty"`
	GoalText string `yaml:"goal_text"`

	ResultRequired bool   `yaml:"result_required,omitempty"`
	ResultCriteria string `yaml:"result_criteria,omitempty"`
	OnResultFound  string `yaml:"on_result_found,omitempty"` // "stop_all" | "do_nothing"

	Board BoardConfig `yaml:"board,omitempty"`

	Phases []PhaseConfig `yaml:"phases"`

	// Tools lists external MCP servers whose tools are merged into the
	// agent-facing RPC surface alongside the built-in orchestrator calls.
	Tools map[string]*ToolConfig `yaml:"tools,omitempty"`

	Database      *DatabaseConfig         `yaml:"database,omitempty"`
	LLMs          *MultiProviderConfig    `yaml:"llms"`
	Embedder      *EmbedderProviderConfig `yaml:"embedder,omitempty"`
	Vector        *vector.ProviderConfig  `yaml:"vector,omitempty"`
	Logger        *LoggerConfig           `yaml:"logger,omitempty"`
	Observability *observability.Config   `yaml:"observability,omitempty"`
	RateLimiting  *RateLimitConfig        `yaml:"rate_limiting,omitempty"`
	Auth          *AuthConfig             `yaml:"auth,omitempty"`

	Server     ServerBindConfig `yaml:"server,omitempty"`
	Session    SessionConfig    `yaml:"session,omitempty"`
	Worktree   WorktreeConfig   `yaml:"worktree,omitempty"`
	Queue      QueueConfig      `yaml:"queue,omitempty"`
	Monitoring MonitoringConfig `yaml:"monitoring,omitempty"`
	Validation ValidationConfig `yaml:"validation,omitempty"`
}

// QueueConfig configures the task engine's capacity bound and semantic
// deduplication.
type QueueConfig struct {
	// MaxConcurrentAgents is the capacity bound enforced by the queue
	// processor.
	MaxConcurrentAgents int `yaml:"max_concurrent_agents,omitempty"`
	// DedupEnabled turns on the embedding-based duplicate check in
	// create_task.
	DedupEnabled bool `yaml:"dedup_enabled,omitempty"`
	// SimThreshold is the cosine-similarity floor above which a new task
	// is considered a duplicate of an existing one.
	SimThreshold float64 `yaml:"sim_threshold,omitempty"`
	// EnrichmentEnabled turns on the best-effort task_enrichment LLM call
	//. Failure is always non-fatal regardless of this
	// flag; this only controls whether the call is attempted at all.
	EnrichmentEnabled bool `yaml:"enrichment_enabled,omitempty"`
}

// BoardConfig defines the workflow's kanban status-column set, the optional
// human-approval gate, and the status a ticket must reach to count as
// resolved.
type BoardConfig struct {
	Columns             []string `yaml:"columns,omitempty"`
	ApprovalRequired    bool     `yaml:"approval_required,omitempty"`
	ApprovalTimeoutSecs int      `yaml:"approval_timeout_secs,omitempty"`
	ResolvedStatus      string   `yaml:"resolved_status,omitempty"`
}

// PhaseConfig is the on-disk form of a workflow phase, expanded into
// store.Phase rows at startup.
type PhaseConfig struct {
	Name                  string   `yaml:"name"`
	Description           string   `yaml:"description,omitempty"`
	DoneDefinitions       []string `yaml:"done_definitions,omitempty"`
	AdditionalNotes       string   `yaml:"additional_notes,omitempty"`
	ValidationEnabled     bool     `yaml:"validation_enabled,omitempty"`
	ValidationCriteria    []string `yaml:"validation_criteria,omitempty"`
	ValidatorInstructions string   `yaml:"validator_instructions,omitempty"`
}

// ServerBindConfig configures the HTTP/WebSocket listener.
type ServerBindConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// SessionConfig configures the tmux-backed agent terminal driver.
type SessionConfig struct {
	// TmuxCommand is the executable used to drive terminal sessions.
	// Defaults to "tmux"; tests point it at a fake script.
	TmuxCommand  string `yaml:"tmux_command,omitempty"`
	SocketName   string `yaml:"socket_name,omitempty"`
	HistoryLines int    `yaml:"history_lines,omitempty"`
	// AgentCommand is the interactive AI-coding-agent CLI each session runs
	// (e.g. "claude"). Empty means the session starts a plain shell and the
	// injected prompt is the first thing typed into it.
	AgentCommand string `yaml:"agent_command,omitempty"`
}

// WorktreeConfig configures the per-agent git worktree manager.
type WorktreeConfig struct {
	// RepoPath is the git repository every agent worktree is checked out
	// from. Required.
	RepoPath string `yaml:"repo_path"`
	// BaseDir holds the worktrees themselves, one subdirectory per agent.
	BaseDir string `yaml:"base_dir,omitempty"`
	// BaseBranch is the ref each new worktree branches from.
	BaseBranch string `yaml:"base_branch,omitempty"`
	GitCommand string `yaml:"git_command,omitempty"`
}

// MonitoringConfig configures the periodic Guardian/Conductor/Diagnostic
// loop.
type MonitoringConfig struct {
	IntervalSecs int `yaml:"interval_secs,omitempty"`
	// GracePeriodSecs is the per-agent minimum age before Guardian analyses
	// or dead-session reaping may touch it.
	GracePeriodSecs int `yaml:"grace_period_secs,omitempty"`
	// OrphanGraceSecs is how long after process start the loop leaves every
	// session alone, so just-registered agents from a previous run are never
	// killed as orphans. Distinct from the per-agent window above.
	OrphanGraceSecs       int `yaml:"orphan_grace_secs,omitempty"`
	MaxConcurrentGuardian int `yaml:"max_concurrent,omitempty"`
	DiagnosticStuckSecs   int `yaml:"diagnostic_stuck_secs,omitempty"`

	// DiagnosticCooldownSecs is the minimum gap between two doctor-agent
	// runs for the same workflow.
	DiagnosticCooldownSecs int `yaml:"diagnostic_cooldown_secs,omitempty"`
	// DiagnosticMaxTasksPerRun bounds how many tasks one doctor agent may
	// create before it must mark itself done.
	DiagnosticMaxTasksPerRun int `yaml:"diagnostic_max_tasks_per_run,omitempty"`
	// DiagnosticContextAgents is how many recent terminal agents feed the
	// doctor agent's context.
	DiagnosticContextAgents int `yaml:"diagnostic_context_agents,omitempty"`
}

// ValidationConfig configures the task- and workflow-level validation
// pipeline, including the optional go-plugin external validator
// strategy.
type ValidationConfig struct {
	MaxIterations int    `yaml:"max_iterations,omitempty"`
	PluginPath    string `yaml:"plugin_path,omitempty"`
}

// SetDefaults fills in the orchestrator's operational defaults.
func (c *OrchestratorConfig) SetDefaults() {
	if c.Board.ResolvedStatus == "" {
		c.Board.ResolvedStatus = "resolved"
	}
	if len(c.Board.Columns) == 0 {
		c.Board.Columns = []string{"open", "in_progress", "resolved"}
	}
	if c.Board.ApprovalTimeoutSecs == 0 {
		c.Board.ApprovalTimeoutSecs = 3600
	}
	if c.OnResultFound == "" {
		c.OnResultFound = "stop_all"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Session.TmuxCommand == "" {
		c.Session.TmuxCommand = "tmux"
	}
	if c.Session.HistoryLines == 0 {
		c.Session.HistoryLines = 200
	}
	if c.Worktree.BaseDir == "" {
		c.Worktree.BaseDir = ".hephaestus/worktrees"
	}
	if c.Worktree.BaseBranch == "" {
		c.Worktree.BaseBranch = "main"
	}
	if c.Worktree.GitCommand == "" {
		c.Worktree.GitCommand = "git"
	}
	if c.Monitoring.IntervalSecs == 0 {
		c.Monitoring.IntervalSecs = 30
	}
	if c.Monitoring.GracePeriodSecs == 0 {
		c.Monitoring.GracePeriodSecs = 60
	}
	if c.Monitoring.OrphanGraceSecs == 0 {
		c.Monitoring.OrphanGraceSecs = 120
	}
	if c.Monitoring.MaxConcurrentGuardian == 0 {
		c.Monitoring.MaxConcurrentGuardian = 5
	}
	if c.Monitoring.DiagnosticStuckSecs == 0 {
		c.Monitoring.DiagnosticStuckSecs = 900
	}
	if c.Monitoring.DiagnosticCooldownSecs == 0 {
		c.Monitoring.DiagnosticCooldownSecs = 60
	}
	if c.Monitoring.DiagnosticMaxTasksPerRun == 0 {
		c.Monitoring.DiagnosticMaxTasksPerRun = 5
	}
	if c.Monitoring.DiagnosticContextAgents == 0 {
		c.Monitoring.DiagnosticContextAgents = 15
	}
	if c.Validation.MaxIterations == 0 {
		c.Validation.MaxIterations = 3
	}
	if c.Queue.MaxConcurrentAgents == 0 {
		c.Queue.MaxConcurrentAgents = 3
	}
	if c.Queue.SimThreshold == 0 {
		c.Queue.SimThreshold = 0.92
	}
	if c.Database != nil {
		c.Database.SetDefaults()
	}
	if c.Logger != nil {
		c.Logger.SetDefaults()
	}
}

// Validate checks the orchestrator config is complete enough to start
// .
func (c *OrchestratorConfig) Validate() error {
	if c.GoalText == "" {
		return fmt.Errorf("goal_text is required")
	}
	if len(c.Phases) == 0 {
		return fmt.Errorf("at least one phase is required")
	}
	seen := map[string]bool{}
	for _, p := range c.Phases {
		if p.Name == "" {
			return fmt.Errorf("phase name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate phase name %q", p.Name)
		}
		seen[p.Name] = true
	}
	if c.Worktree.RepoPath == "" {
		return fmt.Errorf("worktree.repo_path is required")
	}
	if c.LLMs == nil {
		return fmt.Errorf("llms routing config is required")
	}
	if err := c.LLMs.Validate(); err != nil {
		return fmt.Errorf("llms: %w", err)
	}
	if c.Database == nil {
		return fmt.Errorf("database config is required")
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if c.OnResultFound != "stop_all" && c.OnResultFound != "do_nothing" {
		return fmt.Errorf("on_result_found must be 'stop_all' or 'do_nothing', got %q", c.OnResultFound)
	}
	if c.Queue.MaxConcurrentAgents < 0 {
		return fmt.Errorf("queue.max_concurrent_agents must be >= 0")
	}
	return nil
}
