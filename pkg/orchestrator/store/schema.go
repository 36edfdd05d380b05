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

package store

// schemaStatements is deliberately plain ANSI-ish SQL (TEXT/INTEGER/REAL)
// so it runs unmodified against sqlite3, postgres, and mysql — the same
// three drivers pkg/config.DBPool already pools connections for. No ORM:
// hand-written SQL.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		goal_text TEXT NOT NULL,
		result_required INTEGER NOT NULL DEFAULT 0,
		result_criteria TEXT NOT NULL DEFAULT '',
		on_result_found TEXT NOT NULL DEFAULT 'do_nothing',
		board_config TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS phases (
		id INTEGER NOT NULL,
		workflow_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		done_definitions TEXT NOT NULL DEFAULT '[]',
		additional_notes TEXT NOT NULL DEFAULT '',
		validation_enabled INTEGER NOT NULL DEFAULT 0,
		validation_criteria TEXT NOT NULL DEFAULT '[]',
		validator_instructions TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (workflow_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		phase_id INTEGER,
		ticket_id TEXT,
		parent_task_id TEXT,
		created_by_agent_id TEXT,
		agent_type TEXT NOT NULL,
		description TEXT NOT NULL,
		done_definition TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'med',
		description_embedding BLOB,
		status TEXT NOT NULL,
		failure_reason TEXT,
		completion_notes TEXT,
		duplicate_of_task_id TEXT,
		similarity_score REAL,
		queued_at TIMESTAMP,
		queue_position INTEGER,
		priority_boosted INTEGER NOT NULL DEFAULT 0,
		validation_enabled INTEGER NOT NULL DEFAULT 0,
		validation_iteration INTEGER NOT NULL DEFAULT 0,
		last_validation_feedback TEXT,
		review_done INTEGER NOT NULL DEFAULT 0,
		assigned_agent_id TEXT,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_status_audit (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		changed_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		task_id TEXT,
		agent_type TEXT NOT NULL,
		status TEXT NOT NULL,
		session_name TEXT NOT NULL,
		worktree_path TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		last_activity TIMESTAMP NOT NULL,
		kept_alive_for_validation INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		ticket_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'med',
		created_by_agent_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		resolution_comment TEXT,
		approval_status TEXT NOT NULL DEFAULT 'not_required',
		description_embedding BLOB
	)`,
	`CREATE TABLE IF NOT EXISTS ticket_blocks (
		blocker_id TEXT NOT NULL,
		blocked_id TEXT NOT NULL,
		PRIMARY KEY (blocker_id, blocked_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ticket_comments (
		id TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL,
		author_agent_id TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS guardian_analyses (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		ts TIMESTAMP NOT NULL,
		current_phase TEXT NOT NULL DEFAULT '',
		alignment_score REAL NOT NULL,
		trajectory_aligned INTEGER NOT NULL,
		trajectory_summary TEXT NOT NULL DEFAULT '',
		needs_steering INTEGER NOT NULL DEFAULT 0,
		steering_type TEXT NOT NULL DEFAULT 'none',
		steering_message TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS steering_interventions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		guardian_analysis_id TEXT NOT NULL,
		ts TIMESTAMP NOT NULL,
		steering_type TEXT NOT NULL,
		message TEXT NOT NULL,
		was_successful INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS conductor_analyses (
		id TEXT PRIMARY KEY,
		ts TIMESTAMP NOT NULL,
		coherence_score REAL NOT NULL,
		num_agents INTEGER NOT NULL,
		system_status TEXT NOT NULL DEFAULT '',
		recommendations TEXT NOT NULL DEFAULT '',
		detected_duplicates TEXT NOT NULL DEFAULT '[]',
		termination_recommendations TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS validation_reviews (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		validator_agent_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		validation_passed INTEGER NOT NULL,
		feedback TEXT NOT NULL DEFAULT '',
		evidence TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_results (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		markdown_path TEXT NOT NULL,
		markdown_content TEXT NOT NULL,
		result_type TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		verification_status TEXT NOT NULL DEFAULT 'unverified',
		created_at TIMESTAMP NOT NULL,
		verified_at TIMESTAMP,
		verified_by_validation_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_results (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		markdown_path TEXT NOT NULL,
		markdown_content TEXT NOT NULL,
		status TEXT NOT NULL,
		validation_feedback TEXT,
		validation_evidence TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		validated_at TIMESTAMP,
		validated_by_agent_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS diagnostic_runs (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		triggered_at TIMESTAMP NOT NULL,
		trigger_stats TEXT NOT NULL DEFAULT '{}',
		tasks_created_ids TEXT NOT NULL DEFAULT '[]',
		diagnosis TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		content TEXT NOT NULL,
		memory_type TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL
	)`,
}
