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

// Package store is the single authoritative relational store: durable
// state for workflows, phases, tasks, agents, tickets, analyses, reviews,
// results and diagnostic runs. It owns every invariant named in the data
// model — queue density, ticket DAG acyclicity, task status transitions —
// behind typed CRUD and the derived queries components actually need,
// following pkg/config/dbpool.go's multi-driver *sql.DB pooling pattern.
package store

import "time"

// OnResultFound controls whether a validated workflow result stops every
// live agent or lets the workflow continue.
type OnResultFound string

const (
	OnResultStopAll   OnResultFound = "stop_all"
	OnResultDoNothing OnResultFound = "do_nothing"
)

// Workflow is the single active unit of work per orchestrator instance.
type Workflow struct {
	ID             string
	Name           string
	GoalText       string
	ResultRequired bool
	ResultCriteria string
	OnResultFound  OnResultFound
	BoardConfig    string // JSON-encoded board/status-column configuration
	CreatedAt      time.Time
}

// Phase is a named, ordered stage within a workflow. Immutable once the
// workflow has started.
type Phase struct {
	ID                    int
	WorkflowID            string
	Name                  string
	Description           string
	DoneDefinitions       []string
	AdditionalNotes       string
	ValidationEnabled     bool
	ValidationCriteria    []string
	ValidatorInstructions string
}

// AgentType classifies which kind of worker a Task or Agent represents.
type AgentType string

const (
	AgentTypePhase           AgentType = "phase"
	AgentTypeValidator       AgentType = "validator"
	AgentTypeResultValidator AgentType = "result_validator"
	AgentTypeDiagnostic      AgentType = "diagnostic"
)

// TaskPriority is the three-level priority band tasks are created with.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "med"
	PriorityHigh   TaskPriority = "high"
)

// TaskStatus is one state of the task state machine.
type TaskStatus string

const (
	TaskPending              TaskStatus = "pending"
	TaskQueued               TaskStatus = "queued"
	TaskAssigned             TaskStatus = "assigned"
	TaskInProgress           TaskStatus = "in_progress"
	TaskUnderReview          TaskStatus = "under_review"
	TaskValidationInProgress TaskStatus = "validation_in_progress"
	TaskNeedsWork            TaskStatus = "needs_work"
	TaskDone                 TaskStatus = "done"
	TaskFailed               TaskStatus = "failed"
	TaskDuplicated           TaskStatus = "duplicated"
)

// TaskTransitions is the legal edge set of the task state machine.
// update_task_status and the queue processor must only move a task along
// an edge present here.
var TaskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:              {TaskAssigned, TaskQueued, TaskDuplicated},
	TaskQueued:               {TaskAssigned, TaskFailed},
	TaskAssigned:             {TaskInProgress},
	TaskInProgress:           {TaskUnderReview, TaskDone, TaskFailed},
	TaskUnderReview:          {TaskValidationInProgress},
	TaskValidationInProgress: {TaskDone, TaskNeedsWork},
	TaskNeedsWork:            {TaskInProgress},
	TaskDone:                 {TaskPending},
	TaskFailed:               {TaskPending},
}

// CanTransition reports whether moving a task from 'from' to 'to' is a legal
// edge of the state machine.
func CanTransition(from, to TaskStatus) bool {
	for _, candidate := range TaskTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Task is a unit of work always in exactly one state of the task state
// machine; optionally tied to a ticket and/or a phase.
type Task struct {
	ID         string
	WorkflowID string
	PhaseID    *int
	TicketID   *string

	ParentTaskID     *string
	CreatedByAgentID *string
	AgentType        AgentType

	Description          string
	DoneDefinition       string
	Priority             TaskPriority
	DescriptionEmbedding []float32

	Status            TaskStatus
	FailureReason     *string
	CompletionNotes   *string
	DuplicateOfTaskID *string
	SimilarityScore   *float64

	QueuedAt        *time.Time
	QueuePosition   *int
	PriorityBoosted bool

	ValidationEnabled      bool
	ValidationIteration    int
	LastValidationFeedback *string
	ReviewDone             bool

	AssignedAgentID *string
	StartedAt       *time.Time
	CompletedAt     *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentStatus is the lifecycle state of a spawned agent.
type AgentStatus string

const (
	AgentSpawning   AgentStatus = "spawning"
	AgentWorking    AgentStatus = "working"
	AgentTerminated AgentStatus = "terminated"
	AgentFailed     AgentStatus = "failed"
)

// Agent is a child AI-coding process owning one session and one worktree.
type Agent struct {
	ID                     string
	WorkflowID             string
	TaskID                 *string
	AgentType              AgentType
	Status                 AgentStatus
	SessionName            string
	WorktreePath           string
	CreatedAt              time.Time
	LastActivity           time.Time
	KeptAliveForValidation bool
}

// TicketApprovalStatus tracks the optional human-approval gate on ticket
// creation.
type TicketApprovalStatus string

const (
	ApprovalNotRequired   TicketApprovalStatus = "not_required"
	ApprovalPendingReview TicketApprovalStatus = "pending_review"
	ApprovalApproved      TicketApprovalStatus = "approved"
	ApprovalRejected      TicketApprovalStatus = "rejected"
)

// Ticket is a persistent kanban-style work item.
type Ticket struct {
	ID                   string
	WorkflowID           string
	Title                string
	Description          string
	TicketType           string
	Status               string
	Priority             TaskPriority
	CreatedByAgentID     string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	ResolutionComment    *string
	ApprovalStatus       TicketApprovalStatus
	DescriptionEmbedding []float32
}

// TicketBlock is a directed edge in the ticket blocking DAG: BlockerID must
// resolve before BlockedID can.
type TicketBlock struct {
	BlockerID string
	BlockedID string
}

// TicketComment is a timestamped note attached to a ticket.
type TicketComment struct {
	ID            string
	TicketID      string
	AuthorAgentID string
	Text          string
	CreatedAt     time.Time
}

// SteeringType classifies why Guardian decided to inject a correction.
type SteeringType string

const (
	SteeringStuck               SteeringType = "stuck"
	SteeringDrifting            SteeringType = "drifting"
	SteeringViolatingConstraint SteeringType = "violating_constraints"
	SteeringIdle                SteeringType = "idle"
	SteeringMissedSteps         SteeringType = "missed_steps"
	SteeringWrongDirection      SteeringType = "wrong_direction"
	SteeringNone                SteeringType = "none"
)

// GuardianAnalysis is one trajectory judgement for one agent.
type GuardianAnalysis struct {
	ID                string
	AgentID           string
	Timestamp         time.Time
	CurrentPhase      string
	AlignmentScore    float64
	TrajectoryAligned bool
	TrajectorySummary string
	NeedsSteering     bool
	SteeringType      SteeringType
	SteeringMessage   string
	Details           string // JSON
}

// SteeringIntervention is a free-form correction injected into an agent's
// session by Guardian.
type SteeringIntervention struct {
	ID                 string
	AgentID            string
	GuardianAnalysisID string
	Timestamp          time.Time
	SteeringType       SteeringType
	Message            string
	WasSuccessful      *bool
}

// DuplicatePair is one Conductor-detected pair of agents doing the same work.
type DuplicatePair struct {
	AgentA          string
	AgentB          string
	Similarity      float64
	WorkDescription string
}

// ConductorAnalysis is one system-wide coherence judgement.
type ConductorAnalysis struct {
	ID                         string
	Timestamp                  time.Time
	CoherenceScore             float64
	NumAgents                  int
	SystemStatus               string
	Recommendations            string
	DetectedDuplicates         []DuplicatePair
	TerminationRecommendations []string
}

// ValidationReview is one validator verdict against a task.
type ValidationReview struct {
	ID               string
	TaskID           string
	ValidatorAgentID string
	Iteration        int
	ValidationPassed bool
	Feedback         string
	Evidence         string // JSON
	CreatedAt        time.Time
}

// ResultType classifies a task-level result's nature.
type ResultType string

const (
	ResultImplementation ResultType = "implementation"
	ResultAnalysis       ResultType = "analysis"
	ResultFix            ResultType = "fix"
	ResultDesign         ResultType = "design"
	ResultTest           ResultType = "test"
	ResultDocumentation  ResultType = "documentation"
)

// VerificationStatus tracks whether a TaskResult has been validated.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationVerified   VerificationStatus = "verified"
	VerificationDisputed   VerificationStatus = "disputed"
)

// TaskResult is an immutable task-level deliverable.
type TaskResult struct {
	ID                     string
	AgentID                string
	TaskID                 string
	MarkdownPath           string
	MarkdownContent        string
	ResultType             ResultType
	Summary                string
	VerificationStatus     VerificationStatus
	CreatedAt              time.Time
	VerifiedAt             *time.Time
	VerifiedByValidationID *string
}

// WorkflowResultStatus tracks a workflow-level result through validation.
type WorkflowResultStatus string

const (
	WorkflowResultPendingValidation WorkflowResultStatus = "pending_validation"
	WorkflowResultValidated         WorkflowResultStatus = "validated"
	WorkflowResultRejected          WorkflowResultStatus = "rejected"
)

// WorkflowResult is a candidate final deliverable for the whole workflow.
type WorkflowResult struct {
	ID                 string
	WorkflowID         string
	AgentID            string
	MarkdownPath       string
	MarkdownContent    string
	Status             WorkflowResultStatus
	ValidationFeedback *string
	ValidationEvidence string // JSON array
	CreatedAt          time.Time
	ValidatedAt        *time.Time
	ValidatedByAgentID *string
}

// DiagnosticRunStatus tracks a doctor-agent run.
type DiagnosticRunStatus string

const (
	DiagnosticCreated   DiagnosticRunStatus = "created"
	DiagnosticRunning   DiagnosticRunStatus = "running"
	DiagnosticCompleted DiagnosticRunStatus = "completed"
	DiagnosticFailed    DiagnosticRunStatus = "failed"
)

// DiagnosticRun records one stalled-workflow doctor-agent invocation.
type DiagnosticRun struct {
	ID              string
	WorkflowID      string
	TriggeredAt     time.Time
	TriggerStats    string // JSON
	TasksCreatedIDs []string
	Diagnosis       string
	Status          DiagnosticRunStatus
}

// Memory is an opaque payload in the vector store, retrievable by ANN query.
// The relational row tracks provenance; the embedding and content body live
// in the configured vector.Provider collection named after the workflow.
type Memory struct {
	ID         string
	WorkflowID string
	AgentID    string
	Content    string
	MemoryType string
	Tags       []string
	CreatedAt  time.Time
}
