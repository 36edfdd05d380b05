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

// Package server is the UI-facing HTTP/WebSocket surface:
// board snapshots, queue state, the operator actions (bump, cancel,
// restart, terminate, ticket approval) and a live event feed over
// gorilla/websocket. Agents never call this surface — their calls go
// through the pkg/rpc tool bridge.
package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/hephaestus/pkg/orchestrator/agentmgr"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/events"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/queue"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/ticket"
)

// kindStatus maps an errs.Kind to the HTTP status the dashboard reports it
// with, mirroring the mapping the agent-facing bridge uses.
var kindStatus = map[errs.Kind]int{
	errs.NotFound:            http.StatusNotFound,
	errs.NotAuthorized:       http.StatusUnauthorized,
	errs.InvalidState:        http.StatusConflict,
	errs.ValidationFailed:    http.StatusBadRequest,
	errs.CapacityExceeded:    http.StatusTooManyRequests,
	errs.ExternalUnavailable: http.StatusBadGateway,
	errs.Timeout:             http.StatusGatewayTimeout,
	errs.Conflict:            http.StatusConflict,
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := errs.KindOf(err)
	if s, ok := kindStatus[kind]; ok {
		status = s
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "kind": string(kind)})
}

// Deps bundles the engines the dashboard's operator actions act through.
type Deps struct {
	Store    *store.Store
	Bus      *events.Bus
	Queue    *queue.Engine
	Tickets  *ticket.Engine
	Agents   *agentmgr.Manager
	Workflow *store.Workflow
}

// Dashboard serves the board view plus operator actions for one workflow.
type Dashboard struct {
	deps Deps
}

// NewDashboard builds a Dashboard over the given dependencies.
func NewDashboard(deps Deps) *Dashboard {
	return &Dashboard{deps: deps}
}

// Router mounts the dashboard's endpoints and WebSocket feed.
func (d *Dashboard) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", d.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Get("/queue_status", d.handleQueueStatus)
	r.Get("/tasks", d.handleTasks)
	r.Post("/bump_task_priority", d.handleBumpTaskPriority)
	r.Post("/cancel_queued_task", d.handleCancelQueuedTask)
	r.Post("/restart_task", d.handleRestartTask)
	r.Post("/terminate_agent", d.handleTerminateAgent)

	r.Get("/results", d.handleResults)
	r.Get("/results/{id}/content", d.handleResultContent)
	r.Get("/results/{id}/validation", d.handleResultValidation)

	r.Post("/tickets/approve", d.handleTicketApprove)
	r.Post("/tickets/reject", d.handleTicketReject)
	r.Get("/tickets/pending-review-count", d.handlePendingReviewCount)

	r.Get("/graph", d.handleGraph)

	r.Get("/api/workflow", d.handleWorkflow)
	r.Get("/api/phases", d.handlePhases)
	r.Get("/api/agents", d.handleAgents)
	r.Get("/ws", d.handleWebSocket)
	return r
}

func (d *Dashboard) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (d *Dashboard) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := d.deps.Store.GetWorkflow(r.Context(), d.deps.Workflow.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (d *Dashboard) handlePhases(w http.ResponseWriter, r *http.Request) {
	phases, err := d.deps.Store.ListPhases(r.Context(), d.deps.Workflow.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, phases)
}

func (d *Dashboard) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := d.deps.Store.ListWorkingAgents(r.Context(), d.deps.Workflow.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (d *Dashboard) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := d.deps.Store.ListNonTerminalTasksForWorkflow(r.Context(), d.deps.Store.Q(), d.deps.Workflow.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (d *Dashboard) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	queued, err := d.deps.Store.ListQueuedTasksOrdered(ctx, d.deps.Store.Q(), d.deps.Workflow.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	active, err := d.deps.Store.CountActiveAgents(ctx, d.deps.Store.Q(), d.deps.Workflow.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_agents": active,
		"queued_tasks":  queued,
		"queue_depth":   len(queued),
	})
}

// postBody decodes the one-field JSON bodies every operator action takes.
func postBody(r *http.Request) (map[string]string, error) {
	var body map[string]string
	if r.Body == nil {
		return nil, errs.New(errs.ValidationFailed, "request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, errs.New(errs.ValidationFailed, "invalid JSON body")
	}
	return body, nil
}

func (d *Dashboard) handleBumpTaskPriority(w http.ResponseWriter, r *http.Request) {
	body, err := postBody(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	task, err := d.deps.Queue.BumpTaskPriority(r.Context(), body["task_id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (d *Dashboard) handleCancelQueuedTask(w http.ResponseWriter, r *http.Request) {
	body, err := postBody(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	task, err := d.deps.Queue.CancelQueuedTask(r.Context(), body["task_id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (d *Dashboard) handleRestartTask(w http.ResponseWriter, r *http.Request) {
	body, err := postBody(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	res, err := d.deps.Queue.RestartTask(r.Context(), body["task_id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": res.Task, "outcome": string(res.Outcome)})
}

func (d *Dashboard) handleTerminateAgent(w http.ResponseWriter, r *http.Request) {
	body, err := postBody(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	agentID := body["agent_id"]
	reason := body["reason"]
	if reason == "" {
		reason = "terminated by operator"
	}
	err = d.deps.Store.WithTx(r.Context(), func(tx *sql.Tx) error {
		return d.deps.Agents.Terminate(r.Context(), tx, agentID, reason, true)
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := d.deps.Queue.ProcessQueue(r.Context(), d.deps.Workflow.ID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "status": "terminated"})
}

func (d *Dashboard) handleResults(w http.ResponseWriter, r *http.Request) {
	results, err := d.deps.Store.ListWorkflowResults(r.Context(), d.deps.Workflow.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	// The list view omits markdown bodies; /results/{id}/content serves those.
	type summary struct {
		ID           string     `json:"id"`
		AgentID      string     `json:"agent_id"`
		MarkdownPath string     `json:"markdown_path"`
		Status       string     `json:"status"`
		CreatedAt    time.Time  `json:"created_at"`
		ValidatedAt  *time.Time `json:"validated_at,omitempty"`
	}
	out := make([]summary, 0, len(results))
	for _, res := range results {
		out = append(out, summary{
			ID: res.ID, AgentID: res.AgentID, MarkdownPath: res.MarkdownPath,
			Status: string(res.Status), CreatedAt: res.CreatedAt, ValidatedAt: res.ValidatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (d *Dashboard) handleResultContent(w http.ResponseWriter, r *http.Request) {
	res, err := d.deps.Store.GetWorkflowResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(res.MarkdownContent))
}

func (d *Dashboard) handleResultValidation(w http.ResponseWriter, r *http.Request) {
	res, err := d.deps.Store.GetWorkflowResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result_id":             res.ID,
		"status":                string(res.Status),
		"validation_feedback":   res.ValidationFeedback,
		"validation_evidence":   res.ValidationEvidence,
		"validated_at":          res.ValidatedAt,
		"validated_by_agent_id": res.ValidatedByAgentID,
	})
}

func (d *Dashboard) handleTicketApprove(w http.ResponseWriter, r *http.Request) {
	body, err := postBody(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := d.deps.Tickets.DecideApproval(body["ticket_id"], true, ""); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket_id": body["ticket_id"], "approved": true})
}

func (d *Dashboard) handleTicketReject(w http.ResponseWriter, r *http.Request) {
	body, err := postBody(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := d.deps.Tickets.DecideApproval(body["ticket_id"], false, body["reason"]); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket_id": body["ticket_id"], "approved": false})
}

func (d *Dashboard) handlePendingReviewCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pending_review_count": d.deps.Tickets.PendingReviewCount()})
}

// handleGraph serves the workflow's coordination graph: tickets as nodes,
// blocking edges between them, and the live tasks hanging off each ticket.
func (d *Dashboard) handleGraph(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tickets, err := d.deps.Store.ListTickets(ctx, d.deps.Workflow.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	edges, err := d.deps.Store.ListTicketBlocks(ctx, d.deps.Workflow.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	tasks, err := d.deps.Store.ListNonTerminalTasksForWorkflow(ctx, d.deps.Store.Q(), d.deps.Workflow.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tickets": tickets,
		"edges":   edges,
		"tasks":   tasks,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboard reads carry no credentials of their own; any origin may
	// observe the event feed. Deployments that need to restrict this put the
	// dashboard behind their own reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and streams every bus event as a
// JSON text frame until the client disconnects.
func (d *Dashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("dashboard websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, unsubscribe := d.deps.Bus.Subscribe(64)
	defer unsubscribe()

	// Drain (and discard) any client-sent frames so the connection's read
	// side doesn't fill up; the dashboard feed is one-way.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
