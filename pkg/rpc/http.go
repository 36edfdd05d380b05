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
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
)

// kindStatus maps an errs.Kind to the HTTP status the tool-protocol bridge
// reports it with.
var kindStatus = map[errs.Kind]int{
	errs.NotFound:            http.StatusNotFound,
	errs.NotAuthorized:       http.StatusUnauthorized,
	errs.InvalidState:        http.StatusConflict,
	errs.ValidationFailed:    http.StatusBadRequest,
	errs.DuplicateDetected:   http.StatusOK,
	errs.CapacityExceeded:    http.StatusTooManyRequests,
	errs.ExternalUnavailable: http.StatusBadGateway,
	errs.Timeout:             http.StatusGatewayTimeout,
	errs.Conflict:            http.StatusConflict,
}

// Router builds the HTTP bridge agent processes call into: every
// registered tool is exposed at POST /{tool} (mounted under /rpc by the
// composition root), reading its arguments as a JSON object body and the
// calling agent's identity from the X-Agent-ID header.
// GET /tools lists the advertised tool definitions, for a bridge process
// that needs to discover the surface dynamically (e.g. an MCP server
// delegating here) rather than hardcoding the list.
func (d *Dispatcher) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/tools", d.handleListTools)
	r.Post("/{tool}", d.handleCall)
	return r
}

func (d *Dispatcher) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": d.Definitions()})
}

func (d *Dispatcher) handleCall(w http.ResponseWriter, r *http.Request) {
	toolName := chi.URLParam(r, "tool")
	agentID := r.Header.Get("X-Agent-ID")

	var args map[string]any
	if r.Body != nil {
		// An empty body is a valid zero-argument call (e.g.
		// validate_agent_id would still need "id", but update_task_status
		// may be called with only task_id/status, no map at all is fine
		// too if the bridge sends `{}`).
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&args); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
			return
		}
	}

	result, err := d.Dispatch(r.Context(), agentID, toolName, args)
	if err != nil {
		status := http.StatusInternalServerError
		kind := errs.KindOf(err)
		if s, ok := kindStatus[kind]; ok {
			status = s
		}
		slog.Warn("rpc call failed", "tool", toolName, "agent_id", agentID, "kind", kind, "error", err)
		writeJSON(w, status, map[string]any{"error": err.Error(), "kind": string(kind)})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
