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
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
	"github.com/kadirpekel/hephaestus/pkg/testutils"
)

func TestValidateAgentIDFormatRejectsPlaceholders(t *testing.T) {
	for _, bad := range []string{"", "agent_id", "your_agent_id", "unknown", "placeholder", "<agent_id>", "REPLACE_ME", "not-a-uuid"} {
		err := validateAgentIDFormat(bad)
		require.Error(t, err, "%q must be rejected", bad)
		assert.Equal(t, errs.NotAuthorized, errs.KindOf(err))
	}
	require.NoError(t, validateAgentIDFormat(uuid.NewString()))
}

func TestDispatchRejectsUnknownAndNonWorkingAgents(t *testing.T) {
	st := testutils.NewStore(t)
	wf, _ := testutils.SeedWorkflow(t, st)
	ctx := context.Background()

	d := NewDispatcher(Deps{Store: st, Workflow: wf})

	// Well-formed but unknown ID.
	_, err := d.Dispatch(ctx, uuid.NewString(), "validate_agent_id", map[string]any{"id": "x"})
	require.Error(t, err)
	assert.Equal(t, errs.NotAuthorized, errs.KindOf(err))

	// Known agent, but already terminated: in-flight calls from a
	// terminated agent must be rejected.
	terminated := &store.Agent{WorkflowID: wf.ID, AgentType: store.AgentTypePhase, Status: store.AgentTerminated, SessionName: "s"}
	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.CreateAgent(ctx, tx, terminated)
	}))
	_, err = d.Dispatch(ctx, terminated.ID, "validate_agent_id", map[string]any{"id": "x"})
	require.Error(t, err)
	assert.Equal(t, errs.NotAuthorized, errs.KindOf(err))

	// Working agent with a valid call goes through.
	working := &store.Agent{WorkflowID: wf.ID, AgentType: store.AgentTypePhase, Status: store.AgentWorking, SessionName: "s"}
	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.CreateAgent(ctx, tx, working)
	}))
	out, err := d.Dispatch(ctx, working.ID, "validate_agent_id", map[string]any{"id": working.ID})
	require.NoError(t, err)
	assert.Equal(t, true, out["valid"])
}

func TestDispatchUnknownToolIsNotFound(t *testing.T) {
	st := testutils.NewStore(t)
	wf, _ := testutils.SeedWorkflow(t, st)
	ctx := context.Background()

	working := &store.Agent{WorkflowID: wf.ID, AgentType: store.AgentTypePhase, Status: store.AgentWorking, SessionName: "s"}
	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.CreateAgent(ctx, tx, working)
	}))

	d := NewDispatcher(Deps{Store: st, Workflow: wf})
	_, err := d.Dispatch(ctx, working.ID, "no_such_tool", nil)
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestToolNamesCoverRPCSurface(t *testing.T) {
	names := ToolNames()
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	for _, required := range []string{
		"create_task", "update_task_status", "save_memory", "qdrant_find",
		"create_ticket", "change_ticket_status", "add_ticket_comment", "resolve_ticket", "search_tickets",
		"give_validation_review", "submit_task_result", "submit_workflow_result", "submit_result_validation",
		"validate_agent_id",
	} {
		assert.True(t, set[required], "missing RPC call %s", required)
	}
}
