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

package ticket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hephaestus/pkg/config"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/events"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
	"github.com/kadirpekel/hephaestus/pkg/testutils"
)

func newTestEngine(t *testing.T, board config.BoardConfig) (*Engine, *store.Store, *store.Workflow, *events.Bus) {
	t.Helper()
	st := testutils.NewStore(t)
	wf, _ := testutils.SeedWorkflow(t, st)
	if len(board.Columns) == 0 {
		board.Columns = []string{"open", "in_progress", "resolved"}
	}
	if board.ResolvedStatus == "" {
		board.ResolvedStatus = "resolved"
	}
	bus := events.NewBus()
	return New(st, nil, nil, bus, board), st, wf, bus
}

func TestCreateTicketRejectsUnknownColumn(t *testing.T) {
	e, _, wf, _ := newTestEngine(t, config.BoardConfig{})

	_, err := e.CreateTicket(context.Background(), CreateRequest{
		WorkflowID: wf.ID,
		Title:      "set up CI",
		Status:     "no_such_column",
	})
	require.Error(t, err)
	assert.Equal(t, errs.ValidationFailed, errs.KindOf(err))
}

func TestResolveBlockedTicketRejected(t *testing.T) {
	e, _, wf, _ := newTestEngine(t, config.BoardConfig{})
	ctx := context.Background()

	infra, err := e.CreateTicket(ctx, CreateRequest{WorkflowID: wf.ID, Title: "INFRA"})
	require.NoError(t, err)
	auth, err := e.CreateTicket(ctx, CreateRequest{WorkflowID: wf.ID, Title: "AUTH"})
	require.NoError(t, err)
	require.NoError(t, e.AddBlock(ctx, infra.ID, auth.ID))

	_, _, err = e.Resolve(ctx, auth.ID, "done")
	require.Error(t, err)
	assert.Equal(t, errs.InvalidState, errs.KindOf(err))
}

func TestResolveUnblocksSuccessors(t *testing.T) {
	e, _, wf, bus := newTestEngine(t, config.BoardConfig{})
	ctx := context.Background()

	infra, err := e.CreateTicket(ctx, CreateRequest{WorkflowID: wf.ID, Title: "INFRA"})
	require.NoError(t, err)
	auth, err := e.CreateTicket(ctx, CreateRequest{WorkflowID: wf.ID, Title: "AUTH"})
	require.NoError(t, err)
	require.NoError(t, e.AddBlock(ctx, infra.ID, auth.ID))

	ch, unsubscribe := bus.Subscribe(8)
	defer unsubscribe()

	// Scenario S4: resolving INFRA emits ticket_unblocked(AUTH), after
	// which AUTH may itself be resolved.
	resolved, unblocked, err := e.Resolve(ctx, infra.ID, "infra is up")
	require.NoError(t, err)
	assert.Equal(t, "resolved", resolved.Status)
	require.Equal(t, []string{auth.ID}, unblocked)

	select {
	case ev := <-ch:
		assert.Equal(t, events.TicketUnblocked, ev.Name)
		assert.Equal(t, auth.ID, ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected a ticket_unblocked event")
	}

	_, _, err = e.Resolve(ctx, auth.ID, "auth done")
	require.NoError(t, err)
}

func TestAddBlockRejectsCycle(t *testing.T) {
	e, _, wf, _ := newTestEngine(t, config.BoardConfig{})
	ctx := context.Background()

	a, err := e.CreateTicket(ctx, CreateRequest{WorkflowID: wf.ID, Title: "A"})
	require.NoError(t, err)
	b, err := e.CreateTicket(ctx, CreateRequest{WorkflowID: wf.ID, Title: "B"})
	require.NoError(t, err)

	require.NoError(t, e.AddBlock(ctx, a.ID, b.ID))
	err = e.AddBlock(ctx, b.ID, a.ID)
	require.Error(t, err)
	assert.Equal(t, errs.Conflict, errs.KindOf(err))
}

func TestChangeStatusValidatesColumnAndRecordsComment(t *testing.T) {
	e, st, wf, _ := newTestEngine(t, config.BoardConfig{})
	ctx := context.Background()

	tk, err := e.CreateTicket(ctx, CreateRequest{WorkflowID: wf.ID, Title: "move me"})
	require.NoError(t, err)

	_, err = e.ChangeStatus(ctx, tk.ID, "bogus", "agent-1", "")
	require.Error(t, err)

	updated, err := e.ChangeStatus(ctx, tk.ID, "in_progress", "agent-1", "picking this up")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", updated.Status)

	got, err := st.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", got.Status)
}

func TestApprovalGateApproveAndReject(t *testing.T) {
	e, st, wf, _ := newTestEngine(t, config.BoardConfig{ApprovalRequired: true, ApprovalTimeoutSecs: 5})
	ctx := context.Background()

	type outcome struct {
		ticket *store.Ticket
		err    error
	}

	// Approve path: CreateTicket blocks until DecideApproval arrives.
	done := make(chan outcome, 1)
	go func() {
		tk, err := e.CreateTicket(ctx, CreateRequest{WorkflowID: wf.ID, Title: "needs sign-off"})
		done <- outcome{tk, err}
	}()
	require.Eventually(t, func() bool { return e.PendingReviewCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	tickets, err := st.ListTickets(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	require.NoError(t, e.DecideApproval(tickets[0].ID, true, ""))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, store.ApprovalApproved, res.ticket.ApprovalStatus)

	// Reject path: the ticket row is deleted and the caller gets a
	// structured error carrying the rejection reason.
	go func() {
		tk, err := e.CreateTicket(ctx, CreateRequest{WorkflowID: wf.ID, Title: "rejected one"})
		done <- outcome{tk, err}
	}()
	require.Eventually(t, func() bool { return e.PendingReviewCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	tickets, err = st.ListTickets(ctx, wf.ID)
	require.NoError(t, err)
	var pendingID string
	for _, tk := range tickets {
		if tk.Title == "rejected one" {
			pendingID = tk.ID
		}
	}
	require.NotEmpty(t, pendingID)
	require.NoError(t, e.DecideApproval(pendingID, false, "out of scope"))

	res = <-done
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "out of scope")

	_, err = st.GetTicket(ctx, pendingID)
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestKeywordSearchRanksByOverlap(t *testing.T) {
	e, _, wf, _ := newTestEngine(t, config.BoardConfig{})
	ctx := context.Background()

	_, err := e.CreateTicket(ctx, CreateRequest{WorkflowID: wf.ID, Title: "fix login redirect", Description: "users bounce after login"})
	require.NoError(t, err)
	_, err = e.CreateTicket(ctx, CreateRequest{WorkflowID: wf.ID, Title: "upgrade database", Description: "postgres major version"})
	require.NoError(t, err)

	results, err := e.Search(ctx, wf.ID, "login redirect broken", SearchKeyword, 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "fix login redirect", results[0].Title)
}
