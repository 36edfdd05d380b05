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

// Package ticket is the kanban coordination layer: CRUD over tickets,
// the optional human-approval gate on creation, status transitions guarded
// against the workflow's configured column set, resolution gated on the
// blocking DAG, and hybrid (keyword + semantic) search. The approval gate
// suspends the calling RPC handler on a side-channel wait rather than
// blocking inside a store transaction, honouring the rule
// that "waiting for human approval" never holds a DB transaction open.
package ticket

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/kadirpekel/hephaestus/pkg/config"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/embedclient"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/events"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
	"github.com/kadirpekel/hephaestus/pkg/vector"
)

// Engine is the ticket/kanban coordination layer.
type Engine struct {
	store *store.Store
	embed *embedclient.Client
	vec   vector.Provider
	bus   *events.Bus
	board config.BoardConfig

	mu      sync.Mutex
	waiters map[string]chan approvalDecision
}

type approvalDecision struct {
	approved bool
	reason   string
}

// New builds a ticket Engine. vec may be NilProvider{} when no semantic
// backend is configured — hybrid search then degrades to keyword-only.
func New(st *store.Store, embed *embedclient.Client, vec vector.Provider, bus *events.Bus, board config.BoardConfig) *Engine {
	if vec == nil {
		vec = vector.NilProvider{}
	}
	return &Engine{store: st, embed: embed, vec: vec, bus: bus, board: board, waiters: map[string]chan approvalDecision{}}
}

func (e *Engine) collection(workflowID string) string {
	return "tickets:" + workflowID
}

func (e *Engine) validColumn(status string) bool {
	for _, c := range e.board.Columns {
		if c == status {
			return true
		}
	}
	return false
}

// CreateRequest is the input to CreateTicket.
type CreateRequest struct {
	WorkflowID       string
	Title            string
	Description      string
	TicketType       string
	Status           string
	Priority         store.TaskPriority
	CreatedByAgentID string
}

// CreateTicket persists a ticket. If the workflow's board requires human
// review, this call blocks until a human approves/rejects via
// DecideApproval or until ApprovalTimeoutSecs elapses.
func (e *Engine) CreateTicket(ctx context.Context, req CreateRequest) (*store.Ticket, error) {
	status := req.Status
	if status == "" && len(e.board.Columns) > 0 {
		status = e.board.Columns[0]
	}
	if status != "" && !e.validColumn(status) {
		return nil, errs.New(errs.ValidationFailed, "status is not a configured board column: "+status)
	}
	priority := req.Priority
	if priority == "" {
		priority = store.PriorityMedium
	}

	t := &store.Ticket{
		WorkflowID:       req.WorkflowID,
		Title:            req.Title,
		Description:      req.Description,
		TicketType:       req.TicketType,
		Status:           status,
		Priority:         priority,
		CreatedByAgentID: req.CreatedByAgentID,
		ApprovalStatus:   store.ApprovalNotRequired,
	}
	if e.embed != nil && e.embed.Available() {
		if vec, err := e.embed.Embed(ctx, req.Title+" "+req.Description); err == nil {
			t.DescriptionEmbedding = vec
		}
	}

	if e.board.ApprovalRequired {
		t.ApprovalStatus = store.ApprovalPendingReview
	}

	if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.CreateTicket(ctx, tx, t)
	}); err != nil {
		return nil, err
	}

	if e.vec != nil {
		_ = e.vec.Upsert(ctx, e.collection(req.WorkflowID), t.ID, t.DescriptionEmbedding, map[string]any{
			"title": t.Title, "description": t.Description,
		})
	}

	if !e.board.ApprovalRequired {
		return t, nil
	}

	decision, err := e.awaitApproval(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if !decision.approved {
		_ = e.store.WithTx(ctx, func(tx *sql.Tx) error {
			return e.store.DeleteTicket(ctx, tx, t.ID)
		})
		e.bus.Publish(events.TicketRejected, map[string]string{"ticket_id": t.ID, "reason": decision.reason})
		e.bus.Publish(events.TicketDeleted, t.ID)
		return nil, errs.New(errs.ValidationFailed, "ticket rejected: "+decision.reason)
	}
	t.ApprovalStatus = store.ApprovalApproved
	e.bus.Publish(events.TicketApproved, t.ID)
	return t, nil
}

// awaitApproval blocks the calling goroutine (not a DB transaction) until
// DecideApproval delivers a decision or the configured timeout elapses.
func (e *Engine) awaitApproval(ctx context.Context, ticketID string) (approvalDecision, error) {
	ch := make(chan approvalDecision, 1)
	e.mu.Lock()
	e.waiters[ticketID] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.waiters, ticketID)
		e.mu.Unlock()
	}()

	timeout := time.Duration(e.board.ApprovalTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 1800 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-ch:
		return d, nil
	case <-timer.C:
		return approvalDecision{}, errs.New(errs.Timeout, "ticket approval timed out after "+timeout.String())
	case <-ctx.Done():
		return approvalDecision{}, errs.Wrap(errs.Timeout, "ticket approval cancelled", ctx.Err())
	}
}

// DecideApproval delivers a human decision to a pending CreateTicket call
// . Returns NotFound if no
// call is currently waiting on ticketID.
func (e *Engine) DecideApproval(ticketID string, approved bool, reason string) error {
	e.mu.Lock()
	ch, ok := e.waiters[ticketID]
	e.mu.Unlock()
	if !ok {
		return errs.New(errs.NotFound, "no pending approval for ticket "+ticketID)
	}
	select {
	case ch <- approvalDecision{approved: approved, reason: reason}:
		return nil
	default:
		return errs.New(errs.Conflict, "ticket approval already decided")
	}
}

// PendingReviewCount reports how many CreateTicket calls are currently
// blocked awaiting a human decision.
func (e *Engine) PendingReviewCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.waiters)
}

// ChangeStatus validates new_status against the configured column set and
// atomically records an optional comment.
func (e *Engine) ChangeStatus(ctx context.Context, ticketID, newStatus, authorAgentID, comment string) (*store.Ticket, error) {
	if !e.validColumn(newStatus) {
		return nil, errs.New(errs.ValidationFailed, "status is not a configured board column: "+newStatus)
	}
	var t *store.Ticket
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		var c *store.TicketComment
		if comment != "" {
			c = &store.TicketComment{TicketID: ticketID, AuthorAgentID: authorAgentID, Text: comment}
		}
		updated, err := e.store.ChangeTicketStatus(ctx, tx, ticketID, newStatus, c)
		if err != nil {
			return err
		}
		t = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// AddComment appends a comment to a ticket.
func (e *Engine) AddComment(ctx context.Context, ticketID, authorAgentID, text string) error {
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.AddTicketComment(ctx, tx, &store.TicketComment{TicketID: ticketID, AuthorAgentID: authorAgentID, Text: text})
	})
}

// AddBlock inserts a blocker->blocked edge, rejected if it would cycle
// .
func (e *Engine) AddBlock(ctx context.Context, blockerID, blockedID string) error {
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.AddTicketBlock(ctx, tx, blockerID, blockedID)
	})
}

// Resolve marks a ticket resolved if no unresolved ticket still blocks it,
// then walks its outbound edges and emits ticket_unblocked for every
// successor left with no remaining unresolved blocker.
func (e *Engine) Resolve(ctx context.Context, ticketID, resolutionComment string) (*store.Ticket, []string, error) {
	resolvedStatus := e.board.ResolvedStatus
	if resolvedStatus == "" {
		resolvedStatus = "resolved"
	}

	var t *store.Ticket
	var unblocked []string
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		blockers, err := e.store.BlockersOf(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		for _, blockerID := range blockers {
			status, err := e.store.TicketStatus(ctx, tx, blockerID)
			if err != nil {
				return err
			}
			if status != resolvedStatus {
				return errs.New(errs.InvalidState, "ticket is still blocked by unresolved ticket "+blockerID)
			}
		}

		var comment *store.TicketComment
		if resolutionComment != "" {
			comment = &store.TicketComment{TicketID: ticketID, AuthorAgentID: "system", Text: resolutionComment}
		}
		updated, err := e.store.ChangeTicketStatus(ctx, tx, ticketID, resolvedStatus, comment)
		if err != nil {
			return err
		}
		t = updated

		successors, err := e.store.SuccessorsOf(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		for _, succ := range successors {
			remainingBlockers, err := e.store.BlockersOf(ctx, tx, succ)
			if err != nil {
				return err
			}
			allResolved := true
			for _, b := range remainingBlockers {
				if b == ticketID {
					continue
				}
				status, err := e.store.TicketStatus(ctx, tx, b)
				if err != nil {
					return err
				}
				if status != resolvedStatus {
					allResolved = false
					break
				}
			}
			if allResolved {
				unblocked = append(unblocked, succ)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	for _, succ := range unblocked {
		e.bus.Publish(events.TicketUnblocked, succ)
	}
	return t, unblocked, nil
}

// SearchMode selects how Search ranks candidate tickets.
type SearchMode string

const (
	SearchSemantic SearchMode = "semantic"
	SearchKeyword  SearchMode = "keyword"
	SearchHybrid   SearchMode = "hybrid"
)

// searchResult pairs a ticket with its ranking score.
type searchResult struct {
	Ticket *store.Ticket
	Score  float64
}

// Search runs semantic, keyword, or 0.7/0.3-weighted hybrid search over a
// workflow's tickets.
func (e *Engine) Search(ctx context.Context, workflowID, query string, mode SearchMode, limit int) ([]*store.Ticket, error) {
	if limit <= 0 {
		limit = 10
	}

	keywordScores := map[string]float64{}
	if mode == SearchKeyword || mode == SearchHybrid {
		tickets, scores, err := e.store.SearchTicketsKeyword(ctx, workflowID, query, limit)
		if err != nil {
			return nil, err
		}
		for i, t := range tickets {
			keywordScores[t.ID] = scores[i]
		}
		if mode == SearchKeyword {
			return rankByScore(tickets, scores, limit), nil
		}
	}

	var semanticResults []vector.Result
	if (mode == SearchSemantic || mode == SearchHybrid) && e.embed != nil && e.embed.Available() {
		qvec, err := e.embed.Embed(ctx, query)
		if err == nil {
			semanticResults, _ = e.vec.Search(ctx, e.collection(workflowID), qvec, limit*2)
		}
	}

	if mode == SearchSemantic {
		var out []*store.Ticket
		for _, r := range semanticResults {
			if t, err := e.store.GetTicket(ctx, r.ID); err == nil {
				out = append(out, t)
			}
			if len(out) >= limit {
				break
			}
		}
		return out, nil
	}

	// Hybrid: 0.7*semantic + 0.3*keyword, sorted desc.
	combined := map[string]float64{}
	tickets := map[string]*store.Ticket{}
	for _, r := range semanticResults {
		combined[r.ID] += 0.7 * float64(r.Score)
	}
	for id, score := range keywordScores {
		combined[id] += 0.3 * score
	}
	for id := range combined {
		if _, ok := tickets[id]; !ok {
			if t, err := e.store.GetTicket(ctx, id); err == nil {
				tickets[id] = t
			}
		}
	}
	var out []*store.Ticket
	var scores []float64
	for id, t := range tickets {
		out = append(out, t)
		scores = append(scores, combined[id])
	}
	return rankByScore(out, scores, limit), nil
}

func rankByScore(tickets []*store.Ticket, scores []float64, limit int) []*store.Ticket {
	type pair struct {
		t *store.Ticket
		s float64
	}
	pairs := make([]pair, len(tickets))
	for i := range tickets {
		pairs[i] = pair{tickets[i], scores[i]}
	}
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && pairs[j].s > pairs[j-1].s; j-- {
			pairs[j], pairs[j-1] = pairs[j-1], pairs[j]
		}
	}
	if len(pairs) > limit {
		pairs = pairs[:limit]
	}
	out := make([]*store.Ticket, len(pairs))
	for i, p := range pairs {
		out[i] = p.t
	}
	return out
}
