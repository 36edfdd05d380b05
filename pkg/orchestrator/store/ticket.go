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

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
)

var ticketColumns = `id, workflow_id, title, description, ticket_type, status, priority, created_by_agent_id, created_at, updated_at, resolution_comment, approval_status, description_embedding`

func scanTicket(row scannable) (*Ticket, error) {
	t := &Ticket{}
	var priority, approval string
	var embedding []byte
	if err := row.Scan(&t.ID, &t.WorkflowID, &t.Title, &t.Description, &t.TicketType, &t.Status, &priority, &t.CreatedByAgentID, &t.CreatedAt, &t.UpdatedAt, &t.ResolutionComment, &approval, &embedding); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "ticket not found")
		}
		return nil, errs.Wrap(errs.ExternalUnavailable, "scan ticket", err)
	}
	t.Priority = TaskPriority(priority)
	t.ApprovalStatus = TicketApprovalStatus(approval)
	t.DescriptionEmbedding = decodeVector(embedding)
	return t, nil
}

func (s *Store) CreateTicket(ctx context.Context, q querier, t *Ticket) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := q.ExecContext(ctx, s.rebind(`
		INSERT INTO tickets (`+ticketColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.WorkflowID, t.Title, t.Description, t.TicketType, t.Status, string(t.Priority), t.CreatedByAgentID, t.CreatedAt, t.UpdatedAt, t.ResolutionComment, string(t.ApprovalStatus), encodeVector(t.DescriptionEmbedding))
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "create ticket", err)
	}
	return nil
}

func (s *Store) GetTicket(ctx context.Context, id string) (*Ticket, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`), id)
	return scanTicket(row)
}

func (s *Store) getTicketTx(ctx context.Context, q querier, id string) (*Ticket, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`), id)
	return scanTicket(row)
}

func (s *Store) DeleteTicket(ctx context.Context, q querier, id string) error {
	if _, err := q.ExecContext(ctx, s.rebind(`DELETE FROM ticket_blocks WHERE blocker_id = ? OR blocked_id = ?`), id, id); err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "delete ticket blocks", err)
	}
	if _, err := q.ExecContext(ctx, s.rebind(`DELETE FROM tickets WHERE id = ?`), id); err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "delete ticket", err)
	}
	return nil
}

// ChangeTicketStatus validates new_status is in the configured column set
// and atomically inserts the optional comment.
func (s *Store) ChangeTicketStatus(ctx context.Context, q querier, ticketID, newStatus string, comment *TicketComment) (*Ticket, error) {
	t, err := s.getTicketTx(ctx, q, ticketID)
	if err != nil {
		return nil, err
	}
	t.Status = newStatus
	t.UpdatedAt = time.Now().UTC()
	if _, err := q.ExecContext(ctx, s.rebind(`UPDATE tickets SET status=?, updated_at=? WHERE id=?`), t.Status, t.UpdatedAt, t.ID); err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "update ticket status", err)
	}
	if comment != nil {
		if err := s.AddTicketComment(ctx, q, comment); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (s *Store) AddTicketComment(ctx context.Context, q querier, c *TicketComment) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, s.rebind(`
		INSERT INTO ticket_comments (id, ticket_id, author_agent_id, text, created_at) VALUES (?, ?, ?, ?, ?)`),
		c.ID, c.TicketID, c.AuthorAgentID, c.Text, c.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "add ticket comment", err)
	}
	return nil
}

// AddTicketBlock inserts a blocker->blocked edge, rejecting it if it would
// introduce a cycle.
func (s *Store) AddTicketBlock(ctx context.Context, q querier, blockerID, blockedID string) error {
	if blockerID == blockedID {
		return errs.New(errs.Conflict, "a ticket cannot block itself")
	}
	wouldCycle, err := s.reaches(ctx, q, blockedID, blockerID)
	if err != nil {
		return err
	}
	if wouldCycle {
		return errs.New(errs.Conflict, "edge would create a cycle in the ticket blocking graph")
	}
	_, err = q.ExecContext(ctx, s.rebind(`INSERT INTO ticket_blocks (blocker_id, blocked_id) VALUES (?, ?)`), blockerID, blockedID)
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "add ticket block", err)
	}
	return nil
}

// reaches reports whether there is a directed path from -> to in the
// blocking graph, via breadth-first traversal.
func (s *Store) reaches(ctx context.Context, q querier, from, to string) (bool, error) {
	visited := map[string]bool{from: true}
	frontier := []string{from}
	for len(frontier) > 0 {
		var next []string
		for _, node := range frontier {
			successors, err := s.successorsOf(ctx, q, node)
			if err != nil {
				return false, err
			}
			for _, s2 := range successors {
				if s2 == to {
					return true, nil
				}
				if !visited[s2] {
					visited[s2] = true
					next = append(next, s2)
				}
			}
		}
		frontier = next
	}
	return false, nil
}

func (s *Store) successorsOf(ctx context.Context, q querier, blockerID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, s.rebind(`SELECT blocked_id FROM ticket_blocks WHERE blocker_id = ?`), blockerID)
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "query ticket block successors", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.ExternalUnavailable, "scan successor", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// BlockersOf returns tickets that directly block ticketID (one level, per
// the "tickets blocking X, transitive one level" derived query).
func (s *Store) BlockersOf(ctx context.Context, q querier, ticketID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, s.rebind(`SELECT blocker_id FROM ticket_blocks WHERE blocked_id = ?`), ticketID)
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "query ticket blockers", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.ExternalUnavailable, "scan blocker", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SuccessorsOf is the exported form of successorsOf, for the unblock
// propagation walk in pkg/orchestrator/ticket.
func (s *Store) SuccessorsOf(ctx context.Context, q querier, ticketID string) ([]string, error) {
	return s.successorsOf(ctx, q, ticketID)
}

// IsResolved reports whether ticketID's status equals the workflow's
// configured terminal "resolved" status. Ticket engines pass the resolved
// status name in, since the column set is workflow-defined.
func (s *Store) TicketStatus(ctx context.Context, q querier, ticketID string) (string, error) {
	var status string
	err := q.QueryRowContext(ctx, s.rebind(`SELECT status FROM tickets WHERE id = ?`), ticketID).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", errs.New(errs.NotFound, "ticket not found: "+ticketID)
		}
		return "", errs.Wrap(errs.ExternalUnavailable, "get ticket status", err)
	}
	return status, nil
}

func (s *Store) SetTicketStatus(ctx context.Context, q querier, ticketID, status string) error {
	_, err := q.ExecContext(ctx, s.rebind(`UPDATE tickets SET status=?, updated_at=? WHERE id=?`), status, time.Now().UTC(), ticketID)
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "set ticket status", err)
	}
	return nil
}

// GetTicketTx exposes the tx-scoped lookup to other orchestrator packages.
func (s *Store) GetTicketTx(ctx context.Context, q querier, id string) (*Ticket, error) {
	return s.getTicketTx(ctx, q, id)
}

// SearchTicketsKeyword performs a simple BM25-ish scan: term-frequency over
// title+description, normalised by document length. Used as the keyword
// half of hybrid search; the semantic half is handled by the vector
// provider in pkg/orchestrator/ticket.
func (s *Store) SearchTicketsKeyword(ctx context.Context, workflowID, query string, limit int) ([]*Ticket, []float64, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+ticketColumns+` FROM tickets WHERE workflow_id = ?`), workflowID)
	if err != nil {
		return nil, nil, errs.Wrap(errs.ExternalUnavailable, "list tickets for search", err)
	}
	defer rows.Close()

	terms := tokenize(query)
	var tickets []*Ticket
	var scores []float64
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, nil, err
		}
		score := bm25Score(terms, tokenize(t.Title+" "+t.Description))
		tickets = append(tickets, t)
		scores = append(scores, score)
	}
	return tickets, scores, rows.Err()
}

func tokenize(s string) []string {
	var out []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			out = append(out, string(cur))
			cur = nil
		}
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			if r >= 'A' && r <= 'Z' {
				r = r - 'A' + 'a'
			}
			cur = append(cur, r)
		} else {
			flush()
		}
	}
	flush()
	return out
}

// bm25Score is a simplified BM25-style term-frequency score (k1=1.2),
// without corpus-wide IDF since the search scope is one workflow's tickets.
func bm25Score(queryTerms, docTerms []string) float64 {
	if len(docTerms) == 0 || len(queryTerms) == 0 {
		return 0
	}
	const k1 = 1.2
	const b = 0.75
	avgLen := 20.0
	docLen := float64(len(docTerms))
	freq := map[string]int{}
	for _, t := range docTerms {
		freq[t]++
	}
	var score float64
	for _, qt := range queryTerms {
		f := float64(freq[qt])
		if f == 0 {
			continue
		}
		score += (f * (k1 + 1)) / (f + k1*(1-b+b*docLen/avgLen))
	}
	return score
}
