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

// Package events is the orchestrator's WebSocket broadcast bus: every
// subsystem publishes named events here; the HTTP/WebSocket dashboard
// surface (pkg/server) is the one subscriber that fans them out to
// connected UI clients over gorilla/websocket.
package events

import "sync"

// Event names the WebSocket surface broadcasts.
const (
	TaskQueued                = "task_queued"
	TaskCreated               = "task_created"
	TaskCompleted             = "task_completed"
	TaskPriorityBumped        = "task_priority_bumped"
	AgentCreated              = "agent_created"
	AgentStatusChanged        = "agent_status_changed"
	TicketApproved            = "ticket_approved"
	TicketRejected            = "ticket_rejected"
	TicketDeleted             = "ticket_deleted"
	TicketUnblocked           = "ticket_unblocked"
	ResultsReported           = "results_reported"
	ResultValidationCompleted = "result_validation_completed"
	WorkflowCompleted         = "workflow_completed"
)

// Event is one broadcastable occurrence: a name plus an arbitrary
// JSON-serialisable payload.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// Bus fans events out to any number of subscribers. Publish never blocks a
// slow subscriber indefinitely: each subscriber has a bounded buffer, and a
// full buffer drops the event for that subscriber rather than stalling the
// publisher (RPC handlers and the monitoring loop must never wait on a
// WebSocket client).
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Publish fans ev out to every current subscriber.
func (b *Bus) Publish(name string, payload any) {
	ev := Event{Name: name, Payload: payload}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function the caller must call when done (typically on
// WebSocket disconnect).
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}
