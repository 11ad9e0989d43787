// Package reviewqueue holds the work items escalated to humans: conflicts
// the pipeline refused to auto-resolve and rules awaiting a human
// approver. The queue tracks claim and completion so two reviewers never
// work the same ticket.
package reviewqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for unknown ticket ids.
	ErrNotFound = errors.New("reviewqueue: ticket not found")
	// ErrNotClaimed is returned when completing a ticket nobody claimed.
	ErrNotClaimed = errors.New("reviewqueue: ticket not claimed")
	// ErrAlreadyClaimed is returned when claiming a ticket someone holds.
	ErrAlreadyClaimed = errors.New("reviewqueue: ticket already claimed")
)

// Status is a ticket's position in the review flow.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusClaimed Status = "CLAIMED"
	StatusDone    Status = "DONE"
)

// Priority orders pending tickets for reviewers.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Ticket is one unit of human review work.
type Ticket struct {
	ID          string         `json:"id"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Reason      string         `json:"reason"`
	Priority    Priority       `json:"priority"`
	Context     map[string]any `json:"context,omitempty"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ClaimedBy   string         `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time     `json:"claimed_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Outcome     string         `json:"outcome,omitempty"`
}

// Queue accepts escalation tickets. The pipeline only ever enqueues;
// claiming and completing belong to review tooling.
type Queue interface {
	Enqueue(ctx context.Context, t Ticket) (*Ticket, error)
}

// Memory is a mutex-guarded in-process queue.
type Memory struct {
	mu      sync.Mutex
	tickets map[string]*Ticket
	clock   func() time.Time
}

// NewMemory creates an empty queue.
func NewMemory() *Memory {
	return &Memory{tickets: make(map[string]*Ticket), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (q *Memory) WithClock(clock func() time.Time) *Memory {
	q.clock = clock
	return q
}

// Enqueue files a ticket. Re-enqueueing an entity that already has a
// pending or claimed ticket refreshes that ticket's context instead of
// duplicating it.
func (q *Memory) Enqueue(_ context.Context, t Ticket) (*Ticket, error) {
	if t.EntityType == "" || t.EntityID == "" {
		return nil, fmt.Errorf("reviewqueue: entity_type and entity_id are required")
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, existing := range q.tickets {
		if existing.Status != StatusDone &&
			existing.EntityType == t.EntityType && existing.EntityID == t.EntityID {
			if t.Reason != "" {
				existing.Reason = t.Reason
			}
			if t.Context != nil {
				existing.Context = t.Context
			}
			if t.Priority.rank() < existing.Priority.rank() {
				existing.Priority = t.Priority
			}
			cp := *existing
			return &cp, nil
		}
	}

	t.ID = uuid.New().String()
	t.Status = StatusPending
	t.CreatedAt = q.clock().UTC()
	q.tickets[t.ID] = &t
	cp := t
	return &cp, nil
}

// Claim assigns a pending ticket to a reviewer.
func (q *Memory) Claim(_ context.Context, ticketID, reviewer string) (*Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ticketID)
	}
	if t.Status == StatusClaimed && t.ClaimedBy != reviewer {
		return nil, fmt.Errorf("%w: %s held by %s", ErrAlreadyClaimed, ticketID, t.ClaimedBy)
	}
	now := q.clock().UTC()
	t.Status = StatusClaimed
	t.ClaimedBy = reviewer
	t.ClaimedAt = &now
	cp := *t
	return &cp, nil
}

// Complete closes a claimed ticket with an outcome note.
func (q *Memory) Complete(_ context.Context, ticketID, reviewer, outcome string) (*Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ticketID)
	}
	if t.Status != StatusClaimed || t.ClaimedBy != reviewer {
		return nil, fmt.Errorf("%w: %s", ErrNotClaimed, ticketID)
	}
	now := q.clock().UTC()
	t.Status = StatusDone
	t.CompletedAt = &now
	t.Outcome = outcome
	cp := *t
	return &cp, nil
}

// Get returns a ticket by id.
func (q *Memory) Get(_ context.Context, ticketID string) (*Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ticketID)
	}
	cp := *t
	return &cp, nil
}

// Pending lists unfinished tickets, most urgent first, ties oldest first.
func (q *Memory) Pending(_ context.Context) []*Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Ticket
	for _, t := range q.tickets {
		if t.Status != StatusDone {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.rank() != out[j].Priority.rank() {
			return out[i].Priority.rank() < out[j].Priority.rank()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
