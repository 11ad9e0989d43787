package reviewqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueue_ClaimComplete(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	ticket, err := q.Enqueue(ctx, Ticket{
		EntityType: "conflict",
		EntityID:   "c-1",
		Reason:     "both rules are T0",
		Priority:   PriorityUrgent,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ticket.ID)
	assert.Equal(t, StatusPending, ticket.Status)

	claimed, err := q.Claim(ctx, ticket.ID, "reviewer-7")
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, claimed.Status)
	assert.Equal(t, "reviewer-7", claimed.ClaimedBy)

	// A second reviewer cannot steal it.
	_, err = q.Claim(ctx, ticket.ID, "reviewer-8")
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	done, err := q.Complete(ctx, ticket.ID, "reviewer-7", "kept rule A")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, done.Status)
	assert.Equal(t, "kept rule A", done.Outcome)
	require.NotNil(t, done.CompletedAt)
}

func TestEnqueue_DeduplicatesOpenTickets(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	first, err := q.Enqueue(ctx, Ticket{EntityType: "conflict", EntityID: "c-1", Reason: "escalated"})
	require.NoError(t, err)

	second, err := q.Enqueue(ctx, Ticket{
		EntityType: "conflict", EntityID: "c-1",
		Reason: "escalated again", Priority: PriorityUrgent,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "escalated again", second.Reason)
	// Re-enqueueing can only raise priority, never lower it.
	assert.Equal(t, PriorityUrgent, second.Priority)

	pending := q.Pending(ctx)
	assert.Len(t, pending, 1)
}

func TestEnqueue_NewTicketAfterCompletion(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	first, err := q.Enqueue(ctx, Ticket{EntityType: "conflict", EntityID: "c-1", Reason: "round one"})
	require.NoError(t, err)
	_, err = q.Claim(ctx, first.ID, "reviewer-7")
	require.NoError(t, err)
	_, err = q.Complete(ctx, first.ID, "reviewer-7", "resolved")
	require.NoError(t, err)

	second, err := q.Enqueue(ctx, Ticket{EntityType: "conflict", EntityID: "c-1", Reason: "round two"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestPending_Ordering(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	q := NewMemory().WithClock(func() time.Time {
		tick++
		return now.Add(time.Duration(tick) * time.Minute)
	})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Ticket{EntityType: "rule", EntityID: "r-1", Priority: PriorityNormal})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Ticket{EntityType: "rule", EntityID: "r-2", Priority: PriorityUrgent})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Ticket{EntityType: "rule", EntityID: "r-3", Priority: PriorityNormal})
	require.NoError(t, err)

	pending := q.Pending(ctx)
	require.Len(t, pending, 3)
	assert.Equal(t, "r-2", pending[0].EntityID)
	assert.Equal(t, "r-1", pending[1].EntityID)
	assert.Equal(t, "r-3", pending[2].EntityID)
}

func TestCompleteRequiresClaim(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	ticket, err := q.Enqueue(ctx, Ticket{EntityType: "conflict", EntityID: "c-1"})
	require.NoError(t, err)

	_, err = q.Complete(ctx, ticket.ID, "reviewer-7", "done")
	assert.ErrorIs(t, err, ErrNotClaimed)

	_, err = q.Complete(ctx, "no-such-ticket", "reviewer-7", "done")
	assert.ErrorIs(t, err, ErrNotFound)
}
