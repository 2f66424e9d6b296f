package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/forfeit-sh/forfeit/pkg/contracts"
	"github.com/forfeit-sh/forfeit/pkg/store"
)

// Queue is the server-side delivery queue over the consequence store. All
// exactly-once semantics reduce to the store's conditional update on
// notification_shown_at IS NULL: the first session to claim a record wins,
// every other session's concurrent claim returns nothing for that row.
type Queue struct {
	consequences store.ConsequenceStore
	logger       *slog.Logger
	now          func() time.Time
}

func NewQueue(consequences store.ConsequenceStore) *Queue {
	return &Queue{
		consequences: consequences,
		logger:       slog.Default().With("component", "notify"),
		now:          time.Now,
	}
}

// WithClock overrides the queue's clock. Test hook.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// CatchUp claims every finished, unacknowledged, never-shown consequence
// for the owner, oldest first. Called on every session (re)connect; a push
// event that was dropped in transit is recovered here.
func (q *Queue) CatchUp(ctx context.Context, ownerID string) ([]*contracts.ConsequenceRecord, error) {
	records, err := q.consequences.ClaimUnseen(ctx, ownerID, q.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("catch-up read failed for owner %s: %w", ownerID, err)
	}
	if len(records) > 0 {
		q.logger.InfoContext(ctx, "claimed consequences for display",
			"owner_id", ownerID, "count", len(records))
	}
	return records, nil
}

// Acknowledge retires a record from the queue. Dismissal is the only event
// that does; returns false when the record was already acknowledged.
func (q *Queue) Acknowledge(ctx context.Context, recordID string) (bool, error) {
	ok, err := q.consequences.Acknowledge(ctx, recordID, q.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to acknowledge consequence %s: %w", recordID, err)
	}
	return ok, nil
}

// Escalated lists failed-execution consequences for the owner. These are
// surfaced for manual reconciliation and are never retried automatically.
func (q *Queue) Escalated(ctx context.Context, ownerID string) ([]*contracts.ConsequenceRecord, error) {
	return q.consequences.ListEscalated(ctx, ownerID)
}
