package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forfeit-sh/forfeit/pkg/contracts"
	"github.com/forfeit-sh/forfeit/pkg/store"
)

func finishedRecord(id, owner string, at time.Time) *contracts.ConsequenceRecord {
	return &contracts.ConsequenceRecord{
		ID:             id,
		OwnerID:        owner,
		DeadlineUnitID: "unit-" + id,
		StakeKind:      contracts.StakeMonetary,
		Stake: contracts.Stake{
			Kind: contracts.StakeMonetary,
			Monetary: &contracts.MonetaryStake{
				AmountCents: 1000, Currency: "USD", Destination: "doctors_without_borders",
			},
		},
		TriggeredAt:      at,
		MercyRollOutcome: contracts.MercyExecuted,
		ExecutionStatus:  contracts.ExecutionCompleted,
		ExecutionDetails: contracts.ExecutionDetails{Triggered: true, TransactionID: "txn-" + id},
	}
}

func collect(t *testing.T, s *Session, want int, timeout time.Duration) []*contracts.ConsequenceRecord {
	t.Helper()
	var got []*contracts.ConsequenceRecord
	deadline := time.After(timeout)
	for len(got) < want {
		select {
		case rec, ok := <-s.Records():
			if !ok {
				return got
			}
			got = append(got, rec)
		case <-deadline:
			return got
		}
	}
	return got
}

func TestSessionCatchUpOnStart(t *testing.T) {
	mem := store.NewMemoryStore()
	push := NewMemoryPushChannel()
	queue := NewQueue(mem)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, mem.InsertConsequence(ctx, finishedRecord("b", "owner-1", base.Add(time.Minute))))
	require.NoError(t, mem.InsertConsequence(ctx, finishedRecord("a", "owner-1", base)))

	s := NewSession(queue, push, "owner-1")
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	got := collect(t, s, 2, time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID, "oldest first")
	assert.Equal(t, "b", got[1].ID)
}

func TestSessionReactsToPush(t *testing.T) {
	mem := store.NewMemoryStore()
	push := NewMemoryPushChannel()
	queue := NewQueue(mem)
	ctx := context.Background()

	s := NewSession(queue, push, "owner-1")
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	// Nothing yet.
	assert.Empty(t, collect(t, s, 1, 50*time.Millisecond))

	rec := finishedRecord("late", "owner-1", time.Now().UTC())
	require.NoError(t, mem.InsertConsequence(ctx, rec))
	require.NoError(t, push.Publish(ctx, Event{OwnerID: "owner-1", RecordID: rec.ID}))

	got := collect(t, s, 1, time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, "late", got[0].ID)
}

// TestTwoSessionsExactlyOnce runs two concurrent sessions for the same
// owner and pushes a batch of records through. Every record must surface
// in exactly one session.
func TestTwoSessionsExactlyOnce(t *testing.T) {
	mem := store.NewMemoryStore()
	push := NewMemoryPushChannel()
	queue := NewQueue(mem)
	ctx := context.Background()

	s1 := NewSession(queue, push, "owner-1")
	s2 := NewSession(queue, push, "owner-1")
	require.NoError(t, s1.Start(ctx))
	require.NoError(t, s2.Start(ctx))
	defer s1.Stop()
	defer s2.Stop()

	base := time.Now().UTC()
	const records = 10
	ids := make([]string, 0, records)
	for i := 0; i < records; i++ {
		rec := finishedRecord(string(rune('a'+i)), "owner-1", base.Add(time.Duration(i)*time.Millisecond))
		ids = append(ids, rec.ID)
		require.NoError(t, mem.InsertConsequence(ctx, rec))
		require.NoError(t, push.Publish(ctx, Event{OwnerID: "owner-1", RecordID: rec.ID}))
	}

	deadline := time.After(2 * time.Second)
	seen := make(map[string]int)
	for count := 0; count < records; {
		select {
		case rec := <-s1.Records():
			seen[rec.ID]++
			count++
		case rec := <-s2.Records():
			seen[rec.ID]++
			count++
		case <-deadline:
			t.Fatalf("only %d of %d records surfaced", count, records)
		}
	}

	for _, id := range ids {
		assert.Equal(t, 1, seen[id], "record %s displayed exactly once", id)
	}
}

// TestDroppedPushSelfHeals inserts a finished record with no push event at
// all, the total-loss case. The next session start recovers it via the
// catch-up read.
func TestDroppedPushSelfHeals(t *testing.T) {
	mem := store.NewMemoryStore()
	push := NewMemoryPushChannel()
	queue := NewQueue(mem)
	ctx := context.Background()

	rec := finishedRecord("silent", "owner-1", time.Now().UTC())
	require.NoError(t, mem.InsertConsequence(ctx, rec))
	// No Publish: the advisory event was lost in transit.

	s := NewSession(queue, push, "owner-1")
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	got := collect(t, s, 1, time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, "silent", got[0].ID)
}

// TestAcknowledgedRecordNeverResurfaces displays, dismisses, then opens a
// fresh session. The dismissed record must not come back.
func TestAcknowledgedRecordNeverResurfaces(t *testing.T) {
	mem := store.NewMemoryStore()
	push := NewMemoryPushChannel()
	queue := NewQueue(mem)
	ctx := context.Background()

	rec := finishedRecord("once", "owner-1", time.Now().UTC())
	require.NoError(t, mem.InsertConsequence(ctx, rec))

	s1 := NewSession(queue, push, "owner-1")
	require.NoError(t, s1.Start(ctx))
	got := collect(t, s1, 1, time.Second)
	require.Len(t, got, 1)

	ok, err := queue.Acknowledge(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	s1.Stop()

	s2 := NewSession(queue, push, "owner-1")
	require.NoError(t, s2.Start(ctx))
	defer s2.Stop()
	assert.Empty(t, collect(t, s2, 1, 100*time.Millisecond))
}

func TestSessionStopWithoutStart(t *testing.T) {
	queue := NewQueue(store.NewMemoryStore())
	s := NewSession(queue, NewMemoryPushChannel(), "owner-1")
	s.Stop() // must not hang
}
