// Package notify guarantees that every finished consequence is shown to the
// owner's client exactly once, across any number of concurrently open
// sessions. The queue is server state: the catch-up read on (re)connect is
// the source of truth and the push channel is strictly advisory, so a lost
// push event self-heals on the next reconnect.
package notify

import (
	"context"
)

// Event announces that a consequence finished executing for an owner. It
// carries identifiers only; sessions fetch the record through the catch-up
// read, which is what enforces exactly-once display.
type Event struct {
	OwnerID  string `json:"owner_id"`
	RecordID string `json:"record_id"`
}

// PushChannel is the best-effort fan-out to already-connected sessions.
// No ordering or delivery guarantee is required of it.
type PushChannel interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, ownerID string) (Subscription, error)
}

// Subscription is an ownable handle on one owner's push stream with an
// explicit stop lifecycle, tied to the client session that opened it.
type Subscription interface {
	Events() <-chan Event
	Close() error
}
