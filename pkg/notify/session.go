package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/forfeit-sh/forfeit/pkg/contracts"
)

// Session is one client surface's view of the delivery queue: an explicit,
// ownable resource with a start/stop lifecycle, never module-level state.
// On Start it performs the catch-up read, then reacts to advisory push
// events by catching up again. Records stream out of Records() strictly
// oldest first; the consumer displays each and acknowledges it through the
// Queue. A push event for a record another session already claimed catches
// up to nothing and is silently discarded, which is the race resolution.
type Session struct {
	queue   *Queue
	push    PushChannel
	ownerID string

	records chan *contracts.ConsequenceRecord
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func NewSession(queue *Queue, push PushChannel, ownerID string) *Session {
	return &Session{
		queue:   queue,
		push:    push,
		ownerID: ownerID,
		records: make(chan *contracts.ConsequenceRecord, 16),
		done:    make(chan struct{}),
	}
}

// Start subscribes to the push channel and runs the delivery loop until
// Stop or context cancellation. The subscription is opened before the
// initial catch-up so an event arriving in between is not lost.
func (s *Session) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	sub, err := s.push.Subscribe(ctx, s.ownerID)
	if err != nil {
		cancel()
		s.cancel = nil
		return fmt.Errorf("session subscribe failed: %w", err)
	}

	go s.run(ctx, sub)
	return nil
}

func (s *Session) run(ctx context.Context, sub Subscription) {
	defer close(s.done)
	defer func() { _ = sub.Close() }()
	defer close(s.records)

	if !s.catchUp(ctx) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
			// The event is advisory; the claim decides who displays.
			if !s.catchUp(ctx) {
				return
			}
		}
	}
}

// catchUp claims and forwards pending records. Returns false when the
// session context ended mid-delivery.
func (s *Session) catchUp(ctx context.Context) bool {
	records, err := s.queue.CatchUp(ctx, s.ownerID)
	if err != nil {
		// Transient failure: the next push or reconnect retries. Nothing is
		// lost because nothing was claimed.
		return ctx.Err() == nil
	}
	for _, rec := range records {
		select {
		case s.records <- rec:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// Records streams claimed consequences for display, oldest first. Closed
// when the session stops.
func (s *Session) Records() <-chan *contracts.ConsequenceRecord {
	return s.records
}

// Stop ends the session and releases its subscription. A no-op when the
// session never started.
func (s *Session) Stop() {
	s.once.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		<-s.done
	})
}
