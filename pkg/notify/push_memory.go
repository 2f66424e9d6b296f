package notify

import (
	"context"
	"sync"
)

// MemoryPushChannel is an in-process PushChannel for lite mode and tests.
// Delivery is best-effort: a subscriber with a full buffer drops the event,
// exactly the failure mode the catch-up read is designed to absorb.
type MemoryPushChannel struct {
	mu   sync.Mutex
	subs map[string][]*memorySubscription
}

func NewMemoryPushChannel() *MemoryPushChannel {
	return &MemoryPushChannel{subs: make(map[string][]*memorySubscription)}
}

func (c *MemoryPushChannel) Publish(_ context.Context, ev Event) error {
	// The sends are non-blocking, so holding the mutex is cheap and keeps
	// them serialized with Close: a subscription can never be closed while
	// a publisher still holds a reference to its channel.
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs[ev.OwnerID] {
		select {
		case sub.events <- ev:
		default:
			// Advisory channel: drop rather than block the publisher.
		}
	}
	return nil
}

func (c *MemoryPushChannel) Subscribe(_ context.Context, ownerID string) (Subscription, error) {
	sub := &memorySubscription{
		channel: c,
		ownerID: ownerID,
		events:  make(chan Event, 16),
	}
	c.mu.Lock()
	c.subs[ownerID] = append(c.subs[ownerID], sub)
	c.mu.Unlock()
	return sub, nil
}

type memorySubscription struct {
	channel *MemoryPushChannel
	ownerID string
	events  chan Event
	once    sync.Once
}

func (s *memorySubscription) Events() <-chan Event {
	return s.events
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		c := s.channel
		c.mu.Lock()
		subs := c.subs[s.ownerID]
		for i, sub := range subs {
			if sub == s {
				c.subs[s.ownerID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		// Close under the same mutex that Publish sends under, so
		// an in-flight Publish either sees the channel before removal
		// or not at all, never a closed one.
		close(s.events)
		c.mu.Unlock()
	})
	return nil
}
