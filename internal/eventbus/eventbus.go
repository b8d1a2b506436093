// Package eventbus implements C8: a single-producer, multi-consumer
// broadcast of mixvpn.Event with bounded per-subscriber buffers. A slow
// subscriber has its oldest buffered event dropped rather than blocking the
// producer; the drop count is surfaced on the next event actually delivered
// to that subscriber. Modeled on getployz-ployz's machine/convergence event
// fan-out, generalized from a single watch channel to many.
package eventbus

import (
	"sync"

	"mixvpn"
)

// Bus broadcasts events to any number of subscribers. The zero value is not
// usable; construct with New.
type Bus struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type subscription struct {
	ch      chan mixvpn.Event
	mu      sync.Mutex
	dropped int
	closed  bool
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[*subscription]struct{})}
}

// Subscription is a live subscriber handle. Events() yields the channel to
// range over; Unsubscribe detaches it from the bus and closes the channel.
type Subscription struct {
	bus *Bus
	sub *subscription
}

// Subscribe registers a new subscriber with the given buffer capacity.
func (b *Bus) Subscribe(capacity int) *Subscription {
	if capacity < 1 {
		capacity = 1
	}
	sub := &subscription{ch: make(chan mixvpn.Event, capacity)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return &Subscription{bus: b, sub: sub}
}

// Events returns the channel to receive events from.
func (s *Subscription) Events() <-chan mixvpn.Event {
	return s.sub.ch
}

// Unsubscribe detaches the subscription from the bus. Safe to call more
// than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.sub)
	s.bus.mu.Unlock()

	s.sub.mu.Lock()
	if !s.sub.closed {
		s.sub.closed = true
		close(s.sub.ch)
	}
	s.sub.mu.Unlock()
}

// Publish broadcasts ev to every current subscriber. Subscribers whose
// buffer is full have their oldest event dropped to make room; every event
// handed to a subscriber carries the count of events dropped from its buffer
// since the buffer was last found empty.
func (b *Bus) Publish(ev mixvpn.Event) {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(ev)
	}
}

func (s *subscription) deliver(ev mixvpn.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if len(s.ch) == 0 {
		// The subscriber has received everything handed to it so far.
		s.dropped = 0
	}

	for {
		select {
		case s.ch <- stampDrops(ev, s.dropped):
			return
		default:
		}

		select {
		case <-s.ch:
			s.dropped++
		default:
			// Channel drained concurrently by the subscriber; retry send.
		}
	}
}

func stampDrops(ev mixvpn.Event, dropped int) mixvpn.Event {
	if dropped > 0 {
		ev.DroppedCount = dropped
	}
	return ev
}
