// Package eventbus implements the lifecycle event broadcast of spec §3
// (Event) and §4.8/§5: many producers (discovery FSM, reliability timers,
// subscriber delivery) publish; each application subscriber gets its own
// bounded ring so a slow subscriber can never build an unbounded backlog —
// it instead observes a "lagged by N" count.
package eventbus

import (
	"sync"
	"sync/atomic"

	channels "gopkg.in/eapache/channels.v1"

	"github.com/rtpsmesh/ddscore/event"
)

// DefaultSubscriberCapacity is used when a caller doesn't specify one.
const DefaultSubscriberCapacity = 256

// Subscriber receives events published to a Bus. Events() yields them in
// per-producer order (spec §5: "the bus makes no promise across
// producers"); Lagged returns and resets the number of events dropped
// because this subscriber fell behind.
type Subscriber struct {
	ch     *channels.RingChannel
	lagged uint64
}

// Events returns the channel to range over for delivered events.
func (s *Subscriber) Events() <-chan interface{} {
	return s.ch.Out()
}

// Lagged returns and resets the count of events this subscriber missed due
// to overflowing its ring since the last call.
func (s *Subscriber) Lagged() uint64 {
	return atomic.SwapUint64(&s.lagged, 0)
}

func (s *Subscriber) deliver(e event.Event) {
	if s.ch.Len() >= s.ch.Cap() {
		atomic.AddUint64(&s.lagged, 1)
	}
	s.ch.In() <- e
}

// Close closes the subscriber's ring. It does not remove the subscriber
// from its Bus, so a later Publish still delivers to it; Bus.Unsubscribe
// both removes and closes it.
func (s *Subscriber) Close() {
	s.ch.Close()
}

// Bus is a single-producer-multi-consumer broadcast, safe for concurrent
// Publish from multiple producer goroutines (§4.8: "single-producer" refers
// to each logical producer's own ordering guarantee, not a single OS
// thread — discovery, timers, and delivery all publish concurrently).
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a new Subscriber with the given ring capacity.
func (b *Bus) Subscribe(capacity int) *Subscriber {
	if capacity <= 0 {
		capacity = DefaultSubscriberCapacity
	}
	s := &Subscriber{ch: channels.NewRingChannel(channels.BufferCap(capacity))}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes and closes a Subscriber.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	s.Close()
}

// Publish broadcasts e to every current subscriber. Because each
// subscriber's ring silently drops its own oldest entry on overflow,
// Publish never blocks regardless of how slow any one subscriber is.
func (b *Bus) Publish(e event.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		s.deliver(e)
	}
}
