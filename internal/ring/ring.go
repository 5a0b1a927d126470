// Package ring implements the bounded multi-producer/single-consumer queue
// of spec §4.2: transport listeners push, the router pops. On push
// overflow the oldest unread entry is silently dropped and a counter is
// incremented; nothing on the push path takes a lock.
package ring

import (
	"sync/atomic"
	"time"
)

// Meta carries per-datagram metadata alongside the buffer (spec §4.2).
type Meta struct {
	SourceAddr string
	Arrival    time.Duration // monotime.Now() at arrival
	Length     int
}

type slot struct {
	seq  uint64 // 0 = never written; published value is (logical index + 1)
	meta Meta
	buf  []byte
}

// Ring is a fixed-capacity overwrite-on-overflow ring buffer. Capacity must
// be a power of two.
type Ring struct {
	slots   []slot
	mask    uint64
	writeSeq uint64 // atomically incremented claim counter
	readSeq  uint64 // touched only by the single consumer
	drops    uint64 // atomic
	wake     chan struct{}
}

// New creates a Ring with the given capacity, rounded up to the next power
// of two if necessary.
func New(capacity int) *Ring {
	c := nextPow2(capacity)
	return &Ring{
		slots: make([]slot, c),
		mask:  uint64(c - 1),
		wake:  make(chan struct{}, 1),
	}
}

func nextPow2(n int) int {
	if n < 2 {
		return 2
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Push is the hot, lock-free path used by transport listener goroutines. It
// never blocks and always succeeds, overwriting the oldest unread slot if
// the ring is full (the consumer detects and counts this as a drop).
func (r *Ring) Push(meta Meta, buf []byte) {
	seq := atomic.AddUint64(&r.writeSeq, 1) // seq is 1-indexed logical position
	s := &r.slots[(seq-1)&r.mask]
	s.meta = meta
	s.buf = buf
	atomic.StoreUint64(&s.seq, seq)

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// tryPop attempts a single non-blocking pop, returning ok=false if the ring
// is currently empty from the consumer's point of view.
func (r *Ring) tryPop() (Meta, []byte, bool) {
	expect := r.readSeq + 1
	s := &r.slots[r.readSeq&r.mask]
	seq := atomic.LoadUint64(&s.seq)

	switch {
	case seq == 0 || seq < expect:
		return Meta{}, nil, false
	case seq > expect:
		// One or more producers lapped us; the oldest `seq - expect`
		// entries were overwritten before we ever read them.
		atomic.AddUint64(&r.drops, seq-expect)
		r.readSeq = seq - 1
		s = &r.slots[r.readSeq&r.mask]
	}

	meta, buf := s.meta, s.buf
	r.readSeq++
	return meta, buf, true
}

const spinIterations = 256

// Pop blocks until an entry is available or timeout elapses, spinning
// briefly first (spec §4.2: "sub-millisecond via a spin phase followed by a
// condvar wait"). A zero timeout waits forever.
func (r *Ring) Pop(timeout time.Duration) (Meta, []byte, bool) {
	for i := 0; i < spinIterations; i++ {
		if m, b, ok := r.tryPop(); ok {
			return m, b, true
		}
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		select {
		case <-r.wake:
			if m, b, ok := r.tryPop(); ok {
				return m, b, true
			}
		case <-deadline:
			return Meta{}, nil, false
		}
	}
}

// Drops returns the cumulative number of entries overwritten before being
// read (spec §4.2: "a drop counter incremented (measured, not fatal)").
func (r *Ring) Drops() uint64 {
	return atomic.LoadUint64(&r.drops)
}
