// Package reassembly implements the fragment buffer of spec §4.6: a
// reader-side store keyed by (writer GUID, sequence number) that
// accumulates DATA_FRAG pieces into a complete sample, evicts stale
// partial reassemblies, and drives NACK_FRAG repair for missing fragments.
package reassembly

import (
	"sync"
	"time"

	"github.com/rtpsmesh/ddscore/guid"
	"github.com/rtpsmesh/ddscore/internal/timerqueue"
	"github.com/rtpsmesh/ddscore/seqnum"
)

// DefaultStaleCheckInterval is the periodic check for missing fragments
// that triggers NACK_FRAG, per spec §4.6 ("default 100 ms").
const DefaultStaleCheckInterval = 100 * time.Millisecond

// DefaultMaxAge is how long a partial reassembly is retained before being
// evicted and counted as lost, per spec §4.6 ("default 1 s").
const DefaultMaxAge = time.Second

// CompleteFunc is invoked with the reassembled payload once every fragment
// of a sample has arrived.
type CompleteFunc func(writer guid.GUID, seq seqnum.SeqNum, payload []byte)

// AbortFunc is invoked when a partial reassembly is evicted for age,
// counted as a resource-exhaustion loss (spec §3: "fragment reassembly
// aborted").
type AbortFunc func(writer guid.GUID, seq seqnum.SeqNum)

// NackFragFunc requests retransmission of the named fragments of (writer,
// seq).
type NackFragFunc func(writer guid.GUID, seq seqnum.SeqNum, missing []uint32)

type key struct {
	writer guid.GUID
	seq    seqnum.SeqNum
}

type partial struct {
	total     uint32
	fragSize  uint32
	sample    uint32
	received  []bool
	buf       []byte
	firstSeen time.Time
	nackCount uint32
}

func (p *partial) missingFragments() []uint32 {
	var out []uint32
	for i, got := range p.received {
		if !got {
			out = append(out, uint32(i+1))
		}
	}
	return out
}

func (p *partial) complete() bool {
	for _, got := range p.received {
		if !got {
			return false
		}
	}
	return true
}

// Buffer is the per-reader fragment reassembly store. Cardinality is
// bounded: MaxPending limits the number of concurrently tracked (writer,
// seq) reassemblies, evicting the oldest under pressure (spec §3:
// "bounded cardinality").
type Buffer struct {
	mu         sync.Mutex
	partials   map[key]*partial
	order      []key // insertion order, for bounded-pressure eviction
	MaxPending int
	MaxAge     time.Duration

	onComplete CompleteFunc
	onAbort    AbortFunc
	onNackFrag NackFragFunc

	staleTimer *timerqueue.TimerQueue
}

// New creates a Buffer. The Buffer schedules nothing itself: the periodic
// stale-check that triggers NACK_FRAG and age-based eviction (spec §4.6)
// runs only when the caller invokes StaleCheck.
func New(maxPending int, maxAge time.Duration, onComplete CompleteFunc, onAbort AbortFunc, onNackFrag NackFragFunc) *Buffer {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Buffer{
		partials:   make(map[key]*partial),
		MaxPending: maxPending,
		MaxAge:     maxAge,
		onComplete: onComplete,
		onAbort:    onAbort,
		onNackFrag: onNackFrag,
	}
}

// OnFragment processes one arriving DATA_FRAG. fragStart is 1-indexed
// within the sample (spec §4.6). If this fragment completes the sample,
// onComplete fires with the concatenated payload and the reassembly is
// removed.
func (b *Buffer) OnFragment(writer guid.GUID, seq seqnum.SeqNum, fragStart, fragsInSample, fragSize, sampleSize uint32, payload []byte) {
	b.mu.Lock()
	k := key{writer, seq}
	p, ok := b.partials[k]
	if !ok {
		p = &partial{
			total:     fragsInSample,
			fragSize:  fragSize,
			sample:    sampleSize,
			received:  make([]bool, fragsInSample),
			buf:       make([]byte, sampleSize),
			firstSeen: time.Now(),
		}
		b.partials[k] = p
		b.order = append(b.order, k)
		b.evictIfOverPressureLocked()
	}

	idx := int(fragStart) - 1
	if idx < 0 || idx >= len(p.received) {
		b.mu.Unlock()
		return
	}
	if !p.received[idx] {
		off := idx * int(fragSize)
		end := off + len(payload)
		if end > len(p.buf) {
			end = len(p.buf)
		}
		copy(p.buf[off:end], payload)
		p.received[idx] = true
	}

	if p.complete() {
		delete(b.partials, k)
		b.removeFromOrderLocked(k)
		out := p.buf
		b.mu.Unlock()
		if b.onComplete != nil {
			b.onComplete(writer, seq, out)
		}
		return
	}
	b.mu.Unlock()
}

// evictIfOverPressureLocked drops the oldest partial reassembly if the
// buffer has grown beyond MaxPending. Must be called with mu held.
func (b *Buffer) evictIfOverPressureLocked() {
	if b.MaxPending <= 0 {
		return
	}
	for len(b.order) > b.MaxPending {
		oldest := b.order[0]
		b.order = b.order[1:]
		if _, ok := b.partials[oldest]; ok {
			delete(b.partials, oldest)
			if b.onAbort != nil {
				w, s := oldest.writer, oldest.seq
				go b.onAbort(w, s)
			}
		}
	}
}

func (b *Buffer) removeFromOrderLocked(k key) {
	for i, o := range b.order {
		if o == k {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}

// StaleCheck scans every pending reassembly: those older than MaxAge are
// evicted and reported via onAbort; the rest have their missing fragments
// reported via onNackFrag (spec §4.6: "on stale-check timer ... missing
// fragments trigger NACK_FRAG").
func (b *Buffer) StaleCheck() {
	b.mu.Lock()
	now := time.Now()
	var aborted []key
	type nackWork struct {
		k       key
		missing []uint32
	}
	var nacks []nackWork

	for _, k := range append([]key(nil), b.order...) {
		p, ok := b.partials[k]
		if !ok {
			continue
		}
		if now.Sub(p.firstSeen) > b.MaxAge {
			aborted = append(aborted, k)
			delete(b.partials, k)
			b.removeFromOrderLocked(k)
			continue
		}
		missing := p.missingFragments()
		if len(missing) > 0 {
			p.nackCount++
			nacks = append(nacks, nackWork{k: k, missing: missing})
		}
	}
	b.mu.Unlock()

	for _, k := range aborted {
		if b.onAbort != nil {
			b.onAbort(k.writer, k.seq)
		}
	}
	for _, n := range nacks {
		if b.onNackFrag != nil {
			b.onNackFrag(n.k.writer, n.k.seq, n.missing)
		}
	}
}

// Pending returns the number of currently tracked partial reassemblies.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.partials)
}
