package reliability

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rtpsmesh/ddscore/guid"
	"github.com/rtpsmesh/ddscore/seqnum"
)

// BitmapWidth bounds the reader-side gap tracker's receive bitmap (spec
// §3: "a bounded bitmap of received flags").
const BitmapWidth = 2048

// NackJitterMin/Max are the recommended defaults for NACK scheduling delay
// (spec §9 Open Question: "recommended: uniform random in [5 ms, 25 ms]").
const (
	NackJitterMin = 5 * time.Millisecond
	NackJitterMax = 25 * time.Millisecond
)

// DeliverFunc is invoked for each sample that becomes newly contiguous and
// ready for delivery (spec §4.5: "deliver newly contiguous payloads").
type DeliverFunc func(writer guid.GUID, seq seqnum.SeqNum, payload []byte)

// SampleLostFunc is invoked when sequences below base are permanently
// unrecoverable (spec §3: "missing sequences strictly less than base are
// permanently lost (reported as SAMPLE_LOST)").
type SampleLostFunc func(writer guid.GUID, r seqnum.Range)

// GapTracker is the reader-side reliability state for one matched writer
// (spec §3 "Gap tracker (reader-side, per matched writer)" and §4.5).
type GapTracker struct {
	mu sync.Mutex

	Writer guid.GUID
	base   seqnum.SeqNum // highest-contiguous-acked cursor; next expected seq
	bitmap seqnum.Bitmap

	pending        map[seqnum.SeqNum][]byte // received, not yet contiguous
	lastHBCount    uint32
	localACKCount  uint32
	heartbeatSince time.Time

	onDeliver    DeliverFunc
	onSampleLost SampleLostFunc
}

// NewGapTracker creates a tracker for writer, with base starting at 1 (the
// first valid sequence number).
func NewGapTracker(writer guid.GUID, onDeliver DeliverFunc, onSampleLost SampleLostFunc) *GapTracker {
	return &GapTracker{
		Writer:         writer,
		base:           1,
		bitmap:         seqnum.NewBitmap(1, BitmapWidth),
		pending:        make(map[seqnum.SeqNum][]byte),
		onDeliver:      onDeliver,
		onSampleLost:   onSampleLost,
		heartbeatSince: time.Now(),
	}
}

// Base returns the current highest-contiguous-acked-plus-one cursor.
func (g *GapTracker) Base() seqnum.SeqNum {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.base
}

// OnData processes an arriving DATA for sequence seq (spec §4.5). Samples
// below base are duplicates and ignored; samples at or above base are
// recorded and the base slides forward over any newly-contiguous run,
// delivering each in order as it does.
func (g *GapTracker) OnData(seq seqnum.SeqNum, payload []byte) {
	g.mu.Lock()
	if seq < g.base {
		g.mu.Unlock()
		return // duplicate
	}
	if _, already := g.pending[seq]; already || g.bitmap.IsSet(seq) {
		g.mu.Unlock()
		return // duplicate
	}

	g.pending[seq] = payload
	g.bitmap.Set(seq)

	var toDeliver []struct {
		seq     seqnum.SeqNum
		payload []byte
	}
	for {
		p, ok := g.pending[g.base]
		if !ok {
			break
		}
		toDeliver = append(toDeliver, struct {
			seq     seqnum.SeqNum
			payload []byte
		}{g.base, p})
		delete(g.pending, g.base)
		g.base++
	}
	if len(toDeliver) > 0 {
		g.bitmap.SlideTo(g.base, BitmapWidth)
	}
	g.mu.Unlock()

	for _, d := range toDeliver {
		if g.onDeliver != nil {
			g.onDeliver(g.Writer, d.seq, d.payload)
		}
	}
}

// OnGap marks [first, last] as irrelevant and slides base forward if doing
// so unblocks contiguity (spec §4.5).
func (g *GapTracker) OnGap(r seqnum.Range) {
	g.mu.Lock()
	if r.Empty() {
		g.mu.Unlock()
		return
	}
	for s := max(r.First, g.base); s <= r.Last; s++ {
		g.bitmap.Set(s)
	}

	var toDeliver []struct {
		seq     seqnum.SeqNum
		payload []byte
	}
	for {
		if p, ok := g.pending[g.base]; ok {
			toDeliver = append(toDeliver, struct {
				seq     seqnum.SeqNum
				payload []byte
			}{g.base, p})
			delete(g.pending, g.base)
			g.base++
			continue
		}
		if g.bitmap.IsSet(g.base) {
			// Gapped, not a real sample: advance without delivering.
			g.base++
			g.bitmap.SlideTo(g.base, BitmapWidth)
			continue
		}
		break
	}
	g.mu.Unlock()

	for _, d := range toDeliver {
		if g.onDeliver != nil {
			g.onDeliver(g.Writer, d.seq, d.payload)
		}
	}
}

func max(a, b seqnum.SeqNum) seqnum.SeqNum {
	if a > b {
		return a
	}
	return b
}

// Missing returns the set of sequence numbers in [max(base, first), last]
// not yet received, for the given HEARTBEAT range. If first < base, any
// gap strictly below base is reported once as permanently lost.
func (g *GapTracker) Missing(hb Heartbeat) []seqnum.SeqNum {
	g.mu.Lock()
	defer g.mu.Unlock()

	if hb.Count <= g.lastHBCount && g.lastHBCount != 0 {
		return nil
	}
	g.lastHBCount = hb.Count
	g.heartbeatSince = time.Now()

	if hb.First < g.base {
		lost := seqnum.Range{First: hb.First, Last: g.base - 1}
		if !lost.Empty() && g.onSampleLost != nil {
			g.onSampleLost(g.Writer, lost)
		}
	}

	from := hb.First
	if g.base > from {
		from = g.base
	}
	if from > hb.Last {
		return nil
	}
	var out []seqnum.SeqNum
	for _, s := range g.bitmap.Missing(hb.Last) {
		if s >= from {
			out = append(out, s)
		}
	}
	return out
}

// Heartbeat mirrors wire.Heartbeat's fields the gap tracker needs, kept
// decoupled from the wire package to avoid an import cycle.
type Heartbeat struct {
	First seqnum.SeqNum
	Last  seqnum.SeqNum
	Count uint32
}

// JitterDelay returns a random delay in [NackJitterMin, NackJitterMax),
// used to stagger ACKNACK emission across many readers (spec §4.5 "jittered
// delay").
func JitterDelay() time.Duration {
	span := NackJitterMax - NackJitterMin
	return NackJitterMin + time.Duration(rand.Int63n(int64(span)))
}

// NextACKCount returns the next local ACKNACK count to use, incrementing
// the tracker's internal counter.
func (g *GapTracker) NextACKCount() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.localACKCount++
	return g.localACKCount
}

// HeartbeatAge returns how long it has been since the last HEARTBEAT was
// processed, for liveliness-lost detection (spec §4.5).
func (g *GapTracker) HeartbeatAge() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Since(g.heartbeatSince)
}
