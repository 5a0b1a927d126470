// Package reliability implements the writer-side history cache and
// reader-side gap tracker of spec §3 and the reliability operations of
// §4.4/§4.5.
package reliability

import (
	"fmt"
	"sort"
	"sync"
	"time"

	ddserrors "github.com/rtpsmesh/ddscore/internal/ddserrors"
	"github.com/rtpsmesh/ddscore/guid"
	"github.com/rtpsmesh/ddscore/qos"
	"github.com/rtpsmesh/ddscore/seqnum"
)

// Sender is the narrow surface Writer needs to actually put bytes on the
// wire; the participant wires this to internal/pacing, which wraps the
// real transport.
type Sender interface {
	SendData(reader guid.GUID, seq seqnum.SeqNum, payload []byte) error
	SendGap(reader guid.GUID, r seqnum.Range) error
	SendHeartbeat(reader guid.GUID, first, last seqnum.SeqNum, count uint32, final bool) error
	// SendDataFrag sends one fragment of seq: fragStart is the 1-indexed
	// fragment number, fragsInSample the total fragment count, fragSize the
	// fragment size used to split the sample, sampleSize the whole sample's
	// length, and payload this fragment's slice (spec §4.6).
	SendDataFrag(reader guid.GUID, seq seqnum.SeqNum, fragStart, fragsInSample, fragSize, sampleSize uint32, payload []byte) error
}

// DefaultMaxPayloadSize bounds a single DATA submessage payload; Write
// splits anything larger into DATA_FRAG fragments of this size (spec §4.6).
const DefaultMaxPayloadSize = 64 * 1024

type cacheEntry struct {
	seq     seqnum.SeqNum
	payload []byte
	sentAt  time.Time
}

type readerState struct {
	ackedUpTo   seqnum.SeqNum // reader has acked everything <= this
	lastACKCount uint32
	watermarkSetAt time.Time
}

// Writer is the writer-side reliability state of spec §3/§4.4.
type Writer struct {
	mu sync.Mutex

	GUID     guid.GUID
	Policies qos.Policies
	sender   Sender

	maxPayloadSize int

	nextSeq seqnum.SeqNum
	cache   []cacheEntry // ordered by seq ascending

	matched map[guid.GUID]*readerState
	toGap   map[seqnum.SeqNum]struct{}

	heartbeatCount uint32
	cond           *sync.Cond
}

// NewWriter creates a Writer bound to sender for transmission.
func NewWriter(g guid.GUID, policies qos.Policies, sender Sender) *Writer {
	w := &Writer{
		GUID:           g,
		Policies:       policies,
		sender:         sender,
		maxPayloadSize: DefaultMaxPayloadSize,
		matched:        make(map[guid.GUID]*readerState),
		toGap:          make(map[seqnum.SeqNum]struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// SetMaxPayloadSize overrides the fragmentation threshold a sample must
// exceed before Write splits it into DATA_FRAG fragments; n <= 0 restores
// DefaultMaxPayloadSize.
func (w *Writer) SetMaxPayloadSize(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n <= 0 {
		n = DefaultMaxPayloadSize
	}
	w.maxPayloadSize = n
}

// MatchReader registers reader as matched, with an initially-empty acked
// cursor.
func (w *Writer) MatchReader(reader guid.GUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.matched[reader]; !ok {
		w.matched[reader] = &readerState{watermarkSetAt: time.Now()}
	}
}

// MatchedReaders returns a snapshot of every reader GUID currently matched
// to this writer.
func (w *Writer) MatchedReaders() []guid.GUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]guid.GUID, 0, len(w.matched))
	for r := range w.matched {
		out = append(out, r)
	}
	return out
}

// UnmatchReader drops reader from the matched set.
func (w *Writer) UnmatchReader(reader guid.GUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.matched, reader)
	w.cond.Broadcast()
}

// Write assigns the next sequence number to payload, stores it in the
// history cache, applies KEEP_LAST eviction, and sends it to every matched
// reader. maxBlockingTime bounds how long a reliable KEEP_ALL write may
// block on a slow reader before failing with Timeout (spec §4.4).
func (w *Writer) Write(payload []byte, maxBlockingTime time.Duration) (seqnum.SeqNum, error) {
	w.mu.Lock()
	if w.Policies.Reliability == qos.Reliable && w.Policies.History.Kind == qos.KeepAll {
		limit := w.Policies.Resources.MaxSamples
		deadline := time.Now().Add(maxBlockingTime)
		for limit > 0 && len(w.cache) >= limit {
			if maxBlockingTime <= 0 {
				w.mu.Unlock()
				return 0, ddserrors.New(ddserrors.Timeout, "writer history full", nil)
			}
			if time.Now().After(deadline) {
				w.mu.Unlock()
				return 0, ddserrors.New(ddserrors.Timeout, "writer blocked beyond max_blocking_time", nil)
			}
			w.mu.Unlock()
			time.Sleep(time.Millisecond)
			w.mu.Lock()
		}
	}

	w.nextSeq++
	seq := w.nextSeq
	w.cache = append(w.cache, cacheEntry{seq: seq, payload: payload, sentAt: time.Now()})

	if w.Policies.History.Kind == qos.KeepLast {
		depth := w.Policies.History.Depth
		if depth <= 0 {
			depth = 1
		}
		for len(w.cache) > depth {
			evicted := w.cache[0]
			w.cache = w.cache[1:]
			for reader, rs := range w.matched {
				if rs.ackedUpTo < evicted.seq {
					w.toGap[evicted.seq] = struct{}{}
					_ = reader
				}
			}
		}
	}

	readers := make([]guid.GUID, 0, len(w.matched))
	for r := range w.matched {
		readers = append(readers, r)
	}
	w.mu.Unlock()

	for _, r := range readers {
		if err := w.sendSample(r, seq, payload); err != nil {
			return seq, fmt.Errorf("reliability: sending #%d: %w", seq, err)
		}
	}
	return seq, nil
}

// sendSample sends payload for seq to reader, transparently splitting it
// into DATA_FRAG fragments when it exceeds maxPayloadSize (spec §4.6).
func (w *Writer) sendSample(reader guid.GUID, seq seqnum.SeqNum, payload []byte) error {
	w.mu.Lock()
	limit := w.maxPayloadSize
	w.mu.Unlock()

	if len(payload) <= limit {
		return w.sender.SendData(reader, seq, payload)
	}
	frags := fragmentPayload(payload, limit)
	fragsInSample := uint32(len(frags))
	sampleSize := uint32(len(payload))
	for i, f := range frags {
		if err := w.sender.SendDataFrag(reader, seq, uint32(i+1), fragsInSample, uint32(limit), sampleSize, f); err != nil {
			return err
		}
	}
	return nil
}

// fragmentPayload splits payload into fragSize-sized slices, the last one
// possibly shorter.
func fragmentPayload(payload []byte, fragSize int) [][]byte {
	if fragSize <= 0 {
		fragSize = DefaultMaxPayloadSize
	}
	frags := make([][]byte, 0, (len(payload)+fragSize-1)/fragSize)
	for off := 0; off < len(payload); off += fragSize {
		end := off + fragSize
		if end > len(payload) {
			end = len(payload)
		}
		frags = append(frags, payload[off:end])
	}
	return frags
}

// HeartbeatTick emits a HEARTBEAT (preceded by any pending GAP) to every
// matched reader, per spec §4.4.
func (w *Writer) HeartbeatTick() error {
	w.mu.Lock()
	if len(w.cache) == 0 && len(w.toGap) == 0 {
		w.mu.Unlock()
		return nil
	}
	var first, last seqnum.SeqNum
	if len(w.cache) > 0 {
		first, last = w.cache[0].seq, w.cache[len(w.cache)-1].seq
	} else {
		first, last = w.nextSeq+1, w.nextSeq
	}
	w.heartbeatCount++
	count := w.heartbeatCount

	pendingGaps := gapRanges(w.toGap)
	w.toGap = make(map[seqnum.SeqNum]struct{})

	readers := make([]guid.GUID, 0, len(w.matched))
	for r := range w.matched {
		readers = append(readers, r)
	}
	w.mu.Unlock()

	for _, r := range readers {
		for _, g := range pendingGaps {
			if err := w.sender.SendGap(r, g); err != nil {
				return fmt.Errorf("reliability: sending GAP: %w", err)
			}
		}
		if err := w.sender.SendHeartbeat(r, first, last, count, false); err != nil {
			return fmt.Errorf("reliability: sending HEARTBEAT: %w", err)
		}
	}
	return nil
}

// gapRanges coalesces a set of individually-evicted sequence numbers into
// contiguous ranges for more compact GAP submessages.
func gapRanges(s map[seqnum.SeqNum]struct{}) []seqnum.Range {
	if len(s) == 0 {
		return nil
	}
	seqs := make([]seqnum.SeqNum, 0, len(s))
	for x := range s {
		seqs = append(seqs, x)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var ranges []seqnum.Range
	start := seqs[0]
	prev := seqs[0]
	for _, x := range seqs[1:] {
		if x == prev+1 {
			prev = x
			continue
		}
		ranges = append(ranges, seqnum.Range{First: start, Last: prev})
		start, prev = x, x
	}
	ranges = append(ranges, seqnum.Range{First: start, Last: prev})
	return ranges
}

// OnACKNACK processes an ACKNACK from reader (spec §4.4). Stale (non-newer)
// counts are ignored.
func (w *Writer) OnACKNACK(reader guid.GUID, base seqnum.SeqNum, missing []seqnum.SeqNum, count uint32) error {
	w.mu.Lock()
	rs, ok := w.matched[reader]
	if !ok {
		w.mu.Unlock()
		return nil
	}
	if count <= rs.lastACKCount {
		w.mu.Unlock()
		return nil
	}
	rs.lastACKCount = count
	if base > 0 && base-1 > rs.ackedUpTo {
		rs.ackedUpTo = base - 1
		rs.watermarkSetAt = time.Now()
	}
	w.cond.Broadcast()

	type resend struct {
		seq     seqnum.SeqNum
		payload []byte
	}
	var resends []resend
	var gaps []seqnum.SeqNum
	for _, seq := range missing {
		if payload, found := w.lookupLocked(seq); found {
			resends = append(resends, resend{seq: seq, payload: payload})
		} else {
			gaps = append(gaps, seq)
		}
	}
	w.mu.Unlock()

	for _, g := range gaps {
		if err := w.sender.SendGap(reader, seqnum.Range{First: g, Last: g}); err != nil {
			return fmt.Errorf("reliability: GAP retransmit for #%d: %w", g, err)
		}
	}
	for _, r := range resends {
		if err := w.sendSample(reader, r.seq, r.payload); err != nil {
			return fmt.Errorf("reliability: resending #%d: %w", r.seq, err)
		}
	}
	return nil
}

// OnNackFrag resends the named fragments of seq to reader, re-slicing the
// cached sample with the same fragment size it was originally sent at
// (spec §4.4: "on NACK_FRAG(reader, seq, missing-fragments): resend the
// named fragments of seq"). A seq no longer in the history cache resends a
// GAP instead, telling reader the repair is unrecoverable.
func (w *Writer) OnNackFrag(reader guid.GUID, seq seqnum.SeqNum, missingFragments []uint32) error {
	w.mu.Lock()
	payload, found := w.lookupLocked(seq)
	limit := w.maxPayloadSize
	w.mu.Unlock()

	if !found {
		return w.sender.SendGap(reader, seqnum.Range{First: seq, Last: seq})
	}

	frags := fragmentPayload(payload, limit)
	fragsInSample := uint32(len(frags))
	sampleSize := uint32(len(payload))
	for _, idx := range missingFragments {
		if idx == 0 || int(idx) > len(frags) {
			continue
		}
		f := frags[idx-1]
		if err := w.sender.SendDataFrag(reader, seq, idx, fragsInSample, uint32(limit), sampleSize, f); err != nil {
			return fmt.Errorf("reliability: resending fragment %d of #%d: %w", idx, seq, err)
		}
	}
	return nil
}

func (w *Writer) lookupLocked(seq seqnum.SeqNum) ([]byte, bool) {
	for _, e := range w.cache {
		if e.seq == seq {
			return e.payload, true
		}
	}
	return nil, false
}

// WatermarkStalledReaders returns the set of matched readers whose acked
// cursor has not advanced for at least maxBlockingTime, per spec §4.4's
// "reader considered lost" failure semantics for non-reliable backpressure
// handling.
func (w *Writer) WatermarkStalledReaders(maxBlockingTime time.Duration) []guid.GUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []guid.GUID
	for r, rs := range w.matched {
		if time.Since(rs.watermarkSetAt) > maxBlockingTime {
			out = append(out, r)
		}
	}
	return out
}

// CacheRange returns the current [min, max] sequence numbers retained in
// the history cache.
func (w *Writer) CacheRange() (seqnum.Range, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.cache) == 0 {
		return seqnum.Range{}, false
	}
	return seqnum.Range{First: w.cache[0].seq, Last: w.cache[len(w.cache)-1].seq}, true
}
