// Package router implements the single long-lived dispatch task of spec
// §4.3: it pops datagrams off the receive ring, classifies them, and
// dispatches each submessage to the reassembler, the reliability engine,
// the topic registry, or the discovery FSM.
package router

import (
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/rtpsmesh/ddscore/guid"
	"github.com/rtpsmesh/ddscore/internal/dedup"
	"github.com/rtpsmesh/ddscore/internal/dialect"
	"github.com/rtpsmesh/ddscore/internal/instrument"
	"github.com/rtpsmesh/ddscore/internal/reassembly"
	"github.com/rtpsmesh/ddscore/internal/registry"
	"github.com/rtpsmesh/ddscore/internal/reliability"
	"github.com/rtpsmesh/ddscore/internal/ring"
	"github.com/rtpsmesh/ddscore/internal/wire"
	"github.com/rtpsmesh/ddscore/internal/worker"
	"github.com/rtpsmesh/ddscore/seqnum"
)

// DiscoverySink receives every submessage addressed to a builtin discovery
// endpoint (spec §4.3: "any submessage for a builtin discovery endpoint ->
// discovery FSM").
type DiscoverySink interface {
	OnSubmessage(srcPrefix guid.Prefix, reader, writer guid.EntityID, sub wire.Submessage)
}

// Sender is what the router needs to emit an ACKNACK when a reader-side
// NACK timer fires; it is satisfied by the participant's pacing layer.
type Sender interface {
	SendACKNACK(reader, writer guid.GUID, base seqnum.SeqNum, missing []seqnum.SeqNum, count uint32) error
}

type matchKey struct {
	reader guid.GUID
	writer guid.GUID
}

// Router owns the pop-classify-dispatch loop. Construction wires it to its
// collaborators; Start/Halt follow the teacher's worker.Worker convention.
type Router struct {
	worker.Worker

	LocalPrefix guid.Prefix
	Ring        *ring.Ring
	Registry    *registry.Registry
	Dedup       *dedup.Filter
	Reassembly  *reassembly.Buffer
	Metrics     *instrument.Metrics
	Discovery   DiscoverySink
	Sender      Sender
	Log         *logging.Logger

	// Dialect selects a per-peer DATA/DATA_FRAG decoder by the message
	// header's announced vendor id (spec §9); nil falls back to the
	// neutral internal/wire codec directly.
	Dialect *dialect.Registry

	writers map[guid.GUID]*reliability.Writer
	readers map[matchKey]*reliability.GapTracker

	popTimeout time.Duration
}

// New creates a Router. Collaborators set to nil fields are tolerated where
// sensibly optional (e.g. Discovery may be wired after construction).
func New(localPrefix guid.Prefix, r *ring.Ring, reg *registry.Registry, dd *dedup.Filter, reasm *reassembly.Buffer, metrics *instrument.Metrics, log *logging.Logger) *Router {
	return &Router{
		LocalPrefix: localPrefix,
		Ring:        r,
		Registry:    reg,
		Dedup:       dd,
		Reassembly:  reasm,
		Metrics:     metrics,
		Log:         log,
		writers:     make(map[guid.GUID]*reliability.Writer),
		readers:     make(map[matchKey]*reliability.GapTracker),
		popTimeout:  100 * time.Millisecond,
	}
}

// Start launches the router's worker goroutine.
func (r *Router) Start() {
	r.Go(r.run)
}

// RegisterWriter makes w reachable as the local-writer target of ACKNACK
// and NACK_FRAG submessages (spec §4.4).
func (r *Router) RegisterWriter(w *reliability.Writer) {
	r.writers[w.GUID] = w
}

// UnregisterWriter drops a torn-down local writer.
func (r *Router) UnregisterWriter(g guid.GUID) {
	delete(r.writers, g)
}

// RegisterMatch binds a local reader's gap tracker for one matched writer,
// so incoming HEARTBEAT/GAP/DATA submessages addressed to that pair reach
// it (spec §4.5).
func (r *Router) RegisterMatch(reader, writer guid.GUID, tracker *reliability.GapTracker) {
	r.readers[matchKey{reader, writer}] = tracker
}

// UnregisterMatch drops a torn-down match.
func (r *Router) UnregisterMatch(reader, writer guid.GUID) {
	delete(r.readers, matchKey{reader, writer})
}

func (r *Router) run() {
	halt := r.HaltCh()
	for {
		select {
		case <-halt:
			return
		default:
		}
		_, buf, ok := r.Ring.Pop(r.popTimeout)
		if !ok {
			continue
		}
		r.handleDatagram(buf)
	}
}

// HandleDatagram processes one datagram synchronously; exported so tests
// and a synchronous in-process transport can drive the router without the
// ring/worker machinery.
func (r *Router) HandleDatagram(buf []byte) {
	r.handleDatagram(buf)
}

func (r *Router) handleDatagram(buf []byte) {
	hdr, subs, err := wire.Classify(buf)
	if err != nil {
		if r.Metrics != nil {
			r.Metrics.MalformedPackets.Inc()
		}
		if r.Log != nil {
			r.Log.Warningf("router: dropping malformed datagram: %v", err)
		}
		return
	}

	var destFilter *guid.Prefix

	for _, sub := range subs {
		switch sub.Kind {
		case wire.KindInfoTS:
			// Source timestamp applies to subsequent submessages in this
			// message; no consumer in this core currently needs it.
		case wire.KindInfoDst:
			d, err := wire.DecodeInfoDst(sub)
			if err == nil {
				destFilter = &d.DstPrefix
			}
		case wire.KindData:
			r.onData(hdr, sub, destFilter)
		case wire.KindDataFrag:
			r.onDataFrag(hdr, sub, destFilter)
		case wire.KindHeartbeat:
			r.onHeartbeat(hdr, sub)
		case wire.KindACKNACK:
			r.onACKNACK(hdr, sub)
		case wire.KindGap:
			r.onGap(hdr, sub)
		case wire.KindNackFrag:
			r.onNackFrag(hdr, sub)
		default:
			if r.Discovery != nil {
				// Builtin endpoint kinds not modeled above (e.g. vendor
				// extensions riding discovery) still reach the FSM.
				r.Discovery.OnSubmessage(hdr.SrcPrefix, guid.EntityID{}, guid.EntityID{}, sub)
			}
		}
	}
}

func (r *Router) isBuiltinTarget(reader, writer guid.EntityID) bool {
	return reader.IsBuiltin() || writer.IsBuiltin()
}

func (r *Router) decoderFor(vendor wire.VendorID) dialect.Decoder {
	if r.Dialect == nil {
		return dialect.Neutral
	}
	return r.Dialect.For(vendor)
}

func (r *Router) onData(hdr wire.Header, sub wire.Submessage, destFilter *guid.Prefix) {
	if destFilter != nil && *destFilter != r.LocalPrefix {
		return
	}
	d, err := r.decoderFor(hdr.Vendor).DecodeData(sub)
	if err != nil {
		if r.Metrics != nil {
			r.Metrics.MalformedPackets.Inc()
		}
		return
	}
	if r.isBuiltinTarget(d.ReaderEntity, d.WriterEntity) {
		if r.Discovery != nil {
			r.Discovery.OnSubmessage(hdr.SrcPrefix, d.ReaderEntity, d.WriterEntity, sub)
		}
		return
	}
	writerGUID := guid.New(hdr.SrcPrefix, d.WriterEntity)
	r.deliverSample(writerGUID, d.ReaderEntity, d.WriterSeq, d.InlineTopic, d.Payload)
}

func (r *Router) onDataFrag(hdr wire.Header, sub wire.Submessage, destFilter *guid.Prefix) {
	if destFilter != nil && *destFilter != r.LocalPrefix {
		return
	}
	f, err := r.decoderFor(hdr.Vendor).DecodeDataFrag(sub)
	if err != nil {
		if r.Metrics != nil {
			r.Metrics.MalformedPackets.Inc()
		}
		return
	}
	if r.isBuiltinTarget(f.ReaderEntity, f.WriterEntity) {
		if r.Discovery != nil {
			r.Discovery.OnSubmessage(hdr.SrcPrefix, f.ReaderEntity, f.WriterEntity, sub)
		}
		return
	}
	writerGUID := guid.New(hdr.SrcPrefix, f.WriterEntity)
	if r.Reassembly == nil {
		return
	}
	r.Reassembly.OnFragment(writerGUID, f.WriterSeq, f.FragStart, f.FragsInSample, f.FragSize, f.SampleSize, f.Payload)
}

// DeliverReassembled is the CompleteFunc a participant wires to its
// reassembly.Buffer: once a fragmented sample is whole, it is forwarded to
// the topic registry exactly like a single DATA (spec §4.6).
func (r *Router) DeliverReassembled(writer guid.GUID, seq seqnum.SeqNum, payload []byte) {
	r.deliverSample(writer, guid.EntityIDUnknown, seq, "", payload)
}

func (r *Router) deliverSample(writerGUID guid.GUID, readerEntity guid.EntityID, seq seqnum.SeqNum, inlineTopic string, payload []byte) {
	key := dedup.Key{Writer: writerGUID, Seq: seq}
	if r.Dedup != nil && r.Dedup.Seen(key) {
		if r.Metrics != nil {
			r.Metrics.DedupHits.Inc()
		}
		return
	}

	topic := inlineTopic
	if topic == "" {
		var ok bool
		topic, ok = r.Registry.TopicForWriter(writerGUID)
		if !ok {
			if r.Metrics != nil {
				r.Metrics.OrphanedPackets.Inc()
			}
			return
		}
	}

	// Feed every matched gap tracker for this writer so reliability state
	// (base, bitmap) advances regardless of which reader the wire targeted;
	// wildcard delivery (ENTITYID_UNKNOWN) reaches every local reader bound
	// to the topic, a specific reader entity reaches only its own tracker.
	fed := false
	for mk, tracker := range r.readers {
		if mk.writer != writerGUID {
			continue
		}
		fed = true
		localReader := guid.New(r.LocalPrefix, readerEntity)
		if readerEntity != guid.EntityIDUnknown && mk.reader != localReader {
			continue
		}
		tracker.OnData(seq, payload)
	}

	if !fed {
		// No reliability matching registered for this writer (e.g. best-
		// effort with no gap tracker wired): deliver directly.
		r.DeliverToTopic(writerGUID, topic, payload)
	}
}

// DeliverToTopic is the onDeliver callback reliability.GapTracker invokes
// once a sample becomes contiguous, and the direct best-effort path.
func (r *Router) DeliverToTopic(writerGUID guid.GUID, topic string, payload []byte) {
	for _, reader := range r.Registry.Readers(topic) {
		if !reader.Deliver(writerGUID, payload) {
			if r.Metrics != nil {
				r.Metrics.SamplesRejected.Inc()
			}
		}
	}
}

func (r *Router) onHeartbeat(hdr wire.Header, sub wire.Submessage) {
	h, err := wire.DecodeHeartbeat(sub)
	if err != nil {
		if r.Metrics != nil {
			r.Metrics.MalformedPackets.Inc()
		}
		return
	}
	if r.isBuiltinTarget(h.ReaderEntity, h.WriterEntity) {
		if r.Discovery != nil {
			r.Discovery.OnSubmessage(hdr.SrcPrefix, h.ReaderEntity, h.WriterEntity, sub)
		}
		return
	}
	readerGUID := guid.New(r.LocalPrefix, h.ReaderEntity)
	writerGUID := guid.New(hdr.SrcPrefix, h.WriterEntity)
	tracker, ok := r.readers[matchKey{readerGUID, writerGUID}]
	if !ok {
		return
	}
	missing := tracker.Missing(reliability.Heartbeat{First: h.FirstSN, Last: h.LastSN, Count: h.Count})
	if len(missing) == 0 {
		return
	}
	if r.Sender == nil {
		return
	}
	time.AfterFunc(reliability.JitterDelay(), func() {
		_ = r.Sender.SendACKNACK(readerGUID, writerGUID, tracker.Base(), missing, tracker.NextACKCount())
	})
}

func (r *Router) onACKNACK(hdr wire.Header, sub wire.Submessage) {
	a, err := wire.DecodeACKNACK(sub)
	if err != nil {
		if r.Metrics != nil {
			r.Metrics.MalformedPackets.Inc()
		}
		return
	}
	if r.isBuiltinTarget(a.ReaderEntity, a.WriterEntity) {
		if r.Discovery != nil {
			r.Discovery.OnSubmessage(hdr.SrcPrefix, a.ReaderEntity, a.WriterEntity, sub)
		}
		return
	}
	writerGUID := guid.New(r.LocalPrefix, a.WriterEntity)
	w, ok := r.writers[writerGUID]
	if !ok {
		return
	}
	readerGUID := guid.New(hdr.SrcPrefix, a.ReaderEntity)
	if err := w.OnACKNACK(readerGUID, a.Base, a.Missing, a.Count); err != nil {
		if r.Log != nil {
			r.Log.Warningf("router: ACKNACK handling for %s: %v", readerGUID, err)
		}
		return
	}
	if r.Metrics != nil && len(a.Missing) > 0 {
		r.Metrics.RetransmitsSent.Add(float64(len(a.Missing)))
	}
}

func (r *Router) onGap(hdr wire.Header, sub wire.Submessage) {
	g, err := wire.DecodeGap(sub)
	if err != nil {
		if r.Metrics != nil {
			r.Metrics.MalformedPackets.Inc()
		}
		return
	}
	if r.isBuiltinTarget(g.ReaderEntity, g.WriterEntity) {
		if r.Discovery != nil {
			r.Discovery.OnSubmessage(hdr.SrcPrefix, g.ReaderEntity, g.WriterEntity, sub)
		}
		return
	}
	readerGUID := guid.New(r.LocalPrefix, g.ReaderEntity)
	writerGUID := guid.New(hdr.SrcPrefix, g.WriterEntity)
	if tracker, ok := r.readers[matchKey{readerGUID, writerGUID}]; ok {
		tracker.OnGap(g.Range)
	}
}

func (r *Router) onNackFrag(hdr wire.Header, sub wire.Submessage) {
	n, err := wire.DecodeNackFrag(sub)
	if err != nil {
		if r.Metrics != nil {
			r.Metrics.MalformedPackets.Inc()
		}
		return
	}
	if r.isBuiltinTarget(n.ReaderEntity, n.WriterEntity) {
		if r.Discovery != nil {
			r.Discovery.OnSubmessage(hdr.SrcPrefix, n.ReaderEntity, n.WriterEntity, sub)
		}
		return
	}
	writerGUID := guid.New(r.LocalPrefix, n.WriterEntity)
	w, ok := r.writers[writerGUID]
	if !ok {
		return
	}
	readerGUID := guid.New(hdr.SrcPrefix, n.ReaderEntity)
	if err := w.OnNackFrag(readerGUID, n.WriterSeq, n.MissingFragments); err != nil {
		if r.Log != nil {
			r.Log.Warningf("router: NACK_FRAG handling for %s: %v", readerGUID, err)
		}
		return
	}
	if r.Metrics != nil {
		r.Metrics.RetransmitsSent.Add(float64(len(n.MissingFragments)))
	}
}
