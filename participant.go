// Package ddscore ties every internal collaborator into a runnable
// participant: one process's view of a domain, owning the receive ring,
// the router, the discovery FSM, and every local writer/reader created on
// it (spec §4.2 "Participant" and §7's construction/teardown ordering).
package ddscore

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gologging "gopkg.in/op/go-logging.v1"

	"github.com/rtpsmesh/ddscore/codec"
	"github.com/rtpsmesh/ddscore/event"
	"github.com/rtpsmesh/ddscore/guid"
	"github.com/rtpsmesh/ddscore/internal/config"
	"github.com/rtpsmesh/ddscore/internal/ddserrors"
	"github.com/rtpsmesh/ddscore/internal/dedup"
	"github.com/rtpsmesh/ddscore/internal/dialect"
	"github.com/rtpsmesh/ddscore/internal/discovery"
	"github.com/rtpsmesh/ddscore/internal/eventbus"
	"github.com/rtpsmesh/ddscore/internal/instrument"
	ddslog "github.com/rtpsmesh/ddscore/internal/logging"
	"github.com/rtpsmesh/ddscore/internal/localdomain"
	"github.com/rtpsmesh/ddscore/internal/pacing"
	"github.com/rtpsmesh/ddscore/internal/reassembly"
	"github.com/rtpsmesh/ddscore/internal/registry"
	"github.com/rtpsmesh/ddscore/internal/reliability"
	"github.com/rtpsmesh/ddscore/internal/ring"
	"github.com/rtpsmesh/ddscore/internal/router"
	"github.com/rtpsmesh/ddscore/internal/security"
	"github.com/rtpsmesh/ddscore/internal/wire"
	"github.com/rtpsmesh/ddscore/internal/wire/paramlist"
	"github.com/rtpsmesh/ddscore/internal/worker"
	"github.com/rtpsmesh/ddscore/qos"
	"github.com/rtpsmesh/ddscore/seqnum"
	"github.com/rtpsmesh/ddscore/transport"
)

// VendorID is this module's own RTPS vendor id, advertised in every
// message header and pre-registered in the dialect registry as the no-op
// variant (spec §9).
var VendorID = dialect.VendorRTPSMesh

// DefaultHeartbeatInterval is how often a reliable local writer emits a
// HEARTBEAT to its matched readers (spec §4.4).
const DefaultHeartbeatInterval = 500 * time.Millisecond

// DefaultReceiveRingCapacity bounds the datagrams a participant buffers
// between its transport listener and the router's dispatch loop (spec
// §4.2/§4.3).
const DefaultReceiveRingCapacity = 1024

// DefaultWriterRate is the starting token-bucket rate (samples/sec) a
// newly created writer's pacer is seeded with, before AIMD adjusts it
// (spec §4.10).
const DefaultWriterRate = 1000.0

// DefaultLivelinessTimeout bounds how long a matched writer may go without
// a fresh HEARTBEAT before a reader-side on-liveliness-lost event fires
// (spec §4.5: "if the writer is unresponsive past heartbeat_timeout").
const DefaultLivelinessTimeout = 5 * DefaultHeartbeatInterval

// DefaultReaderStallTimeout bounds how long a matched reader's acked
// cursor may fail to advance before the writer considers it lost and
// raises on-unmatch (spec §4.4's "reader considered lost" failure
// semantics, distinct from the per-Write KEEP_ALL maxBlockingTime).
const DefaultReaderStallTimeout = 30 * time.Second

type matchKey struct {
	reader guid.GUID
	writer guid.GUID
}

// Participant is one domain participant: it owns a transport, a receive
// ring, a router, a discovery FSM, and every local Writer/Reader created
// through it. The zero value is not usable; construct with New.
type Participant struct {
	worker.Worker

	cfg       *config.Config
	prefix    guid.Prefix
	vendorID  wire.VendorID
	transport transport.Transport
	mcastLoc  transport.Locator
	security  security.Plugin

	ring       *ring.Ring
	registry   *registry.Registry
	dedup      *dedup.Filter
	reassembly *reassembly.Buffer
	promReg    *prometheus.Registry
	metrics    *instrument.Metrics
	bus        *eventbus.Bus
	router     *router.Router
	discovery  *discovery.FSM
	dialectReg *dialect.Registry
	nack       *pacing.NackCoalescer

	log     *gologging.Logger
	backend *ddslog.Backend

	mu           sync.Mutex
	peerLocators map[guid.Prefix]transport.Locator
	writers      map[guid.GUID]*Writer
	readers      map[guid.GUID]*Reader
	pacers       map[guid.GUID]*pacing.Pacer
	gapTrackers  map[matchKey]*reliability.GapTracker
	deadWriters  map[matchKey]bool // matched writers already reported via on-liveliness-lost

	entityCounter uint32
	spdpSeq       uint64
	sedpSeq       uint64

	heartbeatInterval  time.Duration
	livelinessTimeout  time.Duration
	readerStallTimeout time.Duration
	stopListen         func()
}

// New constructs a Participant bound to cfg, communicating over tp, with
// mcastLoc as the well-known metadata/user-data multicast destination
// (spec §6.2). backend vends every component logger; sec, if nil, defaults
// to security.None{} (spec §1's "no-op by default" security hook).
func New(cfg *config.Config, tp transport.Transport, mcastLoc transport.Locator, backend *ddslog.Backend, sec security.Plugin) (*Participant, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	prefix, err := guid.NewPrefix()
	if err != nil {
		return nil, ddserrors.New(ddserrors.Configuration, "generating participant prefix", err)
	}
	if sec == nil {
		sec = security.None{}
	}

	reg := prometheus.NewRegistry()
	metrics := instrument.New(reg, cfg.MetricsNamespace)
	bus := eventbus.New()
	dd := dedup.New(4096)

	p := &Participant{
		cfg:               cfg,
		prefix:            prefix,
		vendorID:          wire.VendorID(VendorID),
		transport:         tp,
		mcastLoc:          mcastLoc,
		security:          sec,
		registry:          registry.New(),
		dedup:             dd,
		promReg:           reg,
		metrics:           metrics,
		bus:               bus,
		dialectReg:        dialect.NewRegistry(),
		backend:           backend,
		peerLocators:      make(map[guid.Prefix]transport.Locator),
		writers:           make(map[guid.GUID]*Writer),
		readers:           make(map[guid.GUID]*Reader),
		pacers:            make(map[guid.GUID]*pacing.Pacer),
		gapTrackers:       make(map[matchKey]*reliability.GapTracker),
		deadWriters:       make(map[matchKey]bool),
		heartbeatInterval: DefaultHeartbeatInterval,
		livelinessTimeout: DefaultLivelinessTimeout,
		readerStallTimeout: DefaultReaderStallTimeout,
	}
	p.log = backend.GetLogger(fmt.Sprintf("participant.%s", cfg.ParticipantName))

	p.reassembly = reassembly.New(256, reassembly.DefaultMaxAge, p.onReassembled, p.onReassemblyAborted, p.onNackFrag)
	p.ring = ring.New(DefaultReceiveRingCapacity)
	p.router = router.New(prefix, p.ring, p.registry, p.dedup, p.reassembly, metrics, backend.GetLogger(fmt.Sprintf("router.%s", cfg.ParticipantName)))
	p.router.Dialect = p.dialectReg
	p.router.Sender = p
	p.nack = pacing.NewNackCoalescer(20*time.Millisecond, p.fireACKNACK)

	info := discovery.ParticipantInfo{
		Prefix:        prefix,
		Name:          cfg.ParticipantName,
		ProtocolMajor: wire.Version25.Major,
		ProtocolMinor: wire.Version25.Minor,
		VendorID:      [2]byte{p.vendorID[0], p.vendorID[1]},
		LeaseDuration: cfg.LeaseDuration(),
		MetaLocators:  []string{mcastLoc.String()},
	}
	p.discovery = discovery.New(info, &discoveryTransport{p: p}, p.registry, bus, metrics, backend.GetLogger(fmt.Sprintf("discovery.%s", cfg.ParticipantName)))
	p.router.Discovery = p.discovery

	return p, nil
}

// Start brings every owned subsystem up: the transport listener, the
// router's dispatch loop, the discovery FSM's announcement schedule, the
// NACK coalescer, and this participant's own heartbeat/stale-check/event
// loops.
func (p *Participant) Start() error {
	stop, err := p.transport.Listen(p.onReceive)
	if err != nil {
		return ddserrors.New(ddserrors.TransientTransport, "starting transport listener", err)
	}
	p.stopListen = stop

	p.router.Start()
	p.discovery.Start()
	p.nack.Start()

	_, _ = localdomain.Join(p.cfg.DomainID, p) // same-process peers still round-trip over the wire in this build

	p.Go(p.runEvents)
	p.Go(p.runTickers)
	return nil
}

// Halt stops every owned subsystem and waits for their goroutines to
// exit, in the reverse order Start brought them up.
func (p *Participant) Halt() {
	if p.stopListen != nil {
		p.stopListen()
	}
	p.discovery.Halt()
	p.router.Halt()
	p.nack.Halt()
	p.Worker.Halt()
	p.Wait()
	p.router.Wait()

	p.mu.Lock()
	pacers := make([]*pacing.Pacer, 0, len(p.pacers))
	for _, pc := range p.pacers {
		pacers = append(pacers, pc)
	}
	p.mu.Unlock()
	for _, pc := range pacers {
		pc.Halt()
	}
	for _, pc := range pacers {
		pc.Wait()
	}

	localdomain.Leave(p.cfg.DomainID, p)
}

// Prefix implements localdomain.Member.
func (p *Participant) Prefix() [12]byte { return [12]byte(p.prefix) }

// GUID returns this participant's own builtin-participant GUID.
func (p *Participant) GUID() guid.GUID { return guid.New(p.prefix, guid.EntityIDParticipant) }

// MetricsRegistry returns the Prometheus registry this participant's
// instrumentation is bound to, for wiring into an internal/diag.Server.
func (p *Participant) MetricsRegistry() *prometheus.Registry { return p.promReg }

func (p *Participant) onReceive(r transport.Received) {
	if hdr, _, err := wire.ParseHeader(r.Payload); err == nil {
		p.recordPeerLocator(hdr.SrcPrefix, r.Source)
	}
	p.ring.Push(ring.Meta{SourceAddr: r.Source.String(), Length: len(r.Payload)}, r.Payload)
}

func (p *Participant) recordPeerLocator(prefix guid.Prefix, loc transport.Locator) {
	p.mu.Lock()
	p.peerLocators[prefix] = loc
	p.mu.Unlock()
}

func (p *Participant) peerLocator(prefix guid.Prefix) (transport.Locator, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	loc, ok := p.peerLocators[prefix]
	return loc, ok
}

// frame wraps a pre-encoded submessage body in this participant's 20-byte
// RTPS header (spec §6.1).
func (p *Participant) frame(kind wire.Kind, flags byte, body []byte) ([]byte, error) {
	hdr := wire.Header{Version: wire.Version25, Vendor: p.vendorID, SrcPrefix: p.prefix}
	buf := make([]byte, wire.HeaderLength)
	if err := hdr.Encode(buf); err != nil {
		return nil, err
	}
	return wire.EncodeSubmessage(buf, kind, flags, body)
}

func (p *Participant) buildDataMessage(reader, writer guid.EntityID, seq seqnum.SeqNum, inlineTopic string, payload []byte) ([]byte, error) {
	flags, body := wire.EncodeData(binary.BigEndian, wire.Data{
		ReaderEntity: reader,
		WriterEntity: writer,
		WriterSeq:    seq,
		InlineTopic:  inlineTopic,
		Payload:      payload,
	})
	return p.frame(wire.KindData, flags, body)
}

func (p *Participant) buildDataFragMessage(reader, writer guid.EntityID, seq seqnum.SeqNum, fragStart, fragsInSample, fragSize, sampleSize uint32, payload []byte) ([]byte, error) {
	flags, body := wire.EncodeDataFrag(binary.BigEndian, wire.DataFrag{
		ReaderEntity:  reader,
		WriterEntity:  writer,
		WriterSeq:     seq,
		FragStart:     fragStart,
		FragsInSample: fragsInSample,
		FragSize:      fragSize,
		SampleSize:    sampleSize,
		Payload:       payload,
	})
	return p.frame(wire.KindDataFrag, flags, body)
}

func (p *Participant) nextBuiltinSeq(writer guid.EntityID) seqnum.SeqNum {
	if writer == guid.EntityIDSEDPPublicationsWriter || writer == guid.EntityIDSEDPSubscriptionsWriter {
		return seqnum.SeqNum(atomic.AddUint64(&p.sedpSeq, 1))
	}
	return seqnum.SeqNum(atomic.AddUint64(&p.spdpSeq, 1))
}

func (p *Participant) nextEntityID(kind guid.EntityKind) guid.EntityID {
	n := atomic.AddUint32(&p.entityCounter, 1)
	return guid.EntityID{byte(n >> 16), byte(n >> 8), byte(n), byte(kind)}
}

// discoveryTransport adapts a Participant's real transport + framing into
// the narrow send surface internal/discovery needs (spec §4.7). It tells
// an SPDP announcement from a SEDP one by the param present in the
// payload, since discovery.Transport carries no separate hint.
type discoveryTransport struct {
	p *Participant
}

func (d *discoveryTransport) SendMulticast(payload []byte) error {
	writerEntity := guid.EntityIDSPDPBuiltinWriter
	if isSEDPPayload(payload) {
		writerEntity = guid.EntityIDSEDPPublicationsWriter
	}
	seq := d.p.nextBuiltinSeq(writerEntity)
	msg, err := d.p.buildDataMessage(guid.EntityIDUnknown, writerEntity, seq, "", payload)
	if err != nil {
		return err
	}
	return d.p.transport.Send(d.p.mcastLoc, msg)
}

func (d *discoveryTransport) SendUnicast(dst guid.Prefix, payload []byte) error {
	loc, ok := d.p.peerLocator(dst)
	if !ok {
		return fmt.Errorf("discovery: no known locator for peer %s", dst)
	}
	seq := d.p.nextBuiltinSeq(guid.EntityIDSPDPBuiltinWriter)
	msg, err := d.p.buildDataMessage(guid.EntityIDUnknown, guid.EntityIDSPDPBuiltinWriter, seq, "", payload)
	if err != nil {
		return err
	}
	return d.p.transport.Send(loc, msg)
}

func isSEDPPayload(payload []byte) bool {
	list, err := paramlist.Unmarshal(payload)
	if err != nil {
		return false
	}
	_, ok := list.Get(paramlist.ParamEndpointGUID)
	return ok
}

// SendACKNACK implements internal/router.Sender: rather than putting bytes
// on the wire immediately, it offers the request to the NACK coalescer so
// repair requests arriving within the same window merge into one pass
// (spec §4.10).
func (p *Participant) SendACKNACK(reader, writer guid.GUID, base seqnum.SeqNum, missing []seqnum.SeqNum, count uint32) error {
	p.nack.Offer(writer, reader, base, missing, count)
	if p.metrics != nil {
		p.metrics.NacksCoalesced.Inc()
	}
	return nil
}

func (p *Participant) fireACKNACK(writer, reader guid.GUID, base seqnum.SeqNum, missing []seqnum.SeqNum, count uint32) {
	loc, ok := p.peerLocator(writer.Prefix)
	if !ok {
		return
	}
	flags, body := wire.EncodeACKNACK(binary.BigEndian, wire.ACKNACK{
		ReaderEntity: reader.Entity,
		WriterEntity: writer.Entity,
		Base:         base,
		Missing:      missing,
		Count:        count,
	})
	msg, err := p.frame(wire.KindACKNACK, flags, body)
	if err != nil {
		if p.log != nil {
			p.log.Warningf("participant: framing coalesced ACKNACK: %v", err)
		}
		return
	}
	if err := p.transport.Send(loc, msg); err != nil && p.log != nil {
		p.log.Warningf("participant: sending coalesced ACKNACK to %s: %v", writer, err)
	}
}

func (p *Participant) onReassembled(writer guid.GUID, seq seqnum.SeqNum, payload []byte) {
	p.router.DeliverReassembled(writer, seq, payload)
}

func (p *Participant) onReassemblyAborted(writer guid.GUID, seq seqnum.SeqNum) {
	if p.metrics != nil {
		p.metrics.FragmentEvictions.Inc()
	}
}

func (p *Participant) onNackFrag(writer guid.GUID, seq seqnum.SeqNum, missing []uint32) {
	loc, ok := p.peerLocator(writer.Prefix)
	if !ok {
		return
	}
	flags, body := wire.EncodeNackFrag(binary.BigEndian, wire.NackFrag{
		WriterEntity:     writer.Entity,
		WriterSeq:        seq,
		MissingFragments: missing,
	})
	msg, err := p.frame(wire.KindNackFrag, flags, body)
	if err != nil {
		return
	}
	_ = p.transport.Send(loc, msg)
}

func (p *Participant) runEvents() {
	sub := p.bus.Subscribe(256)
	halt := p.HaltCh()
	for {
		select {
		case <-halt:
			p.bus.Unsubscribe(sub)
			return
		case raw, ok := <-sub.Events():
			if !ok {
				return
			}
			e, ok := raw.(event.Event)
			if !ok {
				continue
			}
			p.handleEvent(e)
		}
	}
}

func (p *Participant) handleEvent(e event.Event) {
	switch e.Kind {
	case event.OnMatch:
		p.onMatchFormed(e)
	case event.OnUnmatch:
		p.onMatchTorn(e)
	case event.OnPeerDiscovered:
		if err := p.security.ValidateIdentity(e.PeerPrefix, nil); err != nil && p.log != nil {
			p.log.Warningf("participant: peer %s failed identity validation: %v", e.PeerPrefix, err)
		}
	}
}

// onMatchFormed wires both halves of a match this participant owns a side
// of. e.Direction only tells discovery's dedup which side discovered the
// match first; it is not an indicator of which local endpoint to wire, so
// both checks run unconditionally (the common cross-participant case has
// exactly one of them apply; a same-participant match legitimately has
// both apply).
func (p *Participant) onMatchFormed(e event.Event) {
	p.mu.Lock()
	w, isLocalWriter := p.writers[e.WriterGUID]
	r, isLocalReader := p.readers[e.ReaderGUID]
	p.mu.Unlock()

	if isLocalWriter {
		w.rw.MatchReader(e.ReaderGUID)
	}
	if isLocalReader {
		tracker := reliability.NewGapTracker(e.WriterGUID, p.deliverFunc(r.topic), p.sampleLostFunc())
		p.router.RegisterMatch(e.ReaderGUID, e.WriterGUID, tracker)
		p.mu.Lock()
		p.gapTrackers[matchKey{reader: e.ReaderGUID, writer: e.WriterGUID}] = tracker
		p.mu.Unlock()
	}
}

func (p *Participant) onMatchTorn(e event.Event) {
	p.mu.Lock()
	w, isLocalWriter := p.writers[e.WriterGUID]
	_, isLocalReader := p.readers[e.ReaderGUID]
	p.mu.Unlock()

	if isLocalWriter {
		w.rw.UnmatchReader(e.ReaderGUID)
	}
	if isLocalReader {
		p.router.UnregisterMatch(e.ReaderGUID, e.WriterGUID)
		p.mu.Lock()
		delete(p.gapTrackers, matchKey{reader: e.ReaderGUID, writer: e.WriterGUID})
		p.mu.Unlock()
	}
}

func (p *Participant) deliverFunc(topic string) reliability.DeliverFunc {
	return func(writer guid.GUID, seq seqnum.SeqNum, payload []byte) {
		p.router.DeliverToTopic(writer, topic, payload)
	}
}

func (p *Participant) sampleLostFunc() reliability.SampleLostFunc {
	return func(writer guid.GUID, r seqnum.Range) {
		if p.metrics != nil {
			p.metrics.SamplesLost.Add(float64(r.Count()))
		}
		if p.bus != nil {
			p.bus.Publish(event.Event{Kind: event.OnSampleLost, At: time.Now(), WriterGUID: writer})
		}
	}
}

func (p *Participant) runTickers() {
	halt := p.HaltCh()
	hb := time.NewTicker(p.heartbeatInterval)
	defer hb.Stop()
	stale := time.NewTicker(reassembly.DefaultStaleCheckInterval)
	defer stale.Stop()
	for {
		select {
		case <-halt:
			return
		case <-hb.C:
			p.tickHeartbeats()
			p.tickLiveliness()
			p.tickReaderStalls()
		case <-stale.C:
			p.reassembly.StaleCheck()
		}
	}
}

// tickLiveliness publishes on-liveliness-lost for each matched writer whose
// GapTracker has gone heartbeatTimeout without a fresh HEARTBEAT (spec
// §4.5), and clears the report once a heartbeat resumes.
func (p *Participant) tickLiveliness() {
	p.mu.Lock()
	type entry struct {
		key     matchKey
		tracker *reliability.GapTracker
	}
	entries := make([]entry, 0, len(p.gapTrackers))
	for k, t := range p.gapTrackers {
		entries = append(entries, entry{k, t})
	}
	p.mu.Unlock()

	for _, e := range entries {
		dead := e.tracker.HeartbeatAge() > p.livelinessTimeout

		p.mu.Lock()
		wasDead := p.deadWriters[e.key]
		if dead {
			p.deadWriters[e.key] = true
		} else if wasDead {
			delete(p.deadWriters, e.key)
		}
		p.mu.Unlock()

		if dead && !wasDead && p.bus != nil {
			p.bus.Publish(event.Event{
				Kind: event.OnLivelinessLost, At: time.Now(),
				WriterGUID: e.key.writer, ReaderGUID: e.key.reader, Direction: event.DirectionReader,
			})
		}
	}
}

// tickReaderStalls declares any reader whose acked cursor has not advanced
// past readerStallTimeout lost, tearing down the match and raising
// on-unmatch (spec §4.4's non-reliable-backpressure failure semantics).
func (p *Participant) tickReaderStalls() {
	p.mu.Lock()
	writers := make([]*Writer, 0, len(p.writers))
	for _, w := range p.writers {
		writers = append(writers, w)
	}
	p.mu.Unlock()

	for _, w := range writers {
		for _, reader := range w.rw.WatermarkStalledReaders(p.readerStallTimeout) {
			if p.bus != nil {
				p.bus.Publish(event.Event{
					Kind: event.OnUnmatch, At: time.Now(),
					WriterGUID: w.guid, ReaderGUID: reader, Direction: event.DirectionWriter,
				})
			}
		}
	}
}

func (p *Participant) tickHeartbeats() {
	p.mu.Lock()
	writers := make([]*Writer, 0, len(p.writers))
	for _, w := range p.writers {
		writers = append(writers, w)
	}
	p.mu.Unlock()
	for _, w := range writers {
		if w.policies.Reliability != qos.Reliable {
			continue
		}
		if err := w.rw.HeartbeatTick(); err != nil && p.log != nil {
			p.log.Warningf("participant: heartbeat tick for %s: %v", w.guid, err)
		}
	}
}

// writerSender is the per-writer internal/reliability.Sender /
// internal/pacing.RawSender implementation: it knows how to frame and
// address DATA/GAP/HEARTBEAT for exactly one local writer entity.
type writerSender struct {
	p            *Participant
	writerEntity guid.EntityID
}

func (s *writerSender) SendData(reader guid.GUID, seq seqnum.SeqNum, payload []byte) error {
	loc, ok := s.p.peerLocator(reader.Prefix)
	if !ok {
		return fmt.Errorf("reliability: no known locator for reader %s", reader)
	}
	ct, err := s.p.security.Encrypt(reader.Prefix, payload)
	if err != nil {
		return fmt.Errorf("reliability: encrypting DATA #%d for %s: %w", seq, reader, err)
	}
	msg, err := s.p.buildDataMessage(reader.Entity, s.writerEntity, seq, "", ct)
	if err != nil {
		return err
	}
	return s.p.transport.Send(loc, msg)
}

func (s *writerSender) SendDataFrag(reader guid.GUID, seq seqnum.SeqNum, fragStart, fragsInSample, fragSize, sampleSize uint32, payload []byte) error {
	loc, ok := s.p.peerLocator(reader.Prefix)
	if !ok {
		return fmt.Errorf("reliability: no known locator for reader %s", reader)
	}
	ct, err := s.p.security.Encrypt(reader.Prefix, payload)
	if err != nil {
		return fmt.Errorf("reliability: encrypting DATA_FRAG #%d/%d for %s: %w", fragStart, fragsInSample, reader, err)
	}
	msg, err := s.p.buildDataFragMessage(reader.Entity, s.writerEntity, seq, fragStart, fragsInSample, fragSize, sampleSize, ct)
	if err != nil {
		return err
	}
	return s.p.transport.Send(loc, msg)
}

func (s *writerSender) SendGap(reader guid.GUID, r seqnum.Range) error {
	loc, ok := s.p.peerLocator(reader.Prefix)
	if !ok {
		return fmt.Errorf("reliability: no known locator for reader %s", reader)
	}
	flags, body := wire.EncodeGap(binary.BigEndian, wire.Gap{ReaderEntity: reader.Entity, WriterEntity: s.writerEntity, Range: r})
	msg, err := s.p.frame(wire.KindGap, flags, body)
	if err != nil {
		return err
	}
	return s.p.transport.Send(loc, msg)
}

func (s *writerSender) SendHeartbeat(reader guid.GUID, first, last seqnum.SeqNum, count uint32, final bool) error {
	loc, ok := s.p.peerLocator(reader.Prefix)
	if !ok {
		return fmt.Errorf("reliability: no known locator for reader %s", reader)
	}
	flags, body := wire.EncodeHeartbeat(binary.BigEndian, wire.Heartbeat{
		ReaderEntity: reader.Entity,
		WriterEntity: s.writerEntity,
		FirstSN:      first,
		LastSN:       last,
		Count:        count,
		FinalFlag:    final,
	})
	msg, err := s.p.frame(wire.KindHeartbeat, flags, body)
	if err != nil {
		return err
	}
	return s.p.transport.Send(loc, msg)
}

// CreateWriter builds a local writer publishing on topic under policies,
// serializing samples with cdc, and announces it over SEDP (spec §4.2,
// §4.7).
func (p *Participant) CreateWriter(topic string, policies qos.Policies, cdc codec.Codec) (*Writer, error) {
	eid := p.nextEntityID(guid.KindWriterWithKey)
	g := guid.New(p.prefix, eid)

	sender := &writerSender{p: p, writerEntity: eid}
	pacer := pacing.NewPacer(sender, DefaultWriterRate, DefaultWriterRate*4, 0, p.backend.GetLogger(fmt.Sprintf("pacing.%s", g)))
	pacer.Start()
	rw := reliability.NewWriter(g, policies, pacer)
	rw.SetMaxPayloadSize(p.cfg.FragmentSize)

	w := &Writer{guid: g, topic: topic, policies: policies, codec: cdc, rw: rw, pacer: pacer, p: p}

	p.mu.Lock()
	p.writers[g] = w
	p.pacers[g] = pacer
	p.mu.Unlock()

	p.router.RegisterWriter(rw)
	p.registry.BindWriter(g, topic)

	err := p.discovery.AddLocalWriter(discovery.LocalEndpoint{
		GUID: g, Topic: topic, TypeID: string(cdc.TypeID()), Policies: policies,
	})
	if err != nil {
		return nil, fmt.Errorf("participant: announcing writer on %q: %w", topic, err)
	}
	return w, nil
}

// CreateReader builds a local reader subscribing to topic under policies,
// deserializing samples with cdc, and announces it over SEDP. keyFields
// names the instance key fields for a keyed topic (spec §4.9); omit for
// an unkeyed topic.
func (p *Participant) CreateReader(topic string, policies qos.Policies, cdc codec.Codec, keyFields ...string) (*Reader, error) {
	eid := p.nextEntityID(guid.KindReaderWithKey)
	g := guid.New(p.prefix, eid)

	r := newReader(p, g, topic, policies, cdc, keyFields)

	p.mu.Lock()
	p.readers[g] = r
	p.mu.Unlock()

	p.registry.AddReader(topic, r)

	err := p.discovery.AddLocalReader(discovery.LocalEndpoint{
		GUID: g, Topic: topic, TypeID: string(cdc.TypeID()), Policies: policies,
	})
	if err != nil {
		return nil, fmt.Errorf("participant: announcing reader on %q: %w", topic, err)
	}
	return r, nil
}
