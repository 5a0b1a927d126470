// Package discovery implements the two-phase peer/endpoint discovery FSM
// of spec §4.7: participant discovery (SPDP) over a well-known metadata
// multicast address, and endpoint discovery (SEDP) that matches writers to
// readers by topic name, type, and QoS compatibility.
package discovery

import (
	"fmt"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/rtpsmesh/ddscore/event"
	"github.com/rtpsmesh/ddscore/guid"
	"github.com/rtpsmesh/ddscore/internal/eventbus"
	"github.com/rtpsmesh/ddscore/internal/instrument"
	"github.com/rtpsmesh/ddscore/internal/registry"
	"github.com/rtpsmesh/ddscore/internal/timerqueue"
	"github.com/rtpsmesh/ddscore/internal/wire"
	"github.com/rtpsmesh/ddscore/internal/wire/paramlist"
	"github.com/rtpsmesh/ddscore/internal/worker"
	"github.com/rtpsmesh/ddscore/qos"
)

// AggressiveAnnouncements and AggressiveInterval describe the early
// announcement burst of spec §4.7 ("five announcements spaced 200 ms").
const (
	AggressiveAnnouncements = 5
	AggressiveInterval      = 200 * time.Millisecond
)

// Transport is the narrow send surface discovery needs; a participant
// backs this with its configured transport(s).
type Transport interface {
	SendMulticast(payload []byte) error
	SendUnicast(dst guid.Prefix, payload []byte) error
}

// ParticipantInfo is this participant's own SPDP announcement content.
type ParticipantInfo struct {
	Prefix        guid.Prefix
	Name          string
	ProtocolMajor byte
	ProtocolMinor byte
	VendorID      [2]byte
	LeaseDuration time.Duration
	MetaLocators  []string
	UserLocators  []string
}

// LocalEndpoint is a local writer or reader registered for SEDP
// announcement and matching.
type LocalEndpoint struct {
	GUID      guid.GUID
	Topic     string
	TypeID    string
	Direction event.Direction
	Policies  qos.Policies
}

type remoteEndpoint struct {
	guid      guid.GUID
	topic     string
	typeID    string
	direction event.Direction
	policies  qos.Policies
	peer      guid.Prefix
}

type peerState struct {
	prefix   guid.Prefix
	lease    time.Duration
	lastSeen time.Time
}

type matchKey struct {
	writer guid.GUID
	reader guid.GUID
}

// FSM is the two-phase discovery state machine for one local participant.
type FSM struct {
	worker.Worker

	mu sync.Mutex

	self      ParticipantInfo
	transport Transport
	registry  *registry.Registry
	bus       *eventbus.Bus
	metrics   *instrument.Metrics
	log       *logging.Logger
	leaseTQ   *timerqueue.TimerQueue

	peers    map[guid.Prefix]*peerState
	local    map[guid.GUID]*LocalEndpoint
	remote   map[guid.GUID]*remoteEndpoint
	matched  map[matchKey]struct{}
	seenSPDP map[guid.Prefix]struct{}

	announceCount int
}

// New creates an FSM for self, wired to transport for sending announcements,
// reg for binding matched writer/reader endpoints, and bus for lifecycle
// events.
func New(self ParticipantInfo, transport Transport, reg *registry.Registry, bus *eventbus.Bus, metrics *instrument.Metrics, log *logging.Logger) *FSM {
	f := &FSM{
		self:      self,
		transport: transport,
		registry:  reg,
		bus:       bus,
		metrics:   metrics,
		log:       log,
		peers:     make(map[guid.Prefix]*peerState),
		local:     make(map[guid.GUID]*LocalEndpoint),
		remote:    make(map[guid.GUID]*remoteEndpoint),
		matched:   make(map[matchKey]struct{}),
		seenSPDP:  make(map[guid.Prefix]struct{}),
	}
	f.leaseTQ = timerqueue.New(f.onLeaseTimer)
	return f
}

// Start launches the periodic SPDP announcement schedule and the lease
// timer queue.
func (f *FSM) Start() {
	f.leaseTQ.Start()
	f.Go(f.announceLoop)
}

// Halt stops the announcement loop and the lease timer queue, and waits
// for both to exit.
func (f *FSM) Halt() {
	f.Worker.Halt()
	f.leaseTQ.Halt()
	f.Wait()
	f.leaseTQ.Wait()
}

func (f *FSM) announceLoop() {
	halt := f.HaltCh()
	f.announceSPDP()
	for i := 1; i < AggressiveAnnouncements; i++ {
		select {
		case <-halt:
			return
		case <-time.After(AggressiveInterval):
			f.announceSPDP()
		}
	}
	interval := f.self.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	for {
		select {
		case <-halt:
			return
		case <-time.After(interval):
			f.announceSPDP()
		}
	}
}

// SPDPPayload encodes this participant's current SPDP announcement.
func (f *FSM) SPDPPayload() ([]byte, error) {
	list := paramlist.List{}
	add := func(id paramlist.ParamID, v interface{}) error {
		p, err := paramlist.Encode(id, v)
		if err != nil {
			return err
		}
		list = append(list, p)
		return nil
	}
	if err := add(paramlist.ParamParticipantGUID, f.self.Prefix); err != nil {
		return nil, err
	}
	if err := add(paramlist.ParamParticipantName, f.self.Name); err != nil {
		return nil, err
	}
	if err := add(paramlist.ParamProtocolVersion, [2]byte{f.self.ProtocolMajor, f.self.ProtocolMinor}); err != nil {
		return nil, err
	}
	if err := add(paramlist.ParamVendorID, f.self.VendorID); err != nil {
		return nil, err
	}
	if err := add(paramlist.ParamLeaseDuration, int64(f.self.LeaseDuration)); err != nil {
		return nil, err
	}
	if err := add(paramlist.ParamMetaUnicastLoc, f.self.MetaLocators); err != nil {
		return nil, err
	}
	if err := add(paramlist.ParamUserUnicastLoc, f.self.UserLocators); err != nil {
		return nil, err
	}
	return list.Marshal()
}

func (f *FSM) announceSPDP() {
	payload, err := f.SPDPPayload()
	if err != nil {
		if f.log != nil {
			f.log.Warningf("discovery: encoding SPDP announcement: %v", err)
		}
		return
	}
	if err := f.transport.SendMulticast(payload); err != nil {
		if f.log != nil {
			f.log.Warningf("discovery: sending SPDP announcement: %v", err)
		}
	}
	f.mu.Lock()
	f.announceCount++
	f.mu.Unlock()
}

// OnSubmessage implements router.DiscoverySink: it decodes DATA submessages
// addressed to the SPDP or SEDP builtin endpoints and dispatches to the
// matching handler.
func (f *FSM) OnSubmessage(srcPrefix guid.Prefix, reader, writer guid.EntityID, sub wire.Submessage) {
	if sub.Kind != wire.KindData {
		return
	}
	d, err := wire.DecodeData(sub)
	if err != nil {
		return
	}
	switch writer {
	case guid.EntityIDSPDPBuiltinWriter:
		f.onSPDP(srcPrefix, d.Payload)
	case guid.EntityIDSEDPPublicationsWriter, guid.EntityIDSEDPSubscriptionsWriter:
		f.onSEDP(srcPrefix, d.Payload)
	}
}

func (f *FSM) onSPDP(srcPrefix guid.Prefix, payload []byte) {
	list, err := paramlist.Unmarshal(payload)
	if err != nil {
		return
	}
	var lease int64
	if p, ok := list.Get(paramlist.ParamLeaseDuration); ok {
		_ = p.Decode(&lease)
	}
	leaseDuration := time.Duration(lease)
	if leaseDuration <= 0 {
		leaseDuration = 10 * time.Second
	}

	f.mu.Lock()
	_, known := f.peers[srcPrefix]
	if known {
		f.peers[srcPrefix].lastSeen = time.Now()
		f.mu.Unlock()
		f.rescheduleLease(srcPrefix, leaseDuration)
		return
	}
	f.peers[srcPrefix] = &peerState{prefix: srcPrefix, lease: leaseDuration, lastSeen: time.Now()}
	if f.metrics != nil {
		f.metrics.KnownPeers.Inc()
	}
	f.mu.Unlock()

	f.rescheduleLease(srcPrefix, leaseDuration)

	if f.transport != nil {
		if payload, err := f.SPDPPayload(); err == nil {
			_ = f.transport.SendUnicast(srcPrefix, payload)
		}
	}
	if f.bus != nil {
		f.bus.Publish(event.Event{Kind: event.OnPeerDiscovered, At: time.Now(), PeerPrefix: srcPrefix})
	}
}

func (f *FSM) rescheduleLease(prefix guid.Prefix, lease time.Duration) {
	deadline := uint64(time.Now().Add(lease).UnixNano())
	f.leaseTQ.Push(deadline, prefix)
}

func (f *FSM) onLeaseTimer(value interface{}) {
	prefix, ok := value.(guid.Prefix)
	if !ok {
		return
	}
	f.mu.Lock()
	p, ok := f.peers[prefix]
	if !ok {
		f.mu.Unlock()
		return
	}
	if time.Since(p.lastSeen) < p.lease {
		// A fresher announcement pushed a newer timer entry for this peer;
		// this one fired late/stale.
		f.mu.Unlock()
		return
	}
	delete(f.peers, prefix)
	var dead []guid.GUID
	for g, re := range f.remote {
		if re.peer == prefix {
			dead = append(dead, g)
		}
	}
	for _, g := range dead {
		delete(f.remote, g)
	}
	f.mu.Unlock()

	if f.metrics != nil {
		f.metrics.KnownPeers.Dec()
	}
	for _, g := range dead {
		f.unmatchAllFor(g)
	}
}

// AddLocalWriter registers a local writer for SEDP announcement and
// immediately matches it against every currently known remote reader on
// the same topic.
func (f *FSM) AddLocalWriter(ep LocalEndpoint) error {
	ep.Direction = event.DirectionWriter
	return f.addLocal(ep)
}

// AddLocalReader registers a local reader symmetrically to AddLocalWriter.
func (f *FSM) AddLocalReader(ep LocalEndpoint) error {
	ep.Direction = event.DirectionReader
	return f.addLocal(ep)
}

func (f *FSM) addLocal(ep LocalEndpoint) error {
	f.mu.Lock()
	f.local[ep.GUID] = &ep
	var candidates []*remoteEndpoint
	for _, re := range f.remote {
		if re.topic == ep.Topic && re.direction != ep.Direction {
			candidates = append(candidates, re)
		}
	}
	f.mu.Unlock()

	for _, re := range candidates {
		f.tryMatch(ep, *re)
	}

	payload, err := f.sedpPayload(ep)
	if err != nil {
		return fmt.Errorf("discovery: encoding SEDP announcement for %s: %w", ep.GUID, err)
	}
	if f.transport != nil {
		return f.transport.SendMulticast(payload)
	}
	return nil
}

// RemoveLocalEndpoint tears down a local endpoint: any matches it holds are
// unmatched and it stops being announced.
func (f *FSM) RemoveLocalEndpoint(g guid.GUID) {
	f.mu.Lock()
	delete(f.local, g)
	f.mu.Unlock()
	f.unmatchAllFor(g)
}

func (f *FSM) sedpPayload(ep LocalEndpoint) ([]byte, error) {
	list := paramlist.List{}
	add := func(id paramlist.ParamID, v interface{}) error {
		p, err := paramlist.Encode(id, v)
		if err != nil {
			return err
		}
		list = append(list, p)
		return nil
	}
	eb := ep.GUID.Bytes()
	if err := add(paramlist.ParamEndpointGUID, eb[:]); err != nil {
		return nil, err
	}
	if err := add(paramlist.ParamTopicName, ep.Topic); err != nil {
		return nil, err
	}
	if err := add(paramlist.ParamTypeID, ep.TypeID); err != nil {
		return nil, err
	}
	if err := add(paramlist.ParamPartitions, ep.Policies.Partitions); err != nil {
		return nil, err
	}
	return list.Marshal()
}

func (f *FSM) onSEDP(srcPrefix guid.Prefix, payload []byte) {
	list, err := paramlist.Unmarshal(payload)
	if err != nil {
		return
	}
	gp, ok := list.Get(paramlist.ParamEndpointGUID)
	if !ok {
		return
	}
	var gb []byte
	if err := gp.Decode(&gb); err != nil || len(gb) != guid.Length {
		return
	}
	g, err := guid.FromBytes(gb)
	if err != nil {
		return
	}
	var topic, typeID string
	if p, ok := list.Get(paramlist.ParamTopicName); ok {
		_ = p.Decode(&topic)
	}
	if p, ok := list.Get(paramlist.ParamTypeID); ok {
		_ = p.Decode(&typeID)
	}
	var partitions []string
	if p, ok := list.Get(paramlist.ParamPartitions); ok {
		_ = p.Decode(&partitions)
	}

	direction := event.DirectionWriter
	if g.Entity.Kind() == guid.KindReaderWithKey || g.Entity.Kind() == guid.KindReaderNoKey {
		direction = event.DirectionReader
	}

	re := remoteEndpoint{
		guid:      g,
		topic:     topic,
		typeID:    typeID,
		direction: direction,
		policies:  qos.Policies{Partitions: partitions},
		peer:      srcPrefix,
	}

	f.mu.Lock()
	f.remote[g] = &re
	var candidates []LocalEndpoint
	for _, le := range f.local {
		if le.Topic == topic && le.Direction != direction {
			candidates = append(candidates, *le)
		}
	}
	f.mu.Unlock()

	for _, le := range candidates {
		f.tryMatch(le, re)
	}
}

// tryMatch applies the matching rules of spec §4.7 between a local
// endpoint and a remote candidate on the same topic.
func (f *FSM) tryMatch(local LocalEndpoint, remote remoteEndpoint) {
	var offered, requested qos.Policies
	var writerGUID, readerGUID guid.GUID
	if local.Direction == event.DirectionWriter {
		offered, requested = local.Policies, remote.policies
		writerGUID, readerGUID = local.GUID, remote.guid
	} else {
		offered, requested = remote.policies, local.Policies
		writerGUID, readerGUID = remote.guid, local.GUID
	}

	incompat := qos.Compatible(offered, requested)
	if len(incompat) > 0 {
		for _, inc := range incompat {
			if f.bus != nil {
				f.bus.Publish(event.Event{
					Kind:       event.OnIncompatibleQoS,
					At:         time.Now(),
					WriterGUID: writerGUID,
					ReaderGUID: readerGUID,
					Policy:     inc.Policy,
					Offered:    inc.Offered.String(),
					Requested:  inc.Requested.String(),
				})
			}
			if f.metrics != nil {
				f.metrics.IncompatibleQoS.Inc()
			}
		}
		return
	}

	key := matchKey{writer: writerGUID, reader: readerGUID}
	f.mu.Lock()
	if _, already := f.matched[key]; already {
		f.mu.Unlock()
		return
	}
	f.matched[key] = struct{}{}
	f.mu.Unlock()

	f.registry.BindWriter(writerGUID, local.Topic)
	if f.metrics != nil {
		f.metrics.Matches.Inc()
		f.metrics.MatchedEndpoints.Inc()
	}
	if f.bus != nil {
		f.bus.Publish(event.Event{Kind: event.OnMatch, At: time.Now(), WriterGUID: writerGUID, ReaderGUID: readerGUID, Direction: local.Direction})
	}
}

func (f *FSM) unmatchAllFor(g guid.GUID) {
	f.mu.Lock()
	var dead []matchKey
	for k := range f.matched {
		if k.writer == g || k.reader == g {
			dead = append(dead, k)
		}
	}
	for _, k := range dead {
		delete(f.matched, k)
	}
	f.mu.Unlock()

	for _, k := range dead {
		if f.metrics != nil {
			f.metrics.Unmatches.Inc()
			f.metrics.MatchedEndpoints.Dec()
		}
		if f.bus != nil {
			f.bus.Publish(event.Event{Kind: event.OnUnmatch, At: time.Now(), WriterGUID: k.writer, ReaderGUID: k.reader})
		}
	}
}

// KnownPeers returns the prefixes of every currently tracked peer.
func (f *FSM) KnownPeers() []guid.Prefix {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]guid.Prefix, 0, len(f.peers))
	for p := range f.peers {
		out = append(out, p)
	}
	return out
}

// RemoteEndpointPolicies returns the policies recorded for a remote writer
// or reader from its SEDP announcement, so a reader's sample cache can
// consult an EXCLUSIVE owner's strength (spec §9) without discovery itself
// deciding ownership arbitration. SEDP announcements carry only the
// partition list, so every other field, Ownership.Strength included, is its
// zero value.
func (f *FSM) RemoteEndpointPolicies(g guid.GUID) (qos.Policies, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep, ok := f.remote[g]
	if !ok {
		return qos.Policies{}, false
	}
	return ep.policies, true
}
