package discovery

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtpsmesh/ddscore/event"
	"github.com/rtpsmesh/ddscore/guid"
	"github.com/rtpsmesh/ddscore/internal/eventbus"
	"github.com/rtpsmesh/ddscore/internal/instrument"
	"github.com/rtpsmesh/ddscore/internal/registry"
	"github.com/rtpsmesh/ddscore/qos"
)

type fakeTransport struct {
	mu        sync.Mutex
	multicast [][]byte
	unicast   map[guid.Prefix][][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{unicast: make(map[guid.Prefix][][]byte)}
}

func (f *fakeTransport) SendMulticast(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.multicast = append(f.multicast, payload)
	return nil
}

func (f *fakeTransport) SendUnicast(dst guid.Prefix, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unicast[dst] = append(f.unicast[dst], payload)
	return nil
}

func newTestFSM(name string) (*FSM, *fakeTransport, *registry.Registry, *eventbus.Bus) {
	var prefix guid.Prefix
	prefix[0] = byte(len(name))
	transport := newFakeTransport()
	reg := registry.New()
	bus := eventbus.New()
	metrics := instrument.New(prometheus.NewRegistry(), name)
	f := New(ParticipantInfo{
		Prefix:        prefix,
		Name:          name,
		ProtocolMajor: 2,
		ProtocolMinor: 5,
		VendorID:      [2]byte{1, 1},
		LeaseDuration: 100 * time.Millisecond,
	}, transport, reg, bus, metrics, nil)
	return f, transport, reg, bus
}

func TestSPDPDiscoversPeerAndRepliesUnicast(t *testing.T) {
	local, transport, _, bus := newTestFSM("local")
	sub := bus.Subscribe(8)
	defer sub.Close()

	var remotePrefix guid.Prefix
	remotePrefix[0] = 0xAB

	remote := &FSM{self: ParticipantInfo{Prefix: remotePrefix, LeaseDuration: time.Second}}
	payload, err := remote.SPDPPayload()
	require.NoError(t, err)

	local.onSPDP(remotePrefix, payload)

	peers := local.KnownPeers()
	require.Len(t, peers, 1)
	assert.Equal(t, remotePrefix, peers[0])

	transport.mu.Lock()
	_, replied := transport.unicast[remotePrefix]
	transport.mu.Unlock()
	assert.True(t, replied)

	select {
	case raw := <-sub.Events():
		ev := raw.(event.Event)
		assert.Equal(t, event.OnPeerDiscovered, ev.Kind)
		assert.Equal(t, remotePrefix, ev.PeerPrefix)
	case <-time.After(time.Second):
		t.Fatal("expected on-peer-discovered event")
	}
}

func TestSEDPMatchesCompatibleWriterAndReader(t *testing.T) {
	f, _, reg, bus := newTestFSM("matcher")
	sub := bus.Subscribe(8)
	defer sub.Close()

	var remotePrefix guid.Prefix
	remotePrefix[0] = 0x11
	remoteReader := guid.New(remotePrefix, guid.EntityID{1, 2, 3, byte(guid.KindReaderWithKey)})

	// Remote reader announces first, before the local writer exists.
	f.onSEDP(remotePrefix, marshalSEDP(t, remoteReader, "telemetry", "Sample", nil))

	localWriter := guid.New(f.self.Prefix, guid.EntityID{9, 9, 9, byte(guid.KindWriterWithKey)})
	err := f.AddLocalWriter(LocalEndpoint{
		GUID:     localWriter,
		Topic:    "telemetry",
		TypeID:   "Sample",
		Policies: qos.Default(),
	})
	require.NoError(t, err)

	assert.True(t, reg.HasTopic("telemetry"))
	topic, ok := reg.TopicForWriter(localWriter)
	require.True(t, ok)
	assert.Equal(t, "telemetry", topic)

	select {
	case raw := <-sub.Events():
		ev := raw.(event.Event)
		assert.Equal(t, event.OnMatch, ev.Kind)
		assert.Equal(t, localWriter, ev.WriterGUID)
		assert.Equal(t, remoteReader, ev.ReaderGUID)
	case <-time.After(time.Second):
		t.Fatal("expected on-match event")
	}
}

func TestSEDPReportsIncompatibleQoS(t *testing.T) {
	f, _, reg, bus := newTestFSM("incompat")
	sub := bus.Subscribe(8)
	defer sub.Close()

	var remotePrefix guid.Prefix
	remotePrefix[0] = 0x22
	remoteReader := guid.New(remotePrefix, guid.EntityID{4, 4, 4, byte(guid.KindReaderWithKey)})
	f.onSEDP(remotePrefix, marshalSEDP(t, remoteReader, "alerts", "Sample", nil))

	localWriter := guid.New(f.self.Prefix, guid.EntityID{8, 8, 8, byte(guid.KindWriterWithKey)})
	offered := qos.Default()
	offered.Reliability = qos.BestEffort

	// Patch the already-registered remote endpoint to require Reliable,
	// which the local writer's default BestEffort policy cannot satisfy.
	f.mu.Lock()
	for _, re := range f.remote {
		re.policies.Reliability = qos.Reliable
	}
	f.mu.Unlock()

	err := f.AddLocalWriter(LocalEndpoint{GUID: localWriter, Topic: "alerts", TypeID: "Sample", Policies: offered})
	require.NoError(t, err)

	assert.False(t, reg.HasTopic("alerts"))

	select {
	case raw := <-sub.Events():
		ev := raw.(event.Event)
		assert.Equal(t, event.OnIncompatibleQoS, ev.Kind)
		assert.Equal(t, qos.PolicyReliability, ev.Policy)
	case <-time.After(time.Second):
		t.Fatal("expected on-incompatible-qos event")
	}
}

func marshalSEDP(t *testing.T, g guid.GUID, topic, typeID string, partitions []string) []byte {
	t.Helper()
	f := &FSM{}
	b, err := f.sedpPayload(LocalEndpoint{GUID: g, Topic: topic, TypeID: typeID, Policies: qos.Policies{Partitions: partitions}})
	require.NoError(t, err)
	return b
}
