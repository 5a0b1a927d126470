package router

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtpsmesh/ddscore/guid"
	"github.com/rtpsmesh/ddscore/internal/dedup"
	"github.com/rtpsmesh/ddscore/internal/instrument"
	"github.com/rtpsmesh/ddscore/internal/reassembly"
	"github.com/rtpsmesh/ddscore/internal/registry"
	"github.com/rtpsmesh/ddscore/internal/reliability"
	"github.com/rtpsmesh/ddscore/internal/ring"
	"github.com/rtpsmesh/ddscore/internal/wire"
	"github.com/rtpsmesh/ddscore/qos"
	"github.com/rtpsmesh/ddscore/seqnum"
)

type fakeLocalReader struct {
	guid  guid.GUID
	seen  [][]byte
	admit bool
}

func (f *fakeLocalReader) GUID() guid.GUID { return f.guid }

func (f *fakeLocalReader) Deliver(writer guid.GUID, payload []byte) bool {
	if !f.admit {
		return false
	}
	f.seen = append(f.seen, payload)
	return true
}

func newTestRouter() (*Router, *registry.Registry, *instrument.Metrics) {
	reg := registry.New()
	dd := dedup.New(64)
	reasm := reassembly.New(16, 0, nil, nil, nil)
	metrics := instrument.New(prometheus.NewRegistry(), "test")
	var local guid.Prefix
	local[0] = 0xAA
	r := New(local, ring.New(16), reg, dd, reasm, metrics, nil)
	return r, reg, metrics
}

func writerGUIDForSrc(src guid.Prefix) guid.GUID {
	return guid.New(src, guid.EntityID{1, 2, 3, byte(guid.KindWriterWithKey)})
}

func encodeMessage(t *testing.T, src guid.Prefix, subs ...func(order binary.ByteOrder) (wire.Kind, byte, []byte)) []byte {
	t.Helper()
	hdr := wire.Header{Version: wire.Version25, Vendor: wire.VendorID{1, 1}, SrcPrefix: src}
	buf := make([]byte, wire.HeaderLength)
	require.NoError(t, hdr.Encode(buf))
	for _, s := range subs {
		kind, flags, body := s(binary.BigEndian)
		var err error
		buf, err = wire.EncodeSubmessage(buf, kind, flags, body)
		require.NoError(t, err)
	}
	return buf
}

func dataSubmessage(d wire.Data) func(binary.ByteOrder) (wire.Kind, byte, []byte) {
	return func(order binary.ByteOrder) (wire.Kind, byte, []byte) {
		flags, body := wire.EncodeData(order, d)
		return wire.KindData, flags, body
	}
}

func TestRouterDeliversDataByInlineTopic(t *testing.T) {
	r, reg, _ := newTestRouter()
	reader := &fakeLocalReader{guid: guid.New(r.LocalPrefix, guid.EntityID{9, 9, 9, byte(guid.KindReaderWithKey)}), admit: true}
	reg.AddReader("weather", reader)

	var src guid.Prefix
	src[0] = 0x01
	buf := encodeMessage(t, src, dataSubmessage(wire.Data{
		ReaderEntity: guid.EntityIDUnknown,
		WriterEntity: guid.EntityID{1, 2, 3, byte(guid.KindWriterWithKey)},
		WriterSeq:    1,
		InlineTopic:  "weather",
		Payload:      []byte("sunny"),
	}))

	r.HandleDatagram(buf)

	require.Len(t, reader.seen, 1)
	assert.Equal(t, []byte("sunny"), reader.seen[0])
}

func TestRouterResolvesTopicByWriterBinding(t *testing.T) {
	r, reg, _ := newTestRouter()
	var src guid.Prefix
	src[0] = 0x02
	w := writerGUIDForSrc(src)
	reg.BindWriter(w, "temperature")

	reader := &fakeLocalReader{guid: guid.New(r.LocalPrefix, guid.EntityID{9, 9, 9, byte(guid.KindReaderWithKey)}), admit: true}
	reg.AddReader("temperature", reader)

	buf := encodeMessage(t, src, dataSubmessage(wire.Data{
		ReaderEntity: guid.EntityIDUnknown,
		WriterEntity: guid.EntityID{1, 2, 3, byte(guid.KindWriterWithKey)},
		WriterSeq:    1,
		Payload:      []byte("21C"),
	}))

	r.HandleDatagram(buf)

	require.Len(t, reader.seen, 1)
	assert.Equal(t, []byte("21C"), reader.seen[0])
}

func TestRouterDropsOrphanedDataAsUnroutable(t *testing.T) {
	r, _, metrics := newTestRouter()
	var src guid.Prefix
	src[0] = 0x03

	buf := encodeMessage(t, src, dataSubmessage(wire.Data{
		ReaderEntity: guid.EntityIDUnknown,
		WriterEntity: guid.EntityID{9, 9, 9, byte(guid.KindWriterWithKey)},
		WriterSeq:    1,
		Payload:      []byte("nobody wants this"),
	}))

	r.HandleDatagram(buf)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.OrphanedPackets))
}

func TestRouterDeduplicatesRepeatedSequence(t *testing.T) {
	r, reg, metrics := newTestRouter()
	reader := &fakeLocalReader{guid: guid.New(r.LocalPrefix, guid.EntityID{9, 9, 9, byte(guid.KindReaderWithKey)}), admit: true}
	reg.AddReader("weather", reader)

	var src guid.Prefix
	src[0] = 0x04
	buf := encodeMessage(t, src, dataSubmessage(wire.Data{
		ReaderEntity: guid.EntityIDUnknown,
		WriterEntity: guid.EntityID{1, 2, 3, byte(guid.KindWriterWithKey)},
		WriterSeq:    7,
		InlineTopic:  "weather",
		Payload:      []byte("rainy"),
	}))

	r.HandleDatagram(buf)
	r.HandleDatagram(buf) // identical packet, e.g. both multicast and unicast delivery

	assert.Len(t, reader.seen, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DedupHits))
}

type fakeWriterSender struct {
	mu    sync.Mutex
	frags []uint32
}

func (f *fakeWriterSender) SendData(reader guid.GUID, seq seqnum.SeqNum, payload []byte) error {
	return nil
}
func (f *fakeWriterSender) SendGap(reader guid.GUID, r seqnum.Range) error { return nil }
func (f *fakeWriterSender) SendHeartbeat(reader guid.GUID, first, last seqnum.SeqNum, count uint32, final bool) error {
	return nil
}
func (f *fakeWriterSender) SendDataFrag(reader guid.GUID, seq seqnum.SeqNum, fragStart, fragsInSample, fragSize, sampleSize uint32, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frags = append(f.frags, fragStart)
	return nil
}

func nackFragSubmessage(n wire.NackFrag) func(binary.ByteOrder) (wire.Kind, byte, []byte) {
	return func(order binary.ByteOrder) (wire.Kind, byte, []byte) {
		flags, body := wire.EncodeNackFrag(order, n)
		return wire.KindNackFrag, flags, body
	}
}

// Testable property 6 (spec §8): an incoming NACK_FRAG addressed to a local
// writer resends exactly the named fragments.
func TestRouterResendsNamedFragmentsOnNackFrag(t *testing.T) {
	r, _, metrics := newTestRouter()

	sender := &fakeWriterSender{}
	writerEntity := guid.EntityID{1, 2, 3, byte(guid.KindWriterWithKey)}
	writerGUID := guid.New(r.LocalPrefix, writerEntity)
	policies := qos.Default()
	policies.Reliability = qos.Reliable
	policies.History = qos.History{Kind: qos.KeepAll}
	w := reliability.NewWriter(writerGUID, policies, sender)
	w.SetMaxPayloadSize(64 * 1024)
	reader := guid.New(guid.Prefix{0x09}, guid.EntityID{9, 9, 9, byte(guid.KindReaderWithKey)})
	w.MatchReader(reader)
	r.RegisterWriter(w)

	payload := make([]byte, 192*1024)
	seq, err := w.Write(payload, time.Second)
	require.NoError(t, err)

	sender.mu.Lock()
	sender.frags = nil
	sender.mu.Unlock()

	buf := encodeMessage(t, reader.Prefix, nackFragSubmessage(wire.NackFrag{
		ReaderEntity:     reader.Entity,
		WriterEntity:     writerEntity,
		WriterSeq:        seq,
		MissingFragments: []uint32{2},
		Count:            1,
	}))
	r.HandleDatagram(buf)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.frags, 1)
	assert.Equal(t, uint32(2), sender.frags[0])
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RetransmitsSent))
}
