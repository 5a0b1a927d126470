package ddscore

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtpsmesh/ddscore/codec"
	"github.com/rtpsmesh/ddscore/guid"
	"github.com/rtpsmesh/ddscore/internal/config"
	ddslog "github.com/rtpsmesh/ddscore/internal/logging"
	"github.com/rtpsmesh/ddscore/internal/wire"
	"github.com/rtpsmesh/ddscore/qos"
	"github.com/rtpsmesh/ddscore/transport"
	"github.com/rtpsmesh/ddscore/transport/inproc"
)

type sample struct {
	Value string
}

func newTestParticipant(t *testing.T, name string) *Participant {
	t.Helper()
	cfg := &config.Config{
		DomainID:          0,
		ParticipantName:   name,
		LeaseDurationSecs: 1,
		Transport:         config.TransportInProcess,
		MetricsNamespace:  "test",
		FragmentSize:      64 * 1024,
	}
	backend, err := ddslog.New(ddslog.Config{Level: "ERROR", Out: io.Discard})
	require.NoError(t, err)

	tp, err := inproc.New(name)
	require.NoError(t, err)
	mcastLoc := transport.Locator{Kind: "inproc", Address: name}

	p, err := New(cfg, tp, mcastLoc, backend, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(p.Halt)
	return p
}

// A writer and a reader on the same participant, same topic, self-match
// through the participant's own SEDP loopback (its own multicast send
// lands right back on its own transport). Exercises CreateWriter,
// CreateReader, discovery matching, reliability wiring, and Take.
func TestParticipantSelfMatchDeliversSamples(t *testing.T) {
	p := newTestParticipant(t, "self-match")

	cdc := codec.NewMsgpackCodec("sample")
	w, err := p.CreateWriter("weather", qos.Default(), cdc)
	require.NoError(t, err)
	t.Cleanup(w.Close)

	r, err := p.CreateReader("weather", qos.Default(), cdc)
	require.NoError(t, err)
	t.Cleanup(r.Close)

	require.Eventually(t, func() bool {
		return len(w.rw.MatchedReaders()) > 0
	}, 2*time.Second, 10*time.Millisecond, "writer never matched its own reader")

	_, err = w.Write(sample{Value: "gusty"}, time.Second)
	require.NoError(t, err)

	var out []interface{}
	require.Eventually(t, func() bool {
		out, err = r.Take(func() interface{} { return new(sample) })
		require.NoError(t, err)
		return len(out) > 0
	}, 2*time.Second, 10*time.Millisecond, "sample never arrived")

	require.Len(t, out, 1)
	assert.Equal(t, "gusty", out[0].(*sample).Value)
}

func TestWriterCloseUnregisters(t *testing.T) {
	p := newTestParticipant(t, "writer-close")
	cdc := codec.NewMsgpackCodec("sample")

	w, err := p.CreateWriter("weather", qos.Default(), cdc)
	require.NoError(t, err)

	g := w.GUID()
	w.Close()

	p.mu.Lock()
	_, present := p.writers[g]
	p.mu.Unlock()
	assert.False(t, present)
}

func TestReaderCloseUnregisters(t *testing.T) {
	p := newTestParticipant(t, "reader-close")
	cdc := codec.NewMsgpackCodec("sample")

	r, err := p.CreateReader("weather", qos.Default(), cdc)
	require.NoError(t, err)

	g := r.GUID()
	r.Close()

	p.mu.Lock()
	_, present := p.readers[g]
	p.mu.Unlock()
	assert.False(t, present)
}

func TestPeerLocatorRecordedFromInboundHeader(t *testing.T) {
	p := newTestParticipant(t, "peer-locator")

	var src guid.Prefix
	src[0] = 0xAB
	loc, ok := p.peerLocator(src)
	assert.False(t, ok)
	assert.Equal(t, transport.Locator{}, loc)

	buf := make([]byte, wire.HeaderLength)
	hdr := wire.Header{Version: wire.Version25, Vendor: wire.VendorID{0x01, 0x0f}, SrcPrefix: src}
	require.NoError(t, hdr.Encode(buf))

	sourceLoc := transport.Locator{Kind: "inproc", Address: "far-peer"}
	p.onReceive(transport.Received{Source: sourceLoc, Payload: buf, At: time.Now()})

	loc, ok = p.peerLocator(src)
	require.True(t, ok)
	assert.Equal(t, sourceLoc, loc)
}
