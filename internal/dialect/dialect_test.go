package dialect

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtpsmesh/ddscore/guid"
	"github.com/rtpsmesh/ddscore/internal/wire"
)

func encodeDataSubmessage(t *testing.T, d wire.Data) wire.Submessage {
	t.Helper()
	flags, body := wire.EncodeData(binary.BigEndian, d)
	return wire.Submessage{Kind: wire.KindData, Flags: flags, Body: body}
}

func TestRegistryFallsBackToNeutralForUnknownVendor(t *testing.T) {
	r := NewRegistry()
	d := r.For(wire.VendorID{0xAB, 0xCD})
	assert.Equal(t, Neutral, d)
}

func TestLenientDialectTrimsTrailingNulFromInlineTopic(t *testing.T) {
	r := NewRegistry()
	sub := encodeDataSubmessage(t, wire.Data{
		WriterEntity: guid.EntityID{1, 2, 3, byte(guid.KindWriterWithKey)},
		InlineTopic:  "weather\x00",
		Payload:      []byte("sunny"),
	})

	d := r.For(wire.VendorID{0x01, 0x0F})
	decoded, err := d.DecodeData(sub)
	require.NoError(t, err)
	assert.Equal(t, "weather", decoded.InlineTopic)
}

func TestNeutralDialectLeavesTrailingNulIntact(t *testing.T) {
	r := NewRegistry()
	sub := encodeDataSubmessage(t, wire.Data{
		WriterEntity: guid.EntityID{1, 2, 3, byte(guid.KindWriterWithKey)},
		InlineTopic:  "weather\x00",
		Payload:      []byte("sunny"),
	})

	d := r.For(VendorRTPSMesh)
	decoded, err := d.DecodeData(sub)
	require.NoError(t, err)
	assert.Equal(t, "weather\x00", decoded.InlineTopic)
}
