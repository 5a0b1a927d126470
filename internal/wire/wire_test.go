package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rtpsmesh/ddscore/guid"
	"github.com/rtpsmesh/ddscore/seqnum"
)

func TestHeaderRoundTrip(t *testing.T) {
	prefix, err := guid.NewPrefix()
	require.NoError(t, err)
	h := Header{Version: Version25, Vendor: VendorID{0x01, 0x02}, SrcPrefix: prefix}
	buf := make([]byte, HeaderLength)
	require.NoError(t, h.Encode(buf))

	got, n, err := ParseHeader(buf)
	require.NoError(t, err)
	require.Equal(t, HeaderLength, n)
	require.Equal(t, h, got)
}

func TestClassifyRoundTrip(t *testing.T) {
	prefix, err := guid.NewPrefix()
	require.NoError(t, err)
	h := Header{Version: Version25, Vendor: VendorID{0, 0}, SrcPrefix: prefix}

	buf := make([]byte, HeaderLength)
	require.NoError(t, h.Encode(buf))

	flags, body := EncodeData(binary.BigEndian, Data{
		ReaderEntity: guid.EntityIDSPDPBuiltinReader,
		WriterEntity: guid.EntityIDSPDPBuiltinWriter,
		WriterSeq:    7,
		Payload:      []byte("hello"),
	})
	buf, err = EncodeSubmessage(buf, KindData, flags, body)
	require.NoError(t, err)

	hflags, hbody := EncodeHeartbeat(binary.BigEndian, Heartbeat{
		FirstSN: 1, LastSN: 10, Count: 3,
	})
	buf, err = EncodeSubmessage(buf, KindHeartbeat, hflags, hbody)
	require.NoError(t, err)

	gotHdr, subs, err := Classify(buf)
	require.NoError(t, err)
	require.Equal(t, h, gotHdr)
	require.Len(t, subs, 2)
	require.Equal(t, KindData, subs[0].Kind)
	require.Equal(t, KindHeartbeat, subs[1].Kind)

	d, err := DecodeData(subs[0])
	require.NoError(t, err)
	require.Equal(t, seqnum.SeqNum(7), d.WriterSeq)
	require.Equal(t, []byte("hello"), d.Payload)

	hb, err := DecodeHeartbeat(subs[1])
	require.NoError(t, err)
	require.Equal(t, seqnum.SeqNum(1), hb.FirstSN)
	require.Equal(t, seqnum.SeqNum(10), hb.LastSN)
	require.Equal(t, uint32(3), hb.Count)
}

func TestClassifyTruncatedIsMalformed(t *testing.T) {
	buf := []byte{'R', 'T', 'P', 'S', 2, 5, 0, 0}
	_, _, err := Classify(buf)
	require.ErrorIs(t, err, MalformedMessage)
}

func TestDataFragRoundTrip(t *testing.T) {
	flags, body := EncodeDataFrag(binary.LittleEndian, DataFrag{
		WriterSeq:     42,
		FragStart:     2,
		FragsInSample: 3,
		FragSize:      1024,
		SampleSize:    3000,
		Payload:       []byte("frag-bytes"),
	})
	sub := Submessage{Kind: KindDataFrag, Flags: flags, Body: body}
	got, err := DecodeDataFrag(sub)
	require.NoError(t, err)
	require.Equal(t, seqnum.SeqNum(42), got.WriterSeq)
	require.Equal(t, uint32(2), got.FragStart)
	require.Equal(t, []byte("frag-bytes"), got.Payload)
}

func TestACKNACKRoundTrip(t *testing.T) {
	flags, body := EncodeACKNACK(binary.BigEndian, ACKNACK{
		Base:    5,
		Missing: []seqnum.SeqNum{5, 7, 9},
		Count:   2,
	})
	sub := Submessage{Kind: KindACKNACK, Flags: flags, Body: body}
	got, err := DecodeACKNACK(sub)
	require.NoError(t, err)
	require.Equal(t, seqnum.SeqNum(5), got.Base)
	require.Equal(t, []seqnum.SeqNum{5, 7, 9}, got.Missing)
	require.Equal(t, uint32(2), got.Count)
}
