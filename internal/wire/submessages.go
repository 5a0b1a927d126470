package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/rtpsmesh/ddscore/guid"
	"github.com/rtpsmesh/ddscore/seqnum"
)

// DataFlag bits, in addition to FlagLittleEndian.
const (
	DataFlagInlineQoS byte = 1 << 1
	DataFlagKey       byte = 1 << 2
)

// Data is the decoded body of a DATA submessage (spec §4.1, §4.3).
type Data struct {
	ReaderEntity guid.EntityID
	WriterEntity guid.EntityID
	WriterSeq    seqnum.SeqNum
	InlineTopic  string // empty unless DataFlagInlineQoS is set
	Payload      []byte
}

// EncodeData serializes a Data body. When d.InlineTopic is non-empty,
// DataFlagInlineQoS is set automatically so the router can use the
// topic-name resolution path described in spec §4.3.
func EncodeData(order binary.ByteOrder, d Data) (flags byte, body []byte) {
	flags = FlagLittleEndianFor(order)
	topic := []byte(d.InlineTopic)
	if len(topic) > 0 {
		flags |= DataFlagInlineQoS
	}
	body = make([]byte, 0, 4+4+8+2+len(topic)+len(d.Payload))
	body = append(body, d.ReaderEntity[:]...)
	body = append(body, d.WriterEntity[:]...)
	seqBuf := make([]byte, 8)
	order.PutUint64(seqBuf, uint64(d.WriterSeq))
	body = append(body, seqBuf...)
	topicLen := make([]byte, 2)
	order.PutUint16(topicLen, uint16(len(topic)))
	body = append(body, topicLen...)
	body = append(body, topic...)
	body = append(body, d.Payload...)
	return flags, body
}

// DecodeData parses a DATA submessage body.
func DecodeData(s Submessage) (Data, error) {
	b := s.Body
	if len(b) < 4+4+8+2 {
		return Data{}, fmt.Errorf("%w: DATA body too short", MalformedMessage)
	}
	var d Data
	copy(d.ReaderEntity[:], b[0:4])
	copy(d.WriterEntity[:], b[4:8])
	order := s.ByteOrder()
	d.WriterSeq = seqnum.SeqNum(order.Uint64(b[8:16]))
	topicLen := int(order.Uint16(b[16:18]))
	rest := b[18:]
	if len(rest) < topicLen {
		return Data{}, fmt.Errorf("%w: DATA topic length exceeds body", MalformedMessage)
	}
	if s.Flags&DataFlagInlineQoS != 0 {
		d.InlineTopic = string(rest[:topicLen])
	}
	d.Payload = rest[topicLen:]
	return d, nil
}

// DataFrag is the decoded body of a DATA_FRAG submessage (spec §4.6).
type DataFrag struct {
	ReaderEntity  guid.EntityID
	WriterEntity  guid.EntityID
	WriterSeq     seqnum.SeqNum
	FragStart     uint32 // 1-indexed fragment number within the sample
	FragsInSample uint32
	FragSize      uint32
	SampleSize    uint32
	Payload       []byte
}

// EncodeDataFrag serializes a DataFrag body.
func EncodeDataFrag(order binary.ByteOrder, d DataFrag) (flags byte, body []byte) {
	flags = FlagLittleEndianFor(order)
	body = make([]byte, 4+4+8+4+4+4+4, 4+4+8+4+4+4+4+len(d.Payload))
	copy(body[0:4], d.ReaderEntity[:])
	copy(body[4:8], d.WriterEntity[:])
	order.PutUint64(body[8:16], uint64(d.WriterSeq))
	order.PutUint32(body[16:20], d.FragStart)
	order.PutUint32(body[20:24], d.FragsInSample)
	order.PutUint32(body[24:28], d.FragSize)
	order.PutUint32(body[28:32], d.SampleSize)
	body = append(body, d.Payload...)
	return flags, body
}

// DecodeDataFrag parses a DATA_FRAG submessage body.
func DecodeDataFrag(s Submessage) (DataFrag, error) {
	b := s.Body
	if len(b) < 32 {
		return DataFrag{}, fmt.Errorf("%w: DATA_FRAG body too short", MalformedMessage)
	}
	var d DataFrag
	order := s.ByteOrder()
	copy(d.ReaderEntity[:], b[0:4])
	copy(d.WriterEntity[:], b[4:8])
	d.WriterSeq = seqnum.SeqNum(order.Uint64(b[8:16]))
	d.FragStart = order.Uint32(b[16:20])
	d.FragsInSample = order.Uint32(b[20:24])
	d.FragSize = order.Uint32(b[24:28])
	d.SampleSize = order.Uint32(b[28:32])
	d.Payload = b[32:]
	return d, nil
}

// Heartbeat is the decoded body of a HEARTBEAT submessage (spec §4.4).
type Heartbeat struct {
	ReaderEntity guid.EntityID
	WriterEntity guid.EntityID
	FirstSN      seqnum.SeqNum
	LastSN       seqnum.SeqNum
	Count        uint32
	FinalFlag    bool // if clear, reader must respond even if fully up to date
}

const HeartbeatFlagFinal byte = 1 << 1

func EncodeHeartbeat(order binary.ByteOrder, h Heartbeat) (flags byte, body []byte) {
	flags = FlagLittleEndianFor(order)
	if h.FinalFlag {
		flags |= HeartbeatFlagFinal
	}
	body = make([]byte, 4+4+8+8+4)
	copy(body[0:4], h.ReaderEntity[:])
	copy(body[4:8], h.WriterEntity[:])
	order.PutUint64(body[8:16], uint64(h.FirstSN))
	order.PutUint64(body[16:24], uint64(h.LastSN))
	order.PutUint32(body[24:28], h.Count)
	return flags, body
}

func DecodeHeartbeat(s Submessage) (Heartbeat, error) {
	b := s.Body
	if len(b) < 28 {
		return Heartbeat{}, fmt.Errorf("%w: HEARTBEAT body too short", MalformedMessage)
	}
	var h Heartbeat
	order := s.ByteOrder()
	copy(h.ReaderEntity[:], b[0:4])
	copy(h.WriterEntity[:], b[4:8])
	h.FirstSN = seqnum.SeqNum(order.Uint64(b[8:16]))
	h.LastSN = seqnum.SeqNum(order.Uint64(b[16:24]))
	h.Count = order.Uint32(b[24:28])
	h.FinalFlag = s.Flags&HeartbeatFlagFinal != 0
	return h, nil
}

// ACKNACK is the decoded body of an ACKNACK submessage (spec §4.5).
type ACKNACK struct {
	ReaderEntity guid.EntityID
	WriterEntity guid.EntityID
	Base         seqnum.SeqNum
	Missing      []seqnum.SeqNum // explicit list; wire form is a count followed by each sequence number
	Count        uint32
}

func EncodeACKNACK(order binary.ByteOrder, a ACKNACK) (flags byte, body []byte) {
	flags = FlagLittleEndianFor(order)
	body = make([]byte, 4+4+8+4, 4+4+8+4+len(a.Missing)*8+4)
	copy(body[0:4], a.ReaderEntity[:])
	copy(body[4:8], a.WriterEntity[:])
	order.PutUint64(body[8:16], uint64(a.Base))
	order.PutUint32(body[16:20], uint32(len(a.Missing)))
	for _, m := range a.Missing {
		buf := make([]byte, 8)
		order.PutUint64(buf, uint64(m))
		body = append(body, buf...)
	}
	cbuf := make([]byte, 4)
	order.PutUint32(cbuf, a.Count)
	body = append(body, cbuf...)
	return flags, body
}

func DecodeACKNACK(s Submessage) (ACKNACK, error) {
	b := s.Body
	if len(b) < 20 {
		return ACKNACK{}, fmt.Errorf("%w: ACKNACK body too short", MalformedMessage)
	}
	var a ACKNACK
	order := s.ByteOrder()
	copy(a.ReaderEntity[:], b[0:4])
	copy(a.WriterEntity[:], b[4:8])
	a.Base = seqnum.SeqNum(order.Uint64(b[8:16]))
	n := int(order.Uint32(b[16:20]))
	off := 20
	if len(b) < off+n*8+4 {
		return ACKNACK{}, fmt.Errorf("%w: ACKNACK missing-list truncated", MalformedMessage)
	}
	a.Missing = make([]seqnum.SeqNum, n)
	for i := 0; i < n; i++ {
		a.Missing[i] = seqnum.SeqNum(order.Uint64(b[off : off+8]))
		off += 8
	}
	a.Count = order.Uint32(b[off : off+4])
	return a, nil
}

// Gap is the decoded body of a GAP submessage (spec §4.4, §4.5).
type Gap struct {
	ReaderEntity guid.EntityID
	WriterEntity guid.EntityID
	Range        seqnum.Range
}

func EncodeGap(order binary.ByteOrder, g Gap) (flags byte, body []byte) {
	flags = FlagLittleEndianFor(order)
	body = make([]byte, 4+4+8+8)
	copy(body[0:4], g.ReaderEntity[:])
	copy(body[4:8], g.WriterEntity[:])
	order.PutUint64(body[8:16], uint64(g.Range.First))
	order.PutUint64(body[16:24], uint64(g.Range.Last))
	return flags, body
}

func DecodeGap(s Submessage) (Gap, error) {
	b := s.Body
	if len(b) < 24 {
		return Gap{}, fmt.Errorf("%w: GAP body too short", MalformedMessage)
	}
	var g Gap
	order := s.ByteOrder()
	copy(g.ReaderEntity[:], b[0:4])
	copy(g.WriterEntity[:], b[4:8])
	g.Range.First = seqnum.SeqNum(order.Uint64(b[8:16]))
	g.Range.Last = seqnum.SeqNum(order.Uint64(b[16:24]))
	return g, nil
}

// NackFrag is the decoded body of a NACK_FRAG submessage (spec §4.4).
type NackFrag struct {
	ReaderEntity      guid.EntityID
	WriterEntity      guid.EntityID
	WriterSeq         seqnum.SeqNum
	MissingFragments  []uint32
	Count             uint32
}

func EncodeNackFrag(order binary.ByteOrder, n NackFrag) (flags byte, body []byte) {
	flags = FlagLittleEndianFor(order)
	body = make([]byte, 4+4+8+4, 4+4+8+4+len(n.MissingFragments)*4+4)
	copy(body[0:4], n.ReaderEntity[:])
	copy(body[4:8], n.WriterEntity[:])
	order.PutUint64(body[8:16], uint64(n.WriterSeq))
	order.PutUint32(body[16:20], uint32(len(n.MissingFragments)))
	for _, f := range n.MissingFragments {
		buf := make([]byte, 4)
		order.PutUint32(buf, f)
		body = append(body, buf...)
	}
	cbuf := make([]byte, 4)
	order.PutUint32(cbuf, n.Count)
	body = append(body, cbuf...)
	return flags, body
}

func DecodeNackFrag(s Submessage) (NackFrag, error) {
	b := s.Body
	if len(b) < 20 {
		return NackFrag{}, fmt.Errorf("%w: NACK_FRAG body too short", MalformedMessage)
	}
	var n NackFrag
	order := s.ByteOrder()
	copy(n.ReaderEntity[:], b[0:4])
	copy(n.WriterEntity[:], b[4:8])
	n.WriterSeq = seqnum.SeqNum(order.Uint64(b[8:16]))
	count := int(order.Uint32(b[16:20]))
	off := 20
	if len(b) < off+count*4+4 {
		return NackFrag{}, fmt.Errorf("%w: NACK_FRAG fragment list truncated", MalformedMessage)
	}
	n.MissingFragments = make([]uint32, count)
	for i := 0; i < count; i++ {
		n.MissingFragments[i] = order.Uint32(b[off : off+4])
		off += 4
	}
	n.Count = order.Uint32(b[off : off+4])
	return n, nil
}

// InfoTS carries a source timestamp applying to subsequent submessages in
// the same message (spec §4.3).
type InfoTS struct {
	UnixNano int64
}

func EncodeInfoTS(order binary.ByteOrder, t InfoTS) (flags byte, body []byte) {
	flags = FlagLittleEndianFor(order)
	body = make([]byte, 8)
	order.PutUint64(body, uint64(t.UnixNano))
	return flags, body
}

func DecodeInfoTS(s Submessage) (InfoTS, error) {
	if len(s.Body) < 8 {
		return InfoTS{}, fmt.Errorf("%w: INFO_TS body too short", MalformedMessage)
	}
	return InfoTS{UnixNano: int64(s.ByteOrder().Uint64(s.Body[:8]))}, nil
}

// InfoDst carries a destination participant prefix filter applying to
// subsequent submessages (spec §4.3).
type InfoDst struct {
	DstPrefix guid.Prefix
}

func EncodeInfoDst(order binary.ByteOrder, d InfoDst) (flags byte, body []byte) {
	flags = FlagLittleEndianFor(order)
	body = make([]byte, guid.PrefixLength)
	copy(body, d.DstPrefix[:])
	return flags, body
}

func DecodeInfoDst(s Submessage) (InfoDst, error) {
	if len(s.Body) < guid.PrefixLength {
		return InfoDst{}, fmt.Errorf("%w: INFO_DST body too short", MalformedMessage)
	}
	var d InfoDst
	copy(d.DstPrefix[:], s.Body[:guid.PrefixLength])
	return d, nil
}

// FlagLittleEndianFor returns FlagLittleEndian if order is little-endian,
// else 0.
func FlagLittleEndianFor(order binary.ByteOrder) byte {
	if order == binary.LittleEndian {
		return FlagLittleEndian
	}
	return 0
}
