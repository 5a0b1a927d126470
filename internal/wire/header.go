// Package wire implements the RTPS 2.5 bit-compatible message header,
// submessage framing, and the packet classifier of spec §4.1 and §6.1.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rtpsmesh/ddscore/guid"
)

// MalformedMessage is returned by Classify/ParseHeader when the input is
// truncated or internally length-inconsistent.
var MalformedMessage = errors.New("wire: malformed message")

// Magic is the 4-byte protocol identifier required at the start of every
// message (spec §6.1).
var Magic = [4]byte{'R', 'T', 'P', 'S'}

// ProtocolVersion is the (major, minor) version this module implements.
type ProtocolVersion struct {
	Major, Minor byte
}

// Version25 is RTPS 2.5.
var Version25 = ProtocolVersion{Major: 2, Minor: 5}

// VendorID identifies the implementation that produced a message, used by
// the dialect detector (internal/dialect) to select a wire variant.
type VendorID [2]byte

// HeaderLength is the fixed size in bytes of the message header (spec §6.1:
// "20-byte message header").
const HeaderLength = 20

// Header is the fixed prefix of every RTPS message.
type Header struct {
	Version  ProtocolVersion
	Vendor   VendorID
	SrcPrefix guid.Prefix
}

// Encode writes the header's 20-byte wire form into dst, which must be at
// least HeaderLength bytes.
func (h Header) Encode(dst []byte) error {
	if len(dst) < HeaderLength {
		return fmt.Errorf("wire: header buffer too small: %d < %d", len(dst), HeaderLength)
	}
	copy(dst[0:4], Magic[:])
	dst[4] = h.Version.Major
	dst[5] = h.Version.Minor
	dst[6] = h.Vendor[0]
	dst[7] = h.Vendor[1]
	copy(dst[8:20], h.SrcPrefix[:])
	return nil
}

// ParseHeader parses the fixed header from the front of buf, returning the
// header and the number of bytes consumed.
func ParseHeader(buf []byte) (Header, int, error) {
	var h Header
	if len(buf) < HeaderLength {
		return h, 0, MalformedMessage
	}
	if buf[0] != Magic[0] || buf[1] != Magic[1] || buf[2] != Magic[2] || buf[3] != Magic[3] {
		return h, 0, fmt.Errorf("%w: bad magic", MalformedMessage)
	}
	h.Version = ProtocolVersion{Major: buf[4], Minor: buf[5]}
	h.Vendor = VendorID{buf[6], buf[7]}
	copy(h.SrcPrefix[:], buf[8:20])
	return h, HeaderLength, nil
}

// Kind identifies a submessage type (spec §6.1 well-known kind codes).
type Kind byte

const (
	KindACKNACK       Kind = 0x06
	KindHeartbeat     Kind = 0x07
	KindGap           Kind = 0x08
	KindInfoTS        Kind = 0x09
	KindInfoDst       Kind = 0x0E
	KindNackFrag      Kind = 0x12
	KindHeartbeatFrag Kind = 0x13
	KindData          Kind = 0x15
	KindDataFrag      Kind = 0x16
)

func (k Kind) String() string {
	switch k {
	case KindACKNACK:
		return "ACKNACK"
	case KindHeartbeat:
		return "HEARTBEAT"
	case KindGap:
		return "GAP"
	case KindInfoTS:
		return "INFO_TS"
	case KindInfoDst:
		return "INFO_DST"
	case KindNackFrag:
		return "NACK_FRAG"
	case KindHeartbeatFrag:
		return "HEARTBEAT_FRAG"
	case KindData:
		return "DATA"
	case KindDataFrag:
		return "DATA_FRAG"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(k))
	}
}

// Flag bits within a submessage's flag byte. Bit 0 is always the
// endianness flag; kind-specific flags occupy higher bits.
const (
	FlagLittleEndian byte = 1 << 0
)

// Submessage is a single parsed submessage: its kind, flags, and a
// zero-copy slice of its body into the original datagram buffer.
type Submessage struct {
	Kind  Kind
	Flags byte
	Body  []byte
}

// LittleEndian reports whether this submessage's body uses little-endian
// multi-byte integers.
func (s Submessage) LittleEndian() bool {
	return s.Flags&FlagLittleEndian != 0
}

// ByteOrder returns the binary.ByteOrder implied by the endianness flag.
func (s Submessage) ByteOrder() binary.ByteOrder {
	if s.LittleEndian() {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

const submessageHeaderLength = 4

// Classify splits an incoming datagram into its header and a sequence of
// (kind, body-slice) submessages, with zero copy into buf (spec §4.1). It
// fails with MalformedMessage on truncated or length-inconsistent input and
// never interprets submessage bodies itself.
func Classify(buf []byte) (Header, []Submessage, error) {
	hdr, n, err := ParseHeader(buf)
	if err != nil {
		return hdr, nil, err
	}
	rest := buf[n:]

	var subs []Submessage
	for len(rest) > 0 {
		if len(rest) < submessageHeaderLength {
			return hdr, nil, fmt.Errorf("%w: truncated submessage header", MalformedMessage)
		}
		kind := Kind(rest[0])
		flags := rest[1]
		var order binary.ByteOrder = binary.BigEndian
		if flags&FlagLittleEndian != 0 {
			order = binary.LittleEndian
		}
		length := order.Uint16(rest[2:4])
		end := submessageHeaderLength + int(length)
		if end > len(rest) {
			return hdr, nil, fmt.Errorf("%w: submessage length %d exceeds remaining %d", MalformedMessage, length, len(rest)-submessageHeaderLength)
		}
		subs = append(subs, Submessage{
			Kind:  kind,
			Flags: flags,
			Body:  rest[submessageHeaderLength:end],
		})
		rest = rest[end:]
	}
	return hdr, subs, nil
}

// EncodeSubmessage appends kind/flags/body as a framed submessage to dst,
// returning the extended slice. body must be <= 65535 bytes.
func EncodeSubmessage(dst []byte, kind Kind, flags byte, body []byte) ([]byte, error) {
	if len(body) > 0xFFFF {
		return dst, fmt.Errorf("wire: submessage body too large: %d bytes", len(body))
	}
	var order binary.ByteOrder = binary.BigEndian
	if flags&FlagLittleEndian != 0 {
		order = binary.LittleEndian
	}
	hdr := make([]byte, submessageHeaderLength)
	hdr[0] = byte(kind)
	hdr[1] = flags
	order.PutUint16(hdr[2:4], uint16(len(body)))
	dst = append(dst, hdr...)
	dst = append(dst, body...)
	return dst, nil
}
