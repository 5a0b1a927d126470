// Package paramlist implements the parameter-list encoding used by the
// discovery protocols (spec §6.1: "Parameter-list encoding for discovery
// uses 2-byte parameter id + 2-byte length + aligned value, terminated by a
// sentinel pid=0x0001 length=0"). Each parameter's value is itself CBOR
// (github.com/fxamacker/cbor/v2), giving the teacher's own extensible,
// self-describing value encoding inside RTPS's fixed TLV framing.
package paramlist

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ParamID names one field of a discovery announcement.
type ParamID uint16

// Sentinel terminates a parameter list (spec §6.1).
const Sentinel ParamID = 0x0001

// Well-known parameter ids used by SPDP/SEDP announcements.
const (
	ParamParticipantGUID ParamID = 0x0050
	ParamParticipantName ParamID = 0x0044
	ParamProtocolVersion ParamID = 0x0015
	ParamVendorID        ParamID = 0x0016
	ParamLeaseDuration   ParamID = 0x0002
	ParamMetaUnicastLoc  ParamID = 0x0032
	ParamMetaMulticastLoc ParamID = 0x0033
	ParamUserUnicastLoc  ParamID = 0x002C
	ParamUserMulticastLoc ParamID = 0x002D
	ParamBuiltinEndpoints ParamID = 0x0058

	ParamEndpointGUID    ParamID = 0x005A
	ParamTopicName       ParamID = 0x0005
	ParamTypeID          ParamID = 0x0006
	ParamQoSPolicies     ParamID = 0x0007
	ParamPartitions      ParamID = 0x0029
)

// Param is one (id, cbor-encoded value) entry.
type Param struct {
	ID    ParamID
	Value []byte
}

// Encode serializes a value with cbor and wraps it as a Param.
func Encode(id ParamID, v interface{}) (Param, error) {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return Param{}, fmt.Errorf("paramlist: encoding param 0x%04x: %w", id, err)
	}
	return Param{ID: id, Value: raw}, nil
}

// Decode unmarshals a Param's value into v.
func (p Param) Decode(v interface{}) error {
	return cbor.Unmarshal(p.Value, v)
}

// List is an ordered sequence of parameters, terminated on the wire by
// Sentinel.
type List []Param

// Marshal serializes the list to its TLV wire form, appending the sentinel.
func (l List) Marshal() ([]byte, error) {
	var out []byte
	for _, p := range l {
		if len(p.Value) > 0xFFFF {
			return nil, fmt.Errorf("paramlist: value for 0x%04x too large: %d bytes", p.ID, len(p.Value))
		}
		hdr := make([]byte, 4)
		binary.BigEndian.PutUint16(hdr[0:2], uint16(p.ID))
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(p.Value)))
		out = append(out, hdr...)
		out = append(out, p.Value...)
	}
	sentinel := make([]byte, 4)
	binary.BigEndian.PutUint16(sentinel[0:2], uint16(Sentinel))
	out = append(out, sentinel...)
	return out, nil
}

// Unmarshal parses a TLV parameter list from buf, stopping at the sentinel.
func Unmarshal(buf []byte) (List, error) {
	var l List
	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, fmt.Errorf("paramlist: truncated parameter header")
		}
		id := ParamID(binary.BigEndian.Uint16(buf[0:2]))
		length := int(binary.BigEndian.Uint16(buf[2:4]))
		buf = buf[4:]
		if id == Sentinel && length == 0 {
			return l, nil
		}
		if len(buf) < length {
			return nil, fmt.Errorf("paramlist: parameter 0x%04x truncated value", id)
		}
		l = append(l, Param{ID: id, Value: buf[:length]})
		buf = buf[length:]
	}
	return nil, fmt.Errorf("paramlist: missing sentinel")
}

// Get returns the first parameter with the given id, if present.
func (l List) Get(id ParamID) (Param, bool) {
	for _, p := range l {
		if p.ID == id {
			return p, true
		}
	}
	return Param{}, false
}
