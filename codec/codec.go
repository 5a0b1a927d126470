// Package codec defines the byte-codec collaborator contract of spec §6.3
// (the core consumes a codec, it does not define sample serialization) and
// ships one concrete, swappable implementation backed by
// github.com/ugorji/go/codec (msgpack), so the module runs end to end
// without an application having to supply its own.
package codec

import (
	"bytes"
	"fmt"

	ugcodec "github.com/ugorji/go/codec"
)

// TypeID is a stable identifier for a sample type, used for interop
// matching between a writer and reader's type systems (spec §4.7: "an
// external type system decides equivalence").
type TypeID string

// Codec encodes and decodes typed samples and computes the key hash used
// for keyed-topic instance identification.
type Codec interface {
	TypeID() TypeID
	Encode(sample interface{}) ([]byte, error)
	Decode(data []byte, out interface{}) error
	KeyHash(sample interface{}) ([]byte, error)
}

// EncapsulationHeaderLength is the size of the leading encapsulation header
// every encoded payload carries on the wire (spec §6.3: "assumes
// encapsulation-prefixed payloads and strips the encapsulation header
// before delivering to subscribers").
const EncapsulationHeaderLength = 4

var encapsulationHeader = [EncapsulationHeaderLength]byte{0x00, 0x01, 0x00, 0x00}

// MsgpackCodec is the reference Codec implementation. keyFields names the
// struct fields (by msgpack tag or Go field name) that form a keyed topic's
// instance key; a nil/empty keyFields means the topic is unkeyed.
type MsgpackCodec struct {
	typeID    TypeID
	handle    *ugcodec.MsgpackHandle
	keyFields []string
}

// NewMsgpackCodec constructs a MsgpackCodec for the named type.
func NewMsgpackCodec(typeID TypeID, keyFields ...string) *MsgpackCodec {
	h := &ugcodec.MsgpackHandle{}
	return &MsgpackCodec{typeID: typeID, handle: h, keyFields: keyFields}
}

func (c *MsgpackCodec) TypeID() TypeID { return c.typeID }

// Encode serializes sample and prepends the encapsulation header.
func (c *MsgpackCodec) Encode(sample interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(encapsulationHeader[:])
	enc := ugcodec.NewEncoder(&buf, c.handle)
	if err := enc.Encode(sample); err != nil {
		return nil, fmt.Errorf("codec: encoding %s: %w", c.typeID, err)
	}
	return buf.Bytes(), nil
}

// Decode strips the encapsulation header and deserializes into out.
func (c *MsgpackCodec) Decode(data []byte, out interface{}) error {
	if len(data) < EncapsulationHeaderLength {
		return fmt.Errorf("codec: payload shorter than encapsulation header")
	}
	dec := ugcodec.NewDecoder(bytes.NewReader(data[EncapsulationHeaderLength:]), c.handle)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("codec: decoding %s: %w", c.typeID, err)
	}
	return nil
}

// KeyHash re-encodes sample and returns its bytes as the instance key. A
// real deployment would project only the key fields; this reference
// implementation keys on the full encoding when keyFields is empty, and on
// a best-effort field-map projection otherwise.
func (c *MsgpackCodec) KeyHash(sample interface{}) ([]byte, error) {
	if len(c.keyFields) == 0 {
		return c.Encode(sample)
	}
	m, ok := toFieldMap(sample)
	if !ok {
		return c.Encode(sample)
	}
	projected := make(map[string]interface{}, len(c.keyFields))
	for _, f := range c.keyFields {
		projected[f] = m[f]
	}
	var buf bytes.Buffer
	enc := ugcodec.NewEncoder(&buf, c.handle)
	if err := enc.Encode(projected); err != nil {
		return nil, fmt.Errorf("codec: hashing key fields of %s: %w", c.typeID, err)
	}
	return buf.Bytes(), nil
}

func toFieldMap(sample interface{}) (map[string]interface{}, bool) {
	m, ok := sample.(map[string]interface{})
	return m, ok
}
