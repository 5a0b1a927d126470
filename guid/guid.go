// Package guid implements the GUID, GUID prefix, and entity id types that
// identify participants and endpoints in a domain, per spec §3.
package guid

import (
	"encoding/hex"
	"fmt"

	"github.com/gofrs/uuid"
)

// PrefixLength is the size in bytes of a participant's GUID prefix.
const PrefixLength = 12

// EntityIDLength is the size in bytes of an entity id.
const EntityIDLength = 4

// Length is the size in bytes of a full GUID (prefix + entity id).
const Length = PrefixLength + EntityIDLength

// EntityKind identifies the role encoded in the low byte of an EntityID.
type EntityKind byte

// Well-known entity kinds, matching RTPS's builtin entity kind codes.
const (
	KindParticipant      EntityKind = 0x01
	KindWriterWithKey    EntityKind = 0x02
	KindWriterNoKey      EntityKind = 0x03
	KindReaderWithKey    EntityKind = 0x07
	KindReaderNoKey      EntityKind = 0x04
	KindBuiltinWriterWK  EntityKind = 0xC2
	KindBuiltinWriterNK  EntityKind = 0xC3
	KindBuiltinReaderWK  EntityKind = 0xC7
	KindBuiltinReaderNK  EntityKind = 0xC4
	KindBuiltinParticipant EntityKind = 0xC1
)

// EntityIDUnknown is the RTPS ENTITYID_UNKNOWN wildcard: a DATA submessage
// addressed to it targets every matched reader on the writer's topic rather
// than one specific reader (spec §4.3 multicast delivery).
var EntityIDUnknown = EntityID{0x00, 0x00, 0x00, 0x00}

// Well-known builtin entity ids, used for the discovery endpoints (§4.7).
var (
	EntityIDParticipant           = EntityID{0x00, 0x00, 0x01, byte(KindBuiltinParticipant)}
	EntityIDSPDPBuiltinWriter     = EntityID{0x00, 0x01, 0x00, byte(KindBuiltinWriterWK)}
	EntityIDSPDPBuiltinReader     = EntityID{0x00, 0x01, 0x00, byte(KindBuiltinReaderWK)}
	EntityIDSEDPPublicationsWriter  = EntityID{0x00, 0x03, 0x00, byte(KindBuiltinWriterWK)}
	EntityIDSEDPPublicationsReader  = EntityID{0x00, 0x03, 0x00, byte(KindBuiltinReaderWK)}
	EntityIDSEDPSubscriptionsWriter = EntityID{0x00, 0x04, 0x00, byte(KindBuiltinWriterWK)}
	EntityIDSEDPSubscriptionsReader = EntityID{0x00, 0x04, 0x00, byte(KindBuiltinReaderWK)}
)

// Prefix is a participant's globally unique prefix.
type Prefix [PrefixLength]byte

// String returns the hex encoding of the prefix.
func (p Prefix) String() string {
	return hex.EncodeToString(p[:])
}

// NewPrefix generates a random participant prefix.
func NewPrefix() (Prefix, error) {
	var p Prefix
	u, err := uuid.NewV4()
	if err != nil {
		return p, fmt.Errorf("guid: generating prefix: %w", err)
	}
	// A uuid is 16 bytes; a prefix is 12. Use the first 12 bytes of the
	// random UUID, which is the standard way the spec's "globally unique
	// per participant" prefix is produced here.
	copy(p[:], u.Bytes()[:PrefixLength])
	return p, nil
}

// EntityID is an entity's 3-byte key plus 1-byte kind.
type EntityID [EntityIDLength]byte

// Kind returns the entity kind byte.
func (e EntityID) Kind() EntityKind {
	return EntityKind(e[3])
}

// IsBuiltin reports whether this entity id names a well-known discovery
// endpoint (high bit of the kind byte set, per RTPS convention).
func (e EntityID) IsBuiltin() bool {
	return e[3]&0x80 != 0 || e == EntityIDParticipant
}

// GUID uniquely identifies a participant (EntityID == EntityIDParticipant)
// or one of its owned endpoints.
type GUID struct {
	Prefix Prefix
	Entity EntityID
}

// New builds a GUID from a prefix and entity id.
func New(prefix Prefix, entity EntityID) GUID {
	return GUID{Prefix: prefix, Entity: entity}
}

// Bytes returns the 16-byte wire representation: prefix || entity id.
func (g GUID) Bytes() [Length]byte {
	var out [Length]byte
	copy(out[:PrefixLength], g.Prefix[:])
	copy(out[PrefixLength:], g.Entity[:])
	return out
}

// FromBytes parses a 16-byte wire representation into a GUID.
func FromBytes(b []byte) (GUID, error) {
	var g GUID
	if len(b) != Length {
		return g, fmt.Errorf("guid: expected %d bytes, got %d", Length, len(b))
	}
	copy(g.Prefix[:], b[:PrefixLength])
	copy(g.Entity[:], b[PrefixLength:])
	return g, nil
}

// String renders the GUID as prefix:entity in hex, e.g. for logging.
func (g GUID) String() string {
	return fmt.Sprintf("%s:%x", g.Prefix, g.Entity[:])
}

// IsParticipant reports whether this GUID names a participant itself,
// rather than one of its endpoints.
func (g GUID) IsParticipant() bool {
	return g.Entity == EntityIDParticipant
}
