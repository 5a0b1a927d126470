// Package dialect implements the per-peer wire variant selection of spec
// §9: "a dialect detector observes a peer's announced vendor id and
// selects a per-peer encoder/decoder variant." The rule is asymmetric —
// dialect-specific decoders may call into the neutral internal/wire codec,
// but internal/wire never depends on dialect.
package dialect

import (
	"sync"

	"github.com/rtpsmesh/ddscore/internal/wire"
)

// VendorRTPSMesh is this module's own vendor id, used when no peer-specific
// quirk applies.
var VendorRTPSMesh = wire.VendorID{0x01, 0x01}

// Decoder parses submessage bodies for one wire dialect. Every method
// mirrors a decode function in internal/wire.
type Decoder interface {
	DecodeData(s wire.Submessage) (wire.Data, error)
	DecodeDataFrag(s wire.Submessage) (wire.DataFrag, error)
}

// neutralDecoder delegates directly to internal/wire with no variant
// handling; it is the Registry's fallback for unregistered vendor ids.
type neutralDecoder struct{}

func (neutralDecoder) DecodeData(s wire.Submessage) (wire.Data, error) {
	return wire.DecodeData(s)
}

func (neutralDecoder) DecodeDataFrag(s wire.Submessage) (wire.DataFrag, error) {
	return wire.DecodeDataFrag(s)
}

// Neutral is the core decoder with no per-vendor adjustments.
var Neutral Decoder = neutralDecoder{}

// lenientInlineTopicDecoder tolerates a known interop quirk in some peer
// implementations: DataFlagInlineQoS is set but the topic name was encoded
// without its length prefix truncation guard, leaving a trailing NUL. It
// calls into the neutral decoder and then trims the result, never
// reimplementing the core parse.
type lenientInlineTopicDecoder struct{}

func (lenientInlineTopicDecoder) DecodeData(s wire.Submessage) (wire.Data, error) {
	d, err := wire.DecodeData(s)
	if err != nil {
		return d, err
	}
	for len(d.InlineTopic) > 0 && d.InlineTopic[len(d.InlineTopic)-1] == 0x00 {
		d.InlineTopic = d.InlineTopic[:len(d.InlineTopic)-1]
	}
	return d, nil
}

func (lenientInlineTopicDecoder) DecodeDataFrag(s wire.Submessage) (wire.DataFrag, error) {
	return wire.DecodeDataFrag(s)
}

// Registry selects a Decoder by a peer's announced vendor id.
type Registry struct {
	mu       sync.RWMutex
	byVendor map[wire.VendorID]Decoder
}

// NewRegistry creates a Registry pre-populated with this module's own
// vendor id and one documented peer quirk, matching the teacher's own
// pattern of registering known-peer variants up front.
func NewRegistry() *Registry {
	r := &Registry{byVendor: make(map[wire.VendorID]Decoder)}
	r.Register(VendorRTPSMesh, Neutral)
	r.Register(wire.VendorID{0x01, 0x0F}, lenientInlineTopicDecoder{})
	return r
}

// Register binds vendor to a specific Decoder, overriding any existing
// binding.
func (r *Registry) Register(vendor wire.VendorID, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byVendor[vendor] = d
}

// For returns the Decoder registered for vendor, or Neutral if none is
// registered.
func (r *Registry) For(vendor wire.VendorID) Decoder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.byVendor[vendor]; ok {
		return d
	}
	return Neutral
}
