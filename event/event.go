// Package event defines the tagged lifecycle event variants of spec §3
// (Event), produced by the discovery FSM, heartbeat/lease timers, and the
// reliability engine, and delivered over internal/eventbus.
package event

import (
	"time"

	"github.com/rtpsmesh/ddscore/guid"
	"github.com/rtpsmesh/ddscore/qos"
)

// Kind tags which variant an Event carries.
type Kind int

const (
	OnPeerDiscovered Kind = iota
	OnMatch
	OnUnmatch
	OnIncompatibleQoS
	OnIncompatibleType
	OnLivelinessLost
	OnDeadlineMissed
	OnSampleLost
	OnSampleRejected
)

func (k Kind) String() string {
	switch k {
	case OnPeerDiscovered:
		return "on-peer-discovered"
	case OnMatch:
		return "on-match"
	case OnUnmatch:
		return "on-unmatch"
	case OnIncompatibleQoS:
		return "on-incompatible-qos"
	case OnIncompatibleType:
		return "on-incompatible-type"
	case OnLivelinessLost:
		return "on-liveliness-lost"
	case OnDeadlineMissed:
		return "on-deadline-missed"
	case OnSampleLost:
		return "on-sample-lost"
	case OnSampleRejected:
		return "on-sample-rejected"
	default:
		return "unknown"
	}
}

// Direction distinguishes which side of a match an event describes.
type Direction int

const (
	DirectionWriter Direction = iota
	DirectionReader
)

// Event is the single concrete type carried over the event bus; Kind
// selects which fields are meaningful, mirroring the spec's tagged-variant
// description without needing a sum type.
type Event struct {
	Kind Kind
	At   time.Time

	WriterGUID guid.GUID
	ReaderGUID guid.GUID
	Direction  Direction

	Policy    qos.PolicyID
	Offered   string
	Requested string

	PeerPrefix guid.Prefix

	InstanceKey string
}
