package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindStringNamesEveryVariant(t *testing.T) {
	cases := map[Kind]string{
		OnPeerDiscovered:   "on-peer-discovered",
		OnMatch:            "on-match",
		OnUnmatch:          "on-unmatch",
		OnIncompatibleQoS:  "on-incompatible-qos",
		OnIncompatibleType: "on-incompatible-type",
		OnLivelinessLost:   "on-liveliness-lost",
		OnDeadlineMissed:   "on-deadline-missed",
		OnSampleLost:       "on-sample-lost",
		OnSampleRejected:   "on-sample-rejected",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
	assert.Equal(t, "unknown", Kind(999).String())
}

func TestDirectionZeroValueIsWriter(t *testing.T) {
	var e Event
	assert.Equal(t, DirectionWriter, e.Direction)
}
