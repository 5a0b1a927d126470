package paramlist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	nameParam, err := Encode(ParamParticipantName, "alice")
	require.NoError(t, err)
	leaseParam, err := Encode(ParamLeaseDuration, int64(10_000_000_000))
	require.NoError(t, err)

	list := List{nameParam, leaseParam}
	buf, err := list.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Len(t, got, 2)

	p, ok := got.Get(ParamParticipantName)
	require.True(t, ok)
	var name string
	require.NoError(t, p.Decode(&name))
	require.Equal(t, "alice", name)
}

func TestUnmarshalMissingSentinel(t *testing.T) {
	_, err := Unmarshal([]byte{0, 5, 0, 0})
	require.Error(t, err)
}
