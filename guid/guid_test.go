package guid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPrefixIsRandomAndCorrectLength(t *testing.T) {
	a, err := NewPrefix()
	require.NoError(t, err)
	b, err := NewPrefix()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Len(t, a[:], PrefixLength)
}

func TestGUIDBytesRoundTrip(t *testing.T) {
	prefix, err := NewPrefix()
	require.NoError(t, err)
	entity := EntityID{0x00, 0x00, 0x01, byte(KindWriterWithKey)}

	g := New(prefix, entity)
	out, err := FromBytes(g.Bytes()[:])
	require.NoError(t, err)
	assert.Equal(t, g, out)
}

func TestFromBytesRejectsWrongLength(t *testing.T) {
	_, err := FromBytes(make([]byte, Length-1))
	assert.Error(t, err)
}

func TestEntityIDKindAndBuiltin(t *testing.T) {
	writer := EntityID{0x00, 0x00, 0x01, byte(KindWriterWithKey)}
	assert.Equal(t, KindWriterWithKey, writer.Kind())
	assert.False(t, writer.IsBuiltin())

	assert.True(t, EntityIDSPDPBuiltinWriter.IsBuiltin())
	assert.True(t, EntityIDParticipant.IsBuiltin())
}

func TestGUIDIsParticipant(t *testing.T) {
	prefix, err := NewPrefix()
	require.NoError(t, err)

	participant := New(prefix, EntityIDParticipant)
	assert.True(t, participant.IsParticipant())

	writer := New(prefix, EntityID{0x00, 0x00, 0x01, byte(KindWriterWithKey)})
	assert.False(t, writer.IsParticipant())
}
