package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type weather struct {
	Station string
	Celsius float64
}

func TestMsgpackCodecEncodeDecodeRoundTrip(t *testing.T) {
	c := NewMsgpackCodec("weather")

	in := weather{Station: "kpdx", Celsius: 21.5}
	enc, err := c.Encode(in)
	require.NoError(t, err)
	assert.Equal(t, encapsulationHeader[:], enc[:EncapsulationHeaderLength])

	var out weather
	require.NoError(t, c.Decode(enc, &out))
	assert.Equal(t, in, out)
}

func TestMsgpackCodecDecodeRejectsShortPayload(t *testing.T) {
	c := NewMsgpackCodec("weather")
	err := c.Decode([]byte{0x00, 0x01}, &weather{})
	assert.Error(t, err)
}

func TestMsgpackCodecKeyHashUnkeyedUsesFullEncoding(t *testing.T) {
	c := NewMsgpackCodec("weather")
	in := weather{Station: "kpdx", Celsius: 21.5}

	encoded, err := c.Encode(in)
	require.NoError(t, err)
	keyed, err := c.KeyHash(in)
	require.NoError(t, err)

	assert.Equal(t, encoded, keyed)
}

func TestMsgpackCodecKeyHashProjectsKeyFields(t *testing.T) {
	c := NewMsgpackCodec("weather", "Station")

	a := map[string]interface{}{"Station": "kpdx", "Celsius": 21.5}
	b := map[string]interface{}{"Station": "kpdx", "Celsius": 9.0}

	keyA, err := c.KeyHash(a)
	require.NoError(t, err)
	keyB, err := c.KeyHash(b)
	require.NoError(t, err)

	assert.Equal(t, keyA, keyB, "same Station key field should hash identically despite differing Celsius")
}

func TestMsgpackCodecTypeID(t *testing.T) {
	c := NewMsgpackCodec("weather")
	assert.Equal(t, TypeID("weather"), c.TypeID())
}
