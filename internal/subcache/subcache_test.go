package subcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtpsmesh/ddscore/guid"
	"github.com/rtpsmesh/ddscore/qos"
)

func writerGUID(b byte) guid.GUID {
	var prefix guid.Prefix
	prefix[0] = b
	return guid.New(prefix, guid.EntityID{0, 0, 0, byte(guid.KindWriterWithKey)})
}

func TestCacheKeepLastEvictsOldest(t *testing.T) {
	policies := qos.Default()
	policies.History = qos.History{Kind: qos.KeepLast, Depth: 2}
	c := New(policies, nil)

	w := writerGUID(1)
	require.True(t, c.Insert(Sample{Writer: w, Instance: "a", Payload: []byte("1")}))
	require.True(t, c.Insert(Sample{Writer: w, Instance: "a", Payload: []byte("2")}))
	require.True(t, c.Insert(Sample{Writer: w, Instance: "a", Payload: []byte("3")}))

	out := c.TakeInstance("a")
	require.Len(t, out, 2)
	assert.Equal(t, []byte("2"), out[0].Payload)
	assert.Equal(t, []byte("3"), out[1].Payload)
}

func TestCacheKeepAllRejectsOnOverflow(t *testing.T) {
	policies := qos.Default()
	policies.History = qos.History{Kind: qos.KeepAll}
	policies.Resources.MaxSamplesPerInstance = 2
	c := New(policies, nil)

	w := writerGUID(1)
	require.True(t, c.Insert(Sample{Writer: w, Instance: "a", Payload: []byte("1")}))
	require.True(t, c.Insert(Sample{Writer: w, Instance: "a", Payload: []byte("2")}))
	require.False(t, c.Insert(Sample{Writer: w, Instance: "a", Payload: []byte("3")}))

	assert.Equal(t, 2, c.Len())
}

func TestCacheExclusiveOwnershipHigherStrengthWins(t *testing.T) {
	policies := qos.Default()
	policies.Ownership = qos.Ownership{Kind: qos.ExclusiveOwnership}
	c := New(policies, nil)

	weak := writerGUID(1)
	strong := writerGUID(2)

	require.True(t, c.Insert(Sample{Writer: weak, Instance: "a", Strength: 1, Payload: []byte("weak")}))

	accepted := c.Insert(Sample{Writer: strong, Instance: "a", Strength: 5, Payload: []byte("strong")})
	require.True(t, accepted)

	rejected := c.Insert(Sample{Writer: weak, Instance: "a", Strength: 1, Payload: []byte("weak-after")})
	require.False(t, rejected)

	out := c.TakeInstance("a")
	require.NotEmpty(t, out)
	assert.Equal(t, []byte("strong"), out[len(out)-1].Payload)
}

func TestCacheExclusiveOwnershipTieBrokenByGUID(t *testing.T) {
	policies := qos.Default()
	policies.Ownership = qos.Ownership{Kind: qos.ExclusiveOwnership}
	c := New(policies, nil)

	lower := writerGUID(1)
	higher := writerGUID(2)

	require.True(t, c.Insert(Sample{Writer: lower, Instance: "a", Strength: 3, Payload: []byte("from-lower")}))
	// Equal strength: the higher GUID supersedes the lower one.
	require.True(t, c.Insert(Sample{Writer: higher, Instance: "a", Strength: 3, Payload: []byte("from-higher")}))
	// Equal strength again: the lower GUID cannot take it back.
	require.False(t, c.Insert(Sample{Writer: lower, Instance: "a", Strength: 3, Payload: []byte("from-lower-again")}))
}

func TestCacheSharedOwnershipAcceptsEveryWriter(t *testing.T) {
	c := New(qos.Default(), nil)
	require.True(t, c.Insert(Sample{Writer: writerGUID(1), Instance: "a", Payload: []byte("1")}))
	require.True(t, c.Insert(Sample{Writer: writerGUID(2), Instance: "a", Payload: []byte("2")}))
}
