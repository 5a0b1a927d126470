package dedup

import (
	"testing"

	"github.com/jackc/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtpsmesh/ddscore/guid"
	"github.com/rtpsmesh/ddscore/seqnum"
)

func randomKey() Key {
	var g guid.GUID
	copy(g.Prefix[:], []byte(fake.CharactersN(guid.PrefixLength)))
	copy(g.Entity[:], []byte(fake.CharactersN(guid.EntityIDLength)))
	return Key{Writer: g, Seq: seqnum.SeqNum(len(fake.Word()))}
}

func TestSeenReportsFalseOnceThenTrue(t *testing.T) {
	f := New(16)
	k := randomKey()
	assert.False(t, f.Seen(k))
	assert.True(t, f.Seen(k))
	assert.True(t, f.Seen(k))
}

func TestSeenDistinguishesRandomKeys(t *testing.T) {
	f := New(64)
	seen := make(map[Key]bool)
	for i := 0; i < 200; i++ {
		k := randomKey()
		if seen[k] {
			continue
		}
		seen[k] = true
		require.False(t, f.Seen(k), "freshly generated key must not already be marked seen")
	}
}

func TestWindowEvictsOldestBeyondCapacity(t *testing.T) {
	const capacity = 4
	f := New(capacity)

	var first Key
	first.Writer.Prefix[0] = 0xFF
	first.Seq = 1
	require.False(t, f.Seen(first))

	for i := 0; i < capacity+2; i++ {
		var k Key
		k.Writer.Prefix[0] = byte(i + 1)
		k.Seq = seqnum.SeqNum(i)
		f.Seen(k)
	}

	// first has aged out of the bounded LRU window; outside the window
	// duplicates are accepted again (spec §4.3), so Seen reports it as new.
	assert.False(t, f.Seen(first))
}
