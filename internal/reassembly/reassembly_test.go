package reassembly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtpsmesh/ddscore/guid"
	"github.com/rtpsmesh/ddscore/seqnum"
)

func testWriter() guid.GUID {
	var g guid.GUID
	g.Prefix[0] = 9
	g.Entity = guid.EntityID{0, 0, 1, byte(guid.KindWriterWithKey)}
	return g
}

// Scenario 6 (spec §8): fragmentation round-trip. Writer sends a 192 KB
// sample with fragment size 64 KB; dropping and later repairing fragment 2
// must still yield exactly one delivery of the original bytes.
func TestReassemblyCompletesInAnyFragmentOrder(t *testing.T) {
	const fragSize = 64 * 1024
	const sampleSize = 3 * fragSize
	payload := make([]byte, sampleSize)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	var completed []byte
	completions := 0
	buf := New(0, time.Second, func(w guid.GUID, seq seqnum.SeqNum, p []byte) {
		completions++
		completed = p
	}, nil, nil)

	w := testWriter()
	// Deliver fragment 3, then 1, then 2 (out of order).
	buf.OnFragment(w, 1, 3, 3, fragSize, sampleSize, payload[2*fragSize:3*fragSize])
	assert.Equal(t, 1, buf.Pending())
	buf.OnFragment(w, 1, 1, 3, fragSize, sampleSize, payload[0:fragSize])
	buf.OnFragment(w, 1, 2, 3, fragSize, sampleSize, payload[fragSize:2*fragSize])

	require.Equal(t, 1, completions)
	assert.Equal(t, payload, completed)
	assert.Equal(t, 0, buf.Pending())
}

func TestStaleCheckRequestsNackFragForMissingPieces(t *testing.T) {
	const fragSize = 1024
	const sampleSize = 3 * fragSize

	var nackSeq seqnum.SeqNum
	var nackMissing []uint32
	buf := New(0, time.Second, nil, nil, func(w guid.GUID, seq seqnum.SeqNum, missing []uint32) {
		nackSeq = seq
		nackMissing = missing
	})

	w := testWriter()
	buf.OnFragment(w, 5, 1, 3, fragSize, sampleSize, make([]byte, fragSize))
	buf.OnFragment(w, 5, 3, 3, fragSize, sampleSize, make([]byte, fragSize))
	// Fragment 2 never arrives.

	buf.StaleCheck()

	assert.Equal(t, seqnum.SeqNum(5), nackSeq)
	assert.Equal(t, []uint32{2}, nackMissing)
}

func TestStaleCheckEvictsAgedReassembly(t *testing.T) {
	const fragSize = 1024
	const sampleSize = 2 * fragSize

	aborted := 0
	buf := New(0, 10*time.Millisecond, nil, func(w guid.GUID, seq seqnum.SeqNum) {
		aborted++
	}, nil)

	w := testWriter()
	buf.OnFragment(w, 1, 1, 2, fragSize, sampleSize, make([]byte, fragSize))

	time.Sleep(20 * time.Millisecond)
	buf.StaleCheck()

	assert.Equal(t, 1, aborted)
	assert.Equal(t, 0, buf.Pending())
}

func TestBoundedCardinalityEvictsOldestUnderPressure(t *testing.T) {
	const fragSize = 1024
	const sampleSize = fragSize

	abortedCh := make(chan guid.GUID, 8)
	buf := New(2, time.Minute, nil, func(w guid.GUID, seq seqnum.SeqNum) {
		abortedCh <- w
	}, nil)

	w := testWriter()
	buf.OnFragment(w, 1, 1, 2, fragSize, sampleSize, make([]byte, fragSize)) // incomplete, stays pending
	buf.OnFragment(w, 2, 1, 2, fragSize, sampleSize, make([]byte, fragSize))
	buf.OnFragment(w, 3, 1, 2, fragSize, sampleSize, make([]byte, fragSize))

	assert.Equal(t, 2, buf.Pending())
	select {
	case <-abortedCh:
	case <-time.After(time.Second):
		t.Fatal("expected eviction of oldest partial reassembly")
	}
}
