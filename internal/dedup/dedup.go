// Package dedup implements the router's (writer GUID, sequence number)
// duplicate filter: "a packet received via both multicast and unicast is
// delivered once. Window size is bounded; outside the window, duplicates
// are accepted" (spec §4.3). A bloom filter (github.com/yawning/bloom)
// gives a cheap probabilistic pre-check; an exact bounded LRU resolves the
// rare bloom false positive and anchors the sliding window.
package dedup

import (
	"container/list"
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/yawning/bloom"

	"github.com/rtpsmesh/ddscore/guid"
	"github.com/rtpsmesh/ddscore/seqnum"
)

// Key identifies one (writer, sequence) pair.
type Key struct {
	Writer guid.GUID
	Seq    seqnum.SeqNum
}

func (k Key) bytes() []byte {
	b := make([]byte, guid.Length+8)
	wb := k.Writer.Bytes()
	copy(b, wb[:])
	binary.BigEndian.PutUint64(b[guid.Length:], uint64(k.Seq))
	return b
}

func (k Key) hash() uint64 {
	return xxhash.Sum64(k.bytes())
}

// Filter is a bounded, thread-safe dedup window.
type Filter struct {
	mu       sync.Mutex
	bloom    *bloom.Filter
	capacity int
	order    *list.List               // front = most recently seen
	index    map[uint64]*list.Element // hash -> list element (exact check)
}

// New creates a Filter that remembers up to capacity recently seen keys.
func New(capacity int) *Filter {
	if capacity < 1 {
		capacity = 1
	}
	return &Filter{
		bloom:    bloom.New(uint32(capacity*8), 4),
		capacity: capacity,
		order:    list.New(),
		index:    make(map[uint64]*list.Element, capacity),
	}
}

// Seen reports whether key has already been recorded in the current
// window, and records it regardless (matching the "check-and-insert" usage
// every call site needs: one lookup per received DATA submessage).
func (f *Filter) Seen(key Key) bool {
	h := key.hash()
	hb := make([]byte, 8)
	binary.BigEndian.PutUint64(hb, h)

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.bloom.Test(hb) {
		f.bloom.Add(hb)
		f.insert(h)
		return false
	}

	if elem, ok := f.index[h]; ok {
		f.order.MoveToFront(elem)
		return true
	}

	// Bloom false positive: not actually present, treat as new.
	f.insert(h)
	return false
}

func (f *Filter) insert(h uint64) {
	elem := f.order.PushFront(h)
	f.index[h] = elem
	if f.order.Len() > f.capacity {
		oldest := f.order.Back()
		if oldest != nil {
			f.order.Remove(oldest)
			delete(f.index, oldest.Value.(uint64))
		}
	}
}
