// Package subcache implements the per-reader subscriber sample cache of
// spec §4.9: KEEP_LAST(N) evicts the oldest sample beyond N per instance
// key; KEEP_ALL is bounded by resource limits and rejects new samples on
// overflow. github.com/eapache/queue backs each instance's FIFO so
// eviction is O(1).
package subcache

import (
	"bytes"
	"sync"

	"github.com/eapache/queue"

	"github.com/rtpsmesh/ddscore/guid"
	"github.com/rtpsmesh/ddscore/qos"
	"github.com/rtpsmesh/ddscore/seqnum"
)

// Sample is one delivered, decoded payload plus its provenance. Strength
// is the writing DataWriter's OWNERSHIP_STRENGTH, consulted only when the
// reader's policies request EXCLUSIVE ownership.
type Sample struct {
	Writer   guid.GUID
	Seq      seqnum.SeqNum
	Instance string
	Payload  []byte
	Strength int32
}

type owner struct {
	writer   guid.GUID
	strength int32
}

// Cache is a single reader's sample store.
type Cache struct {
	mu          sync.Mutex
	policies    qos.Policies
	perInstance map[string]*queue.Queue
	owners      map[string]owner
	totalCount  int

	onDataAvailable func()
}

// New creates a Cache governed by the reader's QoS policies. onDataAvailable,
// if non-nil, is invoked (outside the cache's lock) whenever a new sample
// is accepted, so a WaitSet's data-available condition can be set (spec
// §4.9).
func New(policies qos.Policies, onDataAvailable func()) *Cache {
	return &Cache{
		policies:        policies,
		perInstance:     make(map[string]*queue.Queue),
		owners:          make(map[string]owner),
		onDataAvailable: onDataAvailable,
	}
}

// Insert adds a newly-arrived sample, applying KEEP_LAST eviction or
// KEEP_ALL resource-limit rejection. accepted is false for a rejected
// KEEP_ALL overflow (spec: "a sample-rejected event is raised to both
// reader and writer"), and also false when EXCLUSIVE ownership (spec §9)
// attributes the instance to a different, stronger writer: ties are
// broken by GUID so every reader picks the same owner independently.
func (c *Cache) Insert(s Sample) (accepted bool) {
	c.mu.Lock()
	if c.policies.Ownership.Kind == qos.ExclusiveOwnership && s.Instance != "" {
		if cur, ok := c.owners[s.Instance]; ok && cur.writer != s.Writer {
			if !ownerSupersedes(s.Writer, s.Strength, cur.writer, cur.strength) {
				c.mu.Unlock()
				return false
			}
		}
		c.owners[s.Instance] = owner{writer: s.Writer, strength: s.Strength}
	}

	q, ok := c.perInstance[s.Instance]
	if !ok {
		q = queue.New()
		c.perInstance[s.Instance] = q
	}

	switch c.policies.History.Kind {
	case qos.KeepLast:
		depth := c.policies.History.Depth
		if depth <= 0 {
			depth = 1
		}
		for q.Length() >= depth {
			q.Remove()
			c.totalCount--
		}
		q.Add(s)
		c.totalCount++
		accepted = true
	default: // KeepAll
		limit := c.policies.Resources.MaxSamplesPerInstance
		if limit > 0 && q.Length() >= limit {
			c.mu.Unlock()
			return false
		}
		overall := c.policies.Resources.MaxSamples
		if overall > 0 && c.totalCount >= overall {
			c.mu.Unlock()
			return false
		}
		q.Add(s)
		c.totalCount++
		accepted = true
	}
	c.mu.Unlock()

	if accepted && c.onDataAvailable != nil {
		c.onDataAvailable()
	}
	return accepted
}

// Take removes and returns every currently cached sample across all
// instances, oldest first per instance (non-blocking, per spec §5:
// "Reader take is non-blocking").
func (c *Cache) Take() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Sample
	for _, q := range c.perInstance {
		for q.Length() > 0 {
			out = append(out, q.Remove().(Sample))
			c.totalCount--
		}
	}
	return out
}

// TakeInstance removes and returns every cached sample for one instance key.
func (c *Cache) TakeInstance(instance string) []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.perInstance[instance]
	if !ok {
		return nil
	}
	var out []Sample
	for q.Length() > 0 {
		out = append(out, q.Remove().(Sample))
		c.totalCount--
	}
	return out
}

// Len returns the total number of currently cached samples.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalCount
}

// ownerSupersedes reports whether candidate (with candidateStrength)
// should replace the current EXCLUSIVE owner: higher strength wins; equal
// strength is broken by GUID so every reader converges on the same owner
// without coordination (spec §9).
func ownerSupersedes(candidate guid.GUID, candidateStrength int32, current guid.GUID, currentStrength int32) bool {
	if candidateStrength != currentStrength {
		return candidateStrength > currentStrength
	}
	return bytes.Compare(candidateBytes(candidate), candidateBytes(current)) > 0
}

func candidateBytes(g guid.GUID) []byte {
	b := make([]byte, 0, len(g.Prefix)+len(g.Entity))
	b = append(b, g.Prefix[:]...)
	b = append(b, g.Entity[:]...)
	return b
}
