// Package registry implements the topic registry of spec §3 and §4.8: a
// name → {topic record with subscriber list} map, and a writer-GUID →
// topic-name map populated by endpoint discovery so a DATA submessage
// carrying only a writer GUID can be routed without parsing its payload.
// The hot path (the router resolving a writer GUID) only ever takes a read
// lock; writes happen only on discovery events, which are rare (§4.8).
package registry

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/rtpsmesh/ddscore/guid"
)

// LocalReader is the narrow surface the registry needs from a matched
// local reader to deliver a sample without the registry knowing anything
// about sample caches, QoS, or reassembly (spec §4.9's job, not this
// package's).
type LocalReader interface {
	GUID() guid.GUID
	// Deliver is a non-blocking enqueue; ok is false if the reader's
	// cache was full and the sample was dropped (spec §4.3: "Router
	// never blocks on application delivery").
	Deliver(writer guid.GUID, payload []byte) (ok bool)
}

// Topic is one named channel's registry entry.
type Topic struct {
	Name    string
	Writers map[guid.GUID]struct{}
	Readers map[guid.GUID]LocalReader
}

const shardCount = 16

type shard struct {
	mu          sync.RWMutex
	topics      map[string]*Topic
	writerTopic map[guid.GUID]string
}

// Registry is a sharded topic registry; shard selection is by a fast hash
// of the topic name (or writer GUID for the writer→topic index), keeping
// any one critical section short.
type Registry struct {
	shards [shardCount]*shard
}

// New creates an empty Registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{
			topics:      make(map[string]*Topic),
			writerTopic: make(map[guid.GUID]string),
		}
	}
	return r
}

func (r *Registry) shardForTopic(name string) *shard {
	h := xxhash.Sum64String(name)
	return r.shards[h%uint64(len(r.shards))]
}

func (r *Registry) shardForWriter(w guid.GUID) *shard {
	b := w.Bytes()
	h := xxhash.Sum64(b[:])
	return r.shards[h%uint64(len(r.shards))]
}

// BindWriter records that writer publishes on topic (spec §3 invariant:
// "writer→topic binding is created before data from that writer is
// delivered").
func (r *Registry) BindWriter(writer guid.GUID, topic string) {
	ts := r.shardForTopic(topic)
	ts.mu.Lock()
	t, ok := ts.topics[topic]
	if !ok {
		t = &Topic{Name: topic, Writers: map[guid.GUID]struct{}{}, Readers: map[guid.GUID]LocalReader{}}
		ts.topics[topic] = t
	}
	t.Writers[writer] = struct{}{}
	ts.mu.Unlock()

	ws := r.shardForWriter(writer)
	ws.mu.Lock()
	ws.writerTopic[writer] = topic
	ws.mu.Unlock()
}

// UnbindWriter removes writer from topic's writer set and drops the
// writer→topic index entry, per "binding survives until the writer is
// unmatched".
func (r *Registry) UnbindWriter(writer guid.GUID, topic string) {
	ts := r.shardForTopic(topic)
	ts.mu.Lock()
	if t, ok := ts.topics[topic]; ok {
		delete(t.Writers, writer)
	}
	ts.mu.Unlock()

	ws := r.shardForWriter(writer)
	ws.mu.Lock()
	delete(ws.writerTopic, writer)
	ws.mu.Unlock()
}

// AddReader registers a local reader as a subscriber of topic.
func (r *Registry) AddReader(topic string, reader LocalReader) {
	ts := r.shardForTopic(topic)
	ts.mu.Lock()
	t, ok := ts.topics[topic]
	if !ok {
		t = &Topic{Name: topic, Writers: map[guid.GUID]struct{}{}, Readers: map[guid.GUID]LocalReader{}}
		ts.topics[topic] = t
	}
	t.Readers[reader.GUID()] = reader
	ts.mu.Unlock()
}

// RemoveReader unregisters a local reader from topic.
func (r *Registry) RemoveReader(topic string, reader guid.GUID) {
	ts := r.shardForTopic(topic)
	ts.mu.Lock()
	if t, ok := ts.topics[topic]; ok {
		delete(t.Readers, reader)
	}
	ts.mu.Unlock()
}

// TopicForWriter resolves a writer GUID to its bound topic name (the
// fallback path of spec §4.3 when a DATA submessage carries no inline
// topic name). ok is false if the writer is unknown.
func (r *Registry) TopicForWriter(writer guid.GUID) (name string, ok bool) {
	ws := r.shardForWriter(writer)
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	name, ok = ws.writerTopic[writer]
	return name, ok
}

// Readers returns the local readers currently subscribed to topic.
func (r *Registry) Readers(topic string) []LocalReader {
	ts := r.shardForTopic(topic)
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	t, ok := ts.topics[topic]
	if !ok {
		return nil
	}
	out := make([]LocalReader, 0, len(t.Readers))
	for _, rd := range t.Readers {
		out = append(out, rd)
	}
	return out
}

// HasTopic reports whether topic has any registered writer or reader.
func (r *Registry) HasTopic(topic string) bool {
	ts := r.shardForTopic(topic)
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	_, ok := ts.topics[topic]
	return ok
}
