package ddscore

import (
	"encoding/hex"
	"time"

	"github.com/rtpsmesh/ddscore/codec"
	"github.com/rtpsmesh/ddscore/event"
	"github.com/rtpsmesh/ddscore/guid"
	"github.com/rtpsmesh/ddscore/internal/pacing"
	"github.com/rtpsmesh/ddscore/internal/reliability"
	"github.com/rtpsmesh/ddscore/internal/subcache"
	"github.com/rtpsmesh/ddscore/qos"
	"github.com/rtpsmesh/ddscore/seqnum"
	"github.com/rtpsmesh/ddscore/waitset"
)

// Writer is a local publishing endpoint, created by Participant.CreateWriter.
type Writer struct {
	guid     guid.GUID
	topic    string
	policies qos.Policies
	codec    codec.Codec
	rw       *reliability.Writer
	pacer    *pacing.Pacer
	p        *Participant
}

// GUID returns this writer's GUID.
func (w *Writer) GUID() guid.GUID { return w.guid }

// Write encodes sample with this writer's codec and hands it to the
// reliability engine, blocking up to maxBlockingTime if a full KEEP_ALL
// cache has no room (spec §4.4/§4.9).
func (w *Writer) Write(sample interface{}, maxBlockingTime time.Duration) (seqnum.SeqNum, error) {
	payload, err := w.codec.Encode(sample)
	if err != nil {
		return 0, err
	}
	return w.rw.Write(payload, maxBlockingTime)
}

// Close tears down this writer: every match it holds is unmatched, its
// pacer is stopped, and it stops being announced.
func (w *Writer) Close() {
	w.p.discovery.RemoveLocalEndpoint(w.guid)
	w.p.router.UnregisterWriter(w.guid)
	w.pacer.Halt()
	w.pacer.Wait()
	w.p.mu.Lock()
	delete(w.p.writers, w.guid)
	delete(w.p.pacers, w.guid)
	w.p.mu.Unlock()
}

// Reader is a local subscribing endpoint, created by Participant.CreateReader.
// It implements internal/registry.LocalReader.
type Reader struct {
	guid      guid.GUID
	topic     string
	policies  qos.Policies
	codec     codec.Codec
	keyFields []string
	cache     *subcache.Cache
	dac       *waitset.DataAvailableCondition
	p         *Participant
}

func newReader(p *Participant, g guid.GUID, topic string, policies qos.Policies, cdc codec.Codec, keyFields []string) *Reader {
	r := &Reader{guid: g, topic: topic, policies: policies, codec: cdc, keyFields: keyFields, p: p}
	r.dac = waitset.NewDataAvailableCondition()
	r.cache = subcache.New(policies, r.dac.Signal)
	return r
}

// GUID implements registry.LocalReader.
func (r *Reader) GUID() guid.GUID { return r.guid }

// DataAvailable returns the condition a WaitSet attaches to in order to
// block until this reader has samples (spec §4.9).
func (r *Reader) DataAvailable() *waitset.DataAvailableCondition { return r.dac }

// Deliver implements registry.LocalReader: it decrypts, computes the
// instance key for a keyed topic, and inserts into the per-instance cache,
// publishing on-sample-rejected when a full KEEP_ALL cache refuses it
// (spec §4.9).
func (r *Reader) Deliver(writer guid.GUID, payload []byte) bool {
	pt, err := r.p.security.Decrypt(writer.Prefix, payload)
	if err != nil {
		if r.p.log != nil {
			r.p.log.Warningf("reader %s: decrypting DATA from %s: %v", r.guid, writer, err)
		}
		return false
	}

	instance := r.instanceKey(pt)
	var strength int32
	if pol, ok := r.p.discovery.RemoteEndpointPolicies(writer); ok {
		strength = pol.Ownership.Strength
	}
	accepted := r.cache.Insert(subcache.Sample{Writer: writer, Instance: instance, Payload: pt, Strength: strength})
	if !accepted {
		if r.p.metrics != nil {
			r.p.metrics.SamplesRejected.Inc()
		}
		if r.p.bus != nil {
			r.p.bus.Publish(event.Event{Kind: event.OnSampleRejected, At: time.Now(), WriterGUID: writer, ReaderGUID: r.guid, InstanceKey: instance})
		}
	}
	return accepted
}

func (r *Reader) instanceKey(payload []byte) string {
	if len(r.keyFields) == 0 {
		return ""
	}
	var generic map[string]interface{}
	if err := r.codec.Decode(payload, &generic); err != nil {
		return ""
	}
	kh, err := r.codec.KeyHash(generic)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(kh)
}

// Take drains every currently cached sample across all instances,
// decoding each into a freshly allocated value built by newOut (typically
// `func() interface{} { return new(MyType) }`).
func (r *Reader) Take(newOut func() interface{}) ([]interface{}, error) {
	return r.decodeAll(r.cache.Take(), newOut)
}

// TakeInstance drains every cached sample for one instance key.
func (r *Reader) TakeInstance(instance string, newOut func() interface{}) ([]interface{}, error) {
	return r.decodeAll(r.cache.TakeInstance(instance), newOut)
}

func (r *Reader) decodeAll(samples []subcache.Sample, newOut func() interface{}) ([]interface{}, error) {
	out := make([]interface{}, 0, len(samples))
	for _, s := range samples {
		v := newOut()
		if err := r.codec.Decode(s.Payload, v); err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Len returns the number of samples currently cached.
func (r *Reader) Len() int { return r.cache.Len() }

// Close tears down this reader and unregisters it from the topic registry.
func (r *Reader) Close() {
	r.p.discovery.RemoveLocalEndpoint(r.guid)
	r.p.registry.RemoveReader(r.topic, r.guid)
	r.p.mu.Lock()
	delete(r.p.readers, r.guid)
	r.p.mu.Unlock()
}
