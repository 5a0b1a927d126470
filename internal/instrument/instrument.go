// Package instrument exposes the Prometheus counters/gauges spec §7 calls
// "measured, not fatal": every per-packet or per-peer failure increments a
// counter here rather than aborting anything.
package instrument

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the router, reliability engine, and
// discovery FSM touch. Each Participant owns one, registered into its own
// *prometheus.Registry so multiple participants in a process don't collide.
type Metrics struct {
	ReceiveRingDrops     prometheus.Counter
	OrphanedPackets      prometheus.Counter
	MalformedPackets     prometheus.Counter
	DedupHits            prometheus.Counter
	FragmentEvictions    prometheus.Counter
	RetransmitsSent      prometheus.Counter
	NacksCoalesced       prometheus.Counter
	SamplesLost          prometheus.Counter
	SamplesRejected      prometheus.Counter
	Matches              prometheus.Counter
	Unmatches            prometheus.Counter
	IncompatibleQoS      prometheus.Counter
	DeadlinesMissed      prometheus.Counter
	LivelinessLost       prometheus.Counter
	KnownPeers           prometheus.Gauge
	MatchedEndpoints     prometheus.Gauge
}

// New registers and returns a Metrics set under the given namespace (e.g.
// the participant name) on reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: "dds", Subsystem: namespace, Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "dds", Subsystem: namespace, Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}
	return &Metrics{
		ReceiveRingDrops:  counter("receive_ring_drops_total", "datagrams dropped by the receive ring on overflow"),
		OrphanedPackets:   counter("orphaned_packets_total", "DATA submessages with no resolvable topic"),
		MalformedPackets:  counter("malformed_packets_total", "datagrams rejected by the classifier"),
		DedupHits:         counter("dedup_hits_total", "duplicate (writer, seq) pairs suppressed"),
		FragmentEvictions: counter("fragment_reassembly_evictions_total", "partial reassemblies evicted as stale"),
		RetransmitsSent:   counter("retransmits_sent_total", "DATA resends triggered by ACKNACK"),
		NacksCoalesced:    counter("nacks_coalesced_total", "NACKs folded into an in-flight repair pass"),
		SamplesLost:       counter("samples_lost_total", "samples permanently unrecoverable by a reader"),
		SamplesRejected:   counter("samples_rejected_total", "samples rejected by a full KEEP_ALL cache"),
		Matches:           counter("matches_total", "writer/reader matches formed"),
		Unmatches:         counter("unmatches_total", "writer/reader matches torn down"),
		IncompatibleQoS:   counter("incompatible_qos_total", "endpoint pairs rejected on QoS grounds"),
		DeadlinesMissed:   counter("deadlines_missed_total", "instance deadlines missed"),
		LivelinessLost:    counter("liveliness_lost_total", "matched writers/peers declared not alive"),
		KnownPeers:        gauge("known_peers", "participants currently tracked by discovery"),
		MatchedEndpoints:  gauge("matched_endpoints", "writer/reader pairs currently matched"),
	}
}
