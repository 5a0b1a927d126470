// Package pacing implements the congestion/pacing stage of spec §4.10:
// a token bucket rate-limits outbound DATA, a priority-aware scheduler
// interleaves P0/P1/P2 traffic, a NACK coalescer batches repair requests
// arriving close together, exponential backoff governs per-sample retries,
// and an AIMD controller adjusts the token bucket's rate from ECN feedback.
package pacing

import (
	"math"
	"sync"
	"time"

	"github.com/eapache/queue"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/rtpsmesh/ddscore/guid"
	"github.com/rtpsmesh/ddscore/internal/timerqueue"
	"github.com/rtpsmesh/ddscore/internal/worker"
	"github.com/rtpsmesh/ddscore/seqnum"
)

// Priority classifies outbound DATA per spec §4.10.
type Priority int

const (
	// PriorityCritical (P0) traffic bypasses the token bucket entirely and
	// is never dropped.
	PriorityCritical Priority = iota
	// PriorityNormal (P1) traffic is rate-limited and, under sustained
	// pressure, drops the oldest queued sample rather than grow unbounded.
	PriorityNormal
	// PriorityBackground (P2) traffic is coalesced by instance key: only
	// the newest queued sample per instance is kept.
	PriorityBackground
)

// DefaultMaxP1Depth bounds the normal-priority queue before drop-oldest
// kicks in.
const DefaultMaxP1Depth = 256

// TokenBucket is a classic token bucket: rate tokens/sec accrue up to
// burst, and Allow debits one token if available.
type TokenBucket struct {
	mu    sync.Mutex
	rate  float64
	burst float64
	tokens float64
	last  time.Time
}

// NewTokenBucket creates a bucket starting full.
func NewTokenBucket(rate, burst float64) *TokenBucket {
	return &TokenBucket{rate: rate, burst: burst, tokens: burst, last: time.Now()}
}

// Allow debits one token if available, refilling first for elapsed time.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens = math.Min(b.burst, b.tokens+elapsed*b.rate)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// SetRate adjusts the refill rate, used by the AIMD controller.
func (b *TokenBucket) SetRate(rate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rate < 0 {
		rate = 0
	}
	b.rate = rate
}

// Rate returns the current refill rate.
func (b *TokenBucket) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

// Wait blocks until a token is available or halt is closed.
func (b *TokenBucket) Wait(halt <-chan struct{}) {
	for {
		if b.Allow() {
			return
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-halt:
			return
		}
	}
}

// AIMD implements additive-increase/multiplicative-decrease rate control,
// driven by positive ACKs (increase) and ECN marks or congestion signals
// (decrease), per spec §4.10.
type AIMD struct {
	mu        sync.Mutex
	rate      float64
	minRate   float64
	maxRate   float64
	increment float64
}

// NewAIMD creates a controller starting at initial tokens/sec, bounded to
// [minRate, maxRate], increasing by increment per positive signal.
func NewAIMD(initial, minRate, maxRate, increment float64) *AIMD {
	return &AIMD{rate: initial, minRate: minRate, maxRate: maxRate, increment: increment}
}

// OnPositiveAck additively increases the rate.
func (a *AIMD) OnPositiveAck() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rate = math.Min(a.maxRate, a.rate+a.increment)
	return a.rate
}

// OnCongestion multiplicatively halves the rate (ECN mark or detected
// retransmit storm).
func (a *AIMD) OnCongestion() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rate = math.Max(a.minRate, a.rate/2)
	return a.rate
}

// Rate returns the current controlled rate.
func (a *AIMD) Rate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rate
}

// Backoff tracks per-(reader, sequence) exponential retry delay.
type Backoff struct {
	mu       sync.Mutex
	base     time.Duration
	max      time.Duration
	attempts map[backoffKey]int
}

type backoffKey struct {
	reader guid.GUID
	seq    seqnum.SeqNum
}

// NewBackoff creates a Backoff doubling from base up to max.
func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{base: base, max: max, attempts: make(map[backoffKey]int)}
}

// Next returns the delay before the next retry of (reader, seq), doubling
// on each call for that key.
func (b *Backoff) Next(reader guid.GUID, seq seqnum.SeqNum) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := backoffKey{reader, seq}
	n := b.attempts[k]
	b.attempts[k] = n + 1
	delay := b.base << n
	if delay <= 0 || delay > b.max {
		delay = b.max
	}
	return delay
}

// Reset clears retry state for (reader, seq), e.g. once acked.
func (b *Backoff) Reset(reader guid.GUID, seq seqnum.SeqNum) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.attempts, backoffKey{reader, seq})
}

// job is one queued outbound DATA (or DATA_FRAG) send.
type job struct {
	priority    Priority
	reader      guid.GUID
	seq         seqnum.SeqNum
	instanceKey string
	payload     []byte

	// frag, when set, routes this job through SendDataFrag with the fields
	// below instead of SendData.
	frag          bool
	fragStart     uint32
	fragsInSample uint32
	fragSize      uint32
	sampleSize    uint32
}

// scheduler is the P0/P1/P2 interleaving queue of spec §4.10.
type scheduler struct {
	mu         sync.Mutex
	p0         *queue.Queue
	p1         *queue.Queue
	maxP1      int
	p2         map[string]job
	p2Order    []string
	p1Dropped  uint64
}

func newScheduler(maxP1 int) *scheduler {
	if maxP1 <= 0 {
		maxP1 = DefaultMaxP1Depth
	}
	return &scheduler{
		p0:    queue.New(),
		p1:    queue.New(),
		maxP1: maxP1,
		p2:    make(map[string]job),
	}
}

func (s *scheduler) enqueue(j job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch j.priority {
	case PriorityCritical:
		s.p0.Add(j)
	case PriorityBackground:
		if _, exists := s.p2[j.instanceKey]; !exists {
			s.p2Order = append(s.p2Order, j.instanceKey)
		}
		s.p2[j.instanceKey] = j // coalesce: newest wins
	default:
		s.p1.Add(j)
		for s.p1.Length() > s.maxP1 {
			s.p1.Remove()
			s.p1Dropped++
		}
	}
}

func (s *scheduler) dequeue() (job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p0.Length() > 0 {
		return s.p0.Remove().(job), true
	}
	if s.p1.Length() > 0 {
		return s.p1.Remove().(job), true
	}
	for len(s.p2Order) > 0 {
		key := s.p2Order[0]
		s.p2Order = s.p2Order[1:]
		if j, ok := s.p2[key]; ok {
			delete(s.p2, key)
			return j, true
		}
	}
	return job{}, false
}

func (s *scheduler) droppedP1() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p1Dropped
}

// pendingNack accumulates missing sequence numbers reported for one
// (writer, reader) pair within a coalescing window.
type pendingNack struct {
	base    seqnum.SeqNum
	missing map[seqnum.SeqNum]struct{}
	count   uint32
}

type nackKey struct {
	writer guid.GUID
	reader guid.GUID
}

// NackFireFunc is invoked once per coalescing window with the merged
// missing set for one (writer, reader) pair.
type NackFireFunc func(writer, reader guid.GUID, base seqnum.SeqNum, missing []seqnum.SeqNum, count uint32)

// NackCoalescer groups repair requests for the same writer/reader pair
// arriving within window into a single retransmission pass (spec §4.10).
type NackCoalescer struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[nackKey]*pendingNack
	tq      *timerqueue.TimerQueue
	onFire  NackFireFunc
}

// NewNackCoalescer creates a coalescer that batches ACKNACK-reported gaps
// within window before invoking onFire.
func NewNackCoalescer(window time.Duration, onFire NackFireFunc) *NackCoalescer {
	c := &NackCoalescer{
		window:  window,
		pending: make(map[nackKey]*pendingNack),
		onFire:  onFire,
	}
	c.tq = timerqueue.New(c.onTimer)
	return c
}

// Start launches the coalescer's timer worker.
func (c *NackCoalescer) Start() { c.tq.Start() }

// Halt stops the coalescer's timer worker and waits for it to exit.
func (c *NackCoalescer) Halt() {
	c.tq.Halt()
	c.tq.Wait()
}

// Offer merges a newly-reported missing set into the pending batch for
// (writer, reader), scheduling a fire after window if one isn't already
// pending.
func (c *NackCoalescer) Offer(writer, reader guid.GUID, base seqnum.SeqNum, missing []seqnum.SeqNum, count uint32) {
	k := nackKey{writer, reader}
	c.mu.Lock()
	p, exists := c.pending[k]
	if !exists {
		p = &pendingNack{missing: make(map[seqnum.SeqNum]struct{})}
		c.pending[k] = p
	}
	p.base = base
	p.count = count
	for _, m := range missing {
		p.missing[m] = struct{}{}
	}
	c.mu.Unlock()

	if !exists {
		c.tq.Push(uint64(time.Now().Add(c.window).UnixNano()), k)
	}
}

func (c *NackCoalescer) onTimer(value interface{}) {
	k, ok := value.(nackKey)
	if !ok {
		return
	}
	c.mu.Lock()
	p, ok := c.pending[k]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, k)
	c.mu.Unlock()

	missing := make([]seqnum.SeqNum, 0, len(p.missing))
	for m := range p.missing {
		missing = append(missing, m)
	}
	if c.onFire != nil {
		c.onFire(k.writer, k.reader, p.base, missing, p.count)
	}
}

// RawSender is the unpaced transport-level send surface a Pacer wraps.
// It has the identical shape of internal/reliability.Sender so a Pacer
// satisfies that interface directly once built.
type RawSender interface {
	SendData(reader guid.GUID, seq seqnum.SeqNum, payload []byte) error
	SendGap(reader guid.GUID, r seqnum.Range) error
	SendHeartbeat(reader guid.GUID, first, last seqnum.SeqNum, count uint32, final bool) error
	SendDataFrag(reader guid.GUID, seq seqnum.SeqNum, fragStart, fragsInSample, fragSize, sampleSize uint32, payload []byte) error
}

// Pacer wraps a RawSender with pacing. SendData hands the sample to the
// priority scheduler and returns immediately: transport errors surface via
// logging and the Backoff-driven retry loop rather than to the reliability
// writer's synchronous call, decoupling repair scheduling from the wire.
// GAP and HEARTBEAT are control traffic and bypass pacing entirely.
type Pacer struct {
	worker.Worker

	raw     RawSender
	bucket  *TokenBucket
	aimd    *AIMD
	sched   *scheduler
	backoff *Backoff
	log     *logging.Logger
	wake    chan struct{}
}

// NewPacer creates a Pacer sending through raw, rate-limited starting at
// initialRate tokens/sec up to burst, with maxP1Depth bounding the normal
// priority queue (0 selects DefaultMaxP1Depth).
func NewPacer(raw RawSender, initialRate, burst float64, maxP1Depth int, log *logging.Logger) *Pacer {
	return &Pacer{
		raw:     raw,
		bucket:  NewTokenBucket(initialRate, burst),
		aimd:    NewAIMD(initialRate, initialRate/10, initialRate*10, initialRate/10),
		sched:   newScheduler(maxP1Depth),
		backoff: NewBackoff(10*time.Millisecond, 2*time.Second),
		log:     log,
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the dispatch goroutine.
func (p *Pacer) Start() { p.Go(p.run) }

func (p *Pacer) run() {
	halt := p.HaltCh()
	for {
		j, ok := p.sched.dequeue()
		if !ok {
			select {
			case <-p.wake:
			case <-time.After(50 * time.Millisecond):
			case <-halt:
				return
			}
			continue
		}
		if j.priority != PriorityCritical {
			p.bucket.Wait(halt)
		}
		if err := p.dispatch(j); err != nil {
			if p.log != nil {
				p.log.Warningf("pacing: sending #%d to %s: %v", j.seq, j.reader, err)
			}
			delay := p.backoff.Next(j.reader, j.seq)
			time.AfterFunc(delay, func() {
				p.sched.enqueue(j)
				p.signal()
			})
			continue
		}
		p.backoff.Reset(j.reader, j.seq)
	}
}

func (p *Pacer) dispatch(j job) error {
	if j.frag {
		return p.raw.SendDataFrag(j.reader, j.seq, j.fragStart, j.fragsInSample, j.fragSize, j.sampleSize, j.payload)
	}
	return p.raw.SendData(j.reader, j.seq, j.payload)
}

func (p *Pacer) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// SendData implements internal/reliability.Sender at normal priority.
func (p *Pacer) SendData(reader guid.GUID, seq seqnum.SeqNum, payload []byte) error {
	p.SendDataPriority(reader, seq, "", PriorityNormal, payload)
	return nil
}

// SendDataPriority enqueues payload at an explicit priority and, for
// PriorityBackground, instance key (samples for the same instance key
// coalesce, keeping only the newest).
func (p *Pacer) SendDataPriority(reader guid.GUID, seq seqnum.SeqNum, instanceKey string, priority Priority, payload []byte) {
	p.sched.enqueue(job{priority: priority, reader: reader, seq: seq, instanceKey: instanceKey, payload: payload})
	p.signal()
}

// SendDataFrag implements internal/reliability.Sender at normal priority,
// identically to SendData but carrying one DATA_FRAG's framing fields
// through to the wrapped RawSender.
func (p *Pacer) SendDataFrag(reader guid.GUID, seq seqnum.SeqNum, fragStart, fragsInSample, fragSize, sampleSize uint32, payload []byte) error {
	p.sched.enqueue(job{
		priority: PriorityNormal, reader: reader, seq: seq, payload: payload,
		frag: true, fragStart: fragStart, fragsInSample: fragsInSample, fragSize: fragSize, sampleSize: sampleSize,
	})
	p.signal()
	return nil
}

// SendGap bypasses pacing: GAP is control traffic.
func (p *Pacer) SendGap(reader guid.GUID, r seqnum.Range) error {
	return p.raw.SendGap(reader, r)
}

// SendHeartbeat bypasses pacing: HEARTBEAT is control traffic.
func (p *Pacer) SendHeartbeat(reader guid.GUID, first, last seqnum.SeqNum, count uint32, final bool) error {
	return p.raw.SendHeartbeat(reader, first, last, count, final)
}

// OnPositiveAck feeds a positive ACK signal to the AIMD controller and
// applies its updated rate to the token bucket.
func (p *Pacer) OnPositiveAck() {
	p.bucket.SetRate(p.aimd.OnPositiveAck())
}

// OnECN feeds an ECN mark (or detected congestion) to the AIMD controller
// and applies its updated rate to the token bucket.
func (p *Pacer) OnECN() {
	p.bucket.SetRate(p.aimd.OnCongestion())
}

// Rate returns the Pacer's current token bucket rate.
func (p *Pacer) Rate() float64 {
	return p.bucket.Rate()
}

// DroppedP1 returns the count of normal-priority samples dropped under
// sustained queue pressure.
func (p *Pacer) DroppedP1() uint64 {
	return p.sched.droppedP1()
}
