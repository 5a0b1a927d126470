// Package waitset implements the blocking-until-condition primitive of
// spec §4.9/§9: an application blocks in Wait until any attached condition
// (data-available on a reader, a guard condition, or a status condition)
// triggers, modeled as explicit blocking with a timeout and a wake
// mechanism rather than implicit yielding (spec §9).
package waitset

import (
	"sync"
	"time"

	"github.com/rtpsmesh/ddscore/event"
	ddserrors "github.com/rtpsmesh/ddscore/internal/ddserrors"
)

// Condition is anything a WaitSet can block on.
type Condition interface {
	Triggered() bool
}

// base is the shared triggered-flag/observer bookkeeping behind every
// condition kind; observers are the WaitSets currently attached, notified
// whenever the condition transitions to triggered.
type base struct {
	mu        sync.Mutex
	triggered bool
	observers []func()
}

func (b *base) addObserver(fn func()) {
	b.mu.Lock()
	b.observers = append(b.observers, fn)
	b.mu.Unlock()
}

func (b *base) signal() {
	b.mu.Lock()
	b.triggered = true
	obs := append([]func(){}, b.observers...)
	b.mu.Unlock()
	for _, fn := range obs {
		fn()
	}
}

func (b *base) reset() {
	b.mu.Lock()
	b.triggered = false
	b.mu.Unlock()
}

func (b *base) isTriggered() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.triggered
}

// DataAvailableCondition triggers when a reader's sample cache receives a
// newly accepted sample; wire it as the onDataAvailable callback passed to
// internal/subcache.New.
type DataAvailableCondition struct {
	base
}

// NewDataAvailableCondition creates an untriggered condition.
func NewDataAvailableCondition() *DataAvailableCondition {
	return &DataAvailableCondition{}
}

// Signal marks the condition triggered and wakes any attached WaitSet.
func (c *DataAvailableCondition) Signal() { c.signal() }

// Reset clears the triggered flag, typically called right after the
// application drains the reader's cache with Take.
func (c *DataAvailableCondition) Reset() { c.reset() }

// Triggered implements Condition.
func (c *DataAvailableCondition) Triggered() bool { return c.isTriggered() }

// GuardCondition is an application-controlled condition with no DDS
// semantics of its own — useful for waking a WaitSet from outside the
// reader/writer data path (e.g. a shutdown signal).
type GuardCondition struct {
	base
}

// NewGuardCondition creates an unset guard condition.
func NewGuardCondition() *GuardCondition {
	return &GuardCondition{}
}

// SetTrigger sets or clears the guard, waking any attached WaitSet when set.
func (g *GuardCondition) SetTrigger(v bool) {
	if v {
		g.signal()
		return
	}
	g.reset()
}

// Triggered implements Condition.
func (g *GuardCondition) Triggered() bool { return g.isTriggered() }

// StatusCondition accumulates event.Event values matching a kind mask
// (on-liveliness-lost, on-deadline-missed, on-sample-lost, etc., per spec
// §7: "Liveliness and deadline-missed are surfaced as events to
// listener/WaitSet paths") and triggers while any are pending.
type StatusCondition struct {
	base
	mask    map[event.Kind]struct{}
	mu      sync.Mutex
	pending []event.Event
}

// NewStatusCondition creates a condition that triggers only for the given
// kinds. An empty mask matches every kind.
func NewStatusCondition(kinds ...event.Kind) *StatusCondition {
	mask := make(map[event.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		mask[k] = struct{}{}
	}
	return &StatusCondition{mask: mask}
}

// OnEvent feeds one bus event to the condition; subscribe this to
// internal/eventbus for the entity this condition covers.
func (s *StatusCondition) OnEvent(e event.Event) {
	if len(s.mask) > 0 {
		if _, ok := s.mask[e.Kind]; !ok {
			return
		}
	}
	s.mu.Lock()
	s.pending = append(s.pending, e)
	s.mu.Unlock()
	s.signal()
}

// Take drains and returns every pending event, clearing the triggered flag.
func (s *StatusCondition) Take() []event.Event {
	s.mu.Lock()
	out := s.pending
	s.pending = nil
	s.mu.Unlock()
	s.reset()
	return out
}

// Triggered implements Condition.
func (s *StatusCondition) Triggered() bool { return s.isTriggered() }

type observer interface {
	addObserver(func())
}

// WaitSet blocks an application goroutine until any attached condition
// triggers, per spec §4.9.
type WaitSet struct {
	mu         sync.Mutex
	cond       *sync.Cond
	conditions []Condition
}

// New creates an empty WaitSet.
func New() *WaitSet {
	w := &WaitSet{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Attach adds c to the set of conditions this WaitSet can wake on.
func (w *WaitSet) Attach(c Condition) {
	w.mu.Lock()
	w.conditions = append(w.conditions, c)
	w.mu.Unlock()
	if o, ok := c.(observer); ok {
		o.addObserver(func() {
			w.mu.Lock()
			w.cond.Broadcast()
			w.mu.Unlock()
		})
	}
}

// Detach removes c from this WaitSet. Already-fired wakeups referencing c
// are harmless: Wait re-checks every attached condition directly.
func (w *WaitSet) Detach(c Condition) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, existing := range w.conditions {
		if existing == c {
			w.conditions = append(w.conditions[:i], w.conditions[i+1:]...)
			return
		}
	}
}

// Wait blocks until at least one attached condition is triggered or
// timeout elapses, returning the triggered subset. A non-positive timeout
// waits forever.
func (w *WaitSet) Wait(timeout time.Duration) ([]Condition, error) {
	deadline := time.Now().Add(timeout)
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			w.mu.Lock()
			w.cond.Broadcast()
			w.mu.Unlock()
		})
		defer timer.Stop()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		var triggered []Condition
		for _, c := range w.conditions {
			if c.Triggered() {
				triggered = append(triggered, c)
			}
		}
		if len(triggered) > 0 {
			return triggered, nil
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			return nil, ddserrors.New(ddserrors.Timeout, "waitset wait exceeded deadline", nil)
		}
		w.cond.Wait()
	}
}
