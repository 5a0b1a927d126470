// Package timerqueue implements a priority-ordered wake queue, grounded on
// the teacher's own client2.TimerQueue: entries are ordered by a uint64
// deadline (time.Now().UnixNano()) in an AVL tree
// (gitlab.com/yawning/avl.git), and a single worker goroutine sleeps until
// the earliest deadline and invokes a callback. Discovery's per-peer lease
// timers (§4.7) and pacing's NACK-coalescing window are built from one of
// these; writer heartbeats and reassembly stale-checks run on the
// participant's time.Ticker loop, and reader NACK jitter uses
// time.AfterFunc.
package timerqueue

import (
	"sync"
	"time"

	"gitlab.com/yawning/avl.git"

	"github.com/rtpsmesh/ddscore/internal/worker"
)

// entry adapts a (priority, value, sequence) tuple to avl.Value. Sequence
// breaks ties between equal priorities so FIFO order is preserved for
// simultaneous deadlines.
type entry struct {
	priority uint64
	sequence uint64
	value    interface{}
}

func (e *entry) Compare(other avl.Value) int {
	o := other.(*entry)
	switch {
	case e.priority < o.priority:
		return -1
	case e.priority > o.priority:
		return 1
	case e.sequence < o.sequence:
		return -1
	case e.sequence > o.sequence:
		return 1
	default:
		return 0
	}
}

// Callback is invoked (on the queue's own worker goroutine) when an entry's
// deadline elapses.
type Callback func(value interface{})

// TimerQueue is a single-worker priority queue of (deadline, value) pairs.
type TimerQueue struct {
	worker.Worker

	mu       sync.Mutex
	tree     *avl.Tree
	nextSeq  uint64
	wake     chan struct{}
	callback Callback
}

// New creates a TimerQueue that invokes cb for each entry as its deadline
// elapses. Start must be called before use.
func New(cb Callback) *TimerQueue {
	return &TimerQueue{
		tree:     avl.New(),
		wake:     make(chan struct{}, 1),
		callback: cb,
	}
}

// Start launches the worker goroutine.
func (q *TimerQueue) Start() {
	q.Go(q.worker)
}

// Halt signals the worker to stop; callers should follow with Wait.
func (q *TimerQueue) Halt() {
	q.Worker.Halt()
}

// Push schedules value to fire at the given priority (an absolute
// time.Now().UnixNano()-style deadline).
func (q *TimerQueue) Push(priority uint64, value interface{}) {
	q.mu.Lock()
	q.nextSeq++
	e := &entry{priority: priority, sequence: q.nextSeq, value: value}
	q.tree.Insert(e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Peek returns the earliest-deadline value without removing it, or nil if
// empty.
func (q *TimerQueue) Peek() interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.tree.Min()
	if n == nil {
		return nil
	}
	return n.Value().(*entry).value
}

// Pop removes and returns the earliest-deadline value, or nil if empty.
func (q *TimerQueue) Pop() interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.tree.Min()
	if n == nil {
		return nil
	}
	v := n.Value().(*entry).value
	q.tree.Remove(n)
	return v
}

func (q *TimerQueue) earliestDeadline() (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.tree.Min()
	if n == nil {
		return 0, false
	}
	return n.Value().(*entry).priority, true
}

func (q *TimerQueue) worker() {
	halt := q.HaltCh()
	for {
		deadline, ok := q.earliestDeadline()
		var timer *time.Timer
		var timerCh <-chan time.Time
		if ok {
			now := uint64(time.Now().UnixNano())
			var d time.Duration
			if deadline > now {
				d = time.Duration(deadline - now)
			}
			timer = time.NewTimer(d)
			timerCh = timer.C
		}

		select {
		case <-halt:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-q.wake:
			if timer != nil {
				timer.Stop()
			}
			continue
		case <-timerCh:
			if v := q.Pop(); v != nil {
				q.callback(v)
			}
		}
	}
}
