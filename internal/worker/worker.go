// Package worker provides a minimal helper embeddable by components that run
// one or more background goroutines which must be cleanly joined on halt.
package worker

import "sync"

// Worker is meant to be embedded in structs that have a Halt method, and
// need to manage one or more background goroutines.
type Worker struct {
	sync.WaitGroup

	initOnce sync.Once
	haltOnce sync.Once
	haltCh   chan struct{}
}

// Go execs the provided function in a new goroutine, that is tracked by
// the Worker's WaitGroup.
func (w *Worker) Go(fn func()) {
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// HaltCh returns a channel that is closed when Halt is called, suitable for
// use in a background goroutine's select loop.
func (w *Worker) HaltCh() chan struct{} {
	w.initHaltCh()
	return w.haltCh
}

// Halt closes the channel returned by HaltCh, signaling every background
// goroutine derived from this Worker to exit. Halt is idempotent and safe
// to call more than once or concurrently.
func (w *Worker) Halt() {
	w.initHaltCh()
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
}

func (w *Worker) initHaltCh() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}
