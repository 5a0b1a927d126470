package worker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRunsFunctionAndWaitReturnsAfterCompletion(t *testing.T) {
	var w Worker
	var ran int32
	w.Go(func() {
		atomic.StoreInt32(&ran, 1)
	})
	w.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestHaltClosesHaltCh(t *testing.T) {
	var w Worker
	halted := make(chan struct{})
	w.Go(func() {
		<-w.HaltCh()
		close(halted)
	})

	w.Halt()
	w.Wait()

	select {
	case <-halted:
	case <-time.After(time.Second):
		t.Fatal("goroutine never observed Halt")
	}
}

func TestHaltIsIdempotentAndSafeConcurrently(t *testing.T) {
	var w Worker
	require.NotPanics(t, func() {
		for i := 0; i < 4; i++ {
			go w.Halt()
		}
		w.Halt()
	})
}
