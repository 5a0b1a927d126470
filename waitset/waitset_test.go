package waitset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtpsmesh/ddscore/event"
	"github.com/rtpsmesh/ddscore/internal/ddserrors"
)

func TestWaitReturnsImmediatelyWhenAlreadyTriggered(t *testing.T) {
	w := New()
	dac := NewDataAvailableCondition()
	w.Attach(dac)
	dac.Signal()

	triggered, err := w.Wait(time.Second)
	require.NoError(t, err)
	require.Len(t, triggered, 1)
	assert.Same(t, dac, triggered[0])
}

func TestWaitWakesWhenConditionSignaledConcurrently(t *testing.T) {
	w := New()
	dac := NewDataAvailableCondition()
	w.Attach(dac)

	go func() {
		time.Sleep(10 * time.Millisecond)
		dac.Signal()
	}()

	triggered, err := w.Wait(time.Second)
	require.NoError(t, err)
	require.Len(t, triggered, 1)
}

func TestWaitTimesOutWithNoTrigger(t *testing.T) {
	w := New()
	w.Attach(NewGuardCondition())

	_, err := w.Wait(20 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, ddserrors.IsKind(err, ddserrors.Timeout))
}

func TestDetachStopsConsideringCondition(t *testing.T) {
	w := New()
	dac := NewDataAvailableCondition()
	w.Attach(dac)
	w.Detach(dac)
	dac.Signal()

	_, err := w.Wait(20 * time.Millisecond)
	require.Error(t, err)
}

func TestStatusConditionFiltersByKindMask(t *testing.T) {
	sc := NewStatusCondition(event.OnLivelinessLost)
	sc.OnEvent(event.Event{Kind: event.OnMatch})
	assert.False(t, sc.Triggered())

	sc.OnEvent(event.Event{Kind: event.OnLivelinessLost})
	assert.True(t, sc.Triggered())

	events := sc.Take()
	require.Len(t, events, 1)
	assert.Equal(t, event.OnLivelinessLost, events[0].Kind)
	assert.False(t, sc.Triggered())
}

func TestGuardConditionTogglesManually(t *testing.T) {
	g := NewGuardCondition()
	assert.False(t, g.Triggered())
	g.SetTrigger(true)
	assert.True(t, g.Triggered())
	g.SetTrigger(false)
	assert.False(t, g.Triggered())
}
