package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtpsmesh/ddscore/event"
)

func TestBusPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	s1 := b.Subscribe(4)
	s2 := b.Subscribe(4)

	b.Publish(event.Event{Kind: event.OnMatch})

	select {
	case e := <-s1.Events():
		assert.Equal(t, event.OnMatch, e.(event.Event).Kind)
	case <-time.After(time.Second):
		t.Fatal("s1 never received the event")
	}
	select {
	case e := <-s2.Events():
		assert.Equal(t, event.OnMatch, e.(event.Event).Kind)
	case <-time.After(time.Second):
		t.Fatal("s2 never received the event")
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	s := b.Subscribe(4)
	b.Unsubscribe(s)

	b.Publish(event.Event{Kind: event.OnUnmatch})

	select {
	case _, ok := <-s.Events():
		assert.False(t, ok, "closed subscriber's channel should be drained and closed, not deliver")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriberLaggedCountsOverflowAndResets(t *testing.T) {
	b := New()
	s := b.Subscribe(1)

	b.Publish(event.Event{Kind: event.OnMatch})
	b.Publish(event.Event{Kind: event.OnUnmatch})
	b.Publish(event.Event{Kind: event.OnIncompatibleQoS})

	require.Eventually(t, func() bool {
		return s.Lagged() > 0
	}, time.Second, 10*time.Millisecond, "overflowing a capacity-1 ring should register at least one lag")

	assert.Equal(t, uint64(0), s.Lagged(), "Lagged should reset to zero after being read")
}

func TestSubscribeDefaultsCapacityWhenNonPositive(t *testing.T) {
	b := New()
	s := b.Subscribe(0)
	assert.Equal(t, DefaultSubscriberCapacity, s.ch.Cap())
}
