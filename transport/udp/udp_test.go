package udp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtpsmesh/ddscore/transport"
)

func TestValidateHostnameAcceptsASCIIHostname(t *testing.T) {
	out, err := ValidateHostname("localhost")
	require.NoError(t, err)
	assert.Equal(t, "localhost", out)
}

func TestValidateHostnameRejectsInvalidLabel(t *testing.T) {
	_, err := ValidateHostname("-not-a-valid-host-")
	assert.Error(t, err)
}

func TestSendAndListenRoundTripOverLoopback(t *testing.T) {
	a, err := New(Config{UnicastAddr: "127.0.0.1", UnicastPort: 0})
	require.NoError(t, err)
	defer a.Close()

	b, err := New(Config{UnicastAddr: "127.0.0.1", UnicastPort: 0})
	require.NoError(t, err)
	defer b.Close()

	received := make(chan transport.Received, 1)
	stop, err := b.Listen(func(r transport.Received) { received <- r })
	require.NoError(t, err)
	defer stop()

	bLoc := b.Locators()[0]
	payload := []byte("rtps-datagram")
	require.NoError(t, a.Send(bLoc, payload))

	select {
	case r := <-received:
		assert.Equal(t, payload, r.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("payload never arrived over loopback")
	}
}

func TestLocatorsIncludesBoundUnicastAddress(t *testing.T) {
	tp, err := New(Config{UnicastAddr: "127.0.0.1", UnicastPort: 0})
	require.NoError(t, err)
	defer tp.Close()

	locs := tp.Locators()
	require.Len(t, locs, 1)
	assert.Equal(t, "127.0.0.1", locs[0].Address)
	assert.Equal(t, "udpv4", locs[0].Kind)
}

func TestCongestionSignalAlwaysReportsUnsupported(t *testing.T) {
	tp, err := New(Config{UnicastAddr: "127.0.0.1", UnicastPort: 0})
	require.NoError(t, err)
	defer tp.Close()

	congested, ok := tp.CongestionSignal()
	assert.False(t, congested)
	assert.False(t, ok)
}
