// Package transport defines the collaborator contract of spec §6.4: the
// core depends only on this interface, never on a concrete socket. Two
// reference implementations are provided — transport/udp (network
// unicast/multicast) and transport/inproc (same-process).
package transport

import (
	"errors"
	"time"
)

// ErrWouldBlock is returned by Send when the transport cannot accept the
// datagram without blocking (spec §6.4: "non-blocking, may return 'would
// block'").
var ErrWouldBlock = errors.New("transport: would block")

// Locator addresses a destination reachable by this transport: a network
// socket address, or an opaque in-process endpoint id.
type Locator struct {
	Kind    string // "udpv4", "udpv6", "inproc"
	Address string
	Port    uint16
}

func (l Locator) String() string {
	if l.Kind == "inproc" {
		return "inproc:" + l.Address
	}
	return l.Address
}

// Received is what a listener goroutine hands to the receive ring: the
// source, payload, and arrival time.
type Received struct {
	Source  Locator
	Payload []byte
	At      time.Time
}

// Transport is the contract the core consumes (spec §6.4).
type Transport interface {
	// Send transmits payload to destination. It must not block; if the
	// underlying socket's send buffer is full it returns ErrWouldBlock.
	Send(destination Locator, payload []byte) error

	// Listen starts delivering datagrams arriving on any of this
	// transport's bound locators to onReceive, until the returned
	// stop function is called. Multiple listener goroutines may be
	// started internally; Listen itself does not block.
	Listen(onReceive func(Received)) (stop func(), err error)

	// Locators enumerates the local interfaces/addresses this transport
	// can be reached on.
	Locators() []Locator

	// CongestionSignal optionally reports transport-level congestion
	// (e.g. ECN marks) for internal/pacing's AIMD controller. It returns
	// ok=false if the transport doesn't support congestion signaling.
	CongestionSignal() (congested bool, ok bool)
}
