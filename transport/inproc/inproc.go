// Package inproc implements the in-process Transport mode named in spec
// §6.5 ("transport mode: {network multicast, network unicast-only,
// in-process}"): participants in the same process exchange datagrams
// through direct function calls instead of sockets. It is an ordinary
// Transport: discovery and data still flow through it as RTPS datagrams.
package inproc

import (
	"fmt"
	"sync"
	"time"

	"github.com/rtpsmesh/ddscore/transport"
)

var (
	registryMu sync.Mutex
	registry   = map[string]*Transport{}
)

// Transport is a process-local Transport identified by a unique address
// string (conventionally the owning participant's GUID prefix).
type Transport struct {
	address  string
	mu       sync.Mutex
	receiver func(transport.Received)
	closed   bool
}

// New registers a new in-process transport under address, which must be
// unique within the process.
func New(address string) (*Transport, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[address]; exists {
		return nil, fmt.Errorf("inproc: address %q already registered", address)
	}
	t := &Transport{address: address}
	registry[address] = t
	return t, nil
}

// Send delivers payload directly to the transport registered at
// dst.Address, if any; unknown destinations are silently dropped, matching
// UDP's fire-and-forget semantics.
func (t *Transport) Send(dst transport.Locator, payload []byte) error {
	registryMu.Lock()
	target, ok := registry[dst.Address]
	registryMu.Unlock()
	if !ok {
		return nil
	}
	target.mu.Lock()
	recv := target.receiver
	closed := target.closed
	target.mu.Unlock()
	if closed || recv == nil {
		return nil
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	recv(transport.Received{
		Source:  transport.Locator{Kind: "inproc", Address: t.address},
		Payload: cp,
		At:      time.Now(),
	})
	return nil
}

// Listen registers onReceive as this transport's delivery callback.
func (t *Transport) Listen(onReceive func(transport.Received)) (func(), error) {
	t.mu.Lock()
	t.receiver = onReceive
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		t.receiver = nil
		t.closed = true
		t.mu.Unlock()
		registryMu.Lock()
		delete(registry, t.address)
		registryMu.Unlock()
	}, nil
}

// Locators implements transport.Transport.
func (t *Transport) Locators() []transport.Locator {
	return []transport.Locator{{Kind: "inproc", Address: t.address}}
}

// CongestionSignal implements transport.Transport; in-process delivery
// never experiences network congestion.
func (t *Transport) CongestionSignal() (bool, bool) {
	return false, false
}
