// Package udp is the reference network Transport (spec §6.4): UDP unicast
// and multicast, with multicast group membership managed through
// golang.org/x/net/ipv4 (join/leave group, TTL) so the same code path
// handles both the metadata and user-data multicast groups computed by
// spec §6.2's port mapping. golang.org/x/net/idna validates configured
// hostnames before they are resolved.
package udp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/net/ipv4"

	"github.com/rtpsmesh/ddscore/transport"
)

// Config describes one UDP transport instance: a unicast bind address/port
// and, optionally, multicast groups to join.
type Config struct {
	UnicastAddr     string
	UnicastPort     uint16
	MulticastGroups []MulticastGroup
	Interface       string // "" selects the default multicast interface
}

// MulticastGroup is one multicast address/port this transport should join
// and accept datagrams on.
type MulticastGroup struct {
	Addr string
	Port uint16
	TTL  int
}

// ValidateHostname rejects malformed or non-ASCII-compatible hostnames in
// configured locators before they reach net.ResolveUDPAddr.
func ValidateHostname(host string) (string, error) {
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("udp: invalid hostname %q: %w", host, err)
	}
	return ascii, nil
}

// Transport implements transport.Transport over one or more UDP sockets.
type Transport struct {
	mu        sync.Mutex
	unicast   *net.UDPConn
	multicast []*multicastSocket
	locators  []transport.Locator
}

type multicastSocket struct {
	conn  *net.UDPConn
	pconn *ipv4.PacketConn
	group MulticastGroup
}

// New binds the unicast socket and joins every configured multicast group.
func New(cfg Config) (*Transport, error) {
	host, err := hostnameOrAddr(cfg.UnicastAddr)
	if err != nil {
		return nil, err
	}
	uAddr := &net.UDPAddr{IP: net.ParseIP(host), Port: int(cfg.UnicastPort)}
	uConn, err := net.ListenUDP("udp4", uAddr)
	if err != nil {
		return nil, fmt.Errorf("udp: bind unicast %s:%d: %w", host, cfg.UnicastPort, err)
	}

	t := &Transport{unicast: uConn}
	t.locators = append(t.locators, transport.Locator{Kind: "udpv4", Address: host, Port: cfg.UnicastPort})

	iface, err := resolveInterface(cfg.Interface)
	if err != nil {
		uConn.Close()
		return nil, err
	}

	for _, g := range cfg.MulticastGroups {
		ms, err := joinMulticastGroup(g, iface)
		if err != nil {
			t.Close()
			return nil, err
		}
		t.multicast = append(t.multicast, ms)
		t.locators = append(t.locators, transport.Locator{Kind: "udpv4", Address: g.Addr, Port: g.Port})
	}

	return t, nil
}

func hostnameOrAddr(s string) (string, error) {
	if ip := net.ParseIP(s); ip != nil {
		return s, nil
	}
	return ValidateHostname(s)
}

func resolveInterface(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("udp: resolving interface %q: %w", name, err)
	}
	return iface, nil
}

func joinMulticastGroup(g MulticastGroup, iface *net.Interface) (*multicastSocket, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(g.Addr), Port: int(g.Port)}
	conn, err := net.ListenMulticastUDP("udp4", iface, addr)
	if err != nil {
		return nil, fmt.Errorf("udp: joining multicast %s:%d: %w", g.Addr, g.Port, err)
	}
	pconn := ipv4.NewPacketConn(conn)
	if g.TTL > 0 {
		if err := pconn.SetMulticastTTL(g.TTL); err != nil {
			conn.Close()
			return nil, fmt.Errorf("udp: setting multicast TTL: %w", err)
		}
	}
	return &multicastSocket{conn: conn, pconn: pconn, group: g}, nil
}

// Send implements transport.Transport. UDP writes either succeed in full
// or return an error immediately; there is no partial-write would-block
// state to model beyond what net.UDPConn.Write already returns.
func (t *Transport) Send(dst transport.Locator, payload []byte) error {
	addr := &net.UDPAddr{IP: net.ParseIP(dst.Address), Port: int(dst.Port)}
	_, err := t.unicast.WriteToUDP(payload, addr)
	if err != nil {
		return fmt.Errorf("udp: send to %s: %w", dst, err)
	}
	return nil
}

const maxDatagramSize = 64 * 1024

// Listen starts one goroutine per bound socket (unicast plus every joined
// multicast group) delivering datagrams to onReceive, and returns a stop
// function that closes them all.
func (t *Transport) Listen(onReceive func(transport.Received)) (func(), error) {
	stopCh := make(chan struct{})
	var wg sync.WaitGroup

	listen := func(conn *net.UDPConn) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, maxDatagramSize)
			for {
				select {
				case <-stopCh:
					return
				default:
				}
				n, addr, err := conn.ReadFromUDP(buf)
				if err != nil {
					return
				}
				payload := make([]byte, n)
				copy(payload, buf[:n])
				onReceive(transport.Received{
					Source:  transport.Locator{Kind: "udpv4", Address: addr.IP.String(), Port: uint16(addr.Port)},
					Payload: payload,
					At:      time.Now(),
				})
			}
		}()
	}

	listen(t.unicast)
	for _, ms := range t.multicast {
		listen(ms.conn)
	}

	return func() {
		close(stopCh)
		t.Close()
		wg.Wait()
	}, nil
}

// Locators implements transport.Transport.
func (t *Transport) Locators() []transport.Locator {
	return t.locators
}

// CongestionSignal implements transport.Transport. Plain UDP carries no
// ECN/congestion feedback to userspace portably, so this always reports
// unsupported.
func (t *Transport) CongestionSignal() (bool, bool) {
	return false, false
}

// Close releases every socket this transport opened.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unicast != nil {
		t.unicast.Close()
	}
	for _, ms := range t.multicast {
		ms.conn.Close()
	}
	return nil
}
