package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// MemoryNetwork is an in-process datagram network for tests. Endpoints are
// registered under "host:port"; any host string that parses as an IP can act
// as a source, so tests can speak as members and strangers alike.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*MemoryConn
	nextPort  int
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[string]*MemoryConn),
		nextPort:  40000,
	}
}

// Listen registers an endpoint at host:port. Datagrams above max bytes are
// delivered flagged as oversize.
func (n *MemoryNetwork) Listen(host string, port, max int) (*MemoryConn, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("memory transport: bad host %q", host)
	}
	key := net.JoinHostPort(host, strconv.Itoa(port))

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, taken := n.endpoints[key]; taken {
		return nil, fmt.Errorf("memory transport: %s already in use", key)
	}
	c := &MemoryConn{
		network:  n,
		key:      key,
		addr:     &net.UDPAddr{IP: ip, Port: port},
		max:      max,
		incoming: make(chan Datagram, 1024),
		done:     make(chan struct{}),
	}
	n.endpoints[key] = c
	return c, nil
}

// Sender returns a Sender whose datagrams originate from host.
func (n *MemoryNetwork) Sender(host string) Sender {
	return &memorySender{network: n, ip: net.ParseIP(host)}
}

func (n *MemoryNetwork) lookup(addr string) *MemoryConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[addr]
}

func (n *MemoryNetwork) ephemeralPort() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextPort++
	return n.nextPort
}

// MemoryConn is an endpoint on a MemoryNetwork.
type MemoryConn struct {
	network  *MemoryNetwork
	key      string
	addr     *net.UDPAddr
	max      int
	incoming chan Datagram

	closeOnce sync.Once
	done      chan struct{}
}

func (c *MemoryConn) Receive(ctx context.Context) (Datagram, error) {
	select {
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	case <-c.done:
		return Datagram{}, ErrClosed
	case dg := <-c.incoming:
		return dg, nil
	}
}

func (c *MemoryConn) LocalAddr() net.Addr { return c.addr }

func (c *MemoryConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.network.mu.Lock()
		delete(c.network.endpoints, c.key)
		c.network.mu.Unlock()
	})
	return nil
}

type memorySender struct {
	network *MemoryNetwork
	ip      net.IP
}

func (s *memorySender) Send(ctx context.Context, addr string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := s.network.lookup(addr)
	if dst == nil {
		// Nobody listening: the datagram is lost, as it would be on a wire.
		return nil
	}
	dg := Datagram{From: &net.UDPAddr{IP: s.ip, Port: s.network.ephemeralPort()}}
	if len(payload) > dst.max {
		dg.Oversize = true
	} else {
		dg.Payload = append([]byte(nil), payload...)
	}
	select {
	case dst.incoming <- dg:
	default:
		// Drop if the endpoint's buffer is full
	}
	return nil
}
