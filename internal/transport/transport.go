// Package transport carries control-plane datagrams. It provides a UDP
// implementation for production and an in-memory network for tests.
package transport

import (
	"context"
	"errors"
	"net"
)

// ErrClosed is returned by Receive once the endpoint has been closed.
var ErrClosed = errors.New("transport: endpoint closed")

// Datagram is one received control message.
type Datagram struct {
	From    *net.UDPAddr
	Payload []byte

	// Oversize is set when the datagram was larger than the endpoint's limit.
	// Payload is nil in that case.
	Oversize bool
}

// Source returns the sender's identity: its IP address without the port.
func (d Datagram) Source() string {
	if d.From == nil {
		return ""
	}
	return d.From.IP.String()
}

// Conn is a bound control-plane endpoint. Control listeners only see this
// interface, so tests can inject datagrams from arbitrary identities without
// real sockets.
type Conn interface {
	// Receive blocks until a datagram arrives, ctx is done, or the endpoint
	// is closed.
	Receive(ctx context.Context) (Datagram, error)

	// LocalAddr returns the bound address.
	LocalAddr() net.Addr

	// Close releases the endpoint. Pending and future Receive calls return
	// ErrClosed.
	Close() error
}

// Sender delivers one-shot datagrams. Delivery is best effort.
type Sender interface {
	Send(ctx context.Context, addr string, payload []byte) error
}
