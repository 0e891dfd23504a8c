package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultPollInterval bounds how long Receive blocks in the kernel before it
// re-checks its context.
const DefaultPollInterval = time.Second

// UDPConn implements Conn over a bound UDP socket.
type UDPConn struct {
	conn *net.UDPConn
	max  int
	tick time.Duration
	buf  []byte
}

// ListenUDP binds host:port. An empty host binds every interface. Datagrams
// larger than max bytes are reported as oversize.
func ListenUDP(host string, port, max int, tick time.Duration) (*UDPConn, error) {
	if tick <= 0 {
		tick = DefaultPollInterval
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: parseHost(host), Port: port})
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp %s: %w", net.JoinHostPort(host, strconv.Itoa(port)), err)
	}
	return &UDPConn{
		conn: conn,
		max:  max,
		tick: tick,
		buf:  make([]byte, max+1),
	}, nil
}

// Receive waits for the next datagram. It wakes up every poll interval to
// observe ctx, so cancellation is seen within one tick.
func (c *UDPConn) Receive(ctx context.Context) (Datagram, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Datagram{}, err
		}
		c.conn.SetReadDeadline(time.Now().Add(c.tick)) //nolint:errcheck
		n, from, err := c.conn.ReadFromUDP(c.buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return Datagram{}, ErrClosed
			}
			return Datagram{}, err
		}
		if n > c.max {
			return Datagram{From: from, Oversize: true}, nil
		}
		payload := make([]byte, n)
		copy(payload, c.buf[:n])
		return Datagram{From: from, Payload: payload}, nil
	}
}

func (c *UDPConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Port returns the bound UDP port.
func (c *UDPConn) Port() int { return c.conn.LocalAddr().(*net.UDPAddr).Port }

func (c *UDPConn) Close() error { return c.conn.Close() }

// UDPSender sends each datagram from a fresh socket bound to Host, so the
// receiver sees Host as the source identity.
type UDPSender struct {
	Host string
}

func (s UDPSender) Send(ctx context.Context, addr string, payload []byte) error {
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: parseHost(s.Host)})
	if err != nil {
		return fmt.Errorf("transport: open sender: %w", err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(dl) //nolint:errcheck
	}
	if _, err := conn.WriteToUDP(payload, raddr); err != nil {
		return fmt.Errorf("transport: send to %s: %w", addr, err)
	}
	return nil
}

func parseHost(host string) net.IP {
	if host == "" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.IsUnspecified() {
		return nil
	}
	return ip
}
