// Package transfer moves file payloads over single-use TCP connections.
//
// A Session is one bind, one accept, one stream, full teardown. Completion is
// signaled only by the sender closing its side. There is no framing, no
// acknowledgement of chunks, and no resume: a connection that drops early
// leaves a short file behind.
package transfer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"
)

const (
	defaultAcceptTimeout = 30 * time.Second
	defaultDialTimeout   = 5 * time.Second
)

// ErrBind is returned when a session cannot bind its listener.
var ErrBind = errors.New("transfer: bind failed")

// Direction says which way bytes flow from the local node's point of view.
type Direction int

const (
	Receive Direction = iota
	Send
)

func (d Direction) String() string {
	if d == Send {
		return "send"
	}
	return "receive"
}

// Config configures an Engine.
type Config struct {
	Host          string        // bind and source address; "" for any
	PushPort      int           // fixed port for push rendezvous
	AcceptTimeout time.Duration // how long a session waits for its one peer
	DialTimeout   time.Duration
}

// Engine opens sessions and performs the client half of both protocols.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	if cfg.AcceptTimeout == 0 {
		cfg.AcceptTimeout = defaultAcceptTimeout
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &Engine{cfg: cfg}
}

// Result describes a completed copy.
type Result struct {
	Bytes  int64
	Digest string // BLAKE2b-256, hex
}

// Session is the server half of one transfer.
type Session struct {
	ID        string
	Peer      string // the only address allowed to connect; "" admits anyone
	Filename  string
	Direction Direction
	Path      string
	Size      int64 // announced size, or -1 when unknown

	// Commit runs after the copy succeeds and before the data connection is
	// closed, so the remote side observes EOF only after it returns.
	Commit func(Result) error

	ln            net.Listener
	acceptTimeout time.Duration
	closeOnce     sync.Once
}

// OpenReceive binds the fixed push port for an incoming file that will be
// written to path. Only one receive session per node can hold the port.
func (e *Engine) OpenReceive(peer, filename, path string, size int64) (*Session, error) {
	return e.open(Receive, e.cfg.PushPort, peer, filename, path, size)
}

// OpenSend binds an OS-assigned port for serving path to peer.
func (e *Engine) OpenSend(peer, filename, path string) (*Session, error) {
	return e.open(Send, 0, peer, filename, path, -1)
}

func (e *Engine) open(dir Direction, port int, peer, filename, path string, size int64) (*Session, error) {
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(port))
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBind, addr, err)
	}
	id, err := newSessionID()
	if err != nil {
		ln.Close()
		return nil, err
	}
	return &Session{
		ID:            id,
		Peer:          peer,
		Filename:      filename,
		Direction:     dir,
		Path:          path,
		Size:          size,
		ln:            ln,
		acceptTimeout: e.cfg.AcceptTimeout,
	}, nil
}

// Port returns the bound TCP port.
func (s *Session) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Close releases the listener. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.ln.Close() })
	return err
}

// Run accepts exactly one connection from Peer and copies the file in the
// session's direction. Connections from other addresses are closed and the
// session keeps waiting until its accept deadline. Cancelling ctx aborts the
// accept or the copy.
func (s *Session) Run(ctx context.Context) (Result, error) {
	defer s.Close()

	if tl, ok := s.ln.(*net.TCPListener); ok && s.acceptTimeout > 0 {
		tl.SetDeadline(time.Now().Add(s.acceptTimeout)) //nolint:errcheck
	}
	stopAccept := context.AfterFunc(ctx, func() { s.Close() })
	conn, err := s.accept()
	stopAccept()
	s.Close()
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("transfer: accept: %w", err)
	}
	defer conn.Close()
	stopConn := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopConn()

	var res Result
	switch s.Direction {
	case Receive:
		res, err = receiveFile(conn, s.Path)
	case Send:
		res, err = sendFile(conn, s.Path)
	}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, err
	}
	if s.Commit != nil {
		if err := s.Commit(res); err != nil {
			return res, fmt.Errorf("transfer: commit: %w", err)
		}
	}
	return res, nil
}

func (s *Session) accept() (net.Conn, error) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return nil, err
		}
		if s.admits(conn.RemoteAddr()) {
			return conn, nil
		}
		log.Printf("transfer: session %s: dropped connection from %s, waiting for %s", s.ID, conn.RemoteAddr(), s.Peer)
		conn.Close()
	}
}

func (s *Session) admits(addr net.Addr) bool {
	if s.Peer == "" {
		return true
	}
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	want := net.ParseIP(s.Peer)
	return want != nil && want.Equal(tcp.IP)
}

// Push connects to a receiver that acknowledged an upload and streams path.
func (e *Engine) Push(ctx context.Context, addr string, port int, path string) (Result, error) {
	conn, err := e.dial(ctx, addr, port)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	return sendFile(conn, path)
}

// Fetch connects to a server that announced READY_TO_SEND and stores the
// stream at path.
func (e *Engine) Fetch(ctx context.Context, addr string, port int, path string) (Result, error) {
	conn, err := e.dial(ctx, addr, port)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	return receiveFile(conn, path)
}

func (e *Engine) dial(ctx context.Context, addr string, port int) (net.Conn, error) {
	d := net.Dialer{Timeout: e.cfg.DialTimeout}
	if ip := net.ParseIP(e.cfg.Host); ip != nil && !ip.IsUnspecified() {
		d.LocalAddr = &net.TCPAddr{IP: ip}
	}
	target := net.JoinHostPort(addr, strconv.Itoa(port))
	conn, err := d.DialContext(ctx, "tcp4", target)
	if err != nil {
		return nil, fmt.Errorf("transfer: connect %s: %w", target, err)
	}
	return conn, nil
}

// newSessionID generates a random 8-byte hex session ID.
func newSessionID() (string, error) {
	b := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
