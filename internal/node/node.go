// Package node runs one dbin node: a hub, a peer or the repository.
//
// Design:
//   - Open binds every socket the role needs before anything is sent, so a
//     datagram that arrives before Run starts waits in the socket buffer.
//   - Run installs the membership table (the hub pushes it, everyone else
//     waits for it), then serves one control listener per socket.
//   - Handlers never block on TCP. Transfers run on tracked workers that
//     shutdown cancels and joins.
//   - Pushes are acknowledged: the receiver binds the fixed transfer port and
//     answers READY_TO_RECEIVE before the sender connects.
package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/dbin-net/dbin/internal/control"
	"github.com/dbin-net/dbin/internal/membership"
	"github.com/dbin-net/dbin/internal/protocol"
	"github.com/dbin-net/dbin/internal/registry"
	"github.com/dbin-net/dbin/internal/transfer"
	"github.com/dbin-net/dbin/internal/transport"
)

const (
	defaultAckTimeout    = 10 * time.Second
	defaultShutdownGrace = 5 * time.Second
	eventQueueDepth      = 128
)

// Storage directories under Config.DataDir.
const (
	DirStorage      = "storage"
	DirFromHub      = "recv_from_hub"
	DirFromPeer     = "recv_from_peer"
	DirDownloads    = "downloads"
	registryDirName = "registry"
	lockFileName    = ".lock"
)

var (
	ErrNotOpen      = errors.New("node: not open")
	ErrNotReady     = errors.New("node: membership table not installed")
	ErrTerminated   = errors.New("node: terminated")
	ErrRejected     = errors.New("node: transfer rejected")
	ErrAckTimeout   = errors.New("node: no answer to upload request")
	ErrNotMember    = errors.New("node: not a member")
	ErrNotPermitted = errors.New("node: not permitted")
	ErrUnknownVerb  = errors.New("node: unknown verb")
	ErrUsage        = errors.New("node: bad arguments")
	ErrDataDirInUse = errors.New("node: data directory in use")
)

// Config configures a Node.
type Config struct {
	Role     membership.Role
	Identity string // this node's address as listed in the membership table
	Host     string // bind and source address; defaults to Identity
	Ports    Ports  // zero value means DefaultPorts()
	DataDir  string

	Registry *registry.Registry // repository only
	Members  *membership.Table  // hub only
	Hub      string             // peer/repository: accept the table only from here; "" for anyone

	PollInterval  time.Duration // control socket poll tick
	AckTimeout    time.Duration // how long a push waits for READY_TO_RECEIVE
	AcceptTimeout time.Duration // how long a transfer session waits for its peer
	DialTimeout   time.Duration
	ShutdownGrace time.Duration // how long Run waits for transfers on shutdown
}

// Node is one running member of the network.
type Node struct {
	cfg      Config
	engine   *transfer.Engine
	sender   transport.Sender
	table    atomic.Pointer[membership.Table]
	events   chan Event
	sessions *SessionManager
	fetchSeq atomic.Uint64

	lock      *flock.Flock
	bootstrap *transport.UDPConn
	conns     []*transport.UDPConn
	listeners []*control.Listener

	ready      chan struct{}
	terminated atomic.Bool
	stopOnce   sync.Once
	stopCh     chan struct{}
}

// New validates cfg and creates a Node. Nothing is bound until Open.
func New(cfg Config) (*Node, error) {
	if cfg.Identity == "" {
		return nil, errors.New("node: identity is required")
	}
	if cfg.Host == "" {
		cfg.Host = cfg.Identity
	}
	if cfg.Ports == (Ports{}) {
		cfg.Ports = DefaultPorts()
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = transport.DefaultPollInterval
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	switch cfg.Role {
	case membership.RoleHub:
		if cfg.Members == nil {
			return nil, errors.New("node: hub needs a membership table")
		}
		if e, ok := cfg.Members.Lookup(cfg.Identity); !ok || e.Role != membership.RoleHub {
			return nil, fmt.Errorf("node: %s is not the hub of its membership table", cfg.Identity)
		}
	case membership.RoleRepository:
		if cfg.Registry == nil {
			return nil, errors.New("node: repository needs a registry")
		}
	case membership.RolePeer:
	default:
		return nil, fmt.Errorf("%w: %v", membership.ErrRole, cfg.Role)
	}

	return &Node{
		cfg: cfg,
		engine: transfer.New(transfer.Config{
			Host:          cfg.Host,
			PushPort:      cfg.Ports.Transfer,
			AcceptTimeout: cfg.AcceptTimeout,
			DialTimeout:   cfg.DialTimeout,
		}),
		sender:   transport.UDPSender{Host: cfg.Host},
		events:   make(chan Event, eventQueueDepth),
		sessions: newSessionManager(),
		ready:    make(chan struct{}),
		stopCh:   make(chan struct{}),
	}, nil
}

// OpenRepositoryRegistry opens the store backend under dataDir and wraps it
// in a Registry rooted at the repository's storage directory.
func OpenRepositoryRegistry(backend, dataDir string) (*registry.Registry, error) {
	store, err := registry.OpenStore(backend, filepath.Join(dataDir, registryDirName))
	if err != nil {
		return nil, fmt.Errorf("node: open registry: %w", err)
	}
	reg, err := registry.New(store, filepath.Join(dataDir, DirStorage))
	if err != nil {
		store.Close()
		return nil, err
	}
	return reg, nil
}

// socket describes one control socket a role listens on.
type socket struct {
	name   string
	port   int
	from   []membership.Role // roles allowed to send here; nil means any member
	raw    bool              // reply socket carrying listing frames
	router *control.Router
}

func (n *Node) socketPlan() []socket {
	p := n.cfg.Ports
	peers := []membership.Role{membership.RolePeer}
	hub := []membership.Role{membership.RoleHub}
	repo := []membership.Role{membership.RoleRepository}

	switch n.cfg.Role {
	case membership.RoleHub:
		return []socket{
			{name: "from-peer", port: p.HubFromPeer, from: peers, router: control.NewRouter().
				Handle(protocol.VerbRequestUpload, n.handleUpload)},
			{name: "listing-reply", port: p.HubListingReply, from: repo, raw: true, router: n.replyRouter()},
			{name: "transfer-reply", port: p.HubTransferReply, raw: true, router: n.replyRouter()},
		}
	case membership.RolePeer:
		return []socket{
			{name: "from-hub", port: p.PeerFromHub, from: hub, router: control.NewRouter().
				Handle(protocol.VerbRequestUpload, n.handleUpload).
				Handle(protocol.VerbTerminate, n.handleTerminate)},
			{name: "from-peer", port: p.PeerFromPeer, from: peers, router: control.NewRouter().
				Handle(protocol.VerbRequestUpload, n.handleUpload)},
			{name: "reply", port: p.PeerReply, raw: true, router: n.replyRouter()},
		}
	case membership.RoleRepository:
		return []socket{
			{name: "from-hub", port: p.RepositoryFromHub, from: hub, router: control.NewRouter().
				Handle(protocol.VerbRequestUpload, n.handleUpload).
				Handle(protocol.VerbListAll, n.handleListAll).
				Handle(protocol.VerbClear, n.handleClear).
				Handle(protocol.VerbFetchBack, n.handleFetchBack).
				Handle(protocol.VerbTerminate, n.handleTerminate)},
			{name: "from-peer", port: p.RepositoryFromPeer, from: peers, router: control.NewRouter().
				Handle(protocol.VerbRequestUpload, n.handleUpload).
				Handle(protocol.VerbListOwn, n.handleListOwn).
				Handle(protocol.VerbFetchBack, n.handleFetchBack)},
		}
	}
	return nil
}

// Open locks the data directory, then binds the bootstrap socket (if the
// role has one) and every control socket. Nothing is held if any step fails.
func (n *Node) Open() error {
	if n.conns != nil {
		return errors.New("node: already open")
	}
	if err := n.lockDataDir(); err != nil {
		return err
	}
	var bound []*transport.UDPConn
	fail := func(err error) error {
		for _, c := range bound {
			c.Close()
		}
		n.bootstrap = nil
		n.listeners = nil
		n.unlockDataDir()
		return err
	}

	if port, ok := n.cfg.Ports.BootstrapPort(n.cfg.Role); ok {
		c, err := transport.ListenUDP(n.cfg.Host, port, protocol.MaxReplySize, n.cfg.PollInterval)
		if err != nil {
			return fail(fmt.Errorf("node: bootstrap socket: %w", err))
		}
		bound = append(bound, c)
		n.bootstrap = c
	}
	for _, s := range n.socketPlan() {
		limit := protocol.MaxCommandSize
		if s.raw {
			limit = protocol.MaxReplySize
		}
		c, err := transport.ListenUDP(n.cfg.Host, s.port, limit, n.cfg.PollInterval)
		if err != nil {
			return fail(fmt.Errorf("node: %s socket: %w", s.name, err))
		}
		bound = append(bound, c)
		n.listeners = append(n.listeners, &control.Listener{
			Name:   n.cfg.Role.String() + "/" + s.name,
			Conn:   c,
			Auth:   roleAuth{node: n, roles: s.from},
			Router: s.router,
			Raw:    s.raw,
		})
	}
	n.conns = bound
	log.Printf("node: %s %s bound %d sockets on %s", n.cfg.Role, n.cfg.Identity, len(bound), n.cfg.Host)
	return nil
}

// Run installs the membership table and serves the control sockets until ctx
// is cancelled, Stop is called, or a terminate command arrives. The last case
// returns ErrTerminated.
func (n *Node) Run(ctx context.Context) error {
	if n.conns == nil {
		return ErrNotOpen
	}
	defer n.closeSockets()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-n.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := n.install(ctx); err != nil {
		if n.terminated.Load() {
			return ErrTerminated
		}
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range n.listeners {
		l := l
		g.Go(func() error { return l.Serve(gctx) })
	}
	err := g.Wait()

	if !n.sessions.Shutdown(n.cfg.ShutdownGrace) {
		log.Printf("node: %d transfers still running after %v", len(n.sessions.Active()), n.cfg.ShutdownGrace)
	}
	if n.terminated.Load() {
		return ErrTerminated
	}
	return err
}

// Stop shuts the node down. Safe to call more than once.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
	})
}

// Events returns a channel of things the operator should see.
func (n *Node) Events() <-chan Event {
	return n.events
}

// Ready is closed once the membership table is installed.
func (n *Node) Ready() <-chan struct{} {
	return n.ready
}

// Table returns the installed membership table, or nil before bootstrap.
func (n *Node) Table() *membership.Table {
	return n.table.Load()
}

// Sessions returns the node's transfer tracker.
func (n *Node) Sessions() *SessionManager {
	return n.sessions
}

func (n *Node) Role() membership.Role { return n.cfg.Role }
func (n *Node) Identity() string      { return n.cfg.Identity }

func (n *Node) install(ctx context.Context) error {
	var t *membership.Table
	if n.cfg.Role == membership.RoleHub {
		t = n.cfg.Members
	} else {
		var err error
		if t, err = n.awaitBootstrap(ctx); err != nil {
			return err
		}
	}
	if e, ok := t.Lookup(n.cfg.Identity); !ok {
		log.Printf("node: warning: %s is not in the membership table", n.cfg.Identity)
	} else if e.Role != n.cfg.Role {
		log.Printf("node: warning: table lists %s as %s, running as %s", e.Addr, e.Role, n.cfg.Role)
	}
	n.table.Store(t)
	if n.cfg.Role == membership.RoleHub {
		n.distribute(ctx, t)
	}
	close(n.ready)
	n.emit(Event{Kind: EventReady, Text: fmt.Sprintf("%d members", t.Len())})
	return nil
}

// awaitBootstrap blocks for the first well-sized datagram on the bootstrap
// socket and parses it as the membership table. When Config.Hub is set,
// datagrams from any other source are dropped.
func (n *Node) awaitBootstrap(ctx context.Context) (*membership.Table, error) {
	defer n.bootstrap.Close()
	log.Printf("node: waiting for membership table on port %d", n.bootstrap.Port())
	for {
		dg, err := n.bootstrap.Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("node: bootstrap: %w", err)
		}
		if n.cfg.Hub != "" && dg.Source() != n.cfg.Hub {
			log.Printf("node: bootstrap: dropped table from %s, expecting hub %s", dg.Source(), n.cfg.Hub)
			continue
		}
		if dg.Oversize {
			log.Printf("node: bootstrap: dropped oversize datagram from %s", dg.Source())
			continue
		}
		t, err := membership.Bootstrap(dg.Payload)
		if err != nil {
			return nil, fmt.Errorf("node: bootstrap from %s: %w", dg.Source(), err)
		}
		log.Printf("node: membership table from %s: %v", dg.Source(), t.Addresses())
		return t, nil
	}
}

// distribute sends the table to every other member's bootstrap port.
func (n *Node) distribute(ctx context.Context, t *membership.Table) {
	payload := t.Payload()
	for _, e := range t.Entries() {
		if e.Addr == n.cfg.Identity {
			continue
		}
		port, ok := n.cfg.Ports.BootstrapPort(e.Role)
		if !ok {
			continue
		}
		if err := n.send(ctx, e.Addr, port, payload); err != nil {
			log.Printf("node: distribute table to %s: %v", e.Addr, err)
		}
	}
}

func (n *Node) terminate(from string) {
	if n.terminated.CompareAndSwap(false, true) {
		log.Printf("node: terminate from %s", from)
		n.emit(Event{Kind: EventTerminated, From: from})
	}
	n.Stop()
}

func (n *Node) closeSockets() {
	for _, c := range n.conns {
		c.Close() //nolint:errcheck
	}
	n.unlockDataDir()
}

// lockDataDir keeps two nodes from sharing one data directory.
func (n *Node) lockDataDir() error {
	if n.cfg.DataDir == "" {
		return nil
	}
	if err := os.MkdirAll(n.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("node: data dir: %w", err)
	}
	l := flock.New(filepath.Join(n.cfg.DataDir, lockFileName))
	locked, err := l.TryLock()
	if err != nil {
		return fmt.Errorf("node: lock data dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrDataDirInUse, n.cfg.DataDir)
	}
	n.lock = l
	return nil
}

func (n *Node) unlockDataDir() {
	if n.lock != nil {
		n.lock.Unlock() //nolint:errcheck
		n.lock = nil
	}
}

func (n *Node) send(ctx context.Context, addr string, port int, payload []byte) error {
	return n.sender.Send(ctx, net.JoinHostPort(addr, strconv.Itoa(port)), payload)
}

func (n *Node) sendCommand(ctx context.Context, addr string, port int, cmd protocol.Command) error {
	b, err := cmd.Encode()
	if err != nil {
		return err
	}
	return n.send(ctx, addr, port, b)
}

// roleAuth admits members, optionally only those of the given roles.
type roleAuth struct {
	node  *Node
	roles []membership.Role
}

func (a roleAuth) Authorize(identity string) bool {
	t := a.node.table.Load()
	if t == nil || !t.Authorize(identity) {
		return false
	}
	if len(a.roles) == 0 {
		return true
	}
	e, _ := t.Lookup(identity)
	for _, r := range a.roles {
		if e.Role == r {
			return true
		}
	}
	return false
}
