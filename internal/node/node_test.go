package node

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/dbin-net/dbin/internal/membership"
	"github.com/dbin-net/dbin/internal/protocol"
	"github.com/dbin-net/dbin/internal/registry"
	"github.com/dbin-net/dbin/internal/transport"
)

// Every node gets its own loopback address so that source IPs identify
// members, just as they do on a LAN.
const (
	addrPeerA = "127.0.0.2"
	addrPeerB = "127.0.0.3"
	addrRepo  = "127.0.0.4"
	addrHub   = "127.0.0.5"
	addrEve   = "127.0.0.66"
)

func requireLoopbackAliases(t *testing.T) {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(addrHub)})
	if err != nil {
		t.Skipf("loopback aliases unavailable: %v", err)
	}
	c.Close()
}

// testPorts allocates a port plan of currently unused ports. Sockets are held
// until every field is filled so no two fields collide.
func testPorts(t *testing.T) Ports {
	t.Helper()
	var held []*net.UDPConn
	defer func() {
		for _, c := range held {
			c.Close()
		}
	}()
	next := func() int {
		c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		if err != nil {
			t.Fatal(err)
		}
		held = append(held, c)
		return c.LocalAddr().(*net.UDPAddr).Port
	}
	p := Ports{
		PeerBootstrap:       next(),
		RepositoryBootstrap: next(),
		HubFromPeer:         next(),
		PeerFromHub:         next(),
		RepositoryFromHub:   next(),
		PeerFromPeer:        next(),
		RepositoryFromPeer:  next(),
		HubListingReply:     next(),
		HubTransferReply:    next(),
		PeerReply:           next(),
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	p.Transfer = ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return p
}

func testConfig(ports Ports, role membership.Role, identity, dataDir string) Config {
	return Config{
		Role:          role,
		Identity:      identity,
		Ports:         ports,
		DataDir:       dataDir,
		PollInterval:  20 * time.Millisecond,
		AckTimeout:    2 * time.Second,
		AcceptTimeout: 2 * time.Second,
		DialTimeout:   time.Second,
		ShutdownGrace: time.Second,
	}
}

type running struct {
	*Node
	err  error
	done chan struct{}
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.done:
		return r.err
	case <-time.After(5 * time.Second):
		t.Fatalf("%s did not stop", r.Identity())
		return nil
	}
}

type cluster struct {
	ports Ports
	reg   *registry.Registry
	hub   *running
	repo  *running
	peerA *running
	peerB *running
}

func (c *cluster) all() []*running {
	return []*running{c.peerA, c.peerB, c.repo, c.hub}
}

func startCluster(t *testing.T) *cluster {
	t.Helper()
	requireLoopbackAliases(t)

	members, err := membership.New([]membership.Entry{
		{Addr: addrHub, Role: membership.RoleHub},
		{Addr: addrPeerA, Role: membership.RolePeer},
		{Addr: addrRepo, Role: membership.RoleRepository},
		{Addr: addrPeerB, Role: membership.RolePeer},
	})
	if err != nil {
		t.Fatal(err)
	}
	reg, err := registry.New(registry.NewMemoryStore(), filepath.Join(t.TempDir(), DirStorage))
	if err != nil {
		t.Fatal(err)
	}
	c := &cluster{ports: testPorts(t), reg: reg}

	mk := func(role membership.Role, id string) *running {
		cfg := testConfig(c.ports, role, id, t.TempDir())
		switch role {
		case membership.RoleHub:
			cfg.Members = members
		case membership.RoleRepository:
			cfg.Registry = reg
		}
		if role != membership.RoleHub {
			cfg.Hub = addrHub
		}
		n, err := New(cfg)
		if err != nil {
			t.Fatal(err)
		}
		if err := n.Open(); err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
		return &running{Node: n, done: make(chan struct{})}
	}
	c.peerA = mk(membership.RolePeer, addrPeerA)
	c.peerB = mk(membership.RolePeer, addrPeerB)
	c.repo = mk(membership.RoleRepository, addrRepo)
	c.hub = mk(membership.RoleHub, addrHub)

	ctx, cancel := context.WithCancel(context.Background())
	for _, r := range c.all() {
		r := r
		go func() {
			r.err = r.Run(ctx)
			close(r.done)
		}()
	}
	t.Cleanup(func() {
		cancel()
		for _, r := range c.all() {
			r.wait(t)
		}
	})

	for _, r := range c.all() {
		select {
		case <-r.Ready():
		case <-time.After(3 * time.Second):
			t.Fatalf("%s never received the membership table", r.Identity())
		}
	}
	return c
}

func waitEvent(t *testing.T, n *Node, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-n.Events():
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("%s: timeout waiting for %s event", n.Identity(), kind)
			return Event{}
		}
	}
}

func writeFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	rand.Read(data)
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path, data
}

func listing(t *testing.T, n *Node, verb string) []protocol.ListingEntry {
	t.Helper()
	if err := n.Submit(context.Background(), verb); err != nil {
		t.Fatalf("%s %s: %v", n.Identity(), verb, err)
	}
	return waitEvent(t, n, EventListing).Listing
}

func TestBootstrapDistributesTable(t *testing.T) {
	c := startCluster(t)
	want := []string{addrPeerA, addrPeerB, addrRepo, addrHub}
	for _, r := range c.all() {
		got := r.Table().Addresses()
		if len(got) != len(want) {
			t.Fatalf("%s: table %v", r.Identity(), got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s: table %v, want %v", r.Identity(), got, want)
			}
		}
	}
	repo, _ := c.peerA.Table().Repository()
	hub, _ := c.peerA.Table().Hub()
	if repo.Addr != addrRepo || hub.Addr != addrHub {
		t.Fatalf("roles inferred wrongly: repo=%s hub=%s", repo.Addr, hub.Addr)
	}
}

func TestPushListFetchBack(t *testing.T) {
	c := startCluster(t)
	ctx := context.Background()
	path, data := writeFile(t, "report.txt", 10000)

	if err := c.peerA.Submit(ctx, VerbPush, addrRepo, path); err != nil {
		t.Fatalf("push: %v", err)
	}
	got := waitEvent(t, c.repo.Node, EventReceived)
	if got.Bytes != 10000 || got.From != addrPeerA {
		t.Fatalf("unexpected receive event %+v", got)
	}
	rec := registry.Record{Filename: "report.txt", Owner: addrPeerA}
	stored, err := os.ReadFile(c.reg.Path(rec))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stored, data) {
		t.Fatal("stored file differs from the source")
	}

	// The hub sees everything; other peers see only their own files.
	all := listing(t, c.hub.Node, protocol.VerbListAll)
	if len(all) != 1 || all[0].Name != "report.txt" || all[0].Owner != addrPeerA {
		t.Fatalf("list-all: %+v", all)
	}
	if own := listing(t, c.peerB.Node, protocol.VerbListOwn); len(own) != 0 {
		t.Fatalf("peer B should own nothing, got %+v", own)
	}
	if own := listing(t, c.peerA.Node, "seemyfiles"); len(own) != 1 {
		t.Fatalf("peer A list-own: %+v", own)
	}

	// fetch-back returns the file and removes it from the repository.
	if err := c.peerA.Submit(ctx, protocol.VerbFetchBack, "report.txt"); err != nil {
		t.Fatal(err)
	}
	fetched := waitEvent(t, c.peerA.Node, EventFetched)
	back, err := os.ReadFile(fetched.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(back, data) {
		t.Fatal("fetched file differs from the source")
	}
	if fetched.Path != filepath.Join(c.peerA.cfg.DataDir, DirDownloads, "report.txt") {
		t.Fatalf("fetched into %s", fetched.Path)
	}
	if ok, _ := c.reg.Exists(rec); ok {
		t.Fatal("record still present after fetch-back")
	}
	if _, err := os.Stat(c.reg.Path(rec)); !os.IsNotExist(err) {
		t.Fatal("stored file still present after fetch-back")
	}
	if all := listing(t, c.hub.Node, protocol.VerbListAll); len(all) != 0 {
		t.Fatalf("list-all after fetch-back: %+v", all)
	}
}

func TestFetchBackMissingIsRejected(t *testing.T) {
	c := startCluster(t)
	if err := c.peerB.Submit(context.Background(), protocol.VerbFetchBack, addrRepo, "nope.txt"); err != nil {
		t.Fatal(err)
	}
	e := waitEvent(t, c.peerB.Node, EventRejected)
	if e.Filename != "nope.txt" || e.Text != "not-found" {
		t.Fatalf("unexpected rejection %+v", e)
	}
}

func TestHubClearDropsIndexOnly(t *testing.T) {
	c := startCluster(t)
	ctx := context.Background()
	path, _ := writeFile(t, "keep.bin", 100)
	if err := c.peerB.Submit(ctx, VerbPush, addrRepo, path); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, c.repo.Node, EventReceived)

	if err := c.hub.Submit(ctx, "cleardb"); err != nil {
		t.Fatal(err)
	}
	if all := listing(t, c.hub.Node, protocol.VerbListAll); len(all) != 0 {
		t.Fatalf("list-all after clear: %+v", all)
	}
	if _, err := os.Stat(c.reg.Path(registry.Record{Filename: "keep.bin", Owner: addrPeerB})); err != nil {
		t.Fatalf("clear removed the stored file: %v", err)
	}
}

func TestPushBetweenPeersAndFromHub(t *testing.T) {
	c := startCluster(t)
	ctx := context.Background()

	path, data := writeFile(t, "p2p.dat", 4096)
	if err := c.peerA.Submit(ctx, VerbPush, addrPeerB, path); err != nil {
		t.Fatal(err)
	}
	e := waitEvent(t, c.peerB.Node, EventReceived)
	if e.Path != filepath.Join(c.peerB.cfg.DataDir, DirFromPeer, "p2p.dat") {
		t.Fatalf("peer push stored at %s", e.Path)
	}
	if got, _ := os.ReadFile(e.Path); !bytes.Equal(got, data) {
		t.Fatal("peer push content differs")
	}

	path, _ = writeFile(t, "notice.txt", 10)
	if err := c.hub.Submit(ctx, "fnu", addrPeerB, path); err == nil {
		t.Fatal("fnu is a console alias, not a protocol verb")
	}
	if err := c.hub.Submit(ctx, VerbPush, addrPeerB, path); err != nil {
		t.Fatal(err)
	}
	e = waitEvent(t, c.peerB.Node, EventReceived)
	if e.Path != filepath.Join(c.peerB.cfg.DataDir, DirFromHub, "notice.txt") {
		t.Fatalf("hub push stored at %s", e.Path)
	}

	path, _ = writeFile(t, "up.txt", 10)
	if err := c.peerA.Submit(ctx, VerbPush, addrHub, path); err != nil {
		t.Fatal(err)
	}
	e = waitEvent(t, c.hub.Node, EventReceived)
	if e.Path != filepath.Join(c.hub.cfg.DataDir, DirFromPeer, "up.txt") {
		t.Fatalf("push to hub stored at %s", e.Path)
	}
}

func TestPushRejectedWhenTransferPortBusy(t *testing.T) {
	c := startCluster(t)
	ctx := context.Background()

	// Someone else holds the repository's fixed transfer port.
	addr := net.JoinHostPort(addrRepo, strconv.Itoa(c.ports.Transfer))
	squatter, err := net.Listen("tcp4", addr)
	if err != nil {
		t.Fatal(err)
	}
	path, _ := writeFile(t, "late.txt", 500)
	err = c.peerA.Submit(ctx, VerbPush, addrRepo, path)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	squatter.Close()

	// The control loop survived and the next push goes through.
	if err := c.peerA.Submit(ctx, VerbPush, addrRepo, path); err != nil {
		t.Fatalf("retry: %v", err)
	}
	waitEvent(t, c.repo.Node, EventReceived)
}

func TestCommandsFromWrongSocketOrStrangerIgnored(t *testing.T) {
	c := startCluster(t)
	ctx := context.Background()
	path, _ := writeFile(t, "mine.txt", 10)
	if err := c.peerA.Submit(ctx, VerbPush, addrRepo, path); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, c.repo.Node, EventReceived)

	// A peer speaking on the hub's socket and a stranger on either socket.
	sendRaw := func(from string, port int, payload string) {
		s := transport.UDPSender{Host: from}
		if err := s.Send(ctx, net.JoinHostPort(addrRepo, strconv.Itoa(port)), []byte(payload)); err != nil {
			t.Fatal(err)
		}
	}
	sendRaw(addrPeerB, c.ports.RepositoryFromHub, "clear")
	sendRaw(addrEve, c.ports.RepositoryFromHub, "cleardb")
	sendRaw(addrEve, c.ports.RepositoryFromPeer, "terminate")
	time.Sleep(100 * time.Millisecond)

	if all := listing(t, c.hub.Node, protocol.VerbListAll); len(all) != 1 {
		t.Fatalf("registry changed by unauthorized command: %+v", all)
	}
	select {
	case <-c.repo.done:
		t.Fatal("repository stopped on an unauthorized terminate")
	default:
	}
}

func TestTerminateBroadcast(t *testing.T) {
	c := startCluster(t)
	if err := c.peerA.Submit(context.Background(), "kall"); !errors.Is(err, ErrUnknownVerb) {
		t.Fatalf("kall is a console alias: got %v", err)
	}
	if err := c.hub.Submit(context.Background(), protocol.VerbTerminate); err != nil {
		t.Fatal(err)
	}
	for _, r := range c.all() {
		if err := r.wait(t); !errors.Is(err, ErrTerminated) {
			t.Fatalf("%s: Run returned %v, want ErrTerminated", r.Identity(), err)
		}
	}
}

func TestSubmitValidation(t *testing.T) {
	c := startCluster(t)
	ctx := context.Background()
	path, _ := writeFile(t, "x.txt", 1)

	cases := []struct {
		name string
		node *Node
		verb string
		args []string
		want error
	}{
		{"peer cannot clear", c.peerA.Node, protocol.VerbClear, nil, ErrNotPermitted},
		{"peer cannot list all", c.peerA.Node, protocol.VerbListAll, nil, ErrNotPermitted},
		{"hub cannot list own", c.hub.Node, protocol.VerbListOwn, nil, ErrNotPermitted},
		{"repository cannot push", c.repo.Node, VerbPush, []string{addrPeerA, path}, ErrNotPermitted},
		{"unknown verb", c.peerA.Node, "bogus", nil, ErrUnknownVerb},
		{"push to stranger", c.peerA.Node, VerbPush, []string{addrEve, path}, ErrNotMember},
		{"push to self", c.peerA.Node, VerbPush, []string{addrPeerA, path}, ErrNotPermitted},
		{"push usage", c.peerA.Node, VerbPush, []string{addrRepo}, ErrUsage},
		{"list against a peer", c.peerA.Node, protocol.VerbListOwn, []string{addrPeerB}, ErrNotPermitted},
		{"fetch-back bad name", c.peerA.Node, protocol.VerbFetchBack, []string{"../x"}, ErrUsage},
		{"fetch-back usage", c.peerA.Node, protocol.VerbFetchBack, nil, ErrUsage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.node.Submit(ctx, tc.verb, tc.args...); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestRunBeforeOpen(t *testing.T) {
	n, err := New(testConfig(DefaultPorts(), membership.RolePeer, "127.0.0.1", t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Run(context.Background()); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	if err := n.Submit(context.Background(), protocol.VerbListOwn); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestBootstrapWaitIsCancellable(t *testing.T) {
	n, err := New(testConfig(testPorts(t), membership.RolePeer, "127.0.0.1", t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Open(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancelled bootstrap returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run ignored cancellation while waiting for the table")
	}
}

func TestBootstrapEmptyTableFails(t *testing.T) {
	ports := testPorts(t)
	n, err := New(testConfig(ports, membership.RoleRepository, "127.0.0.1", t.TempDir()))
	if err == nil {
		t.Fatal("repository without registry should be refused")
	}
	cfg := testConfig(ports, membership.RoleRepository, "127.0.0.1", t.TempDir())
	cfg.Registry, _ = registry.New(registry.NewMemoryStore(), t.TempDir())
	if n, err = New(cfg); err != nil {
		t.Fatal(err)
	}
	if err := n.Open(); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- n.Run(context.Background()) }()

	s := transport.UDPSender{Host: "127.0.0.1"}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(ports.RepositoryBootstrap))
	if err := s.Send(context.Background(), addr, []byte("IP Table:\n\n  \n")); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, membership.ErrEmpty) {
			t.Fatalf("expected ErrEmpty, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not fail on an empty table")
	}
}

func TestNewValidatesHub(t *testing.T) {
	members, _ := membership.New([]membership.Entry{
		{Addr: "10.0.0.2", Role: membership.RolePeer},
		{Addr: "10.0.0.9", Role: membership.RoleRepository},
		{Addr: "10.0.0.1", Role: membership.RoleHub},
	})
	cfg := testConfig(DefaultPorts(), membership.RoleHub, "10.0.0.2", t.TempDir())
	cfg.Members = members
	if _, err := New(cfg); err == nil {
		t.Fatal("a peer address cannot run as hub")
	}
	cfg.Identity = "10.0.0.1"
	if _, err := New(cfg); err != nil {
		t.Fatal(err)
	}
}

func TestOpenRefusesLockedDataDir(t *testing.T) {
	dir := t.TempDir()
	first, err := New(testConfig(testPorts(t), membership.RolePeer, "127.0.0.1", dir))
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Open(); err != nil {
		t.Fatal(err)
	}
	second, err := New(testConfig(testPorts(t), membership.RolePeer, "127.0.0.1", dir))
	if err != nil {
		t.Fatal(err)
	}
	if err := second.Open(); !errors.Is(err, ErrDataDirInUse) {
		t.Fatalf("expected ErrDataDirInUse, got %v", err)
	}

	// Run releases the lock when it returns.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := first.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if err := second.Open(); err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	if err := second.Run(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestBootstrapAcceptsOnlyConfiguredHub(t *testing.T) {
	requireLoopbackAliases(t)
	ports := testPorts(t)
	cfg := testConfig(ports, membership.RolePeer, addrPeerA, t.TempDir())
	cfg.Hub = addrHub
	n, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Open(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	forged, err := membership.New([]membership.Entry{
		{Addr: addrEve, Role: membership.RoleHub},
		{Addr: addrPeerA, Role: membership.RolePeer},
	})
	if err != nil {
		t.Fatal(err)
	}
	genuine, err := membership.New([]membership.Entry{
		{Addr: addrHub, Role: membership.RoleHub},
		{Addr: addrPeerA, Role: membership.RolePeer},
	})
	if err != nil {
		t.Fatal(err)
	}
	addr := net.JoinHostPort(addrPeerA, strconv.Itoa(ports.PeerBootstrap))

	if err := (transport.UDPSender{Host: addrEve}).Send(ctx, addr, forged.Payload()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-n.Ready():
		t.Fatal("installed a table from a node that is not the hub")
	case <-time.After(200 * time.Millisecond):
	}

	if err := (transport.UDPSender{Host: addrHub}).Send(ctx, addr, genuine.Payload()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-n.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("table from the hub was not installed")
	}
	if hub, ok := n.Table().Hub(); !ok || hub.Addr != addrHub {
		t.Fatalf("installed hub %+v", hub)
	}
	if n.Table().Authorize(addrEve) {
		t.Fatal("forged member admitted")
	}
}
