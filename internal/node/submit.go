package node

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/dbin-net/dbin/internal/membership"
	"github.com/dbin-net/dbin/internal/protocol"
)

// Operator verbs accepted by Submit in addition to the wire verbs.
const (
	VerbPush = "push"
	VerbExit = "exit"
)

// roleVerbs lists what an operator may ask each role to do.
var roleVerbs = map[membership.Role][]string{
	membership.RoleHub: {
		VerbPush, protocol.VerbListAll, protocol.VerbClear,
		protocol.VerbFetchBack, protocol.VerbTerminate, VerbExit,
	},
	membership.RolePeer: {
		VerbPush, protocol.VerbListOwn, protocol.VerbFetchBack, VerbExit,
	},
	membership.RoleRepository: {VerbExit},
}

// Verbs returns the operator verbs available to role.
func Verbs(role membership.Role) []string {
	return slices.Clone(roleVerbs[role])
}

// Submit runs one operator command:
//
//	push <dest> <path>
//	list-all [repo]
//	list-own [repo]
//	clear [repo]
//	fetch-back [repo] <file>
//	terminate
//	exit
//
// Legacy verb names are accepted. A push blocks until the file is sent or
// refused. Listings and fetched files arrive later on Events().
func (n *Node) Submit(ctx context.Context, verb string, args ...string) error {
	verb = protocol.CanonicalVerb(verb)
	known := false
	for _, vs := range roleVerbs {
		if slices.Contains(vs, verb) {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: %q", ErrUnknownVerb, verb)
	}
	if !slices.Contains(roleVerbs[n.cfg.Role], verb) {
		return fmt.Errorf("%w: %s as %s", ErrNotPermitted, verb, n.cfg.Role)
	}
	if verb == VerbExit {
		n.Stop()
		return nil
	}
	t := n.table.Load()
	if t == nil {
		return ErrNotReady
	}

	switch verb {
	case VerbPush:
		if len(args) != 2 {
			return fmt.Errorf("%w: push <dest> <path>", ErrUsage)
		}
		return n.push(ctx, t, args[0], args[1])

	case protocol.VerbListAll, protocol.VerbListOwn, protocol.VerbClear:
		if len(args) > 1 {
			return fmt.Errorf("%w: %s [repo]", ErrUsage, verb)
		}
		repo, err := n.repository(t, argOr(args, 0))
		if err != nil {
			return err
		}
		return n.command(ctx, repo, protocol.NewCommand(verb))

	case protocol.VerbFetchBack:
		var addr, file string
		switch len(args) {
		case 1:
			file = args[0]
		case 2:
			addr, file = args[0], args[1]
		default:
			return fmt.Errorf("%w: fetch-back [repo] <file>", ErrUsage)
		}
		if !protocol.ValidFilename(file) {
			return fmt.Errorf("%w: %w: %q", ErrUsage, protocol.ErrFilename, file)
		}
		repo, err := n.repository(t, addr)
		if err != nil {
			return err
		}
		n.sessions.expectPull(repo.Addr, file, n.cfg.AckTimeout)
		if err := n.command(ctx, repo, protocol.NewCommand(verb, file)); err != nil {
			n.sessions.takePull(repo.Addr, file)
			return err
		}
		return nil

	case protocol.VerbTerminate:
		n.broadcastTerminate(ctx, t)
		n.terminate(n.cfg.Identity)
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownVerb, verb)
}

func argOr(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

// repository resolves addr to the repository entry. An empty addr means the
// table's repository.
func (n *Node) repository(t *membership.Table, addr string) (membership.Entry, error) {
	if addr == "" {
		e, ok := t.Repository()
		if !ok {
			return membership.Entry{}, fmt.Errorf("%w: no repository in table", ErrNotMember)
		}
		return e, nil
	}
	e, ok := t.Lookup(addr)
	if !ok {
		return membership.Entry{}, fmt.Errorf("%w: %s", ErrNotMember, addr)
	}
	if e.Role != membership.RoleRepository {
		return membership.Entry{}, fmt.Errorf("%w: %s is a %s, not the repository", ErrNotPermitted, addr, e.Role)
	}
	return e, nil
}

// command sends cmd to the command socket dest keeps for this node's role.
func (n *Node) command(ctx context.Context, dest membership.Entry, cmd protocol.Command) error {
	port, ok := n.cfg.Ports.CommandPort(dest.Role, n.cfg.Role)
	if !ok {
		return fmt.Errorf("%w: %s cannot command a %s", ErrNotPermitted, n.cfg.Role, dest.Role)
	}
	return n.sendCommand(ctx, dest.Addr, port, cmd)
}

// push announces path to dest, waits for the acknowledgement and streams the
// file to the port it names.
func (n *Node) push(ctx context.Context, t *membership.Table, dest, path string) error {
	e, ok := t.Lookup(dest)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotMember, dest)
	}
	if dest == n.cfg.Identity {
		return fmt.Errorf("%w: push to self", ErrNotPermitted)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("node: push: %w", err)
	}
	if fi.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrUsage, path)
	}
	filename := filepath.Base(path)
	if !protocol.ValidFilename(filename) {
		return fmt.Errorf("%w: %w: %q", ErrUsage, protocol.ErrFilename, filename)
	}

	acks, err := n.sessions.expectAck(dest, filename)
	if err != nil {
		return fmt.Errorf("node: push %s to %s: %w", filename, dest, err)
	}
	defer n.sessions.dropAck(dest, filename)

	up := protocol.Upload{Filename: filename, Size: fi.Size(), Sender: n.cfg.Identity}
	if err := n.command(ctx, e, up.Command()); err != nil {
		return err
	}

	timer := time.NewTimer(n.cfg.AckTimeout)
	defer timer.Stop()
	var a ack
	select {
	case a = <-acks:
	case <-timer.C:
		return fmt.Errorf("%w: %s from %s after %v", ErrAckTimeout, filename, dest, n.cfg.AckTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stopCh:
		return fmt.Errorf("node: push %s: node stopped", filename)
	}
	if a.reason != "" {
		n.emit(Event{Kind: EventRejected, From: dest, Filename: filename, Text: a.reason})
		return fmt.Errorf("%w: %s by %s: %s", ErrRejected, filename, dest, a.reason)
	}

	res, err := n.engine.Push(ctx, dest, a.port, path)
	if err != nil {
		n.emit(Event{Kind: EventFailed, From: dest, Filename: filename, Err: err})
		return err
	}
	if res.Bytes != fi.Size() {
		log.Printf("node: warning: %s changed while sending: %d bytes announced, %d sent", filename, fi.Size(), res.Bytes)
	}
	log.Printf("node: pushed %s to %s (%d bytes, blake2b %s)", filename, dest, res.Bytes, res.Digest)
	n.emit(Event{Kind: EventSent, From: dest, Filename: filename, Bytes: res.Bytes, Digest: res.Digest})
	return nil
}

// broadcastTerminate tells every other member to shut down.
func (n *Node) broadcastTerminate(ctx context.Context, t *membership.Table) {
	cmd := protocol.NewCommand(protocol.VerbTerminate)
	for _, e := range t.Entries() {
		if e.Addr == n.cfg.Identity {
			continue
		}
		if err := n.command(ctx, e, cmd); err != nil {
			log.Printf("node: terminate %s: %v", e.Addr, err)
		}
	}
}
