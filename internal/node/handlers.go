package node

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/dbin-net/dbin/internal/control"
	"github.com/dbin-net/dbin/internal/membership"
	"github.com/dbin-net/dbin/internal/protocol"
	"github.com/dbin-net/dbin/internal/registry"
	"github.com/dbin-net/dbin/internal/transfer"
)

// receivePath returns where a file pushed by a node of role from is stored
// on a hub or peer.
func (n *Node) receivePath(from membership.Role, filename string) string {
	dir := DirFromPeer
	if from == membership.RoleHub {
		dir = DirFromHub
	}
	return filepath.Join(n.cfg.DataDir, dir, filename)
}

// handleUpload answers REQUEST_UPLOAD: bind the fixed transfer port, start the
// receive session, then tell the sender to connect.
func (n *Node) handleUpload(ctx context.Context, req control.Request) {
	up, err := protocol.ParseUpload(req.Cmd)
	if err != nil {
		log.Printf("node: upload from %s: %v", req.From, err)
		if f := req.Cmd.Arg(0); protocol.ValidFilename(f) {
			n.reject(ctx, req.From, f, rejectReason(err))
		}
		return
	}
	t := n.table.Load()
	if !t.Authorize(up.Sender) {
		log.Printf("node: upload of %s names unknown sender %s", up.Filename, up.Sender)
		n.reject(ctx, req.From, up.Filename, "unknown sender")
		return
	}

	var (
		path   string
		commit func(transfer.Result) error
	)
	if n.cfg.Role == membership.RoleRepository {
		rec := registry.Record{Filename: up.Filename, Owner: up.Sender}
		path = n.cfg.Registry.Path(rec)
		commit = func(transfer.Result) error {
			added, err := n.cfg.Registry.Insert(rec)
			if err == nil && !added {
				log.Printf("node: %s from %s replaced the stored copy", rec.Filename, rec.Owner)
			}
			return err
		}
	} else {
		src, _ := t.Lookup(req.From)
		path = n.receivePath(src.Role, up.Filename)
	}

	// The data connection comes from the node that asked, which is also the
	// address the answer goes to.
	sess, err := n.engine.OpenReceive(req.From, up.Filename, path, up.Size)
	if err != nil {
		log.Printf("node: upload of %s from %s: %v", up.Filename, up.Sender, err)
		n.reject(ctx, req.From, up.Filename, rejectReason(err))
		return
	}
	sess.Commit = commit
	port := sess.Port()
	n.runSession(ctx, sess, func(res transfer.Result, err error) {
		if err != nil {
			n.emit(Event{Kind: EventFailed, From: up.Sender, Filename: up.Filename, Err: err})
			return
		}
		if res.Bytes != up.Size {
			log.Printf("node: warning: %s from %s: announced %d bytes, received %d", up.Filename, up.Sender, up.Size, res.Bytes)
		}
		log.Printf("node: stored %s from %s at %s (%d bytes, blake2b %s)", up.Filename, up.Sender, path, res.Bytes, res.Digest)
		n.emit(Event{
			Kind:     EventReceived,
			From:     up.Sender,
			Filename: up.Filename,
			Path:     path,
			Bytes:    res.Bytes,
			Digest:   res.Digest,
		})
	})

	ready := protocol.Ready{Verb: protocol.VerbReadyToReceive, Filename: up.Filename, Port: port}
	if err := n.replyTransfer(ctx, req.From, ready.Command()); err != nil {
		log.Printf("node: acknowledge %s to %s: %v", up.Filename, req.From, err)
		sess.Close()
	}
}

func (n *Node) handleListAll(ctx context.Context, req control.Request) {
	recs, err := n.cfg.Registry.ListAll()
	n.replyListing(ctx, req.From, recs, err)
}

func (n *Node) handleListOwn(ctx context.Context, req control.Request) {
	recs, err := n.cfg.Registry.List(req.From)
	n.replyListing(ctx, req.From, recs, err)
}

func (n *Node) replyListing(ctx context.Context, to string, recs []registry.Record, err error) {
	if err != nil {
		log.Printf("node: listing for %s: %v", to, err)
		return
	}
	src, _ := n.table.Load().Lookup(to)
	port, ok := n.cfg.Ports.ListingReplyPort(src.Role)
	if !ok {
		log.Printf("node: no listing reply port for %s (%s)", to, src.Role)
		return
	}
	entries := make([]protocol.ListingEntry, len(recs))
	for i, r := range recs {
		entries[i] = protocol.ListingEntry{Name: r.Filename, Owner: r.Owner}
	}
	if err := n.send(ctx, to, port, protocol.FormatListing(entries)); err != nil {
		log.Printf("node: listing to %s: %v", to, err)
	}
}

func (n *Node) handleClear(_ context.Context, req control.Request) {
	if err := n.cfg.Registry.Clear(); err != nil {
		log.Printf("node: clear from %s: %v", req.From, err)
		return
	}
	log.Printf("node: registry cleared by %s", req.From)
}

// handleFetchBack serves the requester's own copy of a file and evicts it once
// the stream is written.
func (n *Node) handleFetchBack(ctx context.Context, req control.Request) {
	f := req.Cmd.Arg(0)
	if !protocol.ValidFilename(f) {
		log.Printf("node: fetch-back from %s: %v %q", req.From, protocol.ErrFilename, f)
		if f != "" {
			n.reject(ctx, req.From, f, "bad filename")
		}
		return
	}
	rec := registry.Record{Filename: f, Owner: req.From}
	ok, err := n.cfg.Registry.Exists(rec)
	if err != nil {
		log.Printf("node: fetch-back %s for %s: %v", f, req.From, err)
		n.reject(ctx, req.From, f, "unavailable")
		return
	}
	if !ok {
		n.reject(ctx, req.From, f, "not-found")
		return
	}

	sess, err := n.engine.OpenSend(req.From, f, n.cfg.Registry.Path(rec))
	if err != nil {
		log.Printf("node: fetch-back %s for %s: %v", f, req.From, err)
		n.reject(ctx, req.From, f, rejectReason(err))
		return
	}
	sess.Commit = func(transfer.Result) error {
		return n.cfg.Registry.Evict(rec)
	}
	n.runSession(ctx, sess, func(res transfer.Result, err error) {
		if err != nil {
			n.emit(Event{Kind: EventFailed, From: req.From, Filename: f, Err: err})
			return
		}
		log.Printf("node: returned %s to %s (%d bytes), record evicted", f, req.From, res.Bytes)
		n.emit(Event{Kind: EventSent, From: req.From, Filename: f, Bytes: res.Bytes, Digest: res.Digest})
	})

	ready := protocol.Ready{Verb: protocol.VerbReadyToSend, Filename: f, Port: sess.Port()}
	if err := n.replyTransfer(ctx, req.From, ready.Command()); err != nil {
		log.Printf("node: announce %s to %s: %v", f, req.From, err)
		sess.Close()
	}
}

func (n *Node) handleTerminate(_ context.Context, req control.Request) {
	n.terminate(req.From)
}

func (n *Node) replyRouter() *control.Router {
	return control.NewRouter().
		Handle(protocol.VerbReadyToReceive, n.handleReadyToReceive).
		Handle(protocol.VerbReadyToSend, n.handleReadyToSend).
		Handle(protocol.VerbRejected, n.handleRejected).
		HandleDefault(n.handleFrame)
}

func (n *Node) handleReadyToReceive(_ context.Context, req control.Request) {
	r, err := protocol.ParseReady(req.Cmd)
	if err != nil {
		log.Printf("node: bad ack from %s: %v", req.From, err)
		return
	}
	if !n.sessions.resolveAck(req.From, r.Filename, ack{port: r.Port}) {
		log.Printf("node: unexpected %s for %s from %s", r.Verb, r.Filename, req.From)
	}
}

func (n *Node) handleRejected(_ context.Context, req control.Request) {
	r, err := protocol.ParseRejected(req.Cmd)
	if err != nil {
		log.Printf("node: bad rejection from %s: %v", req.From, err)
		return
	}
	reason := r.Reason
	if reason == "" {
		reason = "rejected"
	}
	if n.sessions.resolveAck(req.From, r.Filename, ack{reason: reason}) {
		return
	}
	if n.sessions.takePull(req.From, r.Filename) {
		log.Printf("node: fetch-back of %s refused by %s: %s", r.Filename, req.From, reason)
		n.emit(Event{Kind: EventRejected, From: req.From, Filename: r.Filename, Text: reason})
		return
	}
	log.Printf("node: unexpected rejection of %s from %s", r.Filename, req.From)
}

// handleReadyToSend continues a fetch-back: connect right away and store the
// stream under downloads.
func (n *Node) handleReadyToSend(ctx context.Context, req control.Request) {
	r, err := protocol.ParseReady(req.Cmd)
	if err != nil {
		log.Printf("node: bad READY_TO_SEND from %s: %v", req.From, err)
		return
	}
	if !n.sessions.takePull(req.From, r.Filename) {
		log.Printf("node: ignoring unrequested READY_TO_SEND for %s from %s", r.Filename, req.From)
		return
	}
	path := filepath.Join(n.cfg.DataDir, DirDownloads, r.Filename)
	info := SessionInfo{
		ID:        fmt.Sprintf("fetch-%d", n.fetchSeq.Add(1)),
		Peer:      req.From,
		Filename:  r.Filename,
		Direction: transfer.Receive,
	}
	n.sessions.Go(ctx, info, func(ctx context.Context) {
		res, err := n.engine.Fetch(ctx, req.From, r.Port, path)
		if err != nil {
			log.Printf("node: fetch %s from %s: %v", r.Filename, req.From, err)
			n.emit(Event{Kind: EventFailed, From: req.From, Filename: r.Filename, Err: err})
			return
		}
		log.Printf("node: fetched %s from %s to %s (%d bytes, blake2b %s)", r.Filename, req.From, path, res.Bytes, res.Digest)
		n.emit(Event{
			Kind:     EventFetched,
			From:     req.From,
			Filename: r.Filename,
			Path:     path,
			Bytes:    res.Bytes,
			Digest:   res.Digest,
		})
	})
}

// handleFrame surfaces anything else that arrives on a reply socket. Listing
// replies are the common case.
func (n *Node) handleFrame(_ context.Context, req control.Request) {
	if entries, ok := protocol.ParseListing(req.Raw); ok {
		n.emit(Event{Kind: EventListing, From: req.From, Listing: entries})
		return
	}
	n.emit(Event{Kind: EventMessage, From: req.From, Text: strings.TrimSpace(string(req.Raw))})
}

// replyTransfer sends cmd to the transfer reply port of the member at to.
func (n *Node) replyTransfer(ctx context.Context, to string, cmd protocol.Command) error {
	src, _ := n.table.Load().Lookup(to)
	port, ok := n.cfg.Ports.TransferReplyPort(src.Role)
	if !ok {
		return fmt.Errorf("node: no transfer reply port for %s (%s)", to, src.Role)
	}
	return n.sendCommand(ctx, to, port, cmd)
}

func (n *Node) reject(ctx context.Context, to, filename, reason string) {
	cmd := protocol.Rejected{Filename: filename, Reason: reason}.Command()
	if err := n.replyTransfer(ctx, to, cmd); err != nil {
		log.Printf("node: reject %s to %s: %v", filename, to, err)
	}
}
