package control

import (
	"context"
	"errors"
	"log"

	"github.com/dbin-net/dbin/internal/protocol"
	"github.com/dbin-net/dbin/internal/transport"
)

// Authorizer decides whether a source identity may speak to this node.
type Authorizer interface {
	Authorize(identity string) bool
}

// Listener serves one control socket.
type Listener struct {
	Name   string
	Conn   transport.Conn
	Auth   Authorizer
	Router *Router

	// Raw skips command parsing size limits for reply sockets, which carry
	// listing frames up to protocol.MaxReplySize.
	Raw bool
}

// Serve loops until ctx is cancelled or the socket is closed. Neither counts
// as an error.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		dg, err := l.Conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		l.handle(ctx, dg)
	}
}

func (l *Listener) handle(ctx context.Context, dg transport.Datagram) {
	from := dg.Source()
	if dg.Oversize {
		log.Printf("control: %s: dropped oversize datagram from %s", l.Name, from)
		return
	}
	if l.Auth == nil || !l.Auth.Authorize(from) {
		log.Printf("control: %s: dropped datagram from unauthorized %s", l.Name, from)
		return
	}

	var (
		cmd protocol.Command
		err error
	)
	if l.Raw {
		cmd, err = protocol.Parse(truncateForParse(dg.Payload))
	} else {
		cmd, err = protocol.Parse(dg.Payload)
	}
	if err != nil {
		if !errors.Is(err, protocol.ErrEmpty) {
			log.Printf("control: %s: ignoring datagram from %s: %v", l.Name, from, err)
		}
		return
	}
	req := Request{From: from, Addr: dg.From, Cmd: cmd, Raw: dg.Payload}
	if !l.Router.Dispatch(ctx, req) {
		log.Printf("control: %s: ignoring %q from %s", l.Name, cmd.Verb, from)
	}
}

// truncateForParse keeps the first line of a reply frame, which is all the
// router needs to pick a handler. The full frame travels in Request.Raw.
func truncateForParse(b []byte) []byte {
	for i, c := range b {
		if c == '\n' {
			b = b[:i]
			break
		}
	}
	if len(b) > protocol.MaxCommandSize {
		b = b[:protocol.MaxCommandSize]
	}
	return b
}
