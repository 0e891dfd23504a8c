// Package control runs the control-plane loop: receive a datagram, check the
// source against the membership table, parse it and hand it to a handler.
package control

import (
	"context"
	"net"

	"github.com/dbin-net/dbin/internal/protocol"
)

// Request is one authorized command.
type Request struct {
	From string       // source identity
	Addr *net.UDPAddr // full source address
	Cmd  protocol.Command
	Raw  []byte
}

// Handler processes one request. Handlers run on the listener goroutine and
// must hand any TCP work to a worker.
type Handler func(ctx context.Context, req Request)

// Router maps verbs to handlers. A Router is built before Serve starts and is
// read-only afterwards.
type Router struct {
	handlers map[string]Handler
	fallback Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Handle registers h for verb.
func (r *Router) Handle(verb string, h Handler) *Router {
	r.handlers[verb] = h
	return r
}

// HandleDefault registers the handler for verbs with no entry. Reply sockets
// use it for listing frames, which carry no verb.
func (r *Router) HandleDefault(h Handler) *Router {
	r.fallback = h
	return r
}

// Accepts reports whether verb has a dedicated handler.
func (r *Router) Accepts(verb string) bool {
	_, ok := r.handlers[verb]
	return ok
}

// Dispatch runs the handler for req. It returns false if nothing handled it.
func (r *Router) Dispatch(ctx context.Context, req Request) bool {
	if h, ok := r.handlers[req.Cmd.Verb]; ok {
		h(ctx, req)
		return true
	}
	if r.fallback != nil {
		r.fallback(ctx, req)
		return true
	}
	return false
}
