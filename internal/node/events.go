package node

import (
	"fmt"
	"strings"

	"github.com/dbin-net/dbin/internal/protocol"
)

// EventKind says what an Event reports.
type EventKind int

const (
	EventReady      EventKind = iota // membership table installed
	EventListing                     // listing reply from the repository
	EventReceived                    // a pushed file was stored locally
	EventSent                        // a file left this node
	EventFetched                     // a pulled file landed in downloads
	EventRejected                    // the other side refused a transfer
	EventFailed                      // a transfer failed after it started
	EventMessage                     // unrecognized text on a reply socket
	EventTerminated
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventListing:
		return "listing"
	case EventReceived:
		return "received"
	case EventSent:
		return "sent"
	case EventFetched:
		return "fetched"
	case EventRejected:
		return "rejected"
	case EventFailed:
		return "failed"
	case EventMessage:
		return "message"
	case EventTerminated:
		return "terminated"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is delivered to callers via the Events() channel.
type Event struct {
	Kind     EventKind
	From     string // remote identity, if any
	Filename string
	Path     string // local path for received and fetched files
	Bytes    int64
	Digest   string
	Listing  []protocol.ListingEntry
	Text     string
	Err      error
}

// String renders the event for an operator console.
func (e Event) String() string {
	switch e.Kind {
	case EventListing:
		var b strings.Builder
		fmt.Fprintf(&b, "--- listing from %s ---\n", e.From)
		b.Write(protocol.FormatListing(e.Listing))
		return strings.TrimRight(b.String(), "\n")
	case EventReceived, EventFetched:
		return fmt.Sprintf("%s %s from %s: %d bytes -> %s (blake2b %.16s)", e.Kind, e.Filename, e.From, e.Bytes, e.Path, e.Digest)
	case EventSent:
		return fmt.Sprintf("sent %s to %s: %d bytes", e.Filename, e.From, e.Bytes)
	case EventRejected:
		return fmt.Sprintf("%s rejected %s: %s", e.From, e.Filename, e.Text)
	case EventFailed:
		return fmt.Sprintf("transfer of %s with %s failed: %v", e.Filename, e.From, e.Err)
	case EventMessage:
		return fmt.Sprintf("%s says: %s", e.From, e.Text)
	case EventTerminated:
		if e.From != "" {
			return "terminated by " + e.From
		}
		return "terminated"
	}
	return e.Kind.String()
}

func (n *Node) emit(e Event) {
	select {
	case n.events <- e:
	default:
		// Nobody is draining; drop rather than stall a listener.
	}
}
