// Package membership holds the static table of nodes allowed to talk to each
// other. The Hub builds the table and pushes it once at startup; every other
// node parses it from a single bootstrap datagram and never changes it again.
package membership

import (
	"errors"
	"fmt"
	"strings"
)

// Capacity is the maximum number of entries a table holds: up to ten peers
// plus the repository and the hub.
const Capacity = 12

// Header is the first line of every bootstrap payload. Receivers discard it.
const Header = "IP Table:"

var (
	ErrEmpty    = errors.New("membership: table is empty")
	ErrCapacity = errors.New("membership: table exceeds capacity")
	ErrRole     = errors.New("membership: unknown role")
)

// Role tags what a node does in the network.
type Role int

const (
	RolePeer Role = iota
	RoleRepository
	RoleHub
)

func (r Role) String() string {
	switch r {
	case RolePeer:
		return "peer"
	case RoleRepository:
		return "repository"
	case RoleHub:
		return "hub"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ParseRole accepts the names printed by Role.String.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "peer":
		return RolePeer, nil
	case "repository", "repo":
		return RoleRepository, nil
	case "hub":
		return RoleHub, nil
	}
	return 0, fmt.Errorf("%w %q", ErrRole, s)
}

// Entry is one authorized node.
type Entry struct {
	Addr string
	Role Role
}

// Table is the ordered, immutable membership list. It is safe for concurrent
// readers because nothing mutates it after construction.
type Table struct {
	entries []Entry
}

// New builds the table a Hub pushes to the network. It requires exactly one
// hub and one repository and rejects duplicate addresses.
func New(entries []Entry) (*Table, error) {
	if len(entries) == 0 {
		return nil, ErrEmpty
	}
	if len(entries) > Capacity {
		return nil, fmt.Errorf("%w: %d entries", ErrCapacity, len(entries))
	}
	seen := make(map[string]bool, len(entries))
	var hubs, repos int
	for _, e := range entries {
		if e.Addr == "" || strings.ContainsAny(e.Addr, " \t\r\n") {
			return nil, fmt.Errorf("membership: invalid address %q", e.Addr)
		}
		if seen[e.Addr] {
			return nil, fmt.Errorf("membership: duplicate address %s", e.Addr)
		}
		seen[e.Addr] = true
		switch e.Role {
		case RoleHub:
			hubs++
		case RoleRepository:
			repos++
		case RolePeer:
		default:
			return nil, fmt.Errorf("%w: %v", ErrRole, e.Role)
		}
	}
	if hubs != 1 || repos != 1 {
		return nil, fmt.Errorf("membership: need exactly one hub and one repository, got %d and %d", hubs, repos)
	}

	// Keep the wire order: peers, repository, hub.
	ordered := make([]Entry, 0, len(entries))
	for _, role := range []Role{RolePeer, RoleRepository, RoleHub} {
		for _, e := range entries {
			if e.Role == role {
				ordered = append(ordered, e)
			}
		}
	}
	return &Table{entries: ordered}, nil
}

// Bootstrap parses a bootstrap payload. The first line is a free-form header
// and is discarded. Every following non-blank line is trimmed and stored, up
// to Capacity; the rest are silently dropped.
//
// A line is either "<addr>" or "<addr> <role>". If no line is tagged, roles
// come from position: the last entry is the hub, the one before it the
// repository, and everything earlier a peer.
func Bootstrap(payload []byte) (*Table, error) {
	lines := strings.Split(string(payload), "\n")
	if len(lines) < 2 {
		return nil, ErrEmpty
	}

	var (
		entries []Entry
		tagged  bool
	)
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(entries) == Capacity {
			break
		}
		fields := strings.Fields(line)
		e := Entry{Addr: fields[0], Role: RolePeer}
		if len(fields) > 1 {
			role, err := ParseRole(fields[1])
			if err != nil {
				return nil, err
			}
			e.Role = role
			tagged = true
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return nil, ErrEmpty
	}

	if !tagged {
		n := len(entries)
		entries[n-1].Role = RoleHub
		if n >= 2 {
			entries[n-2].Role = RoleRepository
		}
	}
	return &Table{entries: entries}, nil
}

// Payload renders the table as a bootstrap datagram.
func (t *Table) Payload() []byte {
	var b strings.Builder
	b.WriteString(Header)
	b.WriteByte('\n')
	for _, e := range t.entries {
		b.WriteString(e.Addr)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// Authorize reports whether identity is a member.
func (t *Table) Authorize(identity string) bool {
	for _, e := range t.entries {
		if e.Addr == identity {
			return true
		}
	}
	return false
}

// Lookup returns the entry for identity.
func (t *Table) Lookup(identity string) (Entry, bool) {
	for _, e := range t.entries {
		if e.Addr == identity {
			return e, true
		}
	}
	return Entry{}, false
}

// Addresses returns the member addresses in table order.
func (t *Table) Addresses() []string {
	out := make([]string, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Addr
	}
	return out
}

// Entries returns a copy of the entries in table order.
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *Table) Len() int { return len(t.entries) }

// Hub returns the hub entry.
func (t *Table) Hub() (Entry, bool) { return t.first(RoleHub) }

// Repository returns the repository entry.
func (t *Table) Repository() (Entry, bool) { return t.first(RoleRepository) }

// Peers returns every peer entry in table order.
func (t *Table) Peers() []Entry {
	var out []Entry
	for _, e := range t.entries {
		if e.Role == RolePeer {
			out = append(out, e)
		}
	}
	return out
}

func (t *Table) first(role Role) (Entry, bool) {
	for _, e := range t.entries {
		if e.Role == role {
			return e, true
		}
	}
	return Entry{}, false
}
