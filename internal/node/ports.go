package node

import "github.com/dbin-net/dbin/internal/membership"

// Ports is the port plan shared by every node in a network. Each role listens
// on a separate port per sending role, so the socket a command arrives on
// tells the receiver who is allowed to send it.
type Ports struct {
	PeerBootstrap       int // hub -> peer, membership table
	RepositoryBootstrap int // hub -> repository, membership table

	HubFromPeer        int
	PeerFromHub        int
	RepositoryFromHub  int
	PeerFromPeer       int
	RepositoryFromPeer int

	HubListingReply  int // repository -> hub, list-all replies
	HubTransferReply int // READY_TO_SEND / READY_TO_RECEIVE / REJECTED to the hub
	PeerReply        int // every reply to a peer

	Transfer int // TCP, fixed push rendezvous
}

// DefaultPorts returns the standard port plan.
func DefaultPorts() Ports {
	return Ports{
		PeerBootstrap:       8100,
		RepositoryBootstrap: 8101,
		HubFromPeer:         8102,
		PeerFromHub:         8103,
		RepositoryFromHub:   8104,
		PeerFromPeer:        8106,
		RepositoryFromPeer:  8107,
		HubListingReply:     8108,
		HubTransferReply:    8111,
		PeerReply:           8113,
		Transfer:            9000,
	}
}

// CommandPort returns the port a node of role from uses to send commands to
// a node of role to.
func (p Ports) CommandPort(to, from membership.Role) (int, bool) {
	switch {
	case to == membership.RoleHub && from == membership.RolePeer:
		return p.HubFromPeer, true
	case to == membership.RolePeer && from == membership.RoleHub:
		return p.PeerFromHub, true
	case to == membership.RolePeer && from == membership.RolePeer:
		return p.PeerFromPeer, true
	case to == membership.RoleRepository && from == membership.RoleHub:
		return p.RepositoryFromHub, true
	case to == membership.RoleRepository && from == membership.RolePeer:
		return p.RepositoryFromPeer, true
	}
	return 0, false
}

// BootstrapPort returns where role waits for the membership table. The hub
// has none.
func (p Ports) BootstrapPort(role membership.Role) (int, bool) {
	switch role {
	case membership.RolePeer:
		return p.PeerBootstrap, true
	case membership.RoleRepository:
		return p.RepositoryBootstrap, true
	}
	return 0, false
}

// ListingReplyPort returns where role receives listing replies.
func (p Ports) ListingReplyPort(role membership.Role) (int, bool) {
	switch role {
	case membership.RoleHub:
		return p.HubListingReply, true
	case membership.RolePeer:
		return p.PeerReply, true
	}
	return 0, false
}

// TransferReplyPort returns where role receives transfer acknowledgements.
func (p Ports) TransferReplyPort(role membership.Role) (int, bool) {
	switch role {
	case membership.RoleHub:
		return p.HubTransferReply, true
	case membership.RolePeer:
		return p.PeerReply, true
	}
	return 0, false
}
