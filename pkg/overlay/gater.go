package overlay

import (
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// PeerAddressBinder resolves the best-known account address for an overlay
// peer id, if one has been learned yet. Implemented by the directory.
type PeerAddressBinder interface {
	AddressForPeer(p peer.ID) (address string, ok bool)
}

// BlockChecker answers whether an account address is currently blocked in
// the on-chain registry. Implemented by the registry client.
type BlockChecker interface {
	IsBlocked(address string) bool
}

// RegistryGater implements libp2p's ConnectionGater as a registry-backed
// deny-list. The account-address binding for an inbound peer id is often
// not known yet at InterceptSecured time (the binding only becomes
// authoritative once a signed announcement is verified), so an unresolved
// peer is allowed through and is instead subject to message-level
// sign-verify filtering; this gater only rejects peers whose address is
// already known and already blocked.
type RegistryGater struct {
	binder   PeerAddressBinder
	registry BlockChecker
	audit    *AuditLogger
}

// NewRegistryGater creates a RegistryGater. binder/registry may be nil
// during early node startup before the directory/registry are wired; in
// that case every inbound connection is allowed.
func NewRegistryGater(binder PeerAddressBinder, registry BlockChecker, audit *AuditLogger) *RegistryGater {
	return &RegistryGater{binder: binder, registry: registry, audit: audit}
}

// InterceptPeerDial always allows outbound dials; the overlay must be able
// to reach the DHT, bootstrap peers, and gossip mesh regardless of registry
// state.
func (g *RegistryGater) InterceptPeerDial(peer.ID) bool { return true }

// InterceptAddrDial always allows outbound dials.
func (g *RegistryGater) InterceptAddrDial(peer.ID, multiaddr.Multiaddr) bool { return true }

// InterceptAccept allows every raw connection through to the handshake; the
// authorization decision is made in InterceptSecured once the peer id is
// verified.
func (g *RegistryGater) InterceptAccept(network.ConnMultiaddrs) bool { return true }

// InterceptSecured is the primary check point: an inbound peer already bound
// to a blocked account address is denied.
func (g *RegistryGater) InterceptSecured(dir network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	if dir != network.DirInbound {
		return true
	}
	if g.binder == nil || g.registry == nil {
		g.audit.ConnectionDecision(p.String(), "unresolved", "allow")
		return true
	}
	address, ok := g.binder.AddressForPeer(p)
	if !ok {
		g.audit.ConnectionDecision(p.String(), "no-binding", "allow")
		return true
	}
	if g.registry.IsBlocked(address) {
		g.audit.ConnectionDecision(p.String(), "registry-blocked", "deny")
		return false
	}
	g.audit.ConnectionDecision(p.String(), "registry-ok", "allow")
	return true
}

// InterceptUpgraded performs no additional checks.
func (g *RegistryGater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}
