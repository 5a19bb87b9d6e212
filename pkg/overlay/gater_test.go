package overlay

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

type fakeBinder struct {
	bindings map[peer.ID]string
}

func (f *fakeBinder) AddressForPeer(p peer.ID) (string, bool) {
	addr, ok := f.bindings[p]
	return addr, ok
}

type fakeBlockChecker struct {
	blocked map[string]bool
}

func (f *fakeBlockChecker) IsBlocked(address string) bool { return f.blocked[address] }

func testPeerID(t *testing.T) peer.ID {
	t.Helper()
	id, err := peer.Decode("QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN")
	require.NoError(t, err)
	return id
}

func TestGaterDeniesBlockedInboundPeer(t *testing.T) {
	p := testPeerID(t)
	g := NewRegistryGater(
		&fakeBinder{bindings: map[peer.ID]string{p: "0xbad"}},
		&fakeBlockChecker{blocked: map[string]bool{"0xbad": true}},
		nil,
	)
	require.False(t, g.InterceptSecured(network.DirInbound, p, nil))
}

func TestGaterAllowsUnblockedInboundPeer(t *testing.T) {
	p := testPeerID(t)
	g := NewRegistryGater(
		&fakeBinder{bindings: map[peer.ID]string{p: "0xgood"}},
		&fakeBlockChecker{blocked: map[string]bool{}},
		nil,
	)
	require.True(t, g.InterceptSecured(network.DirInbound, p, nil))
}

// TestGaterAllowsUnboundPeer: the address binding is often not known yet at
// handshake time; an unresolved peer must pass through and be subject
// to message-level filtering instead.
func TestGaterAllowsUnboundPeer(t *testing.T) {
	p := testPeerID(t)
	g := NewRegistryGater(
		&fakeBinder{bindings: map[peer.ID]string{}},
		&fakeBlockChecker{blocked: map[string]bool{}},
		nil,
	)
	require.True(t, g.InterceptSecured(network.DirInbound, p, nil))
}

// Outbound dials are never gated: the overlay must reach bootstrap peers
// and the DHT regardless of registry state.
func TestGaterAlwaysAllowsOutbound(t *testing.T) {
	p := testPeerID(t)
	g := NewRegistryGater(
		&fakeBinder{bindings: map[peer.ID]string{p: "0xbad"}},
		&fakeBlockChecker{blocked: map[string]bool{"0xbad": true}},
		nil,
	)
	require.True(t, g.InterceptPeerDial(p))
	require.True(t, g.InterceptSecured(network.DirOutbound, p, nil))
}

func TestGaterAllowsEverythingWhenUnwired(t *testing.T) {
	g := NewRegistryGater(nil, nil, nil)
	require.True(t, g.InterceptSecured(network.DirInbound, testPeerID(t), nil))
}
