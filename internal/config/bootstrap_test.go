package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testRegistry() BootstrapRegistry {
	return BootstrapRegistry{
		Networks: map[string][]BootstrapPeer{
			"testnet": {
				{Name: "boot-1", Hostname: "boot-1.example.com", Port: 4001, PinnedPeerID: "12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN"},
				{Name: "boot-2", Hostname: "boot-2.example.com", Port: 4002, PinnedPeerID: "12D3KooWLCavCP1Pma9NGJQnGDQhgwSjgQgupWprZJH4w1P3HCVL"},
			},
		},
	}
}

// TestBootstrapMultiaddrIsDerived: the multiaddress is computed
// as /dns4/<hostname>/tcp/<port>/p2p/<pinnedPeerId>, never stored.
func TestBootstrapMultiaddrIsDerived(t *testing.T) {
	p := BootstrapPeer{Name: "b", Hostname: "boot.example.com", Port: 4001, PinnedPeerID: "12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN"}
	addr, err := p.Multiaddr()
	require.NoError(t, err)
	require.Equal(t, "/dns4/boot.example.com/tcp/4001/p2p/12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN", addr.String())
}

func TestMultiaddrsExcludesSelf(t *testing.T) {
	reg := testRegistry()

	all, err := reg.Multiaddrs("testnet", "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	others, err := reg.Multiaddrs("testnet", "BOOT-1")
	require.NoError(t, err)
	require.Len(t, others, 1)
	require.Contains(t, others[0].String(), "boot-2.example.com")
}

func TestMultiaddrsUnknownNetworkIsEmpty(t *testing.T) {
	addrs, err := testRegistry().Multiaddrs("mainnet", "")
	require.NoError(t, err)
	require.Empty(t, addrs)
}

func TestIsBootstrapName(t *testing.T) {
	reg := testRegistry()
	require.True(t, reg.IsBootstrapName("boot-1"))
	require.True(t, reg.IsBootstrapName("Boot-2"))
	require.False(t, reg.IsBootstrapName("agent-7"))
	require.False(t, reg.IsBootstrapName(""))
}

func TestFindByName(t *testing.T) {
	entry, ok := testRegistry().FindByName("boot-2")
	require.True(t, ok)
	require.Equal(t, "boot-2.example.com", entry.Hostname)
	require.Equal(t, 4002, entry.Port)
}

func TestLoadBootstrapRegistryFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootstrap.yaml")
	yamlDoc := `networks:
  devnet:
    - name: dev-1
      hostname: dev-1.local
      port: 9001
      pinned_peer_id: 12D3KooWPrmh163sTHW3mYQm7YsLsSR2wr71fPp4g6yjuGv3sGQt
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	reg, err := LoadBootstrapRegistry(path)
	require.NoError(t, err)
	peers := reg.PeersForNetwork("devnet")
	require.Len(t, peers, 1)
	require.Equal(t, "dev-1", peers[0].Name)
	require.Equal(t, 9001, peers[0].Port)
}

func TestLoadBootstrapRegistryMissingFile(t *testing.T) {
	_, err := LoadBootstrapRegistry(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

// TestDefaultRegistryDerivesValidMultiaddrs guards the compiled-in table:
// every entry must yield a parseable multiaddress, since bootstrap
// addresses are never learned from untrusted sources.
func TestDefaultRegistryDerivesValidMultiaddrs(t *testing.T) {
	reg := DefaultRegistry()
	require.NotEmpty(t, reg.Networks)
	for network := range reg.Networks {
		addrs, err := reg.Multiaddrs(network, "")
		require.NoError(t, err, "network %s", network)
		require.Len(t, addrs, 4, "network %s", network)
	}
}
