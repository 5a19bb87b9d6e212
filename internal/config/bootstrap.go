package config

import (
	"fmt"
	"os"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"
)

// BootstrapPeer is one well-known rendezvous entry: name, hostname,
// port, and a pinned overlay peer id. Its multiaddress is always computed,
// never stored: bootstrap addresses are derived, not learned.
type BootstrapPeer struct {
	Name         string `yaml:"name"`
	Hostname     string `yaml:"hostname"`
	Port         int    `yaml:"port"`
	PinnedPeerID string `yaml:"pinned_peer_id"`
}

// Multiaddr computes /dns4/<hostname>/tcp/<port>/p2p/<pinnedPeerId>.
func (b BootstrapPeer) Multiaddr() (ma.Multiaddr, error) {
	return ma.NewMultiaddr(fmt.Sprintf("/dns4/%s/tcp/%d/p2p/%s", b.Hostname, b.Port, b.PinnedPeerID))
}

// BootstrapRegistry is the deployment's static, compiled-in table of
// networks to bootstrap peer sets, optionally overridden from YAML.
type BootstrapRegistry struct {
	Networks map[string][]BootstrapPeer `yaml:"networks"`
}

// LoadBootstrapRegistry reads a YAML file shaped like:
//
//	networks:
//	  base:
//	    - name: base-1
//	      hostname: bootstrap-1.example.com
//	      port: 4001
//	      pinned_peer_id: 12D3KooW...
func LoadBootstrapRegistry(path string) (BootstrapRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BootstrapRegistry{}, fmt.Errorf("config: read bootstrap registry %q: %w", path, err)
	}
	var reg BootstrapRegistry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return BootstrapRegistry{}, fmt.Errorf("config: parse bootstrap registry %q: %w", path, err)
	}
	return reg, nil
}

// PeersForNetwork returns the bootstrap peer set for network, or nil if the
// network is unknown. A deployment extends the table by adding entries,
// never by changing this accessor.
func (r BootstrapRegistry) PeersForNetwork(network string) []BootstrapPeer {
	return r.Networks[network]
}

// Multiaddrs computes every bootstrap peer's multiaddress for network,
// skipping any entry selfName (case-insensitive) matches: a node dials
// every bootstrap peer other than itself.
func (r BootstrapRegistry) Multiaddrs(network, selfName string) ([]ma.Multiaddr, error) {
	var out []ma.Multiaddr
	for _, p := range r.PeersForNetwork(network) {
		if selfName != "" && strings.EqualFold(p.Name, selfName) {
			continue
		}
		addr, err := p.Multiaddr()
		if err != nil {
			return nil, fmt.Errorf("config: bootstrap peer %q: %w", p.Name, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// FindByName returns the bootstrap entry whose name matches (case
// insensitive), searching every network. A bootstrap node uses this to find
// its own configured hostname and port for the announce address.
func (r BootstrapRegistry) FindByName(name string) (BootstrapPeer, bool) {
	if name == "" {
		return BootstrapPeer{}, false
	}
	for _, peers := range r.Networks {
		for _, p := range peers {
			if strings.EqualFold(p.Name, name) {
				return p, true
			}
		}
	}
	return BootstrapPeer{}, false
}

// IsBootstrapName reports whether name matches a configured bootstrap
// entry in any network. A node runs as BOOTSTRAP iff its configured name
// matches an entry in the deployment's bootstrap registry.
func (r BootstrapRegistry) IsBootstrapName(name string) bool {
	_, ok := r.FindByName(name)
	return ok
}

// DefaultRegistry is the compiled-in bootstrap table this deployment ships
// with. A deployment overrides it
// by pointing the daemon at a YAML file via LoadBootstrapRegistry; adding a
// network means adding entries here or in that file, never changing code.
func DefaultRegistry() BootstrapRegistry {
	return BootstrapRegistry{
		Networks: map[string][]BootstrapPeer{
			"base": {
				{Name: "base-boot-1", Hostname: "boot-1.base.agentmesh.dev", Port: 4001, PinnedPeerID: "12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN"},
				{Name: "base-boot-2", Hostname: "boot-2.base.agentmesh.dev", Port: 4001, PinnedPeerID: "12D3KooWLCavCP1Pma9NGJQnGDQhgwSjgQgupWprZJH4w1P3HCVL"},
				{Name: "base-boot-3", Hostname: "boot-3.base.agentmesh.dev", Port: 4001, PinnedPeerID: "12D3KooWPrmh163sTHW3mYQm7YsLsSR2wr71fPp4g6yjuGv3sGQt"},
				{Name: "base-boot-4", Hostname: "boot-4.base.agentmesh.dev", Port: 4001, PinnedPeerID: "12D3KooWQe1FfrYP5LsLnzEhK9uu4JSYhKauCpCjnkshYcNiMRTt"},
			},
			"sepolia": {
				{Name: "sepolia-boot-1", Hostname: "boot-1.sepolia.agentmesh.dev", Port: 4001, PinnedPeerID: "12D3KooWQvzCBP1MdU6g3UC6rUwHtDkbMUWQKDapmHqQFPqZqTn7"},
				{Name: "sepolia-boot-2", Hostname: "boot-2.sepolia.agentmesh.dev", Port: 4001, PinnedPeerID: "12D3KooWRzaGMTqQbRHNMZkAYj8ALUXoK99qSjhiFLanDoVWK9An"},
				{Name: "sepolia-boot-3", Hostname: "boot-3.sepolia.agentmesh.dev", Port: 4001, PinnedPeerID: "12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTR"},
				{Name: "sepolia-boot-4", Hostname: "boot-4.sepolia.agentmesh.dev", Port: 4001, PinnedPeerID: "12D3KooWLCavCP1Pma9NGJQnGDQhgwSjgQgupWprZJH4w1P3HCVM"},
			},
		},
	}
}
