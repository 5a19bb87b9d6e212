package messaging

import (
	"strings"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/agentmesh/internal/identity"
)

// ParseAnnouncement verifies and decodes a gossip announcement produced by
// SignedAnnouncement, turning it back into the (address, displayName,
// multiaddrs) tuple the directory's OnAnnouncement write source
// needs. Returns ErrSignatureInvalid if the envelope does not verify.
func ParseAnnouncement(data []byte) (address, displayName string, addrs []ma.Multiaddr, err error) {
	env, _, err := decodeWire(data)
	if err != nil {
		return "", "", nil, err
	}
	canon, err := canonical(env)
	if err != nil {
		return "", "", nil, err
	}
	if !identity.Verify(env.FromAgentID, canon, env.Signature) {
		return "", "", nil, ErrSignatureInvalid
	}

	content := string(env.Content)
	addrPart := content
	if idx := strings.Index(content, "|"); idx >= 0 {
		displayName = content[:idx]
		addrPart = content[idx+1:]
	}
	if addrPart != "" {
		for _, s := range strings.Split(addrPart, ",") {
			a, aerr := ma.NewMultiaddr(s)
			if aerr != nil {
				continue
			}
			addrs = append(addrs, a)
		}
	}
	return strings.ToLower(env.FromAgentID), displayName, addrs, nil
}
