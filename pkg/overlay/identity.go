package overlay

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// LoadOverlayIdentity derives the libp2p keypair this node's overlay peer id
// is computed from. A non-empty pinnedSecretHex (BOOTSTRAP_PRIVATE_KEY)
// yields a deterministic keypair so a bootstrap peer's overlay peer id
// survives restarts and can be pinned into the bootstrap registry and its
// advertised multiaddress. An empty pinnedSecretHex yields a fresh
// random keypair, matching non-bootstrap peers whose overlay peer id is not
// stable across restarts.
func LoadOverlayIdentity(pinnedSecretHex string) (crypto.PrivKey, error) {
	if pinnedSecretHex == "" {
		priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
		if err != nil {
			return nil, fmt.Errorf("overlay: generate ephemeral identity: %w", err)
		}
		return priv, nil
	}
	return pinnedEd25519Key(pinnedSecretHex)
}

// pinnedEd25519Key turns a hex-encoded 32-byte secret into a deterministic
// ed25519 keypair: the secret is hashed with Keccak-256 (the same primitive
// account addresses use) to obtain a 32-byte seed, then wrapped in
// libp2p's key type so the resulting overlay peer id is a pure function of
// the pinned secret.
func pinnedEd25519Key(secretHex string) (crypto.PrivKey, error) {
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("overlay: decode pinned secret: %w", err)
	}
	seed := ethcrypto.Keccak256(secret)
	edPriv := ed25519.NewKeyFromSeed(seed)
	priv, err := crypto.UnmarshalEd25519PrivateKey(edPriv)
	if err != nil {
		return nil, fmt.Errorf("overlay: wrap pinned ed25519 key: %w", err)
	}
	return priv, nil
}

// PeerIDFromPrivateKey derives the overlay peer id for a keypair produced by
// LoadOverlayIdentity.
func PeerIDFromPrivateKey(priv crypto.PrivKey) (peer.ID, error) {
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("overlay: derive peer id: %w", err)
	}
	return id, nil
}
