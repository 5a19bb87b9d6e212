package overlay

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

// TestPinnedIdentityIsDeterministic: a bootstrap peer's overlay
// peer id is a pure function of its pinned secret, so it survives restarts
// and can be written into the bootstrap registry.
func TestPinnedIdentityIsDeterministic(t *testing.T) {
	secret := "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

	priv1, err := LoadOverlayIdentity(secret)
	require.NoError(t, err)
	priv2, err := LoadOverlayIdentity(secret)
	require.NoError(t, err)

	id1, err := peer.IDFromPrivateKey(priv1)
	require.NoError(t, err)
	id2, err := peer.IDFromPrivateKey(priv2)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestDistinctPinnedSecretsYieldDistinctPeerIDs(t *testing.T) {
	priv1, err := LoadOverlayIdentity("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	priv2, err := LoadOverlayIdentity("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362319")
	require.NoError(t, err)

	id1, err := peer.IDFromPrivateKey(priv1)
	require.NoError(t, err)
	id2, err := peer.IDFromPrivateKey(priv2)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
}

// TestEphemeralIdentityIsFresh: with no
// pinned secret every process start yields a new overlay peer id.
func TestEphemeralIdentityIsFresh(t *testing.T) {
	priv1, err := LoadOverlayIdentity("")
	require.NoError(t, err)
	priv2, err := LoadOverlayIdentity("")
	require.NoError(t, err)

	id1, err := peer.IDFromPrivateKey(priv1)
	require.NoError(t, err)
	id2, err := peer.IDFromPrivateKey(priv2)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
}

func TestLoadOverlayIdentityRejectsBadHex(t *testing.T) {
	_, err := LoadOverlayIdentity("not-hex")
	require.Error(t, err)
}
