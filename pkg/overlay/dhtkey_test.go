package overlay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDHTKeyToCIDDeterministic(t *testing.T) {
	a, err := dhtKeyToCID("/eth/0xabc123")
	require.NoError(t, err)
	b, err := dhtKeyToCID("/eth/0xabc123")
	require.NoError(t, err)
	require.True(t, a.Equals(b))
}

func TestDHTKeyToCIDDistinctKeys(t *testing.T) {
	a, err := dhtKeyToCID("/eth/0xaaaa")
	require.NoError(t, err)
	b, err := dhtKeyToCID("/eth/0xbbbb")
	require.NoError(t, err)
	require.False(t, a.Equals(b))
}
