package overlay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/shurlinet/agentmesh/internal/config"
	"github.com/shurlinet/agentmesh/internal/corelog"
)

func startTestEngine(t *testing.T, role config.Role, bootstrapAddrs []ma.Multiaddr) *Engine {
	t.Helper()
	policy := config.PolicyForRole(role)
	eng, err := StartEngine(context.Background(), EngineConfig{
		Port:           0,
		Role:           role,
		Policy:         policy,
		BootstrapAddrs: bootstrapAddrs,
		Logger:         corelog.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

// dialableAddr builds the full /ip4/.../tcp/.../p2p/<id> address a second
// engine can use as its bootstrap entry.
func dialableAddr(t *testing.T, e *Engine) ma.Multiaddr {
	t.Helper()
	require.NotEmpty(t, e.Multiaddrs())
	p2p, err := ma.NewMultiaddr(fmt.Sprintf("/p2p/%s", e.PeerID()))
	require.NoError(t, err)
	return e.Multiaddrs()[0].Encapsulate(p2p)
}

func TestBootstrapEngineStartsAlone(t *testing.T) {
	eng := startTestEngine(t, config.RoleBootstrap, nil)
	require.NotEmpty(t, eng.PeerID())
	require.NotEmpty(t, eng.Multiaddrs())
}

// TestFullRoleFailsWithoutBootstrap: a non-BOOTSTRAP node with zero
// reachable bootstrap peers fails to start.
func TestFullRoleFailsWithoutBootstrap(t *testing.T) {
	policy := config.PolicyForRole(config.RoleFull)
	_, err := StartEngine(context.Background(), EngineConfig{
		Port:   0,
		Role:   config.RoleFull,
		Policy: policy,
		Logger: corelog.Discard(),
	})
	require.ErrorIs(t, err, ErrBootstrapUnreachable)
}

func TestFullEngineDialsBootstrapAndGossips(t *testing.T) {
	if testing.Short() {
		t.Skip("starts two libp2p hosts")
	}

	boot := startTestEngine(t, config.RoleBootstrap, nil)
	full := startTestEngine(t, config.RoleFull, []ma.Multiaddr{dialableAddr(t, boot)})

	require.Eventually(t, func() bool {
		return len(full.ConnectedPeers()) > 0
	}, 10*time.Second, 100*time.Millisecond, "full node never connected to bootstrap")

	received := make(chan []byte, 1)
	require.NoError(t, full.Subscribe("test-topic", func(data []byte, _ peer.ID) {
		select {
		case received <- data:
		default:
		}
	}))
	require.NoError(t, boot.Subscribe("test-topic", func([]byte, peer.ID) {}))

	// Gossip mesh formation is asynchronous; republish until delivery.
	deadline := time.After(15 * time.Second)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case data := <-received:
			require.Equal(t, []byte("ping"), data)
			return
		case <-deadline:
			t.Fatal("message never delivered over gossip")
		case <-tick.C:
			_ = boot.Publish(context.Background(), "test-topic", []byte("ping"))
		}
	}
}
