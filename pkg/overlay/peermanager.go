package overlay

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/shurlinet/agentmesh/internal/corelog"
)

// ConnectedHandler is invoked once each time a peer goes from not connected
// to connected, from the ConnTracker's own event loop goroutine. Further
// connections to an already connected peer do not invoke it again.
type ConnectedHandler func(p peer.ID)

// DisconnectedHandler is invoked once a peer has no remaining connections.
type DisconnectedHandler func(p peer.ID)

// ConnTracker watches the libp2p event bus for connectedness changes and
// is Directory's write source 1. It also enforces the engine's
// maxConnections budget: any connection that pushes the
// count over budget is closed immediately.
type ConnTracker struct {
	host           host.Host
	log            corelog.Logger
	maxConnections int

	onConnected    ConnectedHandler
	onDisconnected DisconnectedHandler

	mu        sync.RWMutex
	connected map[peer.ID]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnTracker creates a ConnTracker. onConnected/onDisconnected may be
// nil. maxConnections <= 0 disables the connection-count enforcement hook.
func NewConnTracker(h host.Host, maxConnections int, log corelog.Logger, onConnected ConnectedHandler, onDisconnected DisconnectedHandler) *ConnTracker {
	return &ConnTracker{
		host:           h,
		log:            log.With("component", "conntracker"),
		maxConnections: maxConnections,
		onConnected:    onConnected,
		onDisconnected: onDisconnected,
		connected:      make(map[peer.ID]struct{}),
	}
}

// Start begins the event loop. Call Close to stop it.
func (ct *ConnTracker) Start(ctx context.Context) {
	ct.ctx, ct.cancel = context.WithCancel(ctx)
	ct.wg.Add(1)
	go ct.eventLoop()
}

// Close stops the event loop and waits for it to exit.
func (ct *ConnTracker) Close() {
	if ct.cancel != nil {
		ct.cancel()
	}
	ct.wg.Wait()
}

// ConnectedPeers returns a snapshot of the currently connected peer set.
func (ct *ConnTracker) ConnectedPeers() []peer.ID {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	out := make([]peer.ID, 0, len(ct.connected))
	for p := range ct.connected {
		out = append(out, p)
	}
	return out
}

// Count returns the number of currently connected peers.
func (ct *ConnTracker) Count() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.connected)
}

func (ct *ConnTracker) eventLoop() {
	defer ct.wg.Done()

	sub, err := ct.host.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		ct.log.Error("event bus subscribe failed", "error", err)
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ct.ctx.Done():
			return
		case evt, ok := <-sub.Out():
			if !ok {
				return
			}
			e := evt.(event.EvtPeerConnectednessChanged)
			ct.handle(e.Peer, e.Connectedness)
		}
	}
}

func (ct *ConnTracker) handle(p peer.ID, c network.Connectedness) {
	switch c {
	case network.Connected:
		ct.mu.Lock()
		_, already := ct.connected[p]
		ct.connected[p] = struct{}{}
		n := len(ct.connected)
		ct.mu.Unlock()

		if ct.maxConnections > 0 && n > ct.maxConnections {
			ct.log.Warn("connection budget exceeded, closing", "peer", p, "count", n, "max", ct.maxConnections)
			_ = ct.host.Network().ClosePeer(p)
			ct.mu.Lock()
			delete(ct.connected, p)
			ct.mu.Unlock()
			return
		}

		if !already && ct.onConnected != nil {
			ct.onConnected(p)
		}
	case network.NotConnected:
		ct.mu.Lock()
		_, was := ct.connected[p]
		delete(ct.connected, p)
		ct.mu.Unlock()

		if was && ct.onDisconnected != nil {
			ct.onDisconnected(p)
		}
	}
}
