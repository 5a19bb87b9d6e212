package overlay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"

	"github.com/shurlinet/agentmesh/internal/config"
	"github.com/shurlinet/agentmesh/internal/corelog"
)

// dialTimeout is the hard per-attempt timeout for bootstrap dials.
const dialTimeout = 10 * time.Second

// dialBackoff is the wait between bootstrap dial retries.
const dialBackoff = 5 * time.Second

// EngineConfig configures StartEngine.
type EngineConfig struct {
	// Port is the local TCP listen port.
	Port int
	// PinnedSecretHex, if non-empty, pins the overlay keypair (bootstrap
	// peers only). Empty means a fresh ephemeral identity.
	PinnedSecretHex string
	// Role and Policy drive DHT/gossip/connection-budget behavior.
	Role   config.Role
	Policy config.Policy
	// AnnounceHostname is the public DNS name a BOOTSTRAP node advertises
	// in addition to its listen address.
	AnnounceHostname string
	// BootstrapAddrs are the multiaddrs of every bootstrap peer in the
	// deployment's bootstrap registry (self excluded by peer id at dial time).
	BootstrapAddrs []ma.Multiaddr
	// Gater, if non-nil, is installed as the libp2p ConnectionGater.
	Gater connmgr.ConnectionGater

	// OnPeerConnected/OnPeerDisconnected, if non-nil, are invoked by the
	// engine's connection tracker and are the directory's write
	// source 1.
	OnPeerConnected    ConnectedHandler
	OnPeerDisconnected DisconnectedHandler

	Metrics *Metrics
	Logger  corelog.Logger
}

// topicHandler is invoked once per message received on a subscribed topic,
// with the raw payload and the message author (the signed originator, not
// the mesh neighbor that forwarded it).
type topicHandler func(data []byte, from peer.ID)

// Engine brings up the transport, security, muxer, DHT, and gossip stack
// and exposes the operations the rest of the node composes on top of it.
type Engine struct {
	host    host.Host
	kdht    *dht.IpfsDHT
	ps      *pubsub.PubSub
	tracker *ConnTracker
	metrics *Metrics
	log     corelog.Logger
	policy  config.Policy
	role    config.Role

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartEngine brings up the networking stack and returns a running
// Engine. A failure to start the listener is always fatal (ErrListenerFailed);
// a non-bootstrap node that ends up with zero bootstrap connections after
// its retry budget fails with ErrBootstrapUnreachable.
func StartEngine(ctx context.Context, cfg EngineConfig) (*Engine, error) {
	log := cfg.Logger
	if log == nil {
		log = corelog.Discard()
	}
	log = log.With("component", "overlay")

	priv, err := LoadOverlayIdentity(cfg.PinnedSecretHex)
	if err != nil {
		return nil, err
	}

	eng := &Engine{
		metrics: cfg.Metrics,
		log:     log,
		policy:  cfg.Policy,
		role:    cfg.Role,
		topics:  make(map[string]*pubsub.Topic),
		subs:    make(map[string]*pubsub.Subscription),
	}
	eng.ctx, eng.cancel = context.WithCancel(ctx)

	listen := fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port)
	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.ListenAddrStrings(listen),
	}
	if cfg.Role == config.RoleBootstrap && cfg.AnnounceHostname != "" {
		announce, aerr := ma.NewMultiaddr(fmt.Sprintf("/dns4/%s/tcp/%d", cfg.AnnounceHostname, cfg.Port))
		if aerr == nil {
			opts = append(opts, libp2p.AddrsFactory(func(addrs []ma.Multiaddr) []ma.Multiaddr {
				return append(addrs, announce)
			}))
		}
	}
	if cfg.Gater != nil {
		opts = append(opts, libp2p.ConnectionGater(cfg.Gater))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		eng.cancel()
		return nil, fmt.Errorf("%w: %v", ErrListenerFailed, err)
	}
	eng.host = h

	if cfg.Policy.EnableDHT {
		mode := dht.ModeClient
		if cfg.Policy.DHTServerMode {
			mode = dht.ModeServer
		}
		// The overlay runs its own DHT namespace: the default /ipfs prefix
		// only accepts the public network's bucket size of 20.
		kdht, derr := dht.New(eng.ctx, h, dht.Mode(mode), dht.ProtocolPrefix("/agentmesh"), dht.BucketSize(maxInt(cfg.Policy.KBucketSize, 1)))
		if derr != nil {
			_ = h.Close()
			eng.cancel()
			return nil, fmt.Errorf("%w: %v", ErrListenerFailed, derr)
		}
		if err := kdht.Bootstrap(eng.ctx); err != nil {
			log.Warn("dht bootstrap warm-up failed", "error", err)
		}
		eng.kdht = kdht
	}

	if cfg.Policy.EnableGossip {
		var seeds []peer.AddrInfo
		for _, a := range cfg.BootstrapAddrs {
			if ai, aerr := peer.AddrInfoFromP2pAddr(a); aerr == nil {
				seeds = append(seeds, *ai)
			}
		}
		ps, perr := pubsub.NewGossipSub(eng.ctx, h, pubsub.WithDirectPeers(seeds))
		if perr != nil {
			_ = h.Close()
			eng.cancel()
			return nil, fmt.Errorf("%w: %v", ErrListenerFailed, perr)
		}
		eng.ps = ps
	}

	eng.tracker = NewConnTracker(h, cfg.Policy.MaxConnections, log, cfg.OnPeerConnected, cfg.OnPeerDisconnected)
	eng.tracker.Start(eng.ctx)

	if err := eng.dialBootstrapPeers(eng.ctx, cfg); err != nil {
		_ = eng.Close()
		return nil, err
	}

	return eng, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// dialBootstrapPeers dials every configured bootstrap peer in parallel,
// retrying each: 3 attempts for a BOOTSTRAP node dialing
// other bootstraps, 5 attempts for a non-bootstrap node, 5s backoff, 10s
// per-attempt timeout.
func (e *Engine) dialBootstrapPeers(ctx context.Context, cfg EngineConfig) error {
	if len(cfg.BootstrapAddrs) == 0 {
		if cfg.Policy.BootstrapRequired {
			return ErrBootstrapUnreachable
		}
		return nil
	}

	attempts := 5
	if cfg.Role == config.RoleBootstrap {
		attempts = 3
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInt(cfg.Policy.MaxParallelDials, 1))
	var connectedMu sync.Mutex
	connected := 0

	for _, addr := range cfg.BootstrapAddrs {
		addr := addr
		ai, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			continue
		}
		if ai.ID == e.host.ID() {
			continue
		}
		g.Go(func() error {
			if e.dialWithRetry(gctx, *ai, attempts) {
				connectedMu.Lock()
				connected++
				connectedMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if connected == 0 && cfg.Policy.BootstrapRequired {
		return ErrBootstrapUnreachable
	}
	return nil
}

// dialWithRetry performs up to attempts dials with dialBackoff between them,
// each bounded by dialTimeout. Individual dial failures are non-fatal and
// only logged and counted.
func (e *Engine) dialWithRetry(ctx context.Context, ai peer.AddrInfo, attempts int) bool {
	for i := 0; i < attempts; i++ {
		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		err := e.host.Connect(dctx, ai)
		cancel()
		if e.metrics != nil {
			result := "ok"
			if err != nil {
				result = "error"
			}
			e.metrics.DialsTotal.WithLabelValues(ai.ID.String(), result).Inc()
		}
		if err == nil {
			return true
		}
		e.log.Warn("bootstrap dial failed", "peer", ai.ID, "attempt", i+1, "error", err)
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(dialBackoff):
			}
		}
	}
	return false
}

// PeerID returns this node's overlay peer id.
func (e *Engine) PeerID() peer.ID { return e.host.ID() }

// Multiaddrs returns the addresses this host is currently reachable on.
func (e *Engine) Multiaddrs() []ma.Multiaddr { return e.host.Addrs() }

// ConnectedPeers returns the currently connected peer set.
func (e *Engine) ConnectedPeers() []peer.ID { return e.tracker.ConnectedPeers() }

// RoutingTableSize reports the DHT routing table size, or 0 when the DHT is
// disabled for this role. Used by the status broadcaster's telemetry.
func (e *Engine) RoutingTableSize() int {
	if e.kdht == nil {
		return 0
	}
	return e.kdht.RoutingTable().Size()
}

// Dial attempts a direct connection to the given peer. Transport errors on
// individual dials are non-fatal. A dial that runs past dialTimeout fails
// with ErrDialTimeout.
func (e *Engine) Dial(ctx context.Context, ai peer.AddrInfo) error {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	err := e.host.Connect(dctx, ai)
	if err != nil && errors.Is(dctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrDialTimeout, err)
	}
	return err
}

// Subscribe joins topic (if not already joined) and starts a handler
// goroutine delivering every received message, skipping messages this node
// itself published.
func (e *Engine) Subscribe(topic string, handler topicHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.joinLocked(topic, handler)
}

// joinLocked must be called with e.mu held.
func (e *Engine) joinLocked(topic string, handler topicHandler) error {
	if e.ps == nil {
		return fmt.Errorf("overlay: gossip disabled for role %s", e.role)
	}
	if _, ok := e.subs[topic]; ok {
		return nil
	}

	t, err := e.ps.Join(topic)
	if err != nil {
		return fmt.Errorf("overlay: join topic %q: %w", topic, err)
	}
	sub, err := t.Subscribe()
	if err != nil {
		return fmt.Errorf("overlay: subscribe topic %q: %w", topic, err)
	}
	e.topics[topic] = t
	e.subs[topic] = sub

	e.wg.Add(1)
	go e.readLoop(topic, sub, handler)
	return nil
}

func (e *Engine) readLoop(topic string, sub *pubsub.Subscription, handler topicHandler) {
	defer e.wg.Done()
	self := e.host.ID()
	for {
		msg, err := sub.Next(e.ctx)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			e.log.Warn("pubsub read error", "topic", topic, "error", err)
			continue
		}
		// GetFrom is the author carried in the signed pubsub envelope.
		// ReceivedFrom would be the last gossip hop, which under a
		// relaying mesh is a forwarding neighbor, not the peer any
		// identity binding should point at.
		author := msg.GetFrom()
		if author == self || msg.ReceivedFrom == self {
			continue
		}
		handler(msg.Data, author)
	}
}

// Publish sends data on topic, joining it first (with a no-op handler) if
// this node hasn't subscribed yet.
func (e *Engine) Publish(ctx context.Context, topic string, data []byte) error {
	e.mu.Lock()
	t, ok := e.topics[topic]
	if !ok {
		if err := e.joinLocked(topic, func([]byte, peer.ID) {}); err != nil {
			e.mu.Unlock()
			return err
		}
		t = e.topics[topic]
	}
	e.mu.Unlock()

	if !e.policy.AllowPublishToZeroPeers && len(t.ListPeers()) == 0 {
		return fmt.Errorf("overlay: no peers on topic %q", topic)
	}
	return t.Publish(ctx, data)
}

// DHTProvide announces this node as a provider of key.
func (e *Engine) DHTProvide(ctx context.Context, key string) error {
	if e.kdht == nil {
		return fmt.Errorf("overlay: dht disabled for role %s", e.role)
	}
	c, err := dhtKeyToCID(key)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return e.kdht.Provide(ctx, c, true)
}

// DHTFindProviders returns a channel yielding provider AddrInfos for key:
// a cancelable producer the caller drains until first success or deadline.
// The channel closes when the 10s cap elapses or the search is exhausted.
func (e *Engine) DHTFindProviders(ctx context.Context, key string) (<-chan peer.AddrInfo, error) {
	if e.kdht == nil {
		return nil, fmt.Errorf("overlay: dht disabled for role %s", e.role)
	}
	c, err := dhtKeyToCID(key)
	if err != nil {
		return nil, err
	}
	fctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	in := e.kdht.FindProvidersAsync(fctx, c, 20)
	out := make(chan peer.AddrInfo)
	go func() {
		defer cancel()
		defer close(out)
		for ai := range in {
			select {
			case out <- ai:
			case <-fctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// DHTPut stores value under key, capped at 20s.
func (e *Engine) DHTPut(ctx context.Context, key string, value []byte) error {
	if e.kdht == nil {
		return fmt.Errorf("overlay: dht disabled for role %s", e.role)
	}
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	return e.kdht.PutValue(ctx, "/agentmesh/"+key, value)
}

// DHTGet retrieves the value stored under key, if any, with the 10s cap.
func (e *Engine) DHTGet(ctx context.Context, key string) ([]byte, error) {
	if e.kdht == nil {
		return nil, fmt.Errorf("overlay: dht disabled for role %s", e.role)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return e.kdht.GetValue(ctx, "/agentmesh/"+key)
}

// Close performs cooperative shutdown: subscriptions are cancelled, the
// connection tracker stops, and the host closes. Every background task
// observes ctx cancellation before Close returns.
func (e *Engine) Close() error {
	e.cancel()

	e.mu.Lock()
	for _, sub := range e.subs {
		sub.Cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()
	if e.tracker != nil {
		e.tracker.Close()
	}
	if e.kdht != nil {
		_ = e.kdht.Close()
	}
	if e.host != nil {
		return e.host.Close()
	}
	return nil
}
