// Package node is the composition root: it wires identity, registry,
// overlay engine, directory, messaging, status, and the local API into one
// running agent node and owns the lifecycle and the fatal-vs-nonfatal
// error classification.
package node

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/agentmesh/internal/config"
	"github.com/shurlinet/agentmesh/internal/corelog"
	"github.com/shurlinet/agentmesh/internal/directory"
	"github.com/shurlinet/agentmesh/internal/identity"
	"github.com/shurlinet/agentmesh/internal/localapi"
	"github.com/shurlinet/agentmesh/internal/messaging"
	"github.com/shurlinet/agentmesh/internal/registry"
	"github.com/shurlinet/agentmesh/internal/status"
	"github.com/shurlinet/agentmesh/pkg/overlay"
)

// State is the node's lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Config bundles everything Start needs to bring up a node.
type Config struct {
	Identity *identity.Identity
	Role     config.Role
	Policy   config.Policy

	// DisplayName is this node's configured name (AGENT_NAME), announced
	// alongside the address binding and registered in the registry record.
	DisplayName string

	Registry registry.Client

	Port             int
	PinnedSecretHex  string
	AnnounceHostname string
	BootstrapAddrs   []ma.Multiaddr

	UseEncryption bool
	SeenSetSize   int

	SocketPath      string
	CookiePath      string
	MetricsListen   string // empty disables the /metrics + /healthz server

	Version string
	Logger  corelog.Logger
}

// Node is the running composition of every component.
type Node struct {
	cfg Config
	log corelog.Logger

	id       *identity.Identity
	reg      registry.Client
	metrics  *overlay.Metrics
	audit    *overlay.AuditLogger

	engine  *overlay.Engine
	dir     *directory.Directory
	msg     *messaging.Messaging
	status  *status.Broadcaster
	api     *localapi.Server

	metricsServer *http.Server

	startedAt time.Time

	mu    sync.Mutex
	state State
}

// New creates a Node in StateCreated. Call Start to bring it up.
func New(cfg Config) *Node {
	log := cfg.Logger
	if log == nil {
		log = corelog.Discard()
	}
	return &Node{cfg: cfg, id: cfg.Identity, reg: cfg.Registry, log: log.With("component", "node"), state: StateCreated}
}

// State reports the node's current lifecycle state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// Start brings up every component in dependency order and wires their
// cross-component callbacks. A failure to start the overlay engine, the
// messaging component or its subscription, or the local API is fatal and
// unwinds whatever already started; a failure to subscribe to the
// announcement or status topics is only logged.
func (n *Node) Start(ctx context.Context) error {
	n.setState(StateStarting)
	n.startedAt = time.Now()

	n.metrics = overlay.NewMetrics(n.cfg.Version, goVersion())
	n.audit = overlay.NewAuditLogger(n.log)

	// The directory is constructed before the overlay engine since its
	// AddressForPeer method is needed to build the engine's connection
	// gater; its overlay/announcer dependencies are plugged in via Attach
	// once the engine and messaging components exist.
	n.dir = directory.New(n.id.AddressHex(), n.cfg.DisplayName, nil, nil, n.cfg.Policy.DHTUpdateInterval, n.cfg.Policy.MinDHTUpdateInterval, n.log)

	gater := overlay.NewRegistryGater(n.dir, n.reg, n.audit)

	engine, err := overlay.StartEngine(ctx, overlay.EngineConfig{
		Port:               n.cfg.Port,
		PinnedSecretHex:    n.cfg.PinnedSecretHex,
		Role:               n.cfg.Role,
		Policy:             n.cfg.Policy,
		AnnounceHostname:   n.cfg.AnnounceHostname,
		BootstrapAddrs:     n.cfg.BootstrapAddrs,
		Gater:              gater,
		OnPeerConnected:    n.onPeerConnected,
		Metrics:            n.metrics,
		Logger:             n.log,
	})
	if err != nil {
		n.setState(StateStopped)
		return fmt.Errorf("node: start overlay engine: %w", err)
	}
	n.engine = engine

	msg, err := messaging.New(messaging.Config{
		Identity:      n.id,
		Overlay:       engineMsgAdapter{engine},
		Resolver:      n.dir,
		PublicKeys:    n.reg,
		UseEncryption: n.cfg.UseEncryption,
		Role:          n.cfg.Role,
		Metrics:       metricsAdapter{n.metrics},
		Audit:         n.audit,
		Logger:        n.log,
		OnDeliver:     n.onDeliver,
	}, n.cfg.SeenSetSize)
	if err != nil {
		_ = n.engine.Close()
		n.setState(StateStopped)
		return fmt.Errorf("node: start messaging: %w", err)
	}
	n.msg = msg
	n.dir.Attach(engine, n.msg)

	n.status = status.New(n.id, n.snapshotStatus, engine.Publish, n.log)

	n.api = localapi.NewServer(nodeBackend{n}, n.cfg.SocketPath, n.cfg.CookiePath, n.audit, n.log)

	// A LIGHT node runs without the gossip mesh and without the DHT: it
	// keeps the local API and directory tables but neither subscribes to
	// topics nor runs the periodic publish loops.
	if n.cfg.Policy.EnableGossip {
		if err := n.msg.Start(); err != nil {
			_ = n.engine.Close()
			n.setState(StateStopped)
			return fmt.Errorf("node: start messaging subscription: %w", err)
		}
		if err := n.engine.Subscribe(directory.TopicAnnouncements, n.handleAnnouncement); err != nil {
			n.log.Warn("subscribe announcements failed", "error", err)
		}
		if err := n.engine.Subscribe(status.Topic, func(data []byte, _ peer.ID) { n.status.HandleInbound(data) }); err != nil {
			n.log.Warn("subscribe status failed", "error", err)
		}
		n.status.Start(ctx)
	}
	if n.cfg.Policy.EnableDHT && n.cfg.Policy.EnableGossip {
		n.dir.Start(ctx)
	}

	if err := n.api.Start(); err != nil {
		n.dir.Stop()
		n.status.Stop()
		_ = n.engine.Close()
		n.setState(StateStopped)
		return fmt.Errorf("node: start local api: %w", err)
	}

	n.startMetricsServer()

	n.setState(StateRunning)
	n.log.Info("node running", "peer_id", n.engine.PeerID(), "role", n.cfg.Role, "address", n.id.AddressHex())
	return nil
}

// Stop performs cooperative shutdown of every component; every periodic
// task observes the same stop signal and exits before Stop returns.
func (n *Node) Stop() error {
	n.setState(StateStopping)
	n.log.Info("node stopping")

	if n.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = n.metricsServer.Shutdown(ctx)
		cancel()
	}
	if n.api != nil {
		n.api.Stop()
	}
	if n.status != nil {
		n.status.Stop()
	}
	if n.dir != nil {
		n.dir.Stop()
	}

	var err error
	if n.engine != nil {
		err = n.engine.Close()
	}

	n.setState(StateStopped)
	n.log.Info("node stopped")
	return err
}

// ShutdownCh is closed once a client has requested shutdown through the
// local API.
func (n *Node) ShutdownCh() <-chan struct{} {
	return n.api.ShutdownCh()
}

// onPeerConnected is the directory's write source 1 and also
// surfaces a PeerConnected event on the local API's event stream, once that
// stream exists (connections formed during the engine's own bootstrap
// dials happen before the API server starts and are simply not surfaced).
func (n *Node) onPeerConnected(p peer.ID) {
	n.dir.OnConnect(p)
	if n.api != nil {
		n.api.Broadcaster().Publish(localapi.Event{Kind: localapi.EventPeerConnected, PeerID: p.String()})
	}
}

func (n *Node) onDeliver(d messaging.Delivery) {
	n.api.Broadcaster().Publish(localapi.Event{
		Kind:        localapi.EventMessage,
		MessageID:   d.MessageID,
		From:        d.FromAgentID,
		To:          d.ToAgentID,
		Content:     d.Content,
		TimestampMs: d.TimestampMs,
	})
}

// handleAnnouncement verifies and decodes a gossip announcement, turning it
// into the directory's write source 3. from is the announcement's author as
// carried in the signed pubsub envelope, so the stored binding points at
// the peer the announced multiaddrs belong to even when the message arrived
// through a relaying mesh neighbor.
func (n *Node) handleAnnouncement(data []byte, from peer.ID) {
	address, displayName, addrs, err := messaging.ParseAnnouncement(data)
	if err != nil {
		if n.audit != nil {
			n.audit.SignatureInvalid("announcement", "")
		}
		return
	}
	n.dir.OnAnnouncement(from, address, displayName, addrs)
}

func (n *Node) snapshotStatus() status.Metrics {
	addrs := make([]string, 0)
	for _, a := range n.engine.Multiaddrs() {
		addrs = append(addrs, a.String())
	}
	return status.Metrics{
		PeerID:           n.engine.PeerID().String(),
		ConnectedPeers:   len(n.engine.ConnectedPeers()),
		UptimeSec:        int64(time.Since(n.startedAt).Seconds()),
		RoutingTableSize: n.engine.RoutingTableSize(),
		Multiaddrs:       addrs,
		IsBootstrap:      n.cfg.Role == config.RoleBootstrap,
	}
}

func (n *Node) startMetricsServer() {
	if n.cfg.MetricsListen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", n.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	n.metricsServer = &http.Server{
		Addr:         n.cfg.MetricsListen,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		n.log.Info("metrics endpoint started", "addr", n.cfg.MetricsListen)
		if err := n.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.log.Error("metrics endpoint error", "error", err)
		}
	}()
}

func goVersion() string { return runtime.Version() }

// --- Backend implementation for localapi ---

type nodeBackend struct{ n *Node }

func (b nodeBackend) PeerID() string { return b.n.engine.PeerID().String() }

func (b nodeBackend) Send(ctx context.Context, to string, content []byte, conversationID, replyTo string) (string, error) {
	return b.n.msg.Send(ctx, to, content, conversationID, replyTo)
}

func (b nodeBackend) ListAgents() []localapi.AgentInfo {
	snaps := b.n.dir.List()
	out := make([]localapi.AgentInfo, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, localapi.AgentInfo{
			AgentID:        s.AgentID,
			AgentName:      s.AgentName,
			PeerID:         s.PeerID.String(),
			ConnectedSince: s.ConnectedSince.UnixMilli(),
		})
	}
	return out
}

func (b nodeBackend) Stop() error { return b.n.Stop() }

// engineMsgAdapter re-exposes *overlay.Engine's Subscribe with an unnamed
// handler function type, since messaging.Overlay declares one and Engine's
// own Subscribe takes its unexported topicHandler type instead (the two
// have identical underlying types but aren't identical types, so Engine
// does not satisfy messaging.Overlay directly).
type engineMsgAdapter struct{ e *overlay.Engine }

func (a engineMsgAdapter) Subscribe(topic string, handler func(data []byte, from peer.ID)) error {
	return a.e.Subscribe(topic, handler)
}
func (a engineMsgAdapter) Publish(ctx context.Context, topic string, data []byte) error {
	return a.e.Publish(ctx, topic, data)
}
func (a engineMsgAdapter) Dial(ctx context.Context, ai peer.AddrInfo) error {
	return a.e.Dial(ctx, ai)
}

type metricsAdapter struct{ m *overlay.Metrics }

func (a metricsAdapter) MessageSent(result string)     { a.m.MessagesSentTotal.WithLabelValues(result).Inc() }
func (a metricsAdapter) MessageReceived(result string) { a.m.MessagesReceivedTotal.WithLabelValues(result).Inc() }
