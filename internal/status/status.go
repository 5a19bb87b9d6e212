// Package status periodically publishes a signed node status report on
// its own topic and retains peer status reports with a TTL.
package status

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/shurlinet/agentmesh/internal/corelog"
	"github.com/shurlinet/agentmesh/internal/identity"
)

// Topic is the well-known gossip topic node status reports are published on.
const Topic = "node-status"

// TTL is how long a peer's status report is retained before it is purged
// on query.
const TTL = 120 * time.Second

// Interval is the publish cadence.
const Interval = 60 * time.Second

// Metrics is the live telemetry this node's own status report carries.
type Metrics struct {
	PeerID           string   `json:"peerId"`
	ConnectedPeers   int      `json:"connectedPeers"`
	MessagesSent     int64    `json:"messagesSent"`
	MessagesReceived int64    `json:"messagesReceived"`
	UptimeSec        int64    `json:"uptimeSec"`
	RoutingTableSize int      `json:"routingTableSize"`
	Multiaddrs       []string `json:"multiaddrs"`
	IsBootstrap      bool     `json:"isBootstrap"`
	LastMessageMs    int64    `json:"lastMessageMs"`
}

type reportEnvelope struct {
	MessageID   string  `json:"messageId"`
	FromAgentID string  `json:"fromAgentId"`
	Timestamp   int64   `json:"timestamp"`
	Nonce       int64   `json:"nonce"`
	Content     []byte  `json:"content"`
	Signature   []byte  `json:"signature,omitempty"`
}

type wireWrapper struct {
	Message reportEnvelope `json:"message"`
}

func canonical(env reportEnvelope) ([]byte, error) {
	env.Signature = nil
	return json.Marshal(env)
}

// Snapshot is a collector function returning this node's current telemetry,
// called once per publish cycle.
type Snapshot func() Metrics

// Report is a received, verified peer status report, retained with TTL.
type Report struct {
	Metrics    Metrics
	ReceivedAt time.Time
}

// Broadcaster is the node's status-report component.
type Broadcaster struct {
	id          *identity.Identity
	selfAddress string
	snapshot    Snapshot
	log         corelog.Logger

	mu      sync.RWMutex
	reports map[string]Report

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	publish func(ctx context.Context, topic string, data []byte) error
}

// PublishFunc matches overlay.Engine.Publish; kept as a narrow function
// type (instead of the full Overlay interface) since the broadcaster only
// ever publishes, it subscribes through the node's own dispatch wiring.
type PublishFunc func(ctx context.Context, topic string, data []byte) error

// New creates a Broadcaster. snapshot is called once per publish cycle to
// gather live telemetry.
func New(id *identity.Identity, snapshot Snapshot, publish PublishFunc, log corelog.Logger) *Broadcaster {
	if log == nil {
		log = corelog.Discard()
	}
	return &Broadcaster{
		id:          id,
		selfAddress: strings.ToLower(id.AddressHex()),
		snapshot:    snapshot,
		log:         log.With("component", "status"),
		reports:     make(map[string]Report),
		publish:     publish,
	}
}

// Start begins the periodic publish loop.
func (b *Broadcaster) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.loop()
}

// Stop ends the periodic publish loop and waits for it to exit.
func (b *Broadcaster) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

func (b *Broadcaster) loop() {
	defer b.wg.Done()
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	b.publishOnce()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.publishOnce()
		}
	}
}

func (b *Broadcaster) publishOnce() {
	metrics := b.snapshot()
	content, err := json.Marshal(metrics)
	if err != nil {
		b.log.Warn("marshal status metrics failed", "error", err)
		return
	}

	nowMs := time.Now().UnixMilli()
	env := reportEnvelope{
		MessageID:   b.selfAddress + "-status-" + time.Now().Format("20060102150405.000"),
		FromAgentID: b.selfAddress,
		Timestamp:   nowMs,
		Nonce:       nowMs,
		Content:     content,
	}
	canon, err := canonical(env)
	if err != nil {
		b.log.Warn("canonicalize status report failed", "error", err)
		return
	}
	sig, err := b.id.Sign(canon)
	if err != nil {
		b.log.Warn("sign status report failed", "error", err)
		return
	}
	env.Signature = sig

	wire, err := json.Marshal(wireWrapper{Message: env})
	if err != nil {
		b.log.Warn("encode status report failed", "error", err)
		return
	}
	if err := b.publish(b.ctx, Topic, wire); err != nil {
		b.log.Warn("publish status report failed", "error", err)
	}
}

// HandleInbound verifies and stores a received status report under the
// sender's account address. Non-matching signatures are dropped.
func (b *Broadcaster) HandleInbound(data []byte) {
	var w wireWrapper
	if err := json.Unmarshal(data, &w); err != nil {
		return
	}
	canon, err := canonical(w.Message)
	if err != nil {
		return
	}
	if !identity.Verify(w.Message.FromAgentID, canon, w.Message.Signature) {
		return
	}
	var metrics Metrics
	if err := json.Unmarshal(w.Message.Content, &metrics); err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.reports[strings.ToLower(w.Message.FromAgentID)] = Report{
		Metrics:    metrics,
		ReceivedAt: time.Now(),
	}
}

// Reports returns every retained peer status report not yet older than
// TTL, purging expired entries as it goes.
func (b *Broadcaster) Reports() map[string]Report {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	out := make(map[string]Report, len(b.reports))
	for addr, r := range b.reports {
		if now.Sub(r.ReceivedAt) > TTL {
			delete(b.reports, addr)
			continue
		}
		out[addr] = r
	}
	return out
}
