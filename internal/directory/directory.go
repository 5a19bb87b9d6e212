// Package directory maintains the eventually-consistent mapping from
// account addresses to overlay peer identities, multiaddresses, and
// display names, kept fresh by connection events, DHT lookups, and
// verified gossip announcements.
package directory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/time/rate"

	"github.com/shurlinet/agentmesh/internal/corelog"
)

// Entry is a directory's view of one remote account address.
type Entry struct {
	OverlayPeerID peer.ID
	DisplayName   string
	Multiaddrs    []ma.Multiaddr
	ObservedAt    time.Time
}

// Overlay is the subset of the overlay engine the directory drives:
// DHT provide/find, topic publish, and peer id/multiaddr introspection.
type Overlay interface {
	PeerID() peer.ID
	Multiaddrs() []ma.Multiaddr
	DHTProvide(ctx context.Context, key string) error
	DHTFindProviders(ctx context.Context, key string) (<-chan peer.AddrInfo, error)
	Publish(ctx context.Context, topic string, data []byte) error
}

// Announcer builds and signs the "agent-announcements" envelope; the
// messaging component implements it so the directory never touches
// signing directly.
type Announcer interface {
	SignedAnnouncement(displayName string, multiaddrs []ma.Multiaddr) ([]byte, error)
}

// ErrNotFound is returned by Lookup when no binding for an address is
// known locally and the DHT query found nothing within its deadline.
var ErrNotFound = fmt.Errorf("directory: address not found")

// Directory maintains addrToPeer/peerToAddr/names. All writes
// normalize addresses to lowercase; all tables are guarded by one mutex
// since table mutations must never suspend.
type Directory struct {
	selfAddress string
	displayName string

	mu         sync.RWMutex
	addrToPeer map[string]peer.ID
	peerToAddr map[peer.ID]string
	names      map[string]string
	multiaddrs map[string][]ma.Multiaddr
	observedAt map[string]time.Time

	overlay  Overlay
	announce Announcer
	log      corelog.Logger

	updateInterval    time.Duration
	minUpdateInterval time.Duration
	limiter           *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Directory for selfAddress (lowercased). displayName is
// this node's own configured name, carried in every announcement it
// publishes. updateInterval and minUpdateInterval come from the role
// policy; the limiter enforces the floor regardless of how often a
// republish is requested.
func New(selfAddress, displayName string, overlay Overlay, announce Announcer, updateInterval, minUpdateInterval time.Duration, log corelog.Logger) *Directory {
	if log == nil {
		log = corelog.Discard()
	}
	return &Directory{
		selfAddress:       strings.ToLower(selfAddress),
		displayName:       displayName,
		addrToPeer:        make(map[string]peer.ID),
		peerToAddr:        make(map[peer.ID]string),
		names:             make(map[string]string),
		multiaddrs:        make(map[string][]ma.Multiaddr),
		observedAt:        make(map[string]time.Time),
		overlay:           overlay,
		announce:          announce,
		log:               log.With("component", "directory"),
		updateInterval:    updateInterval,
		minUpdateInterval: minUpdateInterval,
		limiter:           rate.NewLimiter(rate.Every(minUpdateInterval), 1),
	}
}

// Attach plugs in the overlay and announcer dependencies once they exist.
// The directory itself is constructed before the overlay engine (its
// AddressForPeer method is needed to build the engine's connection gater),
// so this two-step wiring breaks that circular dependency without creating
// a second Directory instance.
func (d *Directory) Attach(overlay Overlay, announce Announcer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.overlay = overlay
	d.announce = announce
}

// OnConnect is write source 1: a peer-connect event supplies only
// the overlay peer id. No address binding is created yet; AddressForPeer
// will report !ok until a DHT hit or announcement completes it.
func (d *Directory) OnConnect(p peer.ID) {
	d.mu.Lock()
	if _, ok := d.peerToAddr[p]; !ok {
		d.peerToAddr[p] = ""
	}
	d.mu.Unlock()
}

// OnDHTHit is write source 2: a findProviders hit on "/eth/<address>"
// supplies (overlayPeerId, address).
func (d *Directory) OnDHTHit(p peer.ID, address string) {
	d.write(p, address, "", nil)
}

// OnAnnouncement is write source 3, the most trusted: a verified gossip
// announcement supplies (overlayPeerId, address, displayName, multiaddrs).
// Callers must have already verified the enclosing message's signature and
// that fromAgentId == address before calling this.
func (d *Directory) OnAnnouncement(p peer.ID, address, displayName string, addrs []ma.Multiaddr) {
	d.write(p, address, displayName, addrs)
}

func (d *Directory) write(p peer.ID, address, displayName string, addrs []ma.Multiaddr) {
	address = strings.ToLower(address)
	if address == d.selfAddress {
		// The directory never contains the node's own address.
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.addrToPeer[address] = p
	d.peerToAddr[p] = address
	if displayName != "" {
		d.names[address] = displayName
	}
	if addrs != nil {
		d.multiaddrs[address] = addrs
	}
	d.observedAt[address] = time.Now()
}

// AddressForPeer implements overlay.PeerAddressBinder for the connection
// gater: the best-known account address for an overlay peer id, if bound.
func (d *Directory) AddressForPeer(p peer.ID) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.peerToAddr[p]
	return addr, ok && addr != ""
}

// PeerForAddress returns the overlay peer id bound to address, if known
// locally, without issuing a DHT query.
func (d *Directory) PeerForAddress(address string) (peer.ID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.addrToPeer[strings.ToLower(address)]
	return p, ok
}

// Lookup resolves address to an overlay peer id: local first, then a
// DHT findProviders with a 10s cap; on the first provider hit the binding
// is stored and returned. Fails with ErrNotFound otherwise.
func (d *Directory) Lookup(ctx context.Context, address string) (peer.ID, error) {
	if p, ok := d.PeerForAddress(address); ok {
		return p, nil
	}
	if d.overlay == nil {
		return "", ErrNotFound
	}

	key := DHTKey(address)
	results, err := d.overlay.DHTFindProviders(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	for ai := range results {
		d.OnDHTHit(ai.ID, address)
		return ai.ID, nil
	}
	return "", ErrNotFound
}

// DHTKey is the DHT key namespace the directory owns: "/eth/<address>"
// lowercased.
func DHTKey(address string) string {
	return "/eth/" + strings.ToLower(address)
}

// Snapshot is one ListAgents-shaped row.
type Snapshot struct {
	AgentID         string
	AgentName       string
	PeerID          peer.ID
	ConnectedSince  time.Time
}

// List returns every address that has produced a verified directory
// signal, i.e. a completed peer-id binding via DHT hit or announcement.
// Unbound connect-only entries are excluded.
func (d *Directory) List() []Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Snapshot, 0, len(d.addrToPeer))
	for addr, p := range d.addrToPeer {
		out = append(out, Snapshot{
			AgentID:        addr,
			AgentName:      d.names[addr],
			PeerID:         p,
			ConnectedSince: d.observedAt[addr],
		})
	}
	return out
}

// Size reports the number of bound addresses, for the directory_size metric.
func (d *Directory) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.addrToPeer)
}

// Start begins the periodic own-binding publish loop. Call Stop (or
// cancel ctx) to end it.
func (d *Directory) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	if d.overlay == nil {
		return
	}
	d.wg.Add(1)
	go d.publishLoop()
}

// Stop ends the periodic publish loop and waits for it to exit.
func (d *Directory) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Directory) publishLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.updateInterval)
	defer ticker.Stop()

	d.republishNow()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.republishNow()
		}
	}
}

// republishNow issues dhtProvide and a signed gossip announcement,
// rate-limited to minUpdateInterval regardless of call frequency.
func (d *Directory) republishNow() {
	if !d.limiter.Allow() {
		return
	}

	if err := d.overlay.DHTProvide(d.ctx, DHTKey(d.selfAddress)); err != nil {
		d.log.Warn("dht provide failed", "error", err)
	}

	if d.announce == nil {
		return
	}
	payload, err := d.announce.SignedAnnouncement(d.displayName, d.overlay.Multiaddrs())
	if err != nil {
		d.log.Warn("build announcement failed", "error", err)
		return
	}
	if err := d.overlay.Publish(d.ctx, TopicAnnouncements, payload); err != nil {
		d.log.Warn("publish announcement failed", "error", err)
	}
}

// TopicAnnouncements is the well-known gossip topic the directory owns.
const TopicAnnouncements = "agent-announcements"
