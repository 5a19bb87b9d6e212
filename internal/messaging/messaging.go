// Package messaging constructs, signs, and publishes application
// messages on the gossip mesh, and receives, verifies, optionally
// decrypts, and filters inbound ones before handing them to the local
// delivery queue.
package messaging

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	lru "github.com/hashicorp/golang-lru"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/agentmesh/internal/config"
	"github.com/shurlinet/agentmesh/internal/corelog"
	"github.com/shurlinet/agentmesh/internal/identity"
)

// TopicMessages is the well-known application-message gossip topic.
const TopicMessages = "agent-messages"

// maxRelayHops bounds SERVER opportunistic re-publication: an envelope is
// re-published at most once, so it can never loop and never collides with
// the receiver's signature check.
const maxRelayHops = 1

// Overlay is the subset of the overlay engine messaging drives.
type Overlay interface {
	Subscribe(topic string, handler func(data []byte, from peer.ID)) error
	Publish(ctx context.Context, topic string, data []byte) error
	Dial(ctx context.Context, ai peer.AddrInfo) error
}

// Resolver resolves an account address to an overlay peer id.
type Resolver interface {
	Lookup(ctx context.Context, address string) (peer.ID, error)
}

// PublicKeyGetter fetches a recipient's encryption public key.
type PublicKeyGetter interface {
	GetPublicKey(ctx context.Context, address string) (string, error)
}

// Delivery is the shape handed off to the local API on every accepted
// inbound message.
type Delivery struct {
	MessageID   string
	FromAgentID string
	ToAgentID   string
	Content     []byte
	TimestampMs int64
}

// Metrics is the narrow subset of *overlay.Metrics messaging increments;
// kept as an interface so this package does not import the prometheus
// client directly.
type Metrics interface {
	MessageSent(result string)
	MessageReceived(result string)
}

// Messaging is the node's application-message component.
type Messaging struct {
	id            *identity.Identity
	selfAddress   string
	overlay       Overlay
	resolver      Resolver
	pubkeys       PublicKeyGetter
	useEncryption bool
	role          config.Role

	seen *lru.Cache

	metrics Metrics
	log     corelog.Logger
	audit   AuditLogger

	onDeliver func(Delivery)
}

// AuditLogger is the narrow subset of *overlay.AuditLogger messaging needs.
type AuditLogger interface {
	SignatureInvalid(messageID, fromAgentID string)
}

// Config configures New.
type Config struct {
	Identity      *identity.Identity
	Overlay       Overlay
	Resolver      Resolver
	PublicKeys    PublicKeyGetter
	UseEncryption bool
	Role          config.Role
	Metrics       Metrics
	Audit         AuditLogger
	Logger        corelog.Logger
	// OnDeliver is invoked for every message accepted for local delivery;
	// the local API wires this to its fan-out.
	OnDeliver func(Delivery)
}

// New creates a Messaging component. seenSetSize bounds the replay
// de-duplication LRU keyed by (messageId, fromAgentId).
func New(cfg Config, seenSetSize int) (*Messaging, error) {
	if seenSetSize <= 0 {
		seenSetSize = 4096
	}
	seen, err := lru.New(seenSetSize)
	if err != nil {
		return nil, fmt.Errorf("messaging: create seen-set: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = corelog.Discard()
	}
	return &Messaging{
		id:            cfg.Identity,
		selfAddress:   strings.ToLower(cfg.Identity.AddressHex()),
		overlay:       cfg.Overlay,
		resolver:      cfg.Resolver,
		pubkeys:       cfg.PublicKeys,
		useEncryption: cfg.UseEncryption,
		role:          cfg.Role,
		seen:          seen,
		metrics:       cfg.Metrics,
		log:           log.With("component", "messaging"),
		audit:         cfg.Audit,
		onDeliver:     cfg.OnDeliver,
	}, nil
}

// Start subscribes to agent-messages and begins delivering inbound
// messages to OnDeliver.
func (m *Messaging) Start() error {
	return m.overlay.Subscribe(TopicMessages, m.handleInbound)
}

// Send resolves the recipient, makes a best-effort direct dial, encrypts
// when enabled, then builds, signs, and publishes the envelope. Returns
// the generated messageId on success.
func (m *Messaging) Send(ctx context.Context, toAddress string, content []byte, conversationID, replyTo string) (string, error) {
	toAddress = strings.ToLower(toAddress)

	peerID, err := m.resolver.Lookup(ctx, toAddress)
	if err != nil {
		m.countSent("no_route")
		return "", fmt.Errorf("%w: %s: %v", ErrNoRoute, toAddress, err)
	}

	// Best-effort direct dial; failure is non-fatal, the gossip mesh routes
	// around it.
	_ = m.overlay.Dial(ctx, peer.AddrInfo{ID: peerID})

	payload := content
	if m.useEncryption {
		pubHex, kerr := m.pubkeys.GetPublicKey(ctx, toAddress)
		if kerr != nil {
			m.countSent("encryption_error")
			return "", fmt.Errorf("%w: recipient key: %v", ErrEncryption, kerr)
		}
		ct, eerr := identity.Encrypt(pubHex, content)
		if eerr != nil {
			m.countSent("encryption_error")
			return "", fmt.Errorf("%w: %v", ErrEncryption, eerr)
		}
		payload = ct
	}

	nowMs := time.Now().UnixMilli()
	env := Envelope{
		MessageID:      fmt.Sprintf("%s-%d-%d", m.selfAddress, nowMs, rand.Int63()),
		FromAgentID:    m.selfAddress,
		ToAgentID:      toAddress,
		Content:        payload,
		Timestamp:      nowMs,
		Nonce:          nowMs,
		ConversationID: conversationID,
		ReplyTo:        replyTo,
	}

	canon, err := canonical(env)
	if err != nil {
		m.countSent("error")
		return "", fmt.Errorf("messaging: canonicalize: %w", err)
	}
	sig, err := m.id.Sign(canon)
	if err != nil {
		m.countSent("error")
		return "", fmt.Errorf("messaging: sign: %w", err)
	}
	env.Signature = sig

	wire, err := encodeWire(env, 0)
	if err != nil {
		m.countSent("error")
		return "", fmt.Errorf("messaging: encode: %w", err)
	}

	if err := m.overlay.Publish(ctx, TopicMessages, wire); err != nil {
		m.countSent("publish_failed")
		return "", fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	m.countSent("ok")
	return env.MessageID, nil
}

// SignedAnnouncement implements directory.Announcer: it builds and signs a
// gossip announcement envelope, reusing the same sign/canonicalize path as
// application messages so the directory never touches signing directly.
func (m *Messaging) SignedAnnouncement(displayName string, addrs []ma.Multiaddr) ([]byte, error) {
	strs := make([]string, 0, len(addrs))
	for _, a := range addrs {
		strs = append(strs, a.String())
	}
	content := strings.Join(strs, ",")
	if displayName != "" {
		content = displayName + "|" + content
	}

	nowMs := time.Now().UnixMilli()
	env := Envelope{
		MessageID:   fmt.Sprintf("%s-announce-%d", m.selfAddress, nowMs),
		FromAgentID: m.selfAddress,
		Content:     []byte(content),
		Timestamp:   nowMs,
		Nonce:       nowMs,
	}
	canon, err := canonical(env)
	if err != nil {
		return nil, err
	}
	sig, err := m.id.Sign(canon)
	if err != nil {
		return nil, err
	}
	env.Signature = sig
	return encodeWire(env, 0)
}

// handleInbound verifies, de-duplicates, filters, and delivers one
// inbound message.
func (m *Messaging) handleInbound(data []byte, _ peer.ID) {
	env, hops, err := decodeWire(data)
	if err != nil {
		m.countReceived("malformed")
		return
	}

	canon, err := canonical(env)
	if err != nil {
		m.countReceived("malformed")
		return
	}
	if !identity.Verify(env.FromAgentID, canon, env.Signature) {
		if m.audit != nil {
			m.audit.SignatureInvalid(env.MessageID, env.FromAgentID)
		}
		m.countReceived("signature_invalid")
		return
	}

	seenKey := env.MessageID + "|" + strings.ToLower(env.FromAgentID)
	if m.seen.Contains(seenKey) {
		m.countReceived("duplicate")
		return
	}
	m.seen.Add(seenKey, struct{}{})

	isForSelf := env.ToAgentID == "" || strings.EqualFold(env.ToAgentID, m.selfAddress)
	if !isForSelf {
		m.maybeRelay(env, hops)
		m.countReceived("not_for_me")
		return
	}

	plaintext := m.decryptOrPlaintext(env.Content)
	m.onDeliverSafe(Delivery{
		MessageID:   env.MessageID,
		FromAgentID: strings.ToLower(env.FromAgentID),
		ToAgentID:   strings.ToLower(env.ToAgentID),
		Content:     plaintext,
		TimestampMs: env.Timestamp,
	})
	m.countReceived("ok")
}

// maybeRelay: a SERVER node re-publishes an unmodified, still-signed
// envelope addressed to someone else, bounded at one hop so it can never
// loop.
func (m *Messaging) maybeRelay(env Envelope, hops int) {
	if m.role != config.RoleServer || hops >= maxRelayHops {
		return
	}
	wire, err := encodeWire(env, hops+1)
	if err != nil {
		return
	}
	if err := m.overlay.Publish(context.Background(), TopicMessages, wire); err != nil {
		m.log.Warn("relay publish failed", "message_id", env.MessageID, "error", err)
	}
}

// decryptOrPlaintext tries to decrypt and falls back to treating the
// payload as plaintext, so unencrypted senders still interoperate.
func (m *Messaging) decryptOrPlaintext(content []byte) []byte {
	pt, err := m.id.Decrypt(content)
	if err != nil {
		return content
	}
	return pt
}

func (m *Messaging) onDeliverSafe(d Delivery) {
	if m.onDeliver != nil {
		m.onDeliver(d)
	}
}

func (m *Messaging) countSent(result string) {
	if m.metrics != nil {
		m.metrics.MessageSent(result)
	}
}

func (m *Messaging) countReceived(result string) {
	if m.metrics != nil {
		m.metrics.MessageReceived(result)
	}
}
