package messaging

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/shurlinet/agentmesh/internal/config"
	"github.com/shurlinet/agentmesh/internal/identity"
)

// busOverlay is a fake Overlay that delivers every Publish synchronously to
// every Subscribe-d handler on the same topic, simulating a single-process
// gossip mesh for end-to-end send/receive tests.
type busOverlay struct {
	mu       sync.Mutex
	handlers map[string][]func(data []byte, from peer.ID)
	self     peer.ID
}

func newBusOverlay(self peer.ID) *busOverlay {
	return &busOverlay{handlers: make(map[string][]func([]byte, peer.ID)), self: self}
}

func (b *busOverlay) Subscribe(topic string, h func([]byte, peer.ID)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
	return nil
}

func (b *busOverlay) Publish(_ context.Context, topic string, data []byte) error {
	b.mu.Lock()
	hs := append([]func([]byte, peer.ID){}, b.handlers[topic]...)
	b.mu.Unlock()
	for _, h := range hs {
		h(data, b.self)
	}
	return nil
}

func (b *busOverlay) Dial(context.Context, peer.AddrInfo) error { return nil }

type fakeResolver map[string]peer.ID

func (f fakeResolver) Lookup(_ context.Context, address string) (peer.ID, error) {
	if p, ok := f[address]; ok {
		return p, nil
	}
	return "", ErrNoRoute
}

type fakePublicKeys map[string]string

func (f fakePublicKeys) GetPublicKey(_ context.Context, address string) (string, error) {
	return f[address], nil
}

func newIdentity(t *testing.T) *identity.Identity {
	var secret [32]byte
	_, err := rand.Read(secret[:])
	require.NoError(t, err)
	id, err := identity.New(secret)
	require.NoError(t, err)
	return id
}

func TestSendThenReceivePlaintext(t *testing.T) {
	idA := newIdentity(t)
	idB := newIdentity(t)
	bus := newBusOverlay("self")

	resolver := fakeResolver{idB.AddressHex(): "peerB"}

	var delivered []Delivery
	b, err := New(Config{
		Identity: idB,
		Overlay:  bus,
		Resolver: resolver,
		Logger:   nil,
		OnDeliver: func(d Delivery) {
			delivered = append(delivered, d)
		},
	}, 0)
	require.NoError(t, err)
	require.NoError(t, b.Start())

	a, err := New(Config{Identity: idA, Overlay: bus, Resolver: resolver}, 0)
	require.NoError(t, err)

	msgID, err := a.Send(context.Background(), idB.AddressHex(), []byte("hello"), "", "")
	require.NoError(t, err)
	require.NotEmpty(t, msgID)

	require.Len(t, delivered, 1)
	require.Equal(t, "hello", string(delivered[0].Content))
	require.Equal(t, msgID, delivered[0].MessageID)
}

func TestWrongRecipientIsSilent(t *testing.T) {
	idA := newIdentity(t)
	idB := newIdentity(t)
	idC := newIdentity(t)
	bus := newBusOverlay("self")

	resolver := fakeResolver{
		idB.AddressHex(): "peerB",
		idC.AddressHex(): "peerC",
	}

	var delivered []Delivery
	b, err := New(Config{
		Identity:  idB,
		Overlay:   bus,
		Resolver:  resolver,
		OnDeliver: func(d Delivery) { delivered = append(delivered, d) },
	}, 0)
	require.NoError(t, err)
	require.NoError(t, b.Start())

	a, err := New(Config{Identity: idA, Overlay: bus, Resolver: resolver}, 0)
	require.NoError(t, err)

	_, err = a.Send(context.Background(), idC.AddressHex(), []byte("hi"), "", "")
	require.NoError(t, err)

	require.Empty(t, delivered)
}

func TestTamperedSignatureDropped(t *testing.T) {
	idA := newIdentity(t)
	idB := newIdentity(t)
	bus := newBusOverlay("self")
	resolver := fakeResolver{idB.AddressHex(): "peerB"}

	var delivered []Delivery
	b, err := New(Config{
		Identity:  idB,
		Overlay:   bus,
		Resolver:  resolver,
		OnDeliver: func(d Delivery) { delivered = append(delivered, d) },
	}, 0)
	require.NoError(t, err)
	require.NoError(t, b.Start())

	// Publish a hand-crafted, tampered envelope directly on the bus.
	env := Envelope{
		MessageID:   "fake-1",
		FromAgentID: idA.AddressHex(),
		ToAgentID:   idB.AddressHex(),
		Content:     []byte("hi"),
		Timestamp:   1,
		Nonce:       1,
	}
	canon, err := canonical(env)
	require.NoError(t, err)
	sig, err := idA.Sign(canon)
	require.NoError(t, err)
	sig[0] ^= 0xFF
	env.Signature = sig
	wire, err := encodeWire(env, 0)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), TopicMessages, wire))
	require.Empty(t, delivered)
}

func TestEncryptedSendProducesNonPlaintextWireBytes(t *testing.T) {
	idA := newIdentity(t)
	idB := newIdentity(t)
	bus := newBusOverlay("self")
	resolver := fakeResolver{idB.AddressHex(): "peerB"}
	pubkeys := fakePublicKeys{idB.AddressHex(): idB.EncryptionPublicKeyHex()}

	var wire []byte
	require.NoError(t, bus.Subscribe(TopicMessages, func(data []byte, _ peer.ID) {
		wire = data
	}))

	var delivered []Delivery
	b, err := New(Config{
		Identity:      idB,
		Overlay:       bus,
		Resolver:      resolver,
		PublicKeys:    pubkeys,
		UseEncryption: true,
		OnDeliver:     func(d Delivery) { delivered = append(delivered, d) },
	}, 0)
	require.NoError(t, err)
	require.NoError(t, b.Start())

	a, err := New(Config{
		Identity:      idA,
		Overlay:       bus,
		Resolver:      resolver,
		PublicKeys:    pubkeys,
		UseEncryption: true,
	}, 0)
	require.NoError(t, err)

	_, err = a.Send(context.Background(), idB.AddressHex(), []byte("hello"), "", "")
	require.NoError(t, err)

	require.NotContains(t, string(wire), "hello")
	require.Len(t, delivered, 1)
	require.Equal(t, "hello", string(delivered[0].Content))
}

func TestServerRelaysUnaddressedMessageOnce(t *testing.T) {
	idA := newIdentity(t)
	idB := newIdentity(t)
	idC := newIdentity(t)
	bus := newBusOverlay("self")
	resolver := fakeResolver{
		idB.AddressHex(): "peerB",
		idC.AddressHex(): "peerC",
	}

	server, err := New(Config{
		Identity: idB,
		Overlay:  bus,
		Resolver: resolver,
		Role:     config.RoleServer,
	}, 0)
	require.NoError(t, err)
	require.NoError(t, server.Start())

	var delivered []Delivery
	receiver, err := New(Config{
		Identity:  idC,
		Overlay:   bus,
		Resolver:  resolver,
		OnDeliver: func(d Delivery) { delivered = append(delivered, d) },
	}, 0)
	require.NoError(t, err)
	require.NoError(t, receiver.Start())

	a, err := New(Config{Identity: idA, Overlay: bus, Resolver: resolver}, 0)
	require.NoError(t, err)

	_, err = a.Send(context.Background(), idC.AddressHex(), []byte("relay me"), "", "")
	require.NoError(t, err)

	require.Len(t, delivered, 1)
	require.Equal(t, "relay me", string(delivered[0].Content))
}
