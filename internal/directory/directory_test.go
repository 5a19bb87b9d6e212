package directory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/shurlinet/agentmesh/internal/corelog"
)

func newTestID(t *testing.T, seed byte) peer.ID {
	t.Helper()
	// Deterministic-enough fake peer ids for table-key purposes: real ids
	// are derived from libp2p keys elsewhere, tests only need distinct values.
	id, err := peer.Decode(fakeCID(seed))
	require.NoError(t, err)
	return id
}

// fakeCID returns one of three fixed, syntactically valid base58btc peer id
// strings (sha2-256 multihash "Qm..." form) so peer.Decode succeeds
// deterministically.
func fakeCID(seed byte) string {
	ids := []string{
		"QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN",
		"QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N",
		"QmTkzDwWqPbnAh5YiV5VwcTLnGdwSNsNTn2aNLXa2kfnYW",
	}
	return ids[int(seed)%len(ids)]
}

func TestDirectoryNeverContainsSelf(t *testing.T) {
	d := New("0xself", "", nil, nil, time.Minute, time.Second, corelog.Discard())
	p := newTestID(t, 0)
	d.OnDHTHit(p, "0xSELF")
	_, ok := d.PeerForAddress("0xself")
	require.False(t, ok)
	require.Empty(t, d.List())
}

func TestDirectoryWriteSourcesNormalizeCase(t *testing.T) {
	d := New("0xself", "", nil, nil, time.Minute, time.Second, corelog.Discard())
	p := newTestID(t, 1)
	d.OnDHTHit(p, "0xABCDEF")

	got, ok := d.PeerForAddress("0xabcdef")
	require.True(t, ok)
	require.Equal(t, p, got)
}

func TestDirectoryAnnouncementAddsDisplayNameAndMultiaddrs(t *testing.T) {
	d := New("0xself", "", nil, nil, time.Minute, time.Second, corelog.Discard())
	p := newTestID(t, 2)
	d.OnAnnouncement(p, "0xabc", "alice", nil)

	list := d.List()
	require.Len(t, list, 1)
	require.Equal(t, "alice", list[0].AgentName)
}

func TestDirectoryConnectOnlyEntryExcludedFromList(t *testing.T) {
	d := New("0xself", "", nil, nil, time.Minute, time.Second, corelog.Discard())
	p := newTestID(t, 0)
	d.OnConnect(p)

	require.Empty(t, d.List())
	addr, ok := d.AddressForPeer(p)
	require.False(t, ok)
	require.Empty(t, addr)
}

func TestDirectoryLookupLocalHit(t *testing.T) {
	d := New("0xself", "", nil, nil, time.Minute, time.Second, corelog.Discard())
	p := newTestID(t, 1)
	d.OnDHTHit(p, "0xabc")

	got, err := d.Lookup(context.Background(), "0xABC")
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestDirectoryLookupNotFoundWithoutOverlay(t *testing.T) {
	d := New("0xself", "", nil, nil, time.Minute, time.Second, corelog.Discard())
	_, err := d.Lookup(context.Background(), "0xdead")
	require.ErrorIs(t, err, ErrNotFound)
}

// fakeOverlay records DHT provides and topic publishes so the publish loop
// can run against it.
type fakeOverlay struct {
	mu        sync.Mutex
	provides  []string
	published [][]byte
}

func (f *fakeOverlay) PeerID() peer.ID            { return "" }
func (f *fakeOverlay) Multiaddrs() []ma.Multiaddr { return nil }

func (f *fakeOverlay) DHTProvide(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provides = append(f.provides, key)
	return nil
}

func (f *fakeOverlay) DHTFindProviders(context.Context, string) (<-chan peer.AddrInfo, error) {
	ch := make(chan peer.AddrInfo)
	close(ch)
	return ch, nil
}

func (f *fakeOverlay) Publish(_ context.Context, _ string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, data)
	return nil
}

func (f *fakeOverlay) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.provides), len(f.published)
}

type fakeAnnouncer struct {
	mu    sync.Mutex
	names []string
}

func (f *fakeAnnouncer) SignedAnnouncement(displayName string, _ []ma.Multiaddr) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, displayName)
	return []byte("announcement"), nil
}

// TestDirectoryPublishLoopProvidesAndAnnounces starts the periodic loop,
// which publishes the own binding once immediately, then stops it. goleak
// (TestMain) verifies the loop goroutine exits.
func TestDirectoryPublishLoopProvidesAndAnnounces(t *testing.T) {
	ov := &fakeOverlay{}
	ann := &fakeAnnouncer{}
	d := New("0xself", "node-a", ov, ann, time.Hour, time.Millisecond, corelog.Discard())

	d.Start(context.Background())
	require.Eventually(t, func() bool {
		provides, published := ov.counts()
		return provides == 1 && published == 1
	}, time.Second, 5*time.Millisecond)
	d.Stop()

	provides, _ := ov.counts()
	require.Equal(t, []string{"/eth/0xself"}, ov.provides[:provides])
	require.Equal(t, []string{"node-a"}, ann.names)
}

// TestDirectoryRepublishRateLimited: the minDHTUpdateInterval floor holds
// regardless of how often a republish is requested.
func TestDirectoryRepublishRateLimited(t *testing.T) {
	ov := &fakeOverlay{}
	d := New("0xself", "", ov, &fakeAnnouncer{}, time.Hour, time.Hour, corelog.Discard())
	d.ctx, d.cancel = context.WithCancel(context.Background())
	defer d.cancel()

	d.republishNow()
	d.republishNow()
	d.republishNow()

	provides, _ := ov.counts()
	require.Equal(t, 1, provides)
}
