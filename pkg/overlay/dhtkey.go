package overlay

import (
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// dhtKeyToCID turns the directory's DHT key namespace string
// ("/eth/<lowercase-address>") into a content id suitable for
// Provide/FindProvidersAsync: hash the key bytes, wrap in a CIDv1.
func dhtKeyToCID(key string) (cid.Cid, error) {
	sum, err := mh.Sum([]byte(key), mh.SHA2_256, -1)
	if err != nil {
		return cid.Cid{}, fmt.Errorf("overlay: hash dht key %q: %w", key, err)
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}
