package identity

import "errors"

var (
	// ErrNotForMe is returned by Decrypt when the ciphertext's ephemeral key
	// does not combine with this identity's decryption key. This
	// is not necessarily a hard failure: the caller should fall back to
	// treating the payload as plaintext.
	ErrNotForMe = errors.New("identity: ciphertext not for this key")

	// ErrInvalidSecret is returned when a 32-byte secret fails to parse as
	// a secp256k1 scalar.
	ErrInvalidSecret = errors.New("identity: invalid 32-byte secret")

	// ErrMalformedPublicKey is returned when a hex-encoded public key from
	// registry metadata cannot be parsed as an uncompressed curve point.
	ErrMalformedPublicKey = errors.New("identity: malformed public key")
)
