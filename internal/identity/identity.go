// Package identity derives an account address and an encryption keypair
// from a 32-byte secret, signs and verifies application messages, and
// encrypts/decrypts payloads under a recipient's encryption public key.
package identity

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
)

// Identity holds the secp256k1 keypair this node signs, verifies, encrypts
// and decrypts with. The secret never leaves this struct; no other
// component sees it.
type Identity struct {
	priv *ecdsa.PrivateKey

	address          common.Address
	encryptionPubHex string
}

// New derives an Identity from a 32-byte secret.
func New(secret [32]byte) (*Identity, error) {
	priv, err := crypto.ToECDSA(secret[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return fromPrivateKey(priv), nil
}

// NewFromHex derives an Identity from a hex-encoded 32-byte secret, with or
// without a leading "0x", the shape the PRIVATE_KEY env var takes.
func NewFromHex(secretHex string) (*Identity, error) {
	priv, err := crypto.HexToECDSA(trim0x(secretHex))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return fromPrivateKey(priv), nil
}

func fromPrivateKey(priv *ecdsa.PrivateKey) *Identity {
	address := crypto.PubkeyToAddress(priv.PublicKey)
	pubBytes := crypto.FromECDSAPub(&priv.PublicKey) // uncompressed, 65 bytes
	return &Identity{
		priv:             priv,
		address:          address,
		encryptionPubHex: hex.EncodeToString(pubBytes),
	}
}

// Address returns the 20-byte account address, the stable user-visible
// identity.
func (id *Identity) Address() common.Address { return id.address }

// AddressHex returns the lowercase-compared account address as a hex
// string, suitable for registry lookups and directory keys.
func (id *Identity) AddressHex() string {
	return lowercase(id.address.Hex())
}

// EncryptionPublicKeyHex returns the hex-encoded uncompressed curve point
// (65 bytes) that registry metadata's "publicKey" field carries.
func (id *Identity) EncryptionPublicKeyHex() string { return id.encryptionPubHex }

// Sign signs messageBytes (the canonical JSON encoding of an application
// message with its "signature" field omitted) and returns the
// 65-byte recoverable secp256k1 signature.
func (id *Identity) Sign(messageBytes []byte) ([]byte, error) {
	hash := crypto.Keccak256(messageBytes)
	sig, err := crypto.Sign(hash, id.priv)
	if err != nil {
		return nil, fmt.Errorf("identity: sign: %w", err)
	}
	return sig, nil
}

// Verify recovers the signer address from signature over messageBytes and
// reports whether it matches address, compared case-insensitively.
func Verify(address string, messageBytes, signature []byte) bool {
	if len(signature) != 65 {
		return false
	}
	hash := crypto.Keccak256(messageBytes)
	pub, err := crypto.SigToPub(hash, signature)
	if err != nil {
		return false
	}
	recovered := crypto.PubkeyToAddress(*pub)
	return strings.EqualFold(recovered.Hex(), address)
}

// Encrypt hybrid-encrypts plaintext under recipientPublicKey (the
// hex-encoded uncompressed curve point carried in registry metadata) using
// ECIES over the same curve identity addresses are derived from. The
// result is a self-contained ciphertext: ephemeral public key, IV, AES-CTR
// ciphertext, and a MAC tag.
func Encrypt(recipientPublicKeyHex string, plaintext []byte) ([]byte, error) {
	pub, err := ParsePublicKeyHex(recipientPublicKeyHex)
	if err != nil {
		return nil, err
	}
	eciesPub := ecies.ImportECDSAPublic(pub)
	ct, err := ecies.Encrypt(rand.Reader, eciesPub, plaintext, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: encrypt: %w", err)
	}
	return ct, nil
}

// Decrypt attempts to decrypt ciphertext with this identity's encryption
// key. Failure (wrong recipient, or the payload was never
// encrypted) is reported as ErrNotForMe; the caller is expected to fall
// back to treating ciphertext as plaintext UTF-8.
func (id *Identity) Decrypt(ciphertext []byte) ([]byte, error) {
	eciesPriv := ecies.ImportECDSA(id.priv)
	pt, err := eciesPriv.Decrypt(ciphertext, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotForMe, err)
	}
	return pt, nil
}

// ParsePublicKeyHex parses a hex-encoded uncompressed secp256k1 public key
// (65 bytes, as stored in registry metadata's "publicKey" field) into an
// ECDSA public key.
func ParsePublicKeyHex(publicKeyHex string) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(trim0x(publicKeyHex))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPublicKey, err)
	}
	pub, err := crypto.UnmarshalPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPublicKey, err)
	}
	return pub, nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func lowercase(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
