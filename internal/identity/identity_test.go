package identity

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func randomIdentity(t *rapid.T) *Identity {
	var secret [32]byte
	_, err := rand.Read(secret[:])
	require.NoError(t, err)
	id, err := New(secret)
	require.NoError(t, err)
	return id
}

// TestSignAndVerifyRoundTrip: signAndVerify(x)
// is a verification pass for any message bytes x.
func TestSignAndVerifyRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		id := randomIdentity(t)
		msg := []byte(rapid.StringN(0, 256, -1).Draw(t, "msg"))

		sig, err := id.Sign(msg)
		require.NoError(t, err)
		require.True(t, Verify(id.AddressHex(), msg, sig))
	})
}

func TestVerifyRejectsWrongAddress(t *testing.T) {
	var secret [32]byte
	_, err := rand.Read(secret[:])
	require.NoError(t, err)
	id, err := New(secret)
	require.NoError(t, err)

	msg := []byte("hello")
	sig, err := id.Sign(msg)
	require.NoError(t, err)

	require.False(t, Verify("0x0000000000000000000000000000000000000000", msg, sig))
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	var secret [32]byte
	_, err := rand.Read(secret[:])
	require.NoError(t, err)
	id, err := New(secret)
	require.NoError(t, err)

	msg := []byte("hello")
	sig, err := id.Sign(msg)
	require.NoError(t, err)

	tampered := append([]byte(nil), sig...)
	tampered[0] ^= 0xFF
	require.False(t, Verify(id.AddressHex(), msg, tampered))
}

// TestEncryptDecryptRoundTrip checks decrypt(encrypt(k, p), k) == p
// property for any plaintext and a matching keypair.
func TestEncryptDecryptRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		id := randomIdentity(t)
		plaintext := []byte(rapid.StringN(0, 256, -1).Draw(t, "plaintext"))

		ct, err := Encrypt(id.EncryptionPublicKeyHex(), plaintext)
		require.NoError(t, err)

		pt, err := id.Decrypt(ct)
		require.NoError(t, err)
		require.Equal(t, plaintext, pt)
	})
}

func TestDecryptWrongRecipientFails(t *testing.T) {
	var secretA, secretB [32]byte
	_, err := rand.Read(secretA[:])
	require.NoError(t, err)
	_, err = rand.Read(secretB[:])
	require.NoError(t, err)

	idA, err := New(secretA)
	require.NoError(t, err)
	idB, err := New(secretB)
	require.NoError(t, err)

	ct, err := Encrypt(idA.EncryptionPublicKeyHex(), []byte("secret"))
	require.NoError(t, err)

	_, err = idB.Decrypt(ct)
	require.ErrorIs(t, err, ErrNotForMe)
}

func TestNewFromHexAcceptsLeading0x(t *testing.T) {
	var secret [32]byte
	_, err := rand.Read(secret[:])
	require.NoError(t, err)
	id1, err := New(secret)
	require.NoError(t, err)

	hexSecret := "0x"
	for _, b := range secret {
		hexSecret += string("0123456789abcdef"[b>>4]) + string("0123456789abcdef"[b&0xf])
	}
	id2, err := NewFromHex(hexSecret)
	require.NoError(t, err)

	require.Equal(t, id1.AddressHex(), id2.AddressHex())
}
