package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	s := NewSigner(priv)
	require.Equal(t, pub, s.Public())

	msg := []byte("id || sender_id || inner_bytes")
	sig := s.Sign(msg)
	require.NoError(t, Verify(pub, msg, sig))
}

func TestVerifyRejectsFlippedSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s := NewSigner(priv)

	msg := []byte("hello")
	sig := s.Sign(msg)
	sig[0] ^= 0xFF

	err = Verify(pub, msg, sig)
	require.Error(t, err)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	s := NewSigner(priv)
	msg := []byte("hello")
	sig := s.Sign(msg)

	require.Error(t, Verify(otherPub, msg, sig))
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s := NewSigner(priv)

	sig := s.Sign([]byte("hello"))
	require.Error(t, Verify(pub, []byte("goodbye"), sig))
}

func TestNewSignerFromSeed(t *testing.T) {
	seed := make([]byte, SeedSize)
	_, err := rand.Read(seed)
	require.NoError(t, err)

	s, err := NewSignerFromSeed(seed)
	require.NoError(t, err)

	msg := []byte("hello")
	sig := s.Sign(msg)
	require.NoError(t, Verify(s.Public(), msg, sig))
}

func TestNewSignerFromSeedRejectsBadLength(t *testing.T) {
	_, err := NewSignerFromSeed(make([]byte, 10))
	require.Error(t, err)
}

func TestVerifyRejectsSmallOrderPublicKey(t *testing.T) {
	// The all-zero 32-byte string decodes to the point with y=0, which has
	// order 4 and must be rejected regardless of what signature follows.
	identity := make([]byte, PublicKeySize)
	sig := make([]byte, ed25519.SignatureSize)
	err := Verify(identity, []byte("hello"), sig)
	require.ErrorIs(t, err, ErrNonCanonicalPoint)
}
