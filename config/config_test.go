package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirectoryRoundTrip(t *testing.T) {
	pub1, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pub2, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	src := `
my_id = 1

[[nodes]]
id = 0
address = "10.0.0.1:9000"
public_key = "` + hex.EncodeToString(pub1) + `"

[[nodes]]
id = 1
address = "10.0.0.2:9000"
public_key = "` + hex.EncodeToString(pub2) + `"
`
	dir, err := ParseDirectoryBytes([]byte(src))
	require.NoError(t, err)
	require.Equal(t, 2, dir.N())
	require.Equal(t, uint16(1), dir.MeID())

	n0, ok := dir.Get(0)
	require.True(t, ok)
	require.Equal(t, "10.0.0.1:9000", n0.Address)
	require.Equal(t, ed25519.PublicKey(pub1), n0.VerifyingKey)

	out, err := EncodeDirectory(dir)
	require.NoError(t, err)

	reparsed, err := ParseDirectoryBytes(out)
	require.NoError(t, err)
	require.Equal(t, dir.N(), reparsed.N())
	require.Equal(t, dir.MeID(), reparsed.MeID())
}

func TestParseDirectoryRejectsEmpty(t *testing.T) {
	_, err := ParseDirectoryBytes(nil)
	require.Error(t, err)
}

func TestParseDirectoryRejectsBadPublicKeyHex(t *testing.T) {
	src := `
my_id = 0

[[nodes]]
id = 0
address = "10.0.0.1:9000"
public_key = "not-hex"
`
	_, err := ParseDirectoryBytes([]byte(src))
	require.Error(t, err)
}

func TestParseDirectoryRejectsWrongLengthPublicKey(t *testing.T) {
	src := `
my_id = 0

[[nodes]]
id = 0
address = "10.0.0.1:9000"
public_key = "aabbcc"
`
	_, err := ParseDirectoryBytes([]byte(src))
	require.Error(t, err)
}

func TestSignerRoundTrip(t *testing.T) {
	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)

	out, err := EncodeSigner(seed)
	require.NoError(t, err)

	tmp := t.TempDir() + "/key.toml"
	require.NoError(t, os.WriteFile(tmp, out, 0o600))

	signer, err := LoadSignerFile(tmp)
	require.NoError(t, err)

	msg := []byte("hello")
	sig := signer.Sign(msg)
	require.Len(t, sig, 64)
}

func TestFingerprintIsStableAndDistinguishesKeys(t *testing.T) {
	pub1, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pub2, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	require.Equal(t, Fingerprint(pub1), Fingerprint(pub1))
	require.NotEqual(t, Fingerprint(pub1), Fingerprint(pub2))
	require.Len(t, Fingerprint(pub1), 12)
}
